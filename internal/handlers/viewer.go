package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/dicom-viewer-core/internal/commands"
	"github.com/otcheredev/dicom-viewer-core/internal/middleware"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/otcheredev/dicom-viewer-core/internal/services"
)

type ViewerHandler struct {
	viewer *services.ViewerService
}

func NewViewerHandler(viewer *services.ViewerService) *ViewerHandler {
	return &ViewerHandler{viewer: viewer}
}

// Routes mounts the viewer endpoints
func (h *ViewerHandler) Routes(r chi.Router) {
	r.Get("/studies", h.SearchStudies)
	r.Get("/studies/{studyUID}/series", h.ListSeries)
	r.Post("/studies/{studyUID}/activate", h.ActivateStudy)
	r.Get("/layout", h.GetLayout)
	r.Put("/protocol", h.SetProtocol)
	r.Get("/protocols", h.ListProtocols)
	r.Get("/stats", h.Stats)
	r.Get("/hotkeys", h.ListHotkeys)
	r.Post("/hotkeys/{key}", h.DispatchHotkey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RetrievalClass)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", h.GetInstance)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/frames/{frame}", h.GetFrame)
	})
}

// SearchStudies handles study search through the scheduler and matcher
func (h *ViewerHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := models.QueryParams{
		PatientID:        q.Get("PatientID"),
		PatientName:      q.Get("PatientName"),
		StudyDate:        q.Get("StudyDate"),
		AccessionNumber:  q.Get("AccessionNumber"),
		Modality:         q.Get("ModalitiesInStudy"),
		StudyDescription: q.Get("StudyDescription"),
	}
	if limit := q.Get("limit"); limit != "" {
		params.Limit, _ = strconv.Atoi(limit)
	}
	if offset := q.Get("offset"); offset != "" {
		params.Offset, _ = strconv.Atoi(offset)
	}

	studies, err := h.viewer.SearchStudies(r.Context(), params)
	if err != nil {
		writeError(w, err, "Failed to search studies")
		return
	}
	writeJSON(w, http.StatusOK, studies)
}

// ListSeries returns the lazily expanded series of a study
func (h *ViewerHandler) ListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := h.viewer.Series(r.Context(), chi.URLParam(r, "studyUID"))
	if err != nil {
		writeError(w, err, "Failed to list series")
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// ActivateStudy loads a study's display sets and applies the protocol
func (h *ViewerHandler) ActivateStudy(w http.ResponseWriter, r *http.Request) {
	layout, err := h.viewer.ActivateStudy(r.Context(), chi.URLParam(r, "studyUID"))
	if err != nil {
		writeError(w, err, "Failed to activate study")
		return
	}
	writeJSON(w, http.StatusOK, layout)
}

func (h *ViewerHandler) GetLayout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewer.Layout())
}

type protocolRequest struct {
	ProtocolID string `json:"protocol_id"`
	Stage      string `json:"stage"`
}

// SetProtocol switches the hanging protocol or stage
func (h *ViewerHandler) SetProtocol(w http.ResponseWriter, r *http.Request) {
	var req protocolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProtocolID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	layout, err := h.viewer.SelectProtocol(req.ProtocolID, req.Stage)
	if err != nil {
		writeError(w, err, "Failed to select protocol")
		return
	}
	writeJSON(w, http.StatusOK, layout)
}

func (h *ViewerHandler) ListProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewer.Protocols())
}

func (h *ViewerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.viewer.Stats())
}

// GetFrame returns one frame of pixel data. The scheduler class comes
// from the X-Retrieval-Class header.
func (h *ViewerHandler) GetFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := strconv.Atoi(chi.URLParam(r, "frame"))
	if err != nil || frame < 1 {
		http.Error(w, "Frame must be a positive integer", http.StatusBadRequest)
		return
	}

	entry, err := h.viewer.Frame(
		r.Context(),
		middleware.GetRetrievalClass(r.Context()),
		chi.URLParam(r, "studyUID"),
		chi.URLParam(r, "seriesUID"),
		chi.URLParam(r, "instanceUID"),
		frame,
	)
	if err != nil {
		writeError(w, err, "Failed to retrieve frame")
		return
	}
	if len(entry.Parts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Parts[0])))
	w.Write(entry.Parts[0])
}

// GetInstance returns the decoded header of a Part 10 instance
func (h *ViewerHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := h.viewer.Instance(
		r.Context(),
		middleware.GetRetrievalClass(r.Context()),
		chi.URLParam(r, "studyUID"),
		chi.URLParam(r, "seriesUID"),
		chi.URLParam(r, "instanceUID"),
	)
	if err != nil {
		writeError(w, err, "Failed to retrieve instance")
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

type hotkeyBinding struct {
	Command string   `json:"command"`
	Label   string   `json:"label"`
	Keys    []string `json:"keys"`
}

func (h *ViewerHandler) ListHotkeys(w http.ResponseWriter, r *http.Request) {
	bindings := h.viewer.Hotkeys()
	out := make([]hotkeyBinding, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, hotkeyBinding{Command: b.Command.Name(), Label: b.Label, Keys: b.Keys})
	}
	writeJSON(w, http.StatusOK, out)
}

type hotkeyResponse struct {
	Command        string `json:"command"`
	Handled        bool   `json:"handled"`
	ActiveViewport int    `json:"active_viewport"`
}

// DispatchHotkey runs the command bound to a key. Commands the session
// leaves to the renderer are reported with handled=false.
func (h *ViewerHandler) DispatchHotkey(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.viewer.HandleKey(chi.URLParam(r, "key"))
	handled := true
	if errors.Is(err, commands.ErrUnhandledCommand) {
		handled, err = false, nil
	}
	if err != nil {
		writeError(w, err, "Failed to dispatch hotkey")
		return
	}
	writeJSON(w, http.StatusOK, hotkeyResponse{
		Command:        cmd.Name(),
		Handled:        handled,
		ActiveViewport: h.viewer.ActiveViewport(),
	})
}
