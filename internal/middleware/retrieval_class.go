package middleware

import (
	"context"
	"net/http"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/rs/zerolog/log"
)

type contextKey string

const retrievalClassKey contextKey = "retrieval_class"

// RetrievalClassHeader selects the scheduler class of a request
const RetrievalClassHeader = "X-Retrieval-Class"

// RetrievalClass middleware reads the request class from the
// X-Retrieval-Class header. Requests without it are interactive.
func RetrievalClass(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := models.ClassInteraction
		if raw := r.Header.Get(RetrievalClassHeader); raw != "" {
			parsed, err := models.ParseRequestClass(raw)
			if err != nil {
				log.Warn().Err(err).Str("class", raw).Msg("Invalid retrieval class")
				http.Error(w, "Invalid X-Retrieval-Class (expected interaction, thumbnail or prefetch)", http.StatusBadRequest)
				return
			}
			class = parsed
		}

		ctx := context.WithValue(r.Context(), retrievalClassKey, class)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRetrievalClass extracts the request class from context
func GetRetrievalClass(ctx context.Context) models.RequestClass {
	if class, ok := ctx.Value(retrievalClassKey).(models.RequestClass); ok {
		return class
	}
	return models.ClassInteraction
}
