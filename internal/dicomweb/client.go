package dicomweb

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// Result is the parsed response to a single resource fetch. JSON and
// single-part kinds carry exactly one part.
type Result struct {
	Resource    models.Resource
	URL         string
	ContentType string
	Parts       []Part
}

// Bytes returns the total payload size
func (r *Result) Bytes() int {
	n := 0
	for _, p := range r.Parts {
		n += len(p.Body)
	}
	return n
}

type transferMode int

const (
	modeJSON transferMode = iota
	modeSinglePart
	modeMultipart
)

// Client fetches resources from one DICOMweb data source
type Client struct {
	source config.DataSource
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a client for a data source. A nil httpClient gets a
// default client using the configured request timeout.
func NewClient(source config.DataSource, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: source.RequestOptions.Timeout}
	}
	return &Client{
		source: source,
		client: httpClient,
		log:    logger.With().Str("component", "dicomweb").Str("data_source", source.Name).Logger(),
	}
}

// Name returns the data source name
func (c *Client) Name() string {
	return c.source.Name
}

// Capabilities lists the DICOMweb services the client uses
func (c *Client) Capabilities() []string {
	caps := []string{"QIDO-RS", "WADO-RS"}
	if !c.source.StaticWado {
		caps = append(caps, "WADO-URI")
	}
	return caps
}

// Fetch retrieves and demultiplexes a resource. Transient failures are
// retried with exponential backoff up to the configured attempt count.
func (c *Client) Fetch(ctx context.Context, res models.Resource) (*Result, error) {
	target, err := c.URL(res)
	if err != nil {
		return nil, err
	}
	accept, mode := c.negotiate(res.Kind)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.source.Retry.InitialInterval
	b.MaxInterval = c.source.Retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.source.Retry.MaxAttempts-1)), ctx)

	var result *Result
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.do(ctx, target, accept, mode)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().
			Err(err).
			Str("resource", res.String()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Transient archive failure, retrying")
	}

	start := time.Now()
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	result.Resource = res

	c.log.Debug().
		Str("resource", res.String()).
		Int("parts", len(result.Parts)).
		Int("bytes", result.Bytes()).
		Dur("duration", time.Since(start)).
		Msg("Fetched resource")

	return result, nil
}

// negotiate picks the Accept header and transfer mode for a kind
func (c *Client) negotiate(kind models.ResourceKind) (string, transferMode) {
	if kind.IsJSON() {
		return "application/dicom+json", modeJSON
	}

	var single, multi string
	switch kind {
	case models.KindInstance:
		single = "application/dicom"
		multi = `multipart/related; type="application/dicom"; transfer-syntax=*`
	case models.KindThumbnail:
		if c.source.ThumbnailRendering == "thumbnail" {
			return "image/jpeg", modeSinglePart
		}
		single = "application/octet-stream"
		multi = c.source.AcceptHeader
	case models.KindVideo:
		single = "video/mp4"
		multi = `multipart/related; type="video/mp4"`
	case models.KindPDF:
		single = "application/pdf"
		multi = `multipart/related; type="application/pdf"`
	default:
		single = "application/octet-stream"
		multi = c.source.AcceptHeader
	}

	if c.source.Singlepart.Contains(kind) {
		return single, modeSinglePart
	}
	if c.source.OmitQuotationForMultipartRequest {
		multi = strings.ReplaceAll(multi, `"`, "")
	}
	return multi, modeMultipart
}

func (c *Client) do(ctx context.Context, target, accept string, mode transferMode) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.source.RequestOptions.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", accept)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &AuthorizationError{URL: target, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &NetworkError{URL: target, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNoContent && mode == modeJSON:
		// Empty search results.
		return jsonResult(target, []byte("[]")), nil
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{URL: target, StatusCode: resp.StatusCode, Body: string(body)}
	}

	contentType := resp.Header.Get("Content-Type")
	result := &Result{URL: target, ContentType: contentType}

	// Archives may answer a multipart request with a bare body, with or
	// without a Content-Type. Only a malformed header is a parse failure.
	if mode == modeMultipart && contentType != "" {
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, &ParseError{Op: "content-type", Err: err}
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			parts, err := readMultipart(resp.Body, params["boundary"])
			if err != nil {
				if IsParse(err) {
					return nil, err
				}
				return nil, &NetworkError{URL: target, Err: err}
			}
			result.Parts = parts
			return result, nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	result.Parts = []Part{{Header: header, Body: body}}
	return result, nil
}

func readMultipart(r io.Reader, boundary string) ([]Part, error) {
	p, err := NewParser(boundary)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(p, r); err != nil {
		return nil, err
	}
	if err := p.Close(); err != nil {
		return nil, err
	}
	return p.Parts(), nil
}

func jsonResult(target string, body []byte) *Result {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "application/dicom+json")
	return &Result{
		URL:         target,
		ContentType: "application/dicom+json",
		Parts:       []Part{{Header: header, Body: body}},
	}
}

// TestConnection runs a one-row study search against the archive
func (c *Client) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		LastChecked: start,
	}

	_, err := c.Fetch(ctx, models.Resource{
		Kind:  models.KindStudySearch,
		Query: models.QueryParams{Limit: 1},
	})

	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		status.IsConnected = false
		status.ErrorMessage = err.Error()
		return status, err
	}

	status.IsConnected = true
	status.Capabilities = c.Capabilities()
	return status, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

