package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"logship-agent/internal/model"
)

// ErrNoEntriesToSend is the precondition failure for an empty batch. No
// network I/O is attempted and the caller does not treat it as a
// user-facing error.
var ErrNoEntriesToSend = errors.New("uploader: no entries to send")

// TransportError wraps a connectivity or timeout failure. The batch never
// reached the backend, or its acknowledgment was lost.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("uploader: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// BackendError is a structured rejection decoded from the backend's
// response body.
type BackendError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("uploader: backend rejected batch: %s (code %d, %s)", e.Message, e.Code, e.Status)
}

// TokenSource yields a usable bearer token, refreshing it if needed.
type TokenSource interface {
	Token(ctx context.Context) (model.AccessToken, error)
}

type resource struct {
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels"`
}

type writeRequest struct {
	Resource resource          `json:"resource"`
	Entries  []model.LogRecord `json:"entries"`
}

type writeResponse struct {
	Error *BackendError `json:"error"`
}

// Uploader performs the authenticated batch write against the backend. It
// never touches the durable queue and never retries: requeueing failed
// batches is the scheduler's job.
type Uploader struct {
	endpoint  string
	projectID string
	tokens    TokenSource
	client    *http.Client
}

func NewUploader(endpoint, projectID string, tokens TokenSource) *Uploader {
	return &Uploader{
		endpoint:  endpoint,
		projectID: projectID,
		tokens:    tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Write sends one batch. Precondition failures (empty batch, no usable
// token) are returned before any network I/O. Transport failures and
// backend rejections are classified distinctly so the cycle log can tell
// "network was down" from "backend refused the payload"; both leave
// requeueing to the caller.
func (u *Uploader) Write(ctx context.Context, entries []model.LogRecord) error {
	if len(entries) == 0 {
		return ErrNoEntriesToSend
	}

	tok, err := u.tokens.Token(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(writeRequest{
		Resource: resource{
			Type:   "global",
			Labels: map[string]string{"project_id": u.projectID},
		},
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("uploader: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := u.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Int("entries", len(entries)).Msg("Batch upload transport failure")
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	var wr writeResponse
	if len(respBody) > 0 {
		// An unparseable body only matters if the status is bad too.
		_ = json.Unmarshal(respBody, &wr)
	}
	if wr.Error != nil {
		log.Warn().Int("code", wr.Error.Code).Str("status", wr.Error.Status).Str("message", wr.Error.Message).Msg("Backend rejected batch")
		return wr.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BackendError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Status: resp.Status}
	}

	log.Debug().Int("entries", len(entries)).Msg("Batch upload accepted")
	return nil
}
