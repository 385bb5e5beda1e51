package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Reply is what a traffic or hospital system answers to a request.
type Reply struct {
	Accepted  bool   `json:"accepted"`
	Reference string `json:"reference"`
	Message   string `json:"message,omitempty"`
}

// Sink delivers one request to an external system. The idempotency key is
// stable across retries of the same logical request.
type Sink interface {
	Send(ctx context.Context, idempotencyKey string, payload any) (Reply, error)
}

// PermanentError marks a rejection that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func isPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

type httpSink struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPSink(endpoint string) Sink {
	return &httpSink{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *httpSink) Send(ctx context.Context, idempotencyKey string, payload any) (Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, &PermanentError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("sink returned %s: %s", resp.Status, bytes.TrimSpace(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Reply{}, &PermanentError{Err: err}
		}
		return Reply{}, err
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("decode sink reply: %w", err)
	}
	return reply, nil
}
