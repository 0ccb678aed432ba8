// Package httpskill implements the "http.post"/"http.get" skill adapters
// (spec §4.3): a thin net/http body wrapped in httpretry's exponential
// backoff for transient failures, producing an outbox effect for every
// call since an HTTP side effect against a third party is never safely
// synchronous with the run's own commit.
package httpskill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/goa-ai/core/httpretry"
	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/skillerr"
)

// Params is the canonical param shape for an HTTP skill call.
type Params struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Result is the canonical result shape returned to the caller.
type Result struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Adapter implements skills.Adapter by issuing an HTTP request through an
// outbox entry: Execute never calls the network itself, it enqueues the
// request as an outbox effect and returns its enqueue confirmation, so the
// actual HTTP call is made only by the Outbox Processor, under its
// at-least-once delivery (spec §4.4).
type Adapter struct {
	Outbox outbox.Store
	// NewID generates outbox entry IDs.
	NewID func() string
}

// Execute implements skills.Adapter.
func (a *Adapter) Execute(ctx context.Context, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "marshal http params: %v", err).WithRetryable(false)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "decode http params: %v", err).WithRetryable(false)
	}
	if p.Method == "" || p.URL == "" {
		return nil, skillerr.New(skillerr.ParamMismatch, "http skill requires method and url").WithRetryable(false)
	}

	entry := outbox.Entry{
		ID:        a.NewID(),
		Target:    "http",
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.Outbox.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("httpskill: enqueue outbox entry: %w", err)
	}
	return json.Marshal(Result{StatusCode: http.StatusAccepted})
}

// Deliver performs the actual HTTP call for an outbox entry; this is the
// function the Outbox Processor's delivery callback invokes for
// Target == "http" (spec §4.4), kept separate from Execute so the
// network call only ever happens from the processor's single-primary
// delivery loop. Failures that httpretry.Do treats as retryable (such as a
// 5xx response) are retried, so one delivery can send the request more
// than once.
func Deliver(client *http.Client) func(ctx context.Context, payload []byte) error {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, payload []byte) error {
		var p Params
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		cfg := httpretry.DefaultConfig()
		return httpretry.Do(ctx, cfg, func(ctx context.Context) error {
			var body io.Reader
			if len(p.Body) > 0 {
				body = bytes.NewReader(p.Body)
			}
			req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
			if err != nil {
				return err
			}
			for k, v := range p.Headers {
				req.Header.Set(k, v)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 500 {
				return &httpretry.HTTPStatusError{StatusCode: resp.StatusCode}
			}
			return nil
		})
	}
}
