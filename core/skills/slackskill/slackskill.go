// Package slackskill implements the "slack.send" skill adapter (spec §4.3),
// using github.com/slack-go/slack for an actual provider client shape
// (slack.Client.PostMessage) instead of a hand-rolled HTTP call, matching
// spec.md's S3/S4 scenarios (a flaky downstream notification that must
// recover without double-posting).
package slackskill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/skillerr"
)

// Params is the canonical param shape for a Slack send.
type Params struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	// DedupKey is stored as the outbox entry's IdempotencyKey. Slack has no
	// native message-level dedup, and Deliver does not send the key to
	// Slack: only Channel and Text are posted.
	DedupKey string `json:"dedup_key,omitempty"`
}

// Result is the canonical result shape for a Slack send.
type Result struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"timestamp"`
}

// Adapter enqueues a Slack post as an outbox effect, same reasoning as
// httpskill.Adapter: the provider call itself only ever happens from the
// Outbox Processor's single-primary delivery loop.
type Adapter struct {
	Outbox outbox.Store
	NewID  func() string
}

// Execute implements skills.Adapter.
func (a *Adapter) Execute(ctx context.Context, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "marshal slack params: %v", err).WithRetryable(false)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, skillerr.New(skillerr.ParamMismatch, "decode slack params: %v", err).WithRetryable(false)
	}
	if p.Channel == "" || p.Text == "" {
		return nil, skillerr.New(skillerr.ParamMismatch, "slack skill requires channel and text").WithRetryable(false)
	}

	entry := outbox.Entry{
		ID:             a.NewID(),
		Target:         "slack",
		Payload:        raw,
		IdempotencyKey: p.DedupKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.Outbox.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("slackskill: enqueue outbox entry: %w", err)
	}
	return json.Marshal(Result{Channel: p.Channel})
}

// Deliver performs the actual Slack API call for an outbox entry; wired as
// the Outbox Processor's delivery callback for Target == "slack".
func Deliver(client *slack.Client) func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		var p Params
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		opts := []slack.MsgOption{slack.MsgOptionText(p.Text, false)}
		_, _, err := client.PostMessageContext(ctx, p.Channel, opts...)
		return err
	}
}
