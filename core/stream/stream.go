// Package stream implements the Result/Event Stream (spec §4.8, C8): a thin
// wrapper over goa.design/pulse streams exposing a publish/tail surface for
// run and operation lifecycle events. It is grounded in core/stream/pulseclient
// (the Pulse/Redis Stream wrapper the Durable Queue's StreamLane already uses
// for its primary lane) and in the teacher's per-key temporary-stream idiom,
// generalized from "one stream per tool_use_id" to "one stream per run_id" so
// a subscriber can tail a run live.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	pulseclient "goa.design/goa-ai/core/stream/pulseclient"
)

// Event is one published run/op lifecycle transition.
type Event struct {
	RunID   string          `json:"run_id"`
	OpIndex int             `json:"op_index,omitempty"`
	Kind    string          `json:"kind"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	At      time.Time       `json:"at"`
}

// Publisher publishes run/op lifecycle events to their run's stream.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscription is a live tail of a single run's events.
type Subscription interface {
	// Events yields events as they arrive. The channel closes when the
	// underlying sink is closed or the run's stream is destroyed.
	Events() <-chan Event
	// Close releases the sink's consumer group.
	Close(ctx context.Context)
}

// Tailer opens a live Subscription for a run.
type Tailer interface {
	Tail(ctx context.Context, runID string) (Subscription, error)
}

// EventStream is the full C8 surface: Publisher for writers (core/audit's
// StreamFanout is the one writer in this module) and Tailer for readers.
type EventStream interface {
	Publisher
	Tailer
}

func streamNameForRun(runID string) string {
	return fmt.Sprintf("run:events:%s", runID)
}

// pulseStream implements EventStream atop a pulseclient.Client, one Pulse
// stream per run.
type pulseStream struct {
	client pulseclient.Client
}

// New builds an EventStream backed by client.
func New(client pulseclient.Client) EventStream {
	return &pulseStream{client: client}
}

// Publish implements Publisher.
func (s *pulseStream) Publish(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	str, err := s.client.Stream(streamNameForRun(evt.RunID))
	if err != nil {
		return fmt.Errorf("stream: open stream for run %s: %w", evt.RunID, err)
	}
	_, err = str.Add(ctx, evt.Kind, payload)
	return err
}

// Tail implements Tailer. Every call opens its own consumer group, named
// uniquely per subscriber, so multiple subscribers can tail the same run
// independently without stealing each other's deliveries — mirroring
// registry.ResultStreamManager's one-sink-per-waiter shape.
func (s *pulseStream) Tail(ctx context.Context, runID string) (Subscription, error) {
	str, err := s.client.Stream(streamNameForRun(runID))
	if err != nil {
		return nil, fmt.Errorf("stream: open stream for run %s: %w", runID, err)
	}
	sinkName := "tail-" + uuid.New().String()
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("stream: open sink for run %s: %w", runID, err)
	}

	out := make(chan Event)
	sub := &pulseSubscription{sink: sink, out: out}
	go sub.pump()
	return sub, nil
}

type pulseSubscription struct {
	sink pulseclient.Sink
	out  chan Event
}

func (s *pulseSubscription) pump() {
	defer close(s.out)
	for raw := range s.sink.Subscribe() {
		var evt Event
		if err := json.Unmarshal(raw.Payload, &evt); err == nil {
			s.out <- evt
		}
		// Tail sinks never replay: ack immediately so the consumer group's
		// pending list doesn't grow unbounded for a subscriber that only
		// cares about events as they arrive.
		_ = s.sink.Ack(context.Background(), raw)
	}
}

func (s *pulseSubscription) Events() <-chan Event { return s.out }

func (s *pulseSubscription) Close(ctx context.Context) {
	s.sink.Close(ctx)
}
