package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/pulse/streaming"

	pulseclient "goa.design/goa-ai/core/stream/pulseclient"
)

const streamSinkName = "workers"

// StreamLaneOptions configures the broker-backed primary lane.
type StreamLaneOptions struct {
	// Client is the Pulse client wrapping the Redis connection. Required.
	Client pulseclient.Client
	// Partitions is the fixed set of stream names this lane instance
	// consumes (e.g. "queue:ops:0".."queue:ops:N-1"). Required.
	Partitions []string
	// Buffer sizes the per-partition decode buffer. Defaults to 64.
	Buffer int
}

// StreamLane implements Queue atop goa.design/pulse streams: one Redis
// Stream per run-partition, a single consumer group ("workers") per stream,
// and Pulse's own pending-entry-list reclaim standing in for XCLAIM-style
// takeover of a crashed worker's in-flight messages (spec §4.1).
//
// Pulse's Sink abstraction acks by event value, not by a caller-issued
// token, so StreamLane keeps an in-process table from issued claim tokens
// to the underlying *streaming.Event needed to Ack. Nack re-publishes a
// fresh entry at the requested visibility instead of adjusting the
// original entry's delivery time, since Redis Streams has no native
// delayed-visibility primitive; the stale original is Acked away.
type StreamLane struct {
	client     pulseclient.Client
	partitions []string
	buffer     int
	mu         sync.Mutex
	sinks      map[string]pulseclient.Sink
	streams    map[string]pulseclient.Stream
	pending    map[string]pendingClaim
}

type pendingClaim struct {
	stream string
	event  *streaming.Event
}

type wireOp struct {
	RunID     string    `json:"run_id"`
	OpIndex   int       `json:"op_index"`
	Attempt   int       `json:"attempt"`
	VisibleAt time.Time `json:"visible_at"`
}

// NewStreamLane builds a StreamLane over the given partitions.
func NewStreamLane(opts StreamLaneOptions) (*StreamLane, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if len(opts.Partitions) == 0 {
		return nil, errors.New("at least one partition is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &StreamLane{
		client:     opts.Client,
		partitions: append([]string(nil), opts.Partitions...),
		buffer:     buffer,
		sinks:      make(map[string]pulseclient.Sink),
		streams:    make(map[string]pulseclient.Stream),
		pending:    make(map[string]pendingClaim),
	}, nil
}

// Enqueue implements Queue.
func (l *StreamLane) Enqueue(ctx context.Context, runID string, opIndex int, visibleAt time.Time) error {
	stream, err := l.streamFor(runID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wireOp{RunID: runID, OpIndex: opIndex, VisibleAt: visibleAt})
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, "op", payload)
	return err
}

// Claim implements Queue. It drains up to max ready entries across every
// configured partition's sink, skipping (and immediately re-delivering via
// the sink's own pending-list semantics) entries whose visible_at has not
// yet elapsed.
func (l *StreamLane) Claim(ctx context.Context, worker string, max int, invisibility time.Duration) ([]Message, error) {
	var out []Message
	for _, streamName := range l.partitions {
		if len(out) >= max {
			break
		}
		claimed, err := l.claimFromStream(ctx, streamName, max-len(out), invisibility)
		if err != nil {
			return out, err
		}
		out = append(out, claimed...)
	}
	return out, nil
}

// claimFromStream drains up to max ready entries from a single partition's
// sink without blocking once the channel has no immediately-available event.
func (l *StreamLane) claimFromStream(ctx context.Context, streamName string, max int, invisibility time.Duration) ([]Message, error) {
	sink, err := l.sinkFor(ctx, streamName)
	if err != nil {
		return nil, err
	}
	ch := sink.Subscribe()
	var out []Message
	for len(out) < max {
		var evt *streaming.Event
		select {
		case e, ok := <-ch:
			if !ok {
				return out, nil
			}
			evt = e
		default:
			return out, nil
		}

		var op wireOp
		if err := json.Unmarshal(evt.Payload, &op); err != nil {
			_ = sink.Ack(ctx, evt)
			continue
		}
		if op.VisibleAt.After(time.Now()) {
			continue
		}
		token := streamName + "/" + evt.ID
		l.mu.Lock()
		l.pending[token] = pendingClaim{stream: streamName, event: evt}
		l.mu.Unlock()
		out = append(out, Message{
			RunID:      op.RunID,
			OpIndex:    op.OpIndex,
			Partition:  streamName,
			Attempt:    op.Attempt + 1,
			ClaimToken: token,
			ClaimedAt:  time.Now(),
			VisibleAt:  time.Now().Add(invisibility),
		})
	}
	return out, nil
}

// Ack implements Queue.
func (l *StreamLane) Ack(ctx context.Context, msg Message) error {
	l.mu.Lock()
	pc, ok := l.pending[msg.ClaimToken]
	delete(l.pending, msg.ClaimToken)
	l.mu.Unlock()
	if !ok {
		return ErrNotClaimed
	}
	sink, err := l.sinkFor(ctx, pc.stream)
	if err != nil {
		return err
	}
	return sink.Ack(ctx, pc.event)
}

// Nack implements Queue: it acks the stale delivery and republishes a fresh
// entry scheduled at visibleAt, since the stream has no way to rewind a
// delivered entry's visibility in place.
func (l *StreamLane) Nack(ctx context.Context, msg Message, visibleAt time.Time) error {
	l.mu.Lock()
	pc, ok := l.pending[msg.ClaimToken]
	delete(l.pending, msg.ClaimToken)
	l.mu.Unlock()
	if !ok {
		return ErrNotClaimed
	}
	sink, err := l.sinkFor(ctx, pc.stream)
	if err != nil {
		return err
	}
	if err := sink.Ack(ctx, pc.event); err != nil {
		return err
	}
	return l.Enqueue(ctx, msg.RunID, msg.OpIndex, visibleAt)
}

// Extend implements Queue. Pulse's sink reclaims entries left pending past
// the consumer group's own idle threshold; Extend is a liveness signal for
// the worker-side heartbeat tracker only and does not need to touch Redis.
func (l *StreamLane) Extend(_ context.Context, msg Message, _ time.Duration) error {
	l.mu.Lock()
	_, ok := l.pending[msg.ClaimToken]
	l.mu.Unlock()
	if !ok {
		return ErrNotClaimed
	}
	return nil
}

func (l *StreamLane) streamFor(runID string) (pulseclient.Stream, error) {
	name := "queue:ops:" + Partition(runID, 16)
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[name]; ok {
		return s, nil
	}
	s, err := l.client.Stream(name)
	if err != nil {
		return nil, err
	}
	l.streams[name] = s
	return s, nil
}

func (l *StreamLane) sinkFor(ctx context.Context, streamName string) (pulseclient.Sink, error) {
	l.mu.Lock()
	if sink, ok := l.sinks[streamName]; ok {
		l.mu.Unlock()
		return sink, nil
	}
	stream, ok := l.streams[streamName]
	l.mu.Unlock()
	if !ok {
		s, err := l.client.Stream(streamName)
		if err != nil {
			return nil, err
		}
		stream = s
		l.mu.Lock()
		l.streams[streamName] = stream
		l.mu.Unlock()
	}
	sink, err := stream.NewSink(ctx, streamSinkName)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.sinks[streamName] = sink
	l.mu.Unlock()
	return sink, nil
}
