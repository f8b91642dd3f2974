// Package bus provides the one-way, typed in-process event bus that replaces
// direct references between the cognitive, EIDOS, advisory, and promotion
// components. Publishing never blocks: each subscriber has a bounded buffer
// and messages are dropped (counted) when a subscriber falls behind.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"kait/internal/types"
)

// InsightUpserted is published by the cognitive store after every upsert.
type InsightUpserted struct {
	Key         string
	Category    string
	Statement   string
	Reliability float64
	New         bool
}

// StepSealed is published by EIDOS when a step reaches a terminal state.
type StepSealed struct {
	SessionID string
	EpisodeID string
	StepID    string
	Tool      string
	Decision  string
	Outcome   string
}

// DistillationCreated is published by the EIDOS aggregator.
type DistillationCreated struct {
	ID         string
	Type       string
	Statement  string
	Confidence float64
}

// AdviceEmitted is published by the advisory engine on every emitted call.
// AdviceIDs, Sources, and SourceKeys are parallel slices, one entry per
// emitted item.
type AdviceEmitted struct {
	SessionID  string
	Tool       string
	AdviceIDs  []string
	Sources    []string
	SourceKeys []string
	TS         time.Time
}

// EventProcessed is published by the pipeline for every event it consumed;
// the feedback matcher is its main subscriber.
type EventProcessed struct {
	Event types.Event
}

// Topic is a fan-out channel group for one message type.
type Topic[T any] struct {
	mu      sync.RWMutex
	subs    []chan T
	dropped atomic.Int64
}

// Subscribe returns a receive channel with the given buffer size. The channel
// is closed by Close.
func (t *Topic[T]) Subscribe(buffer int) <-chan T {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan T, buffer)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Publish delivers msg to every subscriber without blocking. A full
// subscriber buffer drops the message for that subscriber.
func (t *Topic[T]) Publish(msg T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		default:
			t.dropped.Add(1)
		}
	}
}

// Dropped returns the number of messages dropped across subscribers.
func (t *Topic[T]) Dropped() int64 {
	return t.dropped.Load()
}

// Close closes all subscriber channels.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

// Bus groups the kait topics. One Bus is owned by the Runtime and handed to
// each component at construction.
type Bus struct {
	InsightUpserted     Topic[InsightUpserted]
	StepSealed          Topic[StepSealed]
	DistillationCreated Topic[DistillationCreated]
	AdviceEmitted       Topic[AdviceEmitted]
	EventProcessed      Topic[EventProcessed]
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Close closes every topic.
func (b *Bus) Close() {
	b.InsightUpserted.Close()
	b.StepSealed.Close()
	b.DistillationCreated.Close()
	b.AdviceEmitted.Close()
	b.EventProcessed.Close()
}
