// Package events is the in-process pub/sub bus carrying pipeline and
// operator events to the websocket hub and any other live subscriber.
// Envelopes follow CloudEvents 1.0.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the core.
const (
	TypeBookingTransition = "hr.kontomat.booking.transition"
	TypeBookingProposed   = "hr.kontomat.booking.proposed"
	TypeBookingApproved   = "hr.kontomat.booking.approved"
	TypeBookingExported   = "hr.kontomat.booking.exported"
	TypeSafetyRefusal     = "hr.kontomat.safety.refusal"
	TypeCorpusChange      = "hr.kontomat.corpus.change"
	TypeModelSwap         = "hr.kontomat.model.swap"
)

// Emitter is what the pipeline publishes through. The in-memory Bus and
// the Redis bus both satisfy it.
type Emitter interface {
	Emit(eventType, subject string, data map[string]any)
}

// CloudEvent is the CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data"`
}

func NewCloudEvent(eventType, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "kontomat/core",
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

func (ce *CloudEvent) JSON() ([]byte, error) { return json.Marshal(ce) }

// SSEFormat renders the event for Server-Sent Events streaming.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is the in-process bus. Delivery is best-effort: a subscriber that
// cannot keep up drops events rather than blocking the pipeline.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: map[string][]chan *CloudEvent{},
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the named event types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe detaches and closes the channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		kept := subs[:0]
		for _, s := range subs {
			if s != ch {
				kept = append(kept, s)
			}
		}
		b.subscribers[et] = kept
	}
	kept := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			kept = append(kept, s)
		}
	}
	b.allSubs = kept
	close(ch)
}

// Publish fans the event out to matching subscribers without blocking.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]any) {
	b.Publish(NewCloudEvent(eventType, subject, data))
}

// SubscriberCount reports active subscriptions, for the health surface.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
