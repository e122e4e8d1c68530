package collaboration

import (
	"log"
	"sync"

	"codepair/internal/models"
)

/*
LEARNING: TYPED EVENT BUS

Instead of a generic string-keyed event emitter, the bus keeps one
explicit subscriber list per event category. Subscribers implement a
small interface, so the compiler checks the contract and nothing can
subscribe to a typo.

Subscribers are notification-only: the core never waits on them for
correctness, and a panicking subscriber is isolated so it cannot take a
session down with it.
*/

// LifecycleSubscriber receives session membership and status events.
type LifecycleSubscriber interface {
	OnLifecycleEvent(event models.Event)
}

// DocumentSubscriber receives applied-operation and sync events.
type DocumentSubscriber interface {
	OnDocumentEvent(event models.Event)
}

// ConflictSubscriber receives conflict reports, including rejections.
type ConflictSubscriber interface {
	OnConflictEvent(event models.Event)
}

// Bus fans domain events out to registered subscribers.
type Bus struct {
	mu        sync.RWMutex
	lifecycle []LifecycleSubscriber
	document  []DocumentSubscriber
	conflict  []ConflictSubscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeLifecycle registers a lifecycle subscriber.
func (b *Bus) SubscribeLifecycle(s LifecycleSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lifecycle = append(b.lifecycle, s)
}

// SubscribeDocument registers a document subscriber.
func (b *Bus) SubscribeDocument(s DocumentSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.document = append(b.document, s)
}

// SubscribeConflict registers a conflict subscriber.
func (b *Bus) SubscribeConflict(s ConflictSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conflict = append(b.conflict, s)
}

// PublishLifecycle delivers a lifecycle event to all subscribers.
func (b *Bus) PublishLifecycle(event models.Event) {
	b.mu.RLock()
	subs := make([]LifecycleSubscriber, len(b.lifecycle))
	copy(subs, b.lifecycle)
	b.mu.RUnlock()

	for _, s := range subs {
		notify(func() { s.OnLifecycleEvent(event) })
	}
}

// PublishDocument delivers a document event to all subscribers.
func (b *Bus) PublishDocument(event models.Event) {
	b.mu.RLock()
	subs := make([]DocumentSubscriber, len(b.document))
	copy(subs, b.document)
	b.mu.RUnlock()

	for _, s := range subs {
		notify(func() { s.OnDocumentEvent(event) })
	}
}

// PublishConflict delivers a conflict event to all subscribers.
func (b *Bus) PublishConflict(event models.Event) {
	b.mu.RLock()
	subs := make([]ConflictSubscriber, len(b.conflict))
	copy(subs, b.conflict)
	b.mu.RUnlock()

	for _, s := range subs {
		notify(func() { s.OnConflictEvent(event) })
	}
}

// notify shields the publisher from a misbehaving subscriber.
func notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  event subscriber panicked: %v", r)
		}
	}()
	fn()
}
