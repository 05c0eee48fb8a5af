// Copyright © 2024 MoleQueue contributors.
//
//  This file is part of molequeue.
//
//  molequeue is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  molequeue is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

// Package event provides a minimal, typed replacement for the
// signal/slot observer pattern used throughout the original MoleQueue
// C++ sources. Spec §9 ("Signals and slots") asks for explicit
// subscribe/unsubscribe rather than a broadcast bus; Emitter is that,
// generic over the payload type of a single event.
package event

import "sync"

// Subscription identifies a handler registered with an Emitter, for
// later removal via Unsubscribe.
type Subscription int

// Emitter holds an ordered list of handlers for one event and calls
// them, in subscription order, whenever Emit is called. It is safe
// for concurrent use, though molequeue's single-threaded event loop
// (spec §5) means contention is not expected in practice.
type Emitter[T any] struct {
	mu       sync.Mutex
	handlers map[Subscription]func(T)
	order    []Subscription
	next     Subscription
}

// Subscribe registers handler to be called on every future Emit,
// returning a Subscription that can be passed to Unsubscribe.
func (e *Emitter[T]) Subscribe(handler func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Subscription]func(T))
	}
	id := e.next
	e.next++
	e.handlers[id] = handler
	e.order = append(e.order, id)
	return id
}

// Unsubscribe removes a previously-registered handler. It is a no-op
// if the subscription is unknown (e.g. already unsubscribed).
func (e *Emitter[T]) Unsubscribe(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[sub]; !ok {
		return
	}
	delete(e.handlers, sub)
	for i, id := range e.order {
		if id == sub {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit invokes every currently-subscribed handler, in subscription
// order, synchronously on the calling goroutine.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	order := make([]Subscription, len(e.order))
	copy(order, e.order)
	handlers := e.handlers
	e.mu.Unlock()

	for _, id := range order {
		if h, ok := handlers[id]; ok {
			h(v)
		}
	}
}
