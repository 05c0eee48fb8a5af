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

package queue

import "container/heap"

// subQueueOrder chooses which field of an Item a subQueue is kept
// sorted by.
type subQueueOrder int

// The orderings a subQueue can be created with.
const (
	orderReadyAt subQueueOrder = iota
	orderPriority
	orderReleaseAt
)

// subQueue is a min-heap of *Item, ordered according to its
// subQueueOrder. It backs each of a Queue's delay/ready/run
// sub-queues. Exactly the delay-by-readyAt behavior is what
// subqueue_test.go exercises: pushing items with descending delay and
// popping them back out in ascending delay (soonest-ready-first)
// order.
type subQueue struct {
	order subQueueOrder
	items []*Item
}

func newSubQueue(order subQueueOrder) *subQueue {
	sq := &subQueue{order: order}
	heap.Init(sq)
	return sq
}

// Len, Less, Swap, Push, Pop implement heap.Interface.
func (sq *subQueue) Len() int { return len(sq.items) }

func (sq *subQueue) Less(i, j int) bool {
	a, b := sq.items[i], sq.items[j]
	switch sq.order {
	case orderPriority:
		// higher priority pops first
		return a.priority > b.priority
	case orderReleaseAt:
		return a.releaseAt.Before(b.releaseAt)
	default: // orderReadyAt
		return a.readyAt.Before(b.readyAt)
	}
}

func (sq *subQueue) Swap(i, j int) {
	sq.items[i], sq.items[j] = sq.items[j], sq.items[i]
	sq.items[i].index = i
	sq.items[j].index = j
}

func (sq *subQueue) Push(x interface{}) {
	it := x.(*Item)
	it.index = len(sq.items)
	it.inSubQueue = sq
	sq.items = append(sq.items, it)
}

func (sq *subQueue) Pop() interface{} {
	old := sq.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	it.inSubQueue = nil
	sq.items = old[:n-1]
	return it
}

// push adds an item to the sub-queue.
func (sq *subQueue) push(it *Item) {
	heap.Push(sq, it)
}

// pop removes and returns the front item, or nil if empty.
func (sq *subQueue) pop() *Item {
	if sq.Len() == 0 {
		return nil
	}
	return heap.Pop(sq).(*Item)
}

// peek returns the front item without removing it, or nil if empty.
func (sq *subQueue) peek() *Item {
	if sq.Len() == 0 {
		return nil
	}
	return sq.items[0]
}

// remove takes an item out of the sub-queue, wherever it currently
// sits in the heap.
func (sq *subQueue) remove(it *Item) {
	if it.inSubQueue != sq || it.index < 0 || it.index >= len(sq.items) {
		return
	}
	heap.Remove(sq, it.index)
}

// update re-establishes heap order after one of an item's sort keys
// has changed in place.
func (sq *subQueue) update(it *Item) {
	if it.inSubQueue != sq || it.index < 0 {
		return
	}
	heap.Fix(sq, it.index)
}

// empty removes every item from the sub-queue.
func (sq *subQueue) empty() {
	for _, it := range sq.items {
		it.index = -1
		it.inSubQueue = nil
	}
	sq.items = nil
}
