/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package tap declares the passive observation contract: request and response
// metadata mirrored to out-of-band consumers without ever blocking the data
// path. The observation RPC surface is an external collaborator; this package
// carries the event type, the registry contract and a buffered in-process
// registry that drops on overflow.
package tap

import (
	"time"
)

// Direction tags an event with the side of the proxy that produced it.
type Direction uint8

const (
	// DirServer is the inbound server pipeline side.
	DirServer Direction = iota

	// DirClient is the upstream client pipeline side.
	DirClient
)

// Event is one request/response observation.
type Event struct {
	Direction Direction
	Authority string
	Method    string
	Path      string
	Status    int
	Latency   time.Duration
	RequestAt time.Time
}

// Registry receives mirrored events. Mirror must never block.
type Registry interface {
	Mirror(ev Event)
}

// NewNop returns a registry discarding every event.
func NewNop() Registry {
	return &nop{}
}

type nop struct{}

func (o *nop) Mirror(_ Event) {}

// New returns a buffered registry handing events to consumers through Events.
// When the buffer is full events are dropped, not queued: observation never
// backpressures the data path.
func New(buffer int) BufferedRegistry {
	if buffer < 1 {
		buffer = 64
	}

	return &buf{evt: make(chan Event, buffer)}
}

// BufferedRegistry is an in-process registry exposing the mirrored stream.
type BufferedRegistry interface {
	Registry

	// Events is the stream of mirrored events.
	Events() <-chan Event
}

type buf struct {
	evt chan Event
}

func (o *buf) Mirror(ev Event) {
	select {
	case o.evt <- ev:
	default:
	}
}

func (o *buf) Events() <-chan Event {
	return o.evt
}
