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

// Package detect identifies the protocol spoken on a freshly accepted stream
// by peeking a bounded prefix under a per-stage timeout.
//
// A Detector is parameterized by a Matcher that inspects the growing prefix
// and answers Match, NoMatch or NeedMore. On a verdict the peeked bytes are
// replayed to the inner handler through a prefixed connection, so detection
// never consumes stream bytes except those a matcher explicitly claims
// (the opaque transport header claims its frame).
//
// Stages compose: the connection returned by one stage is handed to the next
// stage, which therefore only ever sees the inner stream of the previous one.
package detect

import (
	"net"
	"time"
)

// Verdict is a matcher's answer for a given prefix.
type Verdict uint8

const (
	// VerdictNeedMore asks the detector to peek more bytes.
	VerdictNeedMore Verdict = iota

	// VerdictMatch accepts the stream.
	VerdictMatch

	// VerdictNoMatch rejects the stream; the caller runs its fallback.
	VerdictNoMatch
)

// Matcher inspects a peeked prefix. The prefix only ever grows between calls;
// eof is true when the stream ended before MaxPeek bytes arrived, in which
// case VerdictNeedMore is no longer an option.
//
// On VerdictMatch, value is the matcher's parsed result and consume is the
// count of leading prefix bytes claimed by the protocol itself: those bytes
// are stripped before replay. A plain recognizer returns consume zero so the
// inner handler observes the stream from its first byte.
type Matcher[T any] interface {
	Match(prefix []byte, eof bool) (v Verdict, value T, consume int)
}

// Detector drives one detection stage over a connection.
type Detector[T any] interface {
	// Detect peeks up to MaxPeek bytes within the stage timeout and returns
	// the matcher value together with a connection replaying every byte not
	// claimed by the matcher. The boolean is false on VerdictNoMatch, where
	// the returned connection still replays the full prefix so a fallback
	// handler can take over. A timeout or stream end before any verdict is
	// returned as an error and counted through the configured refusal
	// callback; a socket error is returned as an error without being counted.
	Detect(conn net.Conn) (T, net.Conn, bool, error)
}

// FuncRefused is invoked when a stage refuses a connection (timeout or EOF
// before verdict), typically bound to a metrics counter.
type FuncRefused func()

// New returns a Detector running the given matcher with a peek bound and a
// per-stage timeout. A zero or negative maxPeek falls back to DefaultMaxPeek
// and a zero timeout to DefaultTimeout. The refused callback may be nil.
func New[T any](m Matcher[T], maxPeek int, timeout time.Duration, refused FuncRefused) Detector[T] {
	if maxPeek < 1 {
		maxPeek = DefaultMaxPeek
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &dtc[T]{
		mtc: m,
		max: maxPeek,
		tmo: timeout,
		ref: refused,
	}
}

const (
	// DefaultMaxPeek bounds the peek buffer when no stage-specific bound is
	// configured.
	DefaultMaxPeek = 1024

	// DefaultTimeout is the default per-stage detection timeout.
	DefaultTimeout = 10 * time.Second
)
