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

// Package backoff computes exponential retry delays with bounded jitter.
//
// The delay sequence doubles from Min until it reaches Max and stays there;
// each delay is then widened by up to Jitter of itself. Reset re-arms the
// sequence after a successful attempt.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	libval "github.com/go-playground/validator/v10"
	liberr "github.com/nabbar/golib/errors"
)

// Config describes an exponential backoff policy.
type Config struct {
	// Min is the first retry delay.
	Min time.Duration `json:"min" yaml:"min" toml:"min" mapstructure:"min" validate:"required,min=1"`

	// Max caps the delay growth.
	Max time.Duration `json:"max" yaml:"max" toml:"max" mapstructure:"max" validate:"required,min=1,gtefield=Min"`

	// Jitter widens each delay by a random fraction of itself in [0, Jitter].
	Jitter float64 `json:"jitter" yaml:"jitter" toml:"jitter" mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// Backoff produces the retry delay sequence for one reconnect loop. It is
// safe for concurrent use, though a loop normally owns its instance.
type Backoff interface {
	// Next returns the delay to wait before the next attempt and advances
	// the sequence.
	Next() time.Duration

	// Reset re-arms the sequence; the next delay is Min again.
	Reset()

	// Wait sleeps for Next or until the context ends, returning the context
	// error in the latter case.
	Wait(ctx context.Context) error
}

func (c Config) Validate() liberr.Error {
	var e = ErrorValidatorError.Error(nil)

	if err := libval.New().Struct(c); err != nil {
		if er, ok := err.(*libval.InvalidValidationError); ok {
			e.Add(er)
		}

		for _, er := range err.(libval.ValidationErrors) {
			//nolint #goerr113
			e.Add(fmt.Errorf("config field '%s' is not validated by constraint '%s'", er.Namespace(), er.ActualTag()))
		}
	}

	if !e.HasParent() {
		e = nil
	}

	return e
}

// New returns a Backoff following the given policy.
func New(cfg Config) Backoff {
	return &bck{
		cfg: cfg,
		cur: cfg.Min,
	}
}

type bck struct {
	m   sync.Mutex
	cfg Config
	cur time.Duration
}

func (o *bck) Next() time.Duration {
	o.m.Lock()
	defer o.m.Unlock()

	d := o.cur

	if n := o.cur * 2; n < o.cfg.Max {
		o.cur = n
	} else {
		o.cur = o.cfg.Max
	}

	if o.cfg.Jitter > 0 {
		d += time.Duration(o.cfg.Jitter * rand.Float64() * float64(d))
	}

	return d
}

func (o *bck) Reset() {
	o.m.Lock()
	defer o.m.Unlock()

	o.cur = o.cfg.Min
}

func (o *bck) Wait(ctx context.Context) error {
	t := time.NewTimer(o.Next())
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
