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

package inbound

import (
	"fmt"

	libval "github.com/go-playground/validator/v10"
	libdur "github.com/nabbar/golib/duration"
	liberr "github.com/nabbar/golib/errors"

	libhin "github/sabouaram/meshproxy/httpin"
	libhot "github/sabouaram/meshproxy/httpout"
	liblsn "github/sabouaram/meshproxy/listener"
)

// PortSet is a set of TCP ports used by the per-port predicates.
type PortSet map[uint16]bool

// Contains reports membership of the port.
func (s PortSet) Contains(p uint16) bool {
	return s[p]
}

// Ports builds a PortSet from a port list.
func Ports(p ...uint16) PortSet {
	s := make(PortSet, len(p))
	for _, v := range p {
		s[v] = true
	}

	return s
}

// Config is the full configuration of the inbound proxy core.
type Config struct {
	// Server is the inbound listen socket.
	Server liblsn.Config `json:"server" yaml:"server" toml:"server" mapstructure:"server" validate:"required"`

	// Connect describes how upstream connections are made.
	Connect libhot.Config `json:"connect" yaml:"connect" toml:"connect" mapstructure:"connect"`

	// Proxy tunes the request pipeline (buffering, admission, caching,
	// discovery gating).
	Proxy libhin.Config `json:"proxy" yaml:"proxy" toml:"proxy" mapstructure:"proxy"`

	// DetectProtocolTimeout bounds each protocol detection stage.
	DetectProtocolTimeout libdur.Duration `json:"detect_protocol_timeout,omitempty" yaml:"detect_protocol_timeout,omitempty" toml:"detect_protocol_timeout,omitempty" mapstructure:"detect_protocol_timeout,omitempty"`

	// RequireIdentityForInboundPorts refuses plain connections on these
	// ports when no verified client identity was negotiated.
	RequireIdentityForInboundPorts []uint16 `json:"require_identity_for_inbound_ports,omitempty" yaml:"require_identity_for_inbound_ports,omitempty" toml:"require_identity_for_inbound_ports,omitempty" mapstructure:"require_identity_for_inbound_ports,omitempty"`

	// DisableProtocolDetectionForPorts forwards these ports opaquely without
	// running any detection stage.
	DisableProtocolDetectionForPorts []uint16 `json:"disable_protocol_detection_for_ports,omitempty" yaml:"disable_protocol_detection_for_ports,omitempty" toml:"disable_protocol_detection_for_ports,omitempty" mapstructure:"disable_protocol_detection_for_ports,omitempty"`
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

	if er := c.Server.Validate(); er != nil {
		e.Add(er)
	}

	if !e.HasParent() {
		e = nil
	}

	return e
}
