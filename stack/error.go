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

package stack

import liberr "github.com/nabbar/golib/errors"

const (
	ErrorDispatchTimeout liberr.CodeError = iota + liberr.MinAvailable + 80
	ErrorOverCapacity
	ErrorBufferClosed
	ErrorBuild
	ErrorClosed
)

var isCodeError = false

func IsCodeError() bool {
	return isCodeError
}

func init() {
	isCodeError = liberr.ExistInMapMessage(ErrorDispatchTimeout)
	liberr.RegisterIdFctMessage(ErrorDispatchTimeout, getMessage)
}

func getMessage(code liberr.CodeError) (message string) {
	switch code {
	case ErrorDispatchTimeout:
		return "service was not ready before the dispatch timeout"
	case ErrorOverCapacity:
		return "service is over capacity"
	case ErrorBufferClosed:
		return "dispatch buffer is closed"
	case ErrorBuild:
		return "cannot build the service for this target"
	case ErrorClosed:
		return "cache is closed"
	}

	return liberr.NullMessage
}
