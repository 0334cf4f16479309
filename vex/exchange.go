// Copyright (c) 2024, Google LLC All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vex

import (
	"errors"
	"fmt"
	"time"

	"github.com/eip130/go-hsm/bufmanager"
	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

// mapping is a caller buffer mapped for one exchange.
type mapping struct {
	bus    dmares.Address
	output bool
	// size is the number of bytes copied back, 0 for the whole buffer.
	size int
}

// exchange is one service request in progress. Buffers mapped through it
// are unmapped by run or abort.
type exchange struct {
	a        *Adapter
	id       uint16
	identity uint32
	tagged   bool
	maps     []mapping
}

func (a *Adapter) newExchange() *exchange {
	return &exchange{a: a, id: a.nextTokenID(), identity: a.opts.Identity}
}

// begin starts a service request on an active device.
func (a *Adapter) begin() (*exchange, error) {
	if p := a.PowerState(); p != PowerActive {
		return nil, fmt.Errorf("%w: device %v", PowerStateError, p)
	}
	return a.newExchange(), nil
}

// input maps data for the device to read.
func (x *exchange) input(data []byte) (dmares.Address, error) {
	bus, err := x.a.buf.Map(false, bufmanager.DirIn, data, 0)
	if err != nil {
		return 0, x.abort(fmt.Errorf("%w: input buffer: %v", NoMemory, err))
	}
	x.maps = append(x.maps, mapping{bus: bus})
	return bus, nil
}

// output maps data for the device to write and returns its bus address and
// reserved size. The firmware tags the buffer with the token ID.
func (x *exchange) output(data []byte) (dmares.Address, int, error) {
	id := x.id
	if x.a.opts.NoTokenIDWrite {
		id = 0
	}
	bus, err := x.a.buf.Map(false, bufmanager.DirOut, data, id)
	if err != nil {
		return 0, 0, x.abort(fmt.Errorf("%w: output buffer: %v", NoMemory, err))
	}
	x.maps = append(x.maps, mapping{bus: bus, output: true})
	x.tagged = !x.a.opts.NoTokenIDWrite
	return bus, x.a.buf.GetSize(bus), nil
}

// untaggedOutput maps data for the device to write without a token ID tag
// and returns its bus address and the size of data. The buffer is zeroed
// so that completion shows as non-zero content.
func (x *exchange) untaggedOutput(data []byte) (dmares.Address, int, error) {
	bus, err := x.a.buf.Map(false, bufmanager.DirOut, data, 0)
	if err != nil {
		return 0, 0, x.abort(fmt.Errorf("%w: output buffer: %v", NoMemory, err))
	}
	x.maps = append(x.maps, mapping{bus: bus, output: true})
	if err := x.a.buf.Zeroize(bus); err != nil {
		return 0, 0, x.abort(fmt.Errorf("%w: output buffer: %v", NoMemory, err))
	}
	return bus, len(data), nil
}

// release unmaps every buffer, copying outputs back when copyBack is set.
// It reports the first unmap failure.
func (x *exchange) release(copyBack bool) error {
	var first error
	for _, m := range x.maps {
		err := x.a.buf.Unmap(m.bus, m.output, copyBack && m.output, m.size)
		if err != nil && first == nil {
			first = err
		}
	}
	x.maps = nil
	return first
}

// abort unmaps every buffer without copying and returns err.
func (x *exchange) abort(err error) error {
	if rerr := x.release(false); rerr != nil {
		glog.Warningf("vex: token %#04x: releasing buffers: %v", x.id, rerr)
	}
	return err
}

// run exchanges cmd and unmaps the buffers. decode returns the result code;
// nil means the standard result code. The returned error is a Status when
// the adapter failed and a token.ResultError when the firmware rejected the
// token. Output is copied back only for a non-negative result code.
func (x *exchange) run(cmd *token.Command, decode func(*token.Result) token.Code) (*token.Result, error) {
	if decode == nil {
		decode = (*token.Result).Code
	}
	cmd.SetIdentity(x.identity)
	cmd.SetTokenID(x.id, x.tagged)
	op, _ := cmd.Operation()

	res := new(token.Result)
	start := time.Now()
	xerr := x.a.mb.Exchange(cmd, res)
	exchangeSeconds.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
	exchangesTotal.WithLabelValues(op.String()).Inc()

	code := token.CodeSuccess
	if xerr == nil {
		code = decode(res)
	}
	uerr := x.release(xerr == nil && code >= 0)

	var err error
	switch {
	case xerr != nil:
		s := exchangeStatus(xerr)
		glog.Warningf("vex: %v token %#04x: %v", op, x.id, xerr)
		err = fmt.Errorf("%w: %v", s, xerr)
		failuresTotal.WithLabelValues(op.String(), s.String()).Inc()
	case uerr != nil:
		s := unmapStatus(uerr)
		glog.Warningf("vex: %v token %#04x: %v", op, x.id, uerr)
		err = fmt.Errorf("%w: %v", s, uerr)
		failuresTotal.WithLabelValues(op.String(), s.String()).Inc()
	case code < 0:
		err = token.ResultError{Code: code}
		failuresTotal.WithLabelValues(op.String(), code.String()).Inc()
	}
	if glog.V(2) {
		glog.Infof("vex: %v token %#04x result %08x: %v", op, x.id, res[0], err)
	}
	return res, err
}

// ResultCode returns the firmware result code carried by err, and false
// when err is not a firmware rejection.
func ResultCode(err error) (token.Code, bool) {
	var re token.ResultError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return token.CodeSuccess, false
}
