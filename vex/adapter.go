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

// Package vex drives EIP-130 services through one mailbox.
//
// Every service follows the same pattern: take a token ID, map the data
// buffers, exchange the command token and unmap the buffers again. Output
// is copied back to the caller only when the firmware accepted the token
// and the device finished writing the buffer. Buffers that were mapped are
// always unmapped, whatever failed in between.
//
// An Adapter performs one exchange at a time per mailbox only if its
// callers do: Adapter does not serialize services. Callers sharing an
// Adapter between goroutines must hold a mailbox claim or their own lock.
package vex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eip130/go-hsm/bufmanager"
	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

// Options configure an Adapter. Zero fields take defaults.
type Options struct {
	// Mailbox is the mailbox used for token exchanges, 1 by default.
	Mailbox int
	// Identity is stored in every command token.
	Identity uint32
	// CryptoOfficer is the identity presented by Login.
	CryptoOfficer uint32
	Exchange      mailbox.ExchangeOptions
	Buffers       bufmanager.Options
	// NoTokenIDWrite disables token ID tags in output buffers; output is
	// then trusted as soon as the result token arrives.
	NoTokenIDWrite bool
	// NoKeyPairTokenID disables the tag for key pair generation only. Its
	// outputs are then taken as complete once they are no longer all zero.
	NoKeyPairTokenID bool
}

// PowerState is the power state of the device as seen by the adapter.
type PowerState int

// Power states.
const (
	PowerUnknown PowerState = iota
	PowerActive
	PowerSleep
)

func (p PowerState) String() string {
	switch p {
	case PowerActive:
		return "active"
	case PowerSleep:
		return "sleep"
	}
	return "unknown"
}

// maxDrain bounds the stale result tokens read at start up.
const maxDrain = 3

// Adapter runs services on an EIP-130.
type Adapter struct {
	dev    mailbox.Device
	dma    *dmares.Manager
	buf    *bufmanager.Manager
	mb     *mailbox.Mailbox
	claims *mailbox.Claims
	opts   Options
	hw     mailbox.Options

	lastID atomic.Uint32

	mu     sync.Mutex
	power  PowerState
	linked [mailbox.MaxMailboxes + 1]bool
}

// New connects to dev. It loads the firmware when the device asks for it,
// links the exchange mailbox and drops result tokens left over from an
// earlier user. dma must be the manager the device reads and writes
// through.
func New(dev mailbox.Device, dma *dmares.Manager, opts Options) (*Adapter, error) {
	if opts.Mailbox == 0 {
		opts.Mailbox = 1
	}
	state, err := mailbox.FirmwareCheck(dev)
	switch {
	case errors.Is(err, mailbox.ErrNotAllowed):
		return nil, fmt.Errorf("%w: %v", OperationNotAllowed, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", NotConnected, err)
	}
	hw, err := mailbox.ReadOptions(dev)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", NotConnected, err)
	}
	if opts.Mailbox < 1 || opts.Mailbox > hw.Mailboxes {
		return nil, fmt.Errorf("%w: mailbox %d of %d", NotConnected, opts.Mailbox, hw.Mailboxes)
	}
	mb, err := mailbox.New(dev, opts.Mailbox, opts.Exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", NoMailbox, err)
	}

	a := &Adapter{
		dev:    dev,
		dma:    dma,
		buf:    bufmanager.New(dma, opts.Buffers),
		mb:     mb,
		claims: mailbox.NewClaims(hw.Mailboxes),
		opts:   opts,
		hw:     hw,
	}
	if !opts.NoTokenIDWrite {
		a.buf.Register(bufmanager.Callbacks{
			SizeAlignment: tagSize,
			CheckClear:    clearTag,
			CheckReady:    tagReady,
		})
	}

	if state == mailbox.FirmwareLoadStart || state == mailbox.FirmwareLoadNeeded {
		if err := a.startFirmware(); err != nil {
			return nil, err
		}
	}
	if err := a.link(opts.Mailbox, false); err != nil {
		return nil, fmt.Errorf("%w: %v", NotConnected, err)
	}
	if err := a.drain(); err != nil {
		a.unlinkAll()
		return nil, err
	}
	ok, err := mb.CanWriteToken(false)
	if err != nil || !ok {
		a.unlinkAll()
		return nil, fmt.Errorf("%w: IN mailbox %d not writable (%v)", MailboxInUse, opts.Mailbox, err)
	}
	a.power = PowerActive
	glog.V(1).Infof("vex: connected through mailbox %d of %d, host %d", opts.Mailbox, hw.Mailboxes, hw.MyHostID)
	return a, nil
}

// startFirmware signals that the firmware image is in place and waits for
// the device to accept it.
func (a *Adapter) startFirmware() error {
	if err := mailbox.FirmwareWritten(a.dev); err != nil {
		return fmt.Errorf("%w: %v", NotConnected, err)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = a.opts.Exchange.Timeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = mailbox.DefaultTimeout
	}
	err := backoff.Retry(func() error {
		s, err := mailbox.FirmwareCheck(a.dev)
		if err != nil {
			return backoff.Permanent(err)
		}
		if s != mailbox.FirmwareReady {
			return fmt.Errorf("firmware %v", s)
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("%w: firmware start: %v", PowerStateError, err)
	}
	glog.Infof("vex: firmware started")
	return nil
}

// drain reads result tokens a previous user left in the OUT mailbox.
func (a *Adapter) drain() error {
	for i := 0; ; i++ {
		ok, err := a.mb.CanReadToken()
		if err != nil {
			return fmt.Errorf("%w: %v", InternalError, err)
		}
		if !ok {
			return nil
		}
		if i == maxDrain {
			return fmt.Errorf("%w: OUT mailbox %d keeps filling", MailboxInUse, a.mb.Number())
		}
		var res token.Result
		if err := a.mb.ReadToken(&res); err != nil {
			return fmt.Errorf("%w: %v", InternalError, err)
		}
		glog.V(1).Infof("vex: dropped stale result token %#08x", res[0])
	}
}

// Close unlinks every mailbox the adapter linked.
func (a *Adapter) Close() error {
	a.claims.Reset()
	return a.unlinkAll()
}

func (a *Adapter) unlinkAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for nr := 1; nr < len(a.linked); nr++ {
		if !a.linked[nr] {
			continue
		}
		mb, err := a.mailbox(nr)
		if err == nil {
			err = mb.Unlink()
		}
		if err != nil {
			errs = append(errs, err)
		}
		a.linked[nr] = false
	}
	return errors.Join(errs...)
}

func (a *Adapter) mailbox(nr int) (*mailbox.Mailbox, error) {
	if nr == a.mb.Number() {
		return a.mb, nil
	}
	return mailbox.New(a.dev, nr, a.opts.Exchange)
}

// link links mailbox nr unless the adapter already did. With reset set, a
// mailbox linked by another host is reset once and linked again.
func (a *Adapter) link(nr int, reset bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.linked[nr] {
		return nil
	}
	mb, err := a.mailbox(nr)
	if err != nil {
		return err
	}
	if err = mb.Link(); err != nil && reset {
		glog.Warningf("vex: mailbox %d: %v, resetting link", nr, err)
		if rerr := mb.LinkReset(); rerr != nil {
			return errors.Join(err, rerr)
		}
		err = mb.Link()
	}
	if err != nil {
		return err
	}
	a.linked[nr] = true
	return nil
}

func (a *Adapter) unlink(nr int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.linked[nr] {
		return nil
	}
	mb, err := a.mailbox(nr)
	if err != nil {
		return err
	}
	if err := mb.Unlink(); err != nil {
		return err
	}
	a.linked[nr] = false
	return nil
}

// Buffers returns the buffer manager of a.
func (a *Adapter) Buffers() *bufmanager.Manager {
	return a.buf
}

// HostOptions returns the mailbox options register as read by New.
func (a *Adapter) HostOptions() mailbox.Options {
	return a.hw
}

// PowerState returns the power state of the device.
func (a *Adapter) PowerState() PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.power
}

func (a *Adapter) setPower(p PowerState) {
	a.mu.Lock()
	a.power = p
	a.mu.Unlock()
}

// nextTokenID returns the next token ID. 0 is never returned.
func (a *Adapter) nextTokenID() uint16 {
	for {
		if id := uint16(a.lastID.Add(1)); id != 0 {
			return id
		}
	}
}

// Output buffers reserve a trailing word for the token ID the firmware
// writes after the data.
func tagSize(size int) int {
	return size + token.TokenIDSize
}

func clearTag(buf []byte, tokenID uint16) error {
	if len(buf) < token.TokenIDSize {
		return fmt.Errorf("%d byte buffer has no room for a token ID", len(buf))
	}
	tag := ^uint32(tokenID)
	if tokenID == 0 {
		tag = 0
	}
	binary.LittleEndian.PutUint32(buf[len(buf)-token.TokenIDSize:], tag)
	return nil
}

// tagReady checks the token ID tag. Buffers mapped without a token ID are
// zeroed before submission and count as written once any byte changed.
func tagReady(buf []byte, tokenID uint16) bool {
	if len(buf) < token.TokenIDSize {
		return false
	}
	if tokenID == 0 {
		for _, b := range buf {
			if b != 0 {
				return true
			}
		}
		return false
	}
	return binary.LittleEndian.Uint32(buf[len(buf)-token.TokenIDSize:]) == uint32(tokenID)
}
