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

// Package bufmanager maps caller buffers into DMA resources for the duration
// of one token exchange.
//
// A buffer is either registered in place or copied through a bounce buffer.
// Output buffers may carry a trailing completion tag: the registered
// SizeAlignment callback reserves room for it, CheckClear resets it before
// the token is submitted and CheckReady reports when the device has written
// the tag for the expected token ID.
package bufmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

// Direction tells which way data flows through a mapped buffer.
type Direction uint8

// Buffer directions.
const (
	DirNone Direction = iota
	DirIn
	DirOut
	DirInOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "in/out"
	}
	return "none"
}

func (d Direction) output() bool { return d == DirOut || d == DirInOut }
func (d Direction) input() bool { return d == DirIn || d == DirInOut }

// Unmap results. The numeric codes are those reported by Code.
var (
	// ErrUnknownAddress is returned for an address that is not mapped.
	ErrUnknownAddress = errors.New("buffer address not mapped")
	// ErrInternal is returned when the mapped data cannot be handed back.
	ErrInternal = errors.New("buffer manager internal error")
	// ErrDataTimeout is returned when the device did not complete an
	// output buffer within the polling budget.
	ErrDataTimeout = errors.New("output buffer not ready")
	// ErrNoEntry is returned by Map and Alloc when all admin entries are
	// in use.
	ErrNoEntry = errors.New("no free buffer entry")
	// ErrNilBuffer is returned by Map for a nil buffer.
	ErrNilBuffer = errors.New("nil buffer")
)

// Code returns the numeric Unmap result for err: 0, -1 for an unknown
// address, -3 for a data timeout and -2 otherwise.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUnknownAddress):
		return -1
	case errors.Is(err, ErrDataTimeout):
		return -3
	}
	return -2
}

// Callbacks customize output buffer handling. Any of them may be nil.
type Callbacks struct {
	// SizeAlignment returns the size to reserve for an output buffer of
	// the given word aligned size.
	SizeAlignment func(size int) int
	// CheckClear prepares buf, the complete reserved output buffer, before
	// the token with tokenID is submitted.
	CheckClear func(buf []byte, tokenID uint16) error
	// CheckReady reports whether the device finished writing buf.
	CheckReady func(buf []byte, tokenID uint16) bool
}

// Polling defaults.
const (
	DefaultEntries        = 12
	DefaultPollDelay      = time.Millisecond
	DefaultPollMaxLoops   = 5000
	DefaultPollSkipDelays = 10
	bounceAlignment       = 4
)

// Options configure a Manager. Zero fields take the defaults above.
type Options struct {
	// Entries is the size of the admin table.
	Entries int
	// PollDelay is the sleep between CheckReady attempts once the skipped
	// delays are used up.
	PollDelay time.Duration
	// PollMaxLoops is the total number of CheckReady attempts.
	PollMaxLoops int
	// PollSkipDelays is the number of attempts made without sleeping.
	PollSkipDelays int
	// NoBounce registers suitable caller buffers in place.
	NoBounce bool
	// Swap byte swaps every word of mapped buffers.
	Swap bool
}

type entry struct {
	handle   dmares.Handle
	bus      dmares.Address
	size     int
	bounced  bool
	fromUser bool
	dir      Direction
	data     []byte
	tokenID  uint16
}

func (e *entry) used() bool { return e.dir != DirNone }

// Manager keeps the admin table of mapped buffers.
type Manager struct {
	dma  *dmares.Manager
	opts Options

	mu      sync.Mutex
	cb      Callbacks
	entries []entry
}

// New returns a Manager allocating its buffers from dma.
func New(dma *dmares.Manager, opts Options) *Manager {
	if opts.Entries <= 0 {
		opts.Entries = DefaultEntries
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	if opts.PollMaxLoops <= 0 {
		opts.PollMaxLoops = DefaultPollMaxLoops
	}
	if opts.PollSkipDelays < 0 {
		opts.PollSkipDelays = 0
	}
	return &Manager{
		dma:     dma,
		opts:    opts,
		entries: make([]entry, opts.Entries),
	}
}

// Register installs the output buffer callbacks.
func (m *Manager) Register(cb Callbacks) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// InUse returns the number of mapped buffers.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.entries {
		if m.entries[i].used() {
			n++
		}
	}
	return n
}

// lookup returns the entry mapped at bus. With output set only output
// buffers match. m.mu must be held.
func (m *Manager) lookup(bus dmares.Address, output bool) *entry {
	if bus == 0 {
		return nil
	}
	for i := range m.entries {
		e := &m.entries[i]
		if e.used() && e.bus == bus && (!output || e.dir.output()) {
			return e
		}
	}
	return nil
}

// Map makes data available to the device and returns its bus address.
// Input data is copied into the mapped buffer; for output buffers the
// completion check is cleared for tokenID.
func (m *Manager) Map(fromUser bool, dir Direction, data []byte, tokenID uint16) (dmares.Address, error) {
	if data == nil {
		return 0, ErrNilBuffer
	}
	bus, err := m.alloc(fromUser, !m.opts.NoBounce, dir, len(data), data, tokenID)
	if err != nil {
		return 0, err
	}
	if err := m.PreDMA(bus); err != nil {
		return 0, errors.Join(err, m.Unmap(bus, false, false, 0))
	}
	return bus, nil
}

// Alloc maps a zeroed bounce buffer of size bytes that is copied back to
// data on Unmap.
func (m *Manager) Alloc(fromUser bool, dir Direction, size int, data []byte, tokenID uint16) (dmares.Address, error) {
	return m.alloc(fromUser, true, dir, size, data, tokenID)
}

func (m *Manager) alloc(fromUser, bounce bool, dir Direction, size int, data []byte, tokenID uint16) (dmares.Address, error) {
	if dir == DirNone {
		return 0, fmt.Errorf("%w: direction %v", dmares.ErrInvalidInput, dir)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var e *entry
	for i := range m.entries {
		if !m.entries[i].used() {
			e = &m.entries[i]
			break
		}
	}
	if e == nil {
		return 0, ErrNoEntry
	}

	reserved := token.RoundUp4(size)
	if m.cb.SizeAlignment != nil && dir.output() {
		reserved = m.cb.SizeAlignment(reserved)
	}
	*e = entry{
		size:     reserved,
		fromUser: fromUser,
		dir:      dir,
		data:     data,
		tokenID:  tokenID,
	}
	if err := m.setup(e, bounce); err != nil {
		if !e.handle.IsZero() {
			if rerr := m.dma.Release(e.handle); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		*e = entry{}
		glog.Warningf("bufmanager: mapping %d byte %v buffer: %v", size, dir, err)
		return 0, err
	}
	glog.V(2).Infof("bufmanager: mapped %d byte %v buffer at %#x (bounced %t)", e.size, dir, e.bus, e.bounced)
	return e.bus, nil
}

// setup creates the DMA resource of e. m.mu must be held.
func (m *Manager) setup(e *entry, bounce bool) error {
	props := dmares.Properties{Size: e.size, Alignment: 1}
	if !e.fromUser && !bounce && e.size == len(e.data) {
		h, err := m.dma.CheckAndRegister(props, e.data, dmares.AllocKernel)
		if err == nil {
			e.handle = h
		} else {
			glog.V(1).Infof("bufmanager: registering caller buffer failed, bouncing: %v", err)
		}
	}
	if e.handle.IsZero() {
		props.Alignment = bounceAlignment
		h, _, err := m.dma.Alloc(props)
		if err != nil {
			return err
		}
		e.handle = h
		e.bounced = true
	}
	if m.opts.Swap {
		if err := m.dma.SetSwap(e.handle, true); err != nil {
			return err
		}
	}
	pair, err := m.dma.Translate(e.handle, dmares.DomainBus)
	if err != nil {
		return err
	}
	e.bus = pair.Addr

	if m.cb.CheckClear != nil && e.dir.output() {
		buf, err := m.dma.Host(e.handle)
		if err != nil {
			return err
		}
		if err := m.cb.CheckClear(buf, e.tokenID); err != nil {
			return fmt.Errorf("clearing completion check: %w", err)
		}
	}
	if e.bounced && e.dir.input() {
		n := len(e.data)
		if n > e.size {
			n = e.size
		}
		if err := m.dma.WriteAt(e.handle, e.data[:n], 0); err != nil {
			return err
		}
	}
	return nil
}

// PreDMA hands the buffer mapped at bus to the device, swapping its words
// first when swapping is enabled.
func (m *Manager) PreDMA(bus dmares.Address) error {
	m.mu.Lock()
	e := m.lookup(bus, false)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrUnknownAddress, bus)
	}
	h, size := e.handle, e.size
	m.mu.Unlock()

	if m.opts.Swap {
		if err := m.dma.SwapWords(h, 0, size/4); err != nil {
			return err
		}
	}
	return m.dma.PreDMA(h, 0, size)
}

// PostDMA hands the buffer mapped at bus back to the host.
func (m *Manager) PostDMA(bus dmares.Address) error {
	m.mu.Lock()
	e := m.lookup(bus, false)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrUnknownAddress, bus)
	}
	h, size := e.handle, e.size
	m.mu.Unlock()
	return m.dma.PostDMA(h, 0, size)
}

// pollBackOff allows exactly max attempts, the first skip of which follow
// each other without delay.
type pollBackOff struct {
	delay     time.Duration
	skip, max int
	n         int
}

func (b *pollBackOff) Reset() { b.n = 0 }

func (b *pollBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n >= b.max {
		return backoff.Stop
	}
	if b.n <= b.skip {
		return 0
	}
	return b.delay
}

// snapshot returns a copy of the buffer of e as the host sees it after a
// PostDMA, with the last word in host byte order.
func (m *Manager) snapshot(e *entry) ([]byte, error) {
	if err := m.dma.PostDMA(e.handle, 0, e.size); err != nil {
		return nil, backoff.Permanent(err)
	}
	buf := make([]byte, e.size)
	if err := m.dma.ReadAt(e.handle, buf, 0); err != nil {
		return nil, backoff.Permanent(err)
	}
	if m.opts.Swap && e.size >= 4 {
		w := buf[e.size-4:]
		w[0], w[1], w[2], w[3] = w[3], w[2], w[1], w[0]
	}
	return buf, nil
}

// waitReady polls CheckReady for the output buffer e.
func (m *Manager) waitReady(e *entry, ready func([]byte, uint16) bool) error {
	b := &pollBackOff{delay: m.opts.PollDelay, skip: m.opts.PollSkipDelays, max: m.opts.PollMaxLoops}
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		buf, err := m.snapshot(e)
		if err != nil {
			return err
		}
		if !ready(buf, e.tokenID) {
			return ErrDataTimeout
		}
		return nil
	}, b)
	if errors.Is(err, ErrDataTimeout) {
		glog.Warningf("bufmanager: buffer %#x for token %#04x not ready after %d attempts", e.bus, e.tokenID, attempts)
	}
	return err
}

// Unmap releases the buffer mapped at bus. With copyBack set, an output
// buffer is first polled for completion and then copied back to the caller:
// actualSize bytes, or the whole caller buffer when actualSize is 0.
// With output set only output buffers are looked up.
func (m *Manager) Unmap(bus dmares.Address, output, copyBack bool, actualSize int) error {
	m.mu.Lock()
	e := m.lookup(bus, output)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrUnknownAddress, bus)
	}
	cur := *e
	ready := m.cb.CheckReady
	m.mu.Unlock()

	var err error
	if copyBack && cur.dir.output() {
		err = m.copyBack(&cur, ready, actualSize)
	}
	if m.opts.Swap && !cur.bounced && cur.dir == DirIn {
		if serr := m.dma.SwapWords(cur.handle, 0, cur.size/4); serr != nil && err == nil {
			err = fmt.Errorf("%w: %v", ErrInternal, serr)
		}
	}
	if rerr := m.dma.Release(cur.handle); rerr != nil {
		glog.Errorf("bufmanager: releasing buffer %#x: %v", bus, rerr)
	}

	m.mu.Lock()
	*e = entry{}
	m.mu.Unlock()
	return err
}

func (m *Manager) copyBack(e *entry, ready func([]byte, uint16) bool, actualSize int) error {
	if ready != nil {
		if err := m.waitReady(e, ready); err != nil {
			if errors.Is(err, ErrDataTimeout) {
				return fmt.Errorf("%w: %#x", ErrDataTimeout, e.bus)
			}
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	} else if err := m.dma.PostDMA(e.handle, 0, e.size); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if m.opts.Swap {
		if err := m.dma.SwapWords(e.handle, 0, e.size/4); err != nil {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}
	}
	if !e.bounced && !e.fromUser {
		return nil
	}
	n := actualSize
	if n == 0 {
		n = len(e.data)
	}
	if n > len(e.data) || n > e.size {
		return fmt.Errorf("%w: copy of %d bytes into %d byte buffer", ErrInternal, n, len(e.data))
	}
	if err := m.dma.ReadAt(e.handle, e.data[:n], 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// Zeroize clears the output buffer mapped at bus and hands it to the device.
func (m *Manager) Zeroize(bus dmares.Address) error {
	m.mu.Lock()
	e := m.lookup(bus, true)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrUnknownAddress, bus)
	}
	h, size := e.handle, e.size
	m.mu.Unlock()
	if err := m.dma.Fill(h, 0); err != nil {
		return err
	}
	return m.dma.PreDMA(h, 0, size)
}

// GetSize returns the size reserved for the output buffer mapped at bus, or
// 0 if there is none.
func (m *Manager) GetSize(bus dmares.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.lookup(bus, true); e != nil {
		return e.size
	}
	return 0
}

// HostAddress returns the host memory of the buffer mapped at bus.
func (m *Manager) HostAddress(bus dmares.Address) ([]byte, error) {
	m.mu.Lock()
	e := m.lookup(bus, false)
	if e == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %#x", ErrUnknownAddress, bus)
	}
	h := e.handle
	m.mu.Unlock()
	return m.dma.Host(h)
}
