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

// Package dmares tracks memory buffers the HSM can reach through DMA.
//
// Every buffer is described by a record holding its properties and the
// addresses it is known by in one or more address domains. Records live in
// an arena owned by a Manager and are referred to by generational handles,
// so a released handle can never alias a later record.
package dmares

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"sync"
	"unsafe"
)

// Domain identifies an address space in which a buffer has an address.
type Domain uint32

// Address domains.
const (
	DomainUnknown Domain = iota
	DomainHost
	DomainHostUnaligned
	DomainBus
	DomainDevice
	DomainDevicePE
	DomainDevicePKA
	DomainKernel
	DomainUser
	DomainInterhost
)

func (d Domain) String() string {
	switch d {
	case DomainHost:
		return "host"
	case DomainHostUnaligned:
		return "host-unaligned"
	case DomainBus:
		return "bus"
	case DomainDevice:
		return "device"
	case DomainDevicePE:
		return "device-pe"
	case DomainDevicePKA:
		return "device-pka"
	case DomainKernel:
		return "kernel"
	case DomainUser:
		return "user"
	case DomainInterhost:
		return "interhost"
	default:
		return "unknown(" + strconv.Itoa(int(d)) + ")"
	}
}

// Address is an address in some domain.
type Address uint64

// AddrPair is an address together with the domain it is valid in.
type AddrPair struct {
	Domain Domain
	Addr   Address
}

// Properties describe a DMA buffer. The zero value is valid input to every
// function that takes Properties; unset fields take their defaults.
type Properties struct {
	Size      int
	Alignment int
	Bank      uint8
	Cached    bool
}

// Allocator records who owns the memory behind a record.
type Allocator byte

// Allocators.
const (
	// AllocDriver memory was allocated by the Manager and is freed on release.
	AllocDriver Allocator = 'A'
	// AllocRegistered memory was obtained from the OS DMA API by the caller.
	AllocRegistered Allocator = 'R'
	// AllocKernel memory came from a generic allocator and was checked to
	// be DMA safe.
	AllocKernel Allocator = 'k'
	// AllocNonDMA memory is not DMA safe; it has no bus address.
	AllocNonDMA Allocator = 'N'
	// AllocAttached records describe memory only known by address.
	AllocAttached Allocator = 'T'
)

func (a Allocator) valid() bool {
	switch a {
	case AllocDriver, AllocRegistered, AllocKernel, AllocNonDMA, AllocAttached:
		return true
	}
	return false
}

const (
	// DefaultAddrPairs is the default capacity of the address pair table of
	// each record.
	DefaultAddrPairs = 4
	// DefaultMaxHandles is the default number of records a Manager holds.
	DefaultMaxHandles = 128
	// MaxSize is the exclusive upper bound of a buffer size.
	MaxSize = 1 << 20
	// MaxAlignment is the largest alignment a buffer may request.
	MaxAlignment = 4096
)

// DefaultDMAAlignment is the alignment every allocation satisfies when no
// other alignment is configured: the size of a pointer.
const DefaultDMAAlignment = bits.UintSize / 8

var (
	// ErrInvalidHandle is returned for a handle that was never issued or
	// has been released.
	ErrInvalidHandle = errors.New("invalid DMA resource handle")
	// ErrCapacityExceeded is returned when the handle arena or the address
	// pair table of a record is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotFound is returned when a record has no address in the
	// requested domain.
	ErrNotFound = errors.New("address domain not found")
	// ErrInvalidInput is returned for properties or addresses that fail
	// the sanity checks.
	ErrInvalidInput = errors.New("invalid DMA resource input")
	// ErrOutOfRange is returned for accesses beyond the end of a buffer.
	ErrOutOfRange = errors.New("access out of range")
	// ErrNoHostMemory is returned when accessing a record that has no host
	// memory, such as an attached device address.
	ErrNoHostMemory = errors.New("no host memory for DMA resource")
)

// Handle refers to a record of a Manager. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("dmares#%d.%d", h.index, h.gen)
}

type record struct {
	props Properties
	alloc Allocator
	swap  bool
	pairs []AddrPair
	host  []byte
	// raw is the whole allocation when the Manager allocated host.
	raw []byte
	// bus is the bus address handed out by Memory, zero if none.
	bus Address
}

type slot struct {
	gen uint32
	rec *record
}

// Options configure a Manager.
type Options struct {
	// MaxHandles bounds the number of live records.
	MaxHandles int
	// AddrPairs is the capacity of the address pair table of each record.
	AddrPairs int
	// DMAAlignment is the minimum alignment of every allocation.
	DMAAlignment int
	// Memory provides DMA capable memory. Defaults to a Heap.
	Memory Memory
}

// Manager owns DMA resource records.
//
// Methods are safe for concurrent use; a device model may read and write
// buffers by bus address while the host maps and unmaps others.
type Manager struct {
	opts Options
	mem  Memory

	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int
}

// New returns a Manager configured by opts.
func New(opts Options) *Manager {
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = DefaultMaxHandles
	}
	if opts.AddrPairs <= 0 {
		opts.AddrPairs = DefaultAddrPairs
	}
	if opts.DMAAlignment <= 0 {
		opts.DMAAlignment = DefaultDMAAlignment
	}
	if opts.Memory == nil {
		opts.Memory = NewHeap(DefaultHeapBase)
	}
	return &Manager{opts: opts, mem: opts.Memory}
}

// Memory returns the memory provider of m.
func (m *Manager) Memory() Memory {
	return m.mem
}

// Count returns the number of live records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// HostAddress returns the host address of the first byte of buf.
func HostAddress(buf []byte) Address {
	if len(buf) == 0 {
		return 0
	}
	return Address(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// AlignForSize rounds size up to a multiple of alignment, which must be a
// power of two.
func AlignForSize(size, alignment int) int {
	if alignment <= 1 {
		return size
	}
	return (size + alignment - 1) &^ (alignment - 1)
}

// AlignForAddress rounds addr up to a multiple of alignment, which must be
// a power of two.
func AlignForAddress(addr Address, alignment int) Address {
	if alignment <= 1 {
		return addr
	}
	a := Address(alignment)
	return (addr + a - 1) &^ (a - 1)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// IsSaneInput checks a buffer offered for registration.
func IsSaneInput(pair AddrPair, alloc Allocator, props Properties) error {
	if pair.Addr == 0 {
		return fmt.Errorf("%w: null address", ErrInvalidInput)
	}
	if !alloc.valid() {
		return fmt.Errorf("%w: allocator %q", ErrInvalidInput, rune(alloc))
	}
	if props.Size <= 0 || props.Size >= MaxSize {
		return fmt.Errorf("%w: size %d", ErrInvalidInput, props.Size)
	}
	if props.Alignment != 0 {
		if !isPowerOfTwo(props.Alignment) || props.Alignment > MaxAlignment {
			return fmt.Errorf("%w: alignment %d", ErrInvalidInput, props.Alignment)
		}
		if alloc != AllocNonDMA && AlignForAddress(pair.Addr, props.Alignment) != pair.Addr {
			return fmt.Errorf("%w: address %#x not aligned to %d", ErrInvalidInput, pair.Addr, props.Alignment)
		}
	}
	return nil
}

func (m *Manager) checkProps(p *Properties) error {
	if p.Size <= 0 || p.Size >= MaxSize {
		return fmt.Errorf("%w: size %d", ErrInvalidInput, p.Size)
	}
	if p.Alignment == 0 {
		p.Alignment = 1
	}
	if !isPowerOfTwo(p.Alignment) || p.Alignment > MaxAlignment {
		return fmt.Errorf("%w: alignment %d", ErrInvalidInput, p.Alignment)
	}
	if p.Alignment < m.opts.DMAAlignment {
		p.Alignment = m.opts.DMAAlignment
	}
	return nil
}

// insert stores r in the arena. m.mu must be held.
func (m *Manager) insert(r *record) (Handle, error) {
	if m.live >= m.opts.MaxHandles {
		return Handle{}, fmt.Errorf("%w: %d handles in use", ErrCapacityExceeded, m.live)
	}
	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, slot{})
		idx = uint32(len(m.slots) - 1)
	}
	s := &m.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.rec = r
	m.live++
	return Handle{index: idx, gen: s.gen}, nil
}

// lookup returns the record of h. m.mu must be held.
func (m *Manager) lookup(h Handle) (*record, error) {
	if h.gen == 0 || int(h.index) >= len(m.slots) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	s := m.slots[h.index]
	if s.gen != h.gen || s.rec == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	return s.rec, nil
}

func (m *Manager) newRecord(props Properties, alloc Allocator) *record {
	return &record{
		props: props,
		alloc: alloc,
		pairs: make([]AddrPair, 0, m.opts.AddrPairs),
	}
}

// Alloc allocates a DMA capable buffer and returns its handle and host
// address. The buffer is zeroed.
func (m *Manager) Alloc(props Properties) (Handle, AddrPair, error) {
	if err := m.checkProps(&props); err != nil {
		return Handle{}, AddrPair{}, err
	}
	size := AlignForSize(props.Size, m.opts.DMAAlignment)
	buf, bus, err := m.mem.Alloc(size, props.Alignment, props.Bank)
	if err != nil {
		return Handle{}, AddrPair{}, fmt.Errorf("allocating %d bytes: %w", size, err)
	}
	r := m.newRecord(props, AllocDriver)
	r.host = buf[:props.Size]
	r.raw = buf
	r.bus = bus
	host := AddrPair{Domain: DomainHost, Addr: HostAddress(buf)}
	r.pairs = append(r.pairs, host, AddrPair{Domain: DomainBus, Addr: bus})

	m.mu.Lock()
	h, err := m.insert(r)
	m.mu.Unlock()
	if err != nil {
		if ferr := m.mem.Free(buf, bus); ferr != nil {
			return Handle{}, AddrPair{}, errors.Join(err, ferr)
		}
		return Handle{}, AddrPair{}, err
	}
	return h, host, nil
}

// CheckAndRegister creates a record for a buffer the caller owns. Unless
// alloc is AllocNonDMA the buffer is mapped for the device and gains a bus
// address.
func (m *Manager) CheckAndRegister(props Properties, buf []byte, alloc Allocator) (Handle, error) {
	host := AddrPair{Domain: DomainHost, Addr: HostAddress(buf)}
	if err := IsSaneInput(host, alloc, props); err != nil {
		return Handle{}, err
	}
	switch alloc {
	case AllocRegistered, AllocKernel, AllocNonDMA:
	default:
		return Handle{}, fmt.Errorf("%w: allocator %q cannot register", ErrInvalidInput, rune(alloc))
	}
	if props.Size > len(buf) {
		return Handle{}, fmt.Errorf("%w: size %d exceeds buffer of %d", ErrInvalidInput, props.Size, len(buf))
	}
	r := m.newRecord(props, alloc)
	r.host = buf[:props.Size]
	r.pairs = append(r.pairs, host)
	if alloc != AllocNonDMA {
		bus, err := m.mem.Map(r.host)
		if err != nil {
			return Handle{}, fmt.Errorf("mapping %d bytes: %w", props.Size, err)
		}
		r.bus = bus
		r.pairs = append(r.pairs, AddrPair{Domain: DomainBus, Addr: bus})
	}

	m.mu.Lock()
	h, err := m.insert(r)
	m.mu.Unlock()
	if err != nil {
		if r.bus != 0 {
			err = errors.Join(err, m.mem.Unmap(r.bus, len(r.host)))
		}
		return Handle{}, err
	}
	return h, nil
}

// Attach creates a record for memory known only by an address, such as a
// buffer inside the device. The record has no host memory.
func (m *Manager) Attach(props Properties, pair AddrPair) (Handle, error) {
	if err := IsSaneInput(pair, AllocAttached, props); err != nil {
		return Handle{}, err
	}
	r := m.newRecord(props, AllocAttached)
	r.pairs = append(r.pairs, pair)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(r)
}

// Release destroys the record of h, freeing memory the Manager allocated.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	r, err := m.lookup(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s := &m.slots[h.index]
	s.rec = nil
	m.free = append(m.free, h.index)
	m.live--
	m.mu.Unlock()

	switch {
	case r.alloc == AllocDriver:
		return m.mem.Free(r.raw, r.bus)
	case r.bus != 0:
		return m.mem.Unmap(r.bus, len(r.host))
	}
	return nil
}

// Properties returns the properties and allocator of the record of h.
func (m *Manager) Properties(h Handle) (Properties, Allocator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return Properties{}, 0, err
	}
	return r.props, r.alloc, nil
}

// Translate returns the address of h in domain dest.
func (m *Manager) Translate(h Handle, dest Domain) (AddrPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return AddrPair{}, err
	}
	for _, p := range r.pairs {
		if p.Domain == dest {
			return p, nil
		}
	}
	return AddrPair{}, fmt.Errorf("%w: %v has no %v address", ErrNotFound, h, dest)
}

// AddPair records an additional address of h. An existing address in the
// same domain is replaced. The pair must pass IsSaneInput against the
// record of h. When the table is full and the domain is new, AddPair fails
// and the table is left untouched.
func (m *Manager) AddPair(h Handle, pair AddrPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	alloc := r.alloc
	if pair.Domain == DomainHostUnaligned {
		alloc = AllocNonDMA
	}
	if err := IsSaneInput(pair, alloc, r.props); err != nil {
		return err
	}
	for i := range r.pairs {
		if r.pairs[i].Domain == pair.Domain {
			r.pairs[i] = pair
			return nil
		}
	}
	if len(r.pairs) >= m.opts.AddrPairs {
		return fmt.Errorf("%w: %v already has %d address pairs", ErrCapacityExceeded, h, len(r.pairs))
	}
	r.pairs = append(r.pairs, pair)
	return nil
}

// SetSwap sets whether 32-bit accessors of h swap byte order.
func (m *Manager) SetSwap(h Handle, swap bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	r.swap = swap
	return nil
}

// Swap reports whether 32-bit accessors of h swap byte order.
func (m *Manager) Swap(h Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return false, err
	}
	return r.swap, nil
}

// Host returns the host memory of h.
func (m *Manager) Host(h Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	if r.host == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHostMemory, h)
	}
	return r.host, nil
}
