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

package dmares

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultHeapBase is the first bus address handed out by a Heap.
const DefaultHeapBase Address = 0x8000_0000

// ErrUnknownBusAddress is returned when freeing or unmapping a bus address
// the memory provider did not hand out.
var ErrUnknownBusAddress = errors.New("unknown bus address")

// Memory provides DMA capable memory and bus addresses for it.
type Memory interface {
	// Alloc returns size bytes of zeroed memory whose host address is a
	// multiple of alignment, and the bus address of its first byte.
	Alloc(size, alignment int, bank uint8) ([]byte, Address, error)
	// Free releases memory returned by Alloc.
	Free(buf []byte, bus Address) error
	// Map makes caller owned memory reachable by the device.
	Map(buf []byte) (Address, error)
	// Unmap reverses Map.
	Unmap(bus Address, size int) error
}

// Syncer is implemented by memory providers that need explicit cache
// maintenance around DMA.
type Syncer interface {
	SyncForDevice(bus Address, size int) error
	SyncForCPU(bus Address, size int) error
}

// Heap is a Memory backed by the Go heap with a simulated linear bus.
// Bus addresses are never reused.
type Heap struct {
	mu   sync.Mutex
	next Address
	live map[Address]int
}

// NewHeap returns a Heap handing out bus addresses from base.
func NewHeap(base Address) *Heap {
	if base == 0 {
		base = DefaultHeapBase
	}
	return &Heap{next: base, live: make(map[Address]int)}
}

func (h *Heap) reserve(size, alignment int) Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	bus := AlignForAddress(h.next, alignment)
	h.next = bus + Address(AlignForSize(size, DefaultDMAAlignment))
	h.live[bus] = size
	return bus
}

func (h *Heap) release(bus Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.live[bus]; !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownBusAddress, bus)
	}
	delete(h.live, bus)
	return nil
}

// Alloc implements Memory.
func (h *Heap) Alloc(size, alignment int, _ uint8) ([]byte, Address, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("%w: size %d", ErrInvalidInput, size)
	}
	if alignment < 1 {
		alignment = 1
	}
	raw := make([]byte, size+alignment-1)
	off := int(AlignForAddress(HostAddress(raw), alignment) - HostAddress(raw))
	buf := raw[off : off+size : off+size]
	return buf, h.reserve(size, alignment), nil
}

// Free implements Memory.
func (h *Heap) Free(_ []byte, bus Address) error {
	return h.release(bus)
}

// Map implements Memory.
func (h *Heap) Map(buf []byte) (Address, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidInput)
	}
	return h.reserve(len(buf), DefaultDMAAlignment), nil
}

// Unmap implements Memory.
func (h *Heap) Unmap(bus Address, _ int) error {
	return h.release(bus)
}

// Live returns the number of outstanding allocations and mappings.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}
