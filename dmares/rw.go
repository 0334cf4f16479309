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
	"encoding/binary"
	"fmt"
	"math/bits"
)

func (r *record) span(off, n int) error {
	if r.host == nil {
		return ErrNoHostMemory
	}
	if off < 0 || n < 0 || off+n > len(r.host) {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", ErrOutOfRange, off, off+n, len(r.host))
	}
	return nil
}

func (r *record) load32(word int) uint32 {
	v := binary.LittleEndian.Uint32(r.host[word*4:])
	if r.swap {
		v = bits.ReverseBytes32(v)
	}
	return v
}

func (r *record) store32(word int, v uint32) {
	if r.swap {
		v = bits.ReverseBytes32(v)
	}
	binary.LittleEndian.PutUint32(r.host[word*4:], v)
}

// Read32 reads the 32-bit word at word offset word of h.
func (m *Manager) Read32(h Handle, word int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	if err := r.span(word*4, 4); err != nil {
		return 0, err
	}
	return r.load32(word), nil
}

// Write32 writes v at word offset word of h.
func (m *Manager) Write32(h Handle, word int, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := r.span(word*4, 4); err != nil {
		return err
	}
	r.store32(word, v)
	return nil
}

// Read32Array fills dst with consecutive words of h starting at word
// offset start.
func (m *Manager) Read32Array(h Handle, start int, dst []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := r.span(start*4, len(dst)*4); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = r.load32(start + i)
	}
	return nil
}

// Write32Array writes src to consecutive words of h starting at word offset
// start.
func (m *Manager) Write32Array(h Handle, start int, src []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := r.span(start*4, len(src)*4); err != nil {
		return err
	}
	for i, v := range src {
		r.store32(start+i, v)
	}
	return nil
}

// SwapWords reverses the byte order of count words of h in place, starting
// at word offset start. It is a no-op unless swapping is enabled for h.
func (m *Manager) SwapWords(h Handle, start, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !r.swap {
		return nil
	}
	if err := r.span(start*4, count*4); err != nil {
		return err
	}
	for i := start; i < start+count; i++ {
		v := binary.LittleEndian.Uint32(r.host[i*4:])
		binary.LittleEndian.PutUint32(r.host[i*4:], bits.ReverseBytes32(v))
	}
	return nil
}

// ReadAt copies bytes of h starting at off into dst.
func (m *Manager) ReadAt(h Handle, dst []byte, off int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := r.span(off, len(dst)); err != nil {
		return err
	}
	copy(dst, r.host[off:])
	return nil
}

// WriteAt copies src into h starting at off.
func (m *Manager) WriteAt(h Handle, src []byte, off int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if err := r.span(off, len(src)); err != nil {
		return err
	}
	copy(r.host[off:], src)
	return nil
}

// Fill sets every byte of h to b.
func (m *Manager) Fill(h Handle, b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.lookup(h)
	if err != nil {
		return err
	}
	if r.host == nil {
		return fmt.Errorf("%w: %v", ErrNoHostMemory, h)
	}
	for i := range r.host {
		r.host[i] = b
	}
	return nil
}

func (m *Manager) sync(h Handle, off, n int, forDevice bool) error {
	m.mu.Lock()
	r, err := m.lookup(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if n == 0 {
		n = len(r.host) - off
	}
	if err := r.span(off, n); err != nil {
		m.mu.Unlock()
		return err
	}
	bus, cached := r.bus, r.props.Cached
	m.mu.Unlock()

	s, ok := m.mem.(Syncer)
	if !ok || !cached || bus == 0 {
		return nil
	}
	if forDevice {
		return s.SyncForDevice(bus+Address(off), n)
	}
	return s.SyncForCPU(bus+Address(off), n)
}

// PreDMA hands n bytes of h starting at off to the device. A zero n covers
// the rest of the buffer.
func (m *Manager) PreDMA(h Handle, off, n int) error {
	return m.sync(h, off, n, true)
}

// PostDMA hands n bytes of h starting at off back to the host. A zero n
// covers the rest of the buffer.
func (m *Manager) PostDMA(h Handle, off, n int) error {
	return m.sync(h, off, n, false)
}

// findBus returns the record and offset holding the n bytes at bus address
// addr. m.mu must be held.
func (m *Manager) findBus(addr Address, n int) (*record, int, error) {
	for _, s := range m.slots {
		r := s.rec
		if r == nil || r.bus == 0 || r.host == nil {
			continue
		}
		if addr >= r.bus && addr < r.bus+Address(len(r.host)) {
			off := int(addr - r.bus)
			if err := r.span(off, n); err != nil {
				return nil, 0, fmt.Errorf("bus %#x: %w", addr, err)
			}
			return r, off, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %#x", ErrUnknownBusAddress, addr)
}

// ReadBus copies len(dst) bytes at bus address addr into dst, as the
// device's DMA engine would read them.
func (m *Manager) ReadBus(addr Address, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, off, err := m.findBus(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, r.host[off:])
	return nil
}

// WriteBus copies src to bus address addr, as the device's DMA engine would
// write it.
func (m *Manager) WriteBus(addr Address, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, off, err := m.findBus(addr, len(src))
	if err != nil {
		return err
	}
	copy(r.host[off:], src)
	return nil
}
