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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTranslateOnlyStoredDomains(t *testing.T) {
	m := New(Options{})
	h, host, err := m.Alloc(Properties{Size: 32})
	if err != nil {
		t.Fatalf("Alloc() = %v", err)
	}
	if host.Domain != DomainHost || host.Addr == 0 {
		t.Errorf("Alloc() host pair = %+v", host)
	}
	for _, d := range []Domain{DomainHost, DomainBus} {
		if _, err := m.Translate(h, d); err != nil {
			t.Errorf("Translate(%v) = %v", d, err)
		}
	}
	for _, d := range []Domain{DomainDevice, DomainDevicePKA, DomainKernel, DomainUser, DomainInterhost, DomainHostUnaligned} {
		if _, err := m.Translate(h, d); !errors.Is(err, ErrNotFound) {
			t.Errorf("Translate(%v) = %v, want ErrNotFound", d, err)
		}
	}

	dev := AddrPair{Domain: DomainDevice, Addr: 0x1000}
	if err := m.AddPair(h, dev); err != nil {
		t.Fatalf("AddPair() = %v", err)
	}
	got, err := m.Translate(h, DomainDevice)
	if err != nil {
		t.Fatalf("Translate(device) = %v", err)
	}
	if diff := cmp.Diff(dev, got); diff != "" {
		t.Errorf("Translate(device) differs (-want +got):\n%s", diff)
	}
}

func TestAddPairCapacity(t *testing.T) {
	m := New(Options{AddrPairs: 3})
	h, _, err := m.Alloc(Properties{Size: 8})
	if err != nil {
		t.Fatalf("Alloc() = %v", err)
	}
	// Host and bus are already stored.
	if err := m.AddPair(h, AddrPair{Domain: DomainDevice, Addr: 0x10}); err != nil {
		t.Fatalf("AddPair(device) = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.AddPair(h, AddrPair{Domain: DomainDevicePE, Addr: 0x20}); !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("AddPair(pe) #%d = %v, want ErrCapacityExceeded", i, err)
		}
	}
	if _, err := m.Translate(h, DomainDevicePE); !errors.Is(err, ErrNotFound) {
		t.Errorf("Translate(pe) after failed AddPair = %v, want ErrNotFound", err)
	}
	if p, err := m.Translate(h, DomainDevice); err != nil || p.Addr != 0x10 {
		t.Errorf("Translate(device) = %+v, %v; existing pair changed", p, err)
	}

	// Replacing an existing domain works on a full table.
	if err := m.AddPair(h, AddrPair{Domain: DomainDevice, Addr: 0x30}); err != nil {
		t.Fatalf("AddPair(device) replace = %v", err)
	}
	if p, _ := m.Translate(h, DomainDevice); p.Addr != 0x30 {
		t.Errorf("Translate(device) = %#x, want 0x30", p.Addr)
	}
}

func TestAddPairSanity(t *testing.T) {
	m := New(Options{})
	h, _, err := m.Alloc(Properties{Size: 32, Alignment: 16})
	if err != nil {
		t.Fatalf("Alloc() = %v", err)
	}
	for _, p := range []AddrPair{
		{Domain: DomainDevice, Addr: 0},
		{Domain: DomainDevice, Addr: 0x1008},
	} {
		if err := m.AddPair(h, p); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("AddPair(%+v) = %v, want ErrInvalidInput", p, err)
		}
	}
	if _, err := m.Translate(h, DomainDevice); !errors.Is(err, ErrNotFound) {
		t.Errorf("Translate(device) after rejected pairs = %v, want ErrNotFound", err)
	}
	if err := m.AddPair(h, AddrPair{Domain: DomainDevice, Addr: 0x1010}); err != nil {
		t.Errorf("AddPair(aligned) = %v", err)
	}
	if err := m.AddPair(h, AddrPair{Domain: DomainDevice, Addr: 0x1004}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("AddPair(misaligned replacement) = %v, want ErrInvalidInput", err)
	}
	if p, _ := m.Translate(h, DomainDevice); p.Addr != 0x1010 {
		t.Errorf("Translate(device) = %#x, want 0x1010", p.Addr)
	}
	if err := m.AddPair(h, AddrPair{Domain: DomainHostUnaligned, Addr: 0x2003}); err != nil {
		t.Errorf("AddPair(unaligned host) = %v", err)
	}
}

func TestHandleLifecycle(t *testing.T) {
	m := New(Options{MaxHandles: 2})
	if _, err := m.Translate(Handle{}, DomainHost); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Translate(zero handle) = %v, want ErrInvalidHandle", err)
	}
	h1, _, err := m.Alloc(Properties{Size: 4})
	if err != nil {
		t.Fatalf("Alloc() = %v", err)
	}
	h2, err := m.Attach(Properties{Size: 64}, AddrPair{Domain: DomainDevice, Addr: 0x400})
	if err != nil {
		t.Fatalf("Attach() = %v", err)
	}
	if _, _, err := m.Alloc(Properties{Size: 4}); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Alloc() beyond MaxHandles = %v, want ErrCapacityExceeded", err)
	}
	if got := m.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if err := m.Release(h1); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if err := m.Release(h1); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Release() = %v, want ErrInvalidHandle", err)
	}
	h3, _, err := m.Alloc(Properties{Size: 4})
	if err != nil {
		t.Fatalf("Alloc() after release = %v", err)
	}
	if h3 == h1 {
		t.Errorf("reused slot returned the released handle %v", h1)
	}
	if _, err := m.Host(h1); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Host(stale handle) = %v, want ErrInvalidHandle", err)
	}
	if _, err := m.Host(h2); !errors.Is(err, ErrNoHostMemory) {
		t.Errorf("Host(attached) = %v, want ErrNoHostMemory", err)
	}
	for _, h := range []Handle{h2, h3} {
		if err := m.Release(h); err != nil {
			t.Errorf("Release(%v) = %v", h, err)
		}
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if got := m.Memory().(*Heap).Live(); got != 0 {
		t.Errorf("Heap.Live() = %d, want 0", got)
	}
}

func TestIsSaneInput(t *testing.T) {
	ok := AddrPair{Domain: DomainHost, Addr: 0x1000}
	tests := []struct {
		name  string
		pair  AddrPair
		alloc Allocator
		props Properties
		ok    bool
	}{
		{"valid", ok, AllocKernel, Properties{Size: 16, Alignment: 8}, true},
		{"null address", AddrPair{Domain: DomainHost}, AllocKernel, Properties{Size: 16}, false},
		{"zero size", ok, AllocKernel, Properties{}, false},
		{"too large", ok, AllocKernel, Properties{Size: MaxSize}, false},
		{"bad allocator", ok, Allocator('x'), Properties{Size: 16}, false},
		{"alignment not power of two", ok, AllocKernel, Properties{Size: 16, Alignment: 6}, false},
		{"alignment too large", ok, AllocKernel, Properties{Size: 16, Alignment: 2 * MaxAlignment}, false},
		{"misaligned", AddrPair{Domain: DomainHost, Addr: 0x1002}, AllocKernel, Properties{Size: 16, Alignment: 4}, false},
		{"misaligned non-DMA", AddrPair{Domain: DomainHost, Addr: 0x1002}, AllocNonDMA, Properties{Size: 16, Alignment: 4}, true},
	}
	for _, tt := range tests {
		err := IsSaneInput(tt.pair, tt.alloc, tt.props)
		if (err == nil) != tt.ok {
			t.Errorf("%s: IsSaneInput() = %v, want ok %v", tt.name, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: IsSaneInput() = %v, want ErrInvalidInput", tt.name, err)
		}
	}
}

func TestAlign(t *testing.T) {
	for _, tt := range []struct{ in, align, want int }{
		{0, 4, 0}, {1, 4, 4}, {4, 4, 4}, {5, 8, 8}, {17, 16, 32}, {3, 1, 3},
	} {
		if got := AlignForSize(tt.in, tt.align); got != tt.want {
			t.Errorf("AlignForSize(%d, %d) = %d, want %d", tt.in, tt.align, got, tt.want)
		}
		if got := AlignForAddress(Address(tt.in), tt.align); got != Address(tt.want) {
			t.Errorf("AlignForAddress(%d, %d) = %d, want %d", tt.in, tt.align, got, tt.want)
		}
	}
}

func TestRegisterAndBusAccess(t *testing.T) {
	m := New(Options{})
	buf := make([]byte, 64)
	h, err := m.CheckAndRegister(Properties{Size: 16}, buf, AllocKernel)
	if err != nil {
		t.Fatalf("CheckAndRegister() = %v", err)
	}
	bus, err := m.Translate(h, DomainBus)
	if err != nil {
		t.Fatalf("Translate(bus) = %v", err)
	}
	if err := m.WriteBus(bus.Addr+4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBus() = %v", err)
	}
	if !bytes.Equal(buf[4:8], []byte{1, 2, 3, 4}) {
		t.Errorf("registered buffer = %x, want device write at offset 4", buf[:16])
	}
	got := make([]byte, 4)
	if err := m.ReadBus(bus.Addr+4, got); err != nil {
		t.Fatalf("ReadBus() = %v", err)
	}
	if err := m.WriteBus(bus.Addr+14, []byte{1, 2, 3, 4}); err == nil {
		t.Error("WriteBus() past the end succeeded")
	}
	if err := m.Release(h); err != nil {
		t.Fatalf("Release() = %v", err)
	}
	if err := m.ReadBus(bus.Addr, got); !errors.Is(err, ErrUnknownBusAddress) {
		t.Errorf("ReadBus() after release = %v, want ErrUnknownBusAddress", err)
	}

	n, err := m.CheckAndRegister(Properties{Size: 8}, buf, AllocNonDMA)
	if err != nil {
		t.Fatalf("CheckAndRegister(non-DMA) = %v", err)
	}
	if _, err := m.Translate(n, DomainBus); !errors.Is(err, ErrNotFound) {
		t.Errorf("Translate(non-DMA, bus) = %v, want ErrNotFound", err)
	}
	if _, err := m.CheckAndRegister(Properties{Size: 128}, buf, AllocKernel); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("CheckAndRegister(size > buffer) = %v, want ErrInvalidInput", err)
	}
}

func TestWordAccessSwap(t *testing.T) {
	m := New(Options{})
	h, _, err := m.Alloc(Properties{Size: 8})
	if err != nil {
		t.Fatalf("Alloc() = %v", err)
	}
	if err := m.Write32(h, 0, 0x11223344); err != nil {
		t.Fatalf("Write32() = %v", err)
	}
	host, _ := m.Host(h)
	if !bytes.Equal(host[:4], []byte{0x44, 0x33, 0x22, 0x11}) {
		t.Errorf("little-endian store = %x", host[:4])
	}
	if err := m.SetSwap(h, true); err != nil {
		t.Fatalf("SetSwap() = %v", err)
	}
	if err := m.Write32Array(h, 0, []uint32{0x11223344, 0xAABBCCDD}); err != nil {
		t.Fatalf("Write32Array() = %v", err)
	}
	if !bytes.Equal(host, []byte{0x11, 0x22, 0x33, 0x44, 0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("swapped store = %x", host)
	}
	words := make([]uint32, 2)
	if err := m.Read32Array(h, 0, words); err != nil {
		t.Fatalf("Read32Array() = %v", err)
	}
	if diff := cmp.Diff([]uint32{0x11223344, 0xAABBCCDD}, words); diff != "" {
		t.Errorf("Read32Array() differs (-want +got):\n%s", diff)
	}
	if err := m.SwapWords(h, 0, 2); err != nil {
		t.Fatalf("SwapWords() = %v", err)
	}
	if !bytes.Equal(host, []byte{0x44, 0x33, 0x22, 0x11, 0xDD, 0xCC, 0xBB, 0xAA}) {
		t.Errorf("SwapWords() = %x", host)
	}
	if _, err := m.Read32(h, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Read32(past end) = %v, want ErrOutOfRange", err)
	}
	if err := m.PreDMA(h, 0, 0); err != nil {
		t.Errorf("PreDMA() = %v", err)
	}
	if err := m.PostDMA(h, 4, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("PostDMA(out of range) = %v, want ErrOutOfRange", err)
	}
}
