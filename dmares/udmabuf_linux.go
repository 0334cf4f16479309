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

//go:build linux

package dmares

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/eip130/go-hsm/hsmutil"
	"golang.org/x/sys/unix"
)

// ErrNotDMAMemory is returned when mapping a buffer that does not lie
// inside a u-dma-buf region.
var ErrNotDMAMemory = errors.New("buffer is not in the DMA region")

// UDMABuf is a Memory backed by a u-dma-buf device: a physically contiguous
// region exported by the kernel at /dev/<name>, with its bus address and
// size published in sysfs.
type UDMABuf struct {
	name  string
	sysfs string
	f     *os.File
	mem   []byte
	phys  Address

	mu   sync.Mutex
	next int
	live map[Address]int
}

func readSysfsUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
}

// OpenUDMABuf maps the u-dma-buf device name, such as "udmabuf0".
func OpenUDMABuf(name string) (*UDMABuf, error) {
	sysfs := filepath.Join("/sys/class/u-dma-buf", name)
	size, err := readSysfsUint(filepath.Join(sysfs, "size"))
	if err != nil {
		return nil, fmt.Errorf("reading size of %s: %w", name, err)
	}
	phys, err := readSysfsUint(filepath.Join(sysfs, "phys_addr"))
	if err != nil {
		return nil, fmt.Errorf("reading bus address of %s: %w", name, err)
	}
	f, err := hsmutil.OpenDevice(filepath.Join("/dev", name))
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("mapping %s: %w", name, err), f.Close())
	}
	return &UDMABuf{
		name:  name,
		sysfs: sysfs,
		f:     f,
		mem:   mem,
		phys:  Address(phys),
		live:  make(map[Address]int),
	}, nil
}

// Close unmaps the region and closes the device.
func (u *UDMABuf) Close() error {
	return errors.Join(unix.Munmap(u.mem), u.f.Close())
}

// Alloc implements Memory. The region is handed out linearly and reclaimed
// once every allocation in it has been freed.
func (u *UDMABuf) Alloc(size, alignment int, _ uint8) ([]byte, Address, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if alignment < 1 {
		alignment = 1
	}
	off := int(AlignForAddress(u.phys+Address(u.next), alignment) - u.phys)
	if size <= 0 || off+size > len(u.mem) {
		return nil, 0, fmt.Errorf("%s: cannot allocate %d bytes at offset %d of %d", u.name, size, off, len(u.mem))
	}
	u.next = off + size
	bus := u.phys + Address(off)
	u.live[bus] = size
	buf := u.mem[off : off+size : off+size]
	for i := range buf {
		buf[i] = 0
	}
	return buf, bus, nil
}

// Free implements Memory.
func (u *UDMABuf) Free(_ []byte, bus Address) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.live[bus]; !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownBusAddress, bus)
	}
	delete(u.live, bus)
	if len(u.live) == 0 {
		u.next = 0
	}
	return nil
}

// Map implements Memory. Only buffers carved out of the region itself can
// be mapped.
func (u *UDMABuf) Map(buf []byte) (Address, error) {
	start := HostAddress(u.mem)
	addr := HostAddress(buf)
	if addr < start || addr+Address(len(buf)) > start+Address(len(u.mem)) {
		return 0, fmt.Errorf("%w: %s", ErrNotDMAMemory, u.name)
	}
	return u.phys + (addr - start), nil
}

// Unmap implements Memory.
func (u *UDMABuf) Unmap(Address, int) error {
	return nil
}

func (u *UDMABuf) syncAttr(attr string, v uint64) error {
	return os.WriteFile(filepath.Join(u.sysfs, attr), []byte(strconv.FormatUint(v, 10)), 0)
}

func (u *UDMABuf) syncRange(bus Address, size int, direction uint64, trigger string) error {
	if err := u.syncAttr("sync_offset", uint64(bus-u.phys)); err != nil {
		return err
	}
	if err := u.syncAttr("sync_size", uint64(size)); err != nil {
		return err
	}
	if err := u.syncAttr("sync_direction", direction); err != nil {
		return err
	}
	return u.syncAttr(trigger, 1)
}

// u-dma-buf sync directions, as the DMA API's enum dma_data_direction.
const (
	dmaToDevice   = 1
	dmaFromDevice = 2
)

// SyncForDevice implements Syncer.
func (u *UDMABuf) SyncForDevice(bus Address, size int) error {
	return u.syncRange(bus, size, dmaToDevice, "sync_for_device")
}

// SyncForCPU implements Syncer.
func (u *UDMABuf) SyncForCPU(bus Address, size int) error {
	return u.syncRange(bus, size, dmaFromDevice, "sync_for_cpu")
}
