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

// Package uio provides access to an EIP-130 exported through the Linux
// userspace I/O framework. The register space is the first memory map of
// the UIO device; its interrupt is delivered through the device file.
package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/eip130/go-hsm/hsmutil"
	"github.com/eip130/go-hsm/mailbox"
	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned for register offsets outside the mapping.
var ErrOutOfRange = errors.New("register offset outside the mapped region")

// Device is a memory mapped EIP-130. It implements mailbox.DeviceCloser and
// mailbox.Interrupter.
type Device struct {
	f   *os.File
	mem []byte
}

func mapSize(name string) (int, error) {
	b, err := os.ReadFile(filepath.Join("/sys/class/uio", name, "maps/map0/size"))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing map size of %s: %w", name, err)
	}
	return int(v), nil
}

// Open maps the registers of the UIO device at path, e.g. /dev/uio0, and
// enables its interrupt.
func Open(path string) (*Device, error) {
	f, err := hsmutil.OpenDevice(path)
	if err != nil {
		return nil, err
	}
	size, err := mapSize(filepath.Base(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	d := &Device{f: f, mem: mem}
	if err := d.enableInterrupt(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) word(offset uint32) (*uint32, error) {
	if offset&3 != 0 || int(offset)+4 > len(d.mem) {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, offset)
	}
	return (*uint32)(unsafe.Pointer(&d.mem[offset])), nil
}

// Read32 implements mailbox.Device.
func (d *Device) Read32(offset uint32) (uint32, error) {
	p, err := d.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Write32 implements mailbox.Device.
func (d *Device) Write32(offset uint32, v uint32) error {
	p, err := d.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// enableInterrupt unmasks the interrupt. UIO masks it again after every
// delivery.
func (d *Device) enableInterrupt() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := d.f.Write(b[:]); err != nil {
		return fmt.Errorf("enabling interrupt: %w", err)
	}
	return nil
}

// WaitInterrupt implements mailbox.Interrupter.
func (d *Device) WaitInterrupt(timeout time.Duration) error {
	err := hsmutil.Poll(d.f, timeout)
	if errors.Is(err, hsmutil.ErrPollTimeout) {
		return mailbox.ErrInterruptTimeout
	}
	if err != nil {
		return err
	}
	var count [4]byte
	if _, err := d.f.Read(count[:]); err != nil {
		return fmt.Errorf("reading interrupt count: %w", err)
	}
	return d.enableInterrupt()
}

// Close unmaps the registers and closes the device file.
func (d *Device) Close() error {
	return errors.Join(unix.Munmap(d.mem), d.f.Close())
}
