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

package mailbox

import (
	"errors"
	"io"
	"time"
)

// Device gives access to the register space of an EIP-130.
type Device interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, v uint32) error
}

// DeviceCloser is a Device that holds resources.
type DeviceCloser interface {
	Device
	io.Closer
}

// ArrayDevice is implemented by devices that transfer consecutive words
// faster than one register access at a time.
type ArrayDevice interface {
	Device
	Read32Array(offset uint32, dst []uint32) error
	Write32Array(offset uint32, src []uint32) error
}

// Interrupter is implemented by devices that raise an interrupt when a
// result token becomes available.
type Interrupter interface {
	// WaitInterrupt blocks until the next interrupt or until timeout
	// expires, in which case it returns ErrInterruptTimeout.
	WaitInterrupt(timeout time.Duration) error
}

// ErrInterruptTimeout is returned by WaitInterrupt when no interrupt arrived.
var ErrInterruptTimeout = errors.New("interrupt wait timed out")

// Read32Array reads len(dst) consecutive registers starting at offset.
func Read32Array(d Device, offset uint32, dst []uint32) error {
	if a, ok := d.(ArrayDevice); ok {
		return a.Read32Array(offset, dst)
	}
	for i := range dst {
		v, err := d.Read32(offset + uint32(i)*4)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

// Write32Array writes src to consecutive registers starting at offset.
func Write32Array(d Device, offset uint32, src []uint32) error {
	if a, ok := d.(ArrayDevice); ok {
		return a.Write32Array(offset, src)
	}
	for i, v := range src {
		if err := d.Write32(offset+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}
