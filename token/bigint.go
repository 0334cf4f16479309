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

package token

import (
	"errors"
	"fmt"
)

// BigIntHeaderSize is the size of the header preceding every big integer in
// the device's asymmetric data format.
const BigIntHeaderSize = 4

// ErrShortBigInt is returned when a buffer is too small to hold the big
// integer its header announces.
var ErrShortBigInt = errors.New("big integer buffer too short")

// BigIntSize returns the encoded size of one big integer item of the given
// bit size.
func BigIntSize(bits int) int {
	return BigIntHeaderSize + int(Words(bits))*4
}

// BigInt is one item of a vector in the device's asymmetric data format.
type BigInt struct {
	Bits  int
	Begin uint8
	Items uint8
	// Value is the big-endian magnitude.
	Value []byte
}

// AppendBigInt appends the device encoding of v to b: a header of bits (two
// bytes, little-endian), the item index and the item count, followed by the
// magnitude in little-endian order padded with zeros to a whole number of
// words. A magnitude longer than the padded size is truncated.
func AppendBigInt(b []byte, v BigInt) []byte {
	size := int(Words(v.Bits)) * 4
	b = append(b, byte(v.Bits), byte(v.Bits>>8), v.Begin, v.Items)
	n := len(v.Value)
	if n > size {
		n = size
	}
	for i := 0; i < n; i++ {
		b = append(b, v.Value[len(v.Value)-1-i])
	}
	for i := n; i < size; i++ {
		b = append(b, 0)
	}
	return b
}

// ParseBigInt decodes one big integer from the start of b and returns it
// with the remaining bytes. The magnitude is returned big-endian with
// leading zeros kept, so its length is the padded size.
func ParseBigInt(b []byte) (BigInt, []byte, error) {
	if len(b) < BigIntHeaderSize {
		return BigInt{}, nil, fmt.Errorf("%w: %d bytes, want header", ErrShortBigInt, len(b))
	}
	v := BigInt{
		Bits:  int(b[0]) | int(b[1])<<8,
		Begin: b[2],
		Items: b[3],
	}
	size := int(Words(v.Bits)) * 4
	b = b[BigIntHeaderSize:]
	if len(b) < size {
		return BigInt{}, nil, fmt.Errorf("%w: %d bytes, want %d", ErrShortBigInt, len(b), size)
	}
	v.Value = make([]byte, size)
	for i := 0; i < size; i++ {
		v.Value[size-1-i] = b[i]
	}
	return v, b[size:], nil
}

// PointSize returns the encoded size of an elliptic curve point.
func PointSize(bits int) int {
	return 2 * BigIntSize(bits)
}

// AppendPoint appends the device encoding of the affine point (x, y), given
// as big-endian coordinates.
func AppendPoint(b []byte, bits int, x, y []byte) []byte {
	b = AppendBigInt(b, BigInt{Bits: bits, Begin: 0, Items: 2, Value: x})
	return AppendBigInt(b, BigInt{Bits: bits, Begin: 1, Items: 2, Value: y})
}

// ParsePoint decodes an elliptic curve point and returns its big-endian
// coordinates, each of the padded size.
func ParsePoint(b []byte) (x, y []byte, bits int, err error) {
	xi, rest, err := ParseBigInt(b)
	if err != nil {
		return nil, nil, 0, err
	}
	yi, _, err := ParseBigInt(rest)
	if err != nil {
		return nil, nil, 0, err
	}
	if xi.Items != 2 || xi.Begin != 0 || yi.Begin != 1 || yi.Bits != xi.Bits {
		return nil, nil, 0, fmt.Errorf("malformed point: items %d/%d begin %d/%d", xi.Items, yi.Items, xi.Begin, yi.Begin)
	}
	return xi.Value, yi.Value, xi.Bits, nil
}
