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

// Package hsmutil provides common utility functions for talking to EIP-130
// devices and for the fixed little-endian records kept next to them.
package hsmutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

// RawBytes is record data of variable length. Pack appends it as is and
// Unpack fills it to its current length.
type RawBytes []byte

// Pack encodes elts little-endian, one after the other. Each element is
// either RawBytes or a fixed-size value as understood by encoding/binary.
func Pack(elts ...interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, e := range elts {
		if b, ok := e.(RawBytes); ok {
			buf.Write(b)
			continue
		}
		if err := checkFixed(e); err != nil {
			return nil, fmt.Errorf("cannot pack %T: %w", e, err)
		}
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Unpack decodes the start of b into elts, which must be pointers to
// fixed-size values or to RawBytes. It returns the number of bytes read.
func Unpack(b []byte, elts ...interface{}) (int, error) {
	r := bytes.NewReader(b)
	for _, e := range elts {
		v := reflect.ValueOf(e)
		if v.Kind() != reflect.Ptr || v.IsNil() {
			return len(b) - r.Len(), fmt.Errorf("cannot unpack into %T: not a non-nil pointer", e)
		}
		if err := checkFixed(e); err != nil {
			return len(b) - r.Len(), fmt.Errorf("cannot unpack into %T: %w", e, err)
		}
		if err := binary.Read(r, binary.LittleEndian, e); err != nil {
			return len(b) - r.Len(), err
		}
	}
	return len(b) - r.Len(), nil
}

// checkFixed rejects nil pointers and values without a fixed encoded size.
func checkFixed(e interface{}) error {
	v := reflect.ValueOf(e)
	if !v.IsValid() || v.Kind() == reflect.Ptr && v.IsNil() {
		return errors.New("nil value")
	}
	if binary.Size(e) < 0 {
		return errors.New("no fixed size")
	}
	return nil
}
