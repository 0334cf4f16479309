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

package psa

import (
	"errors"
	"fmt"

	"github.com/eip130/go-hsm/hsmutil"
	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/token"
)

// Persistent key record layout. All fields are little-endian.
const (
	storageMagic      = "PSA\x00KEY\x00"
	storageHeaderSize = 40
	// MaxStorageSize bounds the key material of one record.
	MaxStorageSize = 0x1FFF
)

// PersistentKey is a key as kept in trusted storage.
type PersistentKey struct {
	Attributes Attributes
	Policy     token.AssetPolicy
	// Data is the key material: plaintext or a key blob, depending on
	// the location of the key. Data2 is the decryption key blob of a key
	// with separate directions; it has the length of Data.
	Data  []byte
	Data2 []byte
}

// storageHeader is the fixed part of a record, packed little-endian.
type storageHeader struct {
	Magic    [8]byte
	Lifetime uint32
	Type     uint16
	Bits     uint16
	Usage    uint32
	Alg      uint32
	Alg2     uint32
	Policy   uint64
	DataLen  uint32
}

func (k *PersistentKey) marshal() ([]byte, error) {
	h := storageHeader{
		Lifetime: uint32(k.Attributes.Lifetime),
		Type:     uint16(k.Attributes.Type),
		Bits:     uint16(k.Attributes.Bits),
		Usage:    uint32(k.Attributes.Usage),
		Alg:      uint32(k.Attributes.Alg),
		Alg2:     uint32(k.Attributes.Alg2),
		Policy:   uint64(k.Policy),
		DataLen:  uint32(len(k.Data)),
	}
	copy(h.Magic[:], storageMagic)
	return hsmutil.Pack(&h, hsmutil.RawBytes(k.Data), hsmutil.RawBytes(k.Data2))
}

func parsePersistentKey(b []byte) (*PersistentKey, error) {
	var h storageHeader
	if _, err := hsmutil.Unpack(b, &h); err != nil {
		return nil, fmt.Errorf("%w: record of %d bytes: %v", DataInvalid, len(b), err)
	}
	if string(h.Magic[:]) != storageMagic {
		return nil, fmt.Errorf("%w: bad magic % x", DataInvalid, h.Magic)
	}
	n := int(h.DataLen)
	rest := b[storageHeaderSize:]
	if n > len(rest) || n > MaxStorageSize {
		return nil, fmt.Errorf("%w: %d bytes of key data in a record of %d", DataInvalid, n, len(b))
	}
	k := &PersistentKey{
		Attributes: Attributes{
			Lifetime: Lifetime(h.Lifetime),
			Type:     KeyType(h.Type),
			Bits:     int(h.Bits),
			Usage:    Usage(h.Usage),
			Alg:      Algorithm(h.Alg),
			Alg2:     Algorithm(h.Alg2),
		},
		Policy: token.AssetPolicy(h.Policy),
	}
	switch len(rest) {
	case n:
	case 2 * n:
		k.Data2 = append([]byte{}, rest[n:]...)
	default:
		return nil, fmt.Errorf("%w: %d trailing bytes", DataInvalid, len(rest)-n)
	}
	k.Data = append([]byte{}, rest[:n]...)
	return k, nil
}

// SavePersistentKey stores k under its key ID. It never overwrites: a key
// already stored under the ID gives AlreadyExists. On failure nothing is
// left behind in s.
func SavePersistentKey(s its.Store, k *PersistentKey) error {
	if len(k.Data) == 0 {
		return fmt.Errorf("%w: no key data", InvalidArgument)
	}
	if k.Data2 != nil && len(k.Data2) != len(k.Data) {
		return fmt.Errorf("%w: key blobs of %d and %d bytes", InvalidArgument, len(k.Data), len(k.Data2))
	}
	n := len(k.Data)
	if k.Data2 != nil {
		n *= 2
	}
	if n > MaxStorageSize {
		return fmt.Errorf("%w: %d bytes of key data", InsufficientStorage, n)
	}
	uid := uint64(k.Attributes.ID)
	if _, err := s.GetInfo(uid); err == nil {
		return fmt.Errorf("%w: key %#x", AlreadyExists, uid)
	} else if !errors.Is(err, its.ErrDoesNotExist) {
		return wrap(err)
	}
	rec, err := k.marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", InvalidArgument, err)
	}
	if err := s.Set(uid, rec, 0); err != nil {
		return wrap(err)
	}
	info, err := s.GetInfo(uid)
	if err == nil && info.Size != len(rec) {
		err = fmt.Errorf("%w: stored %d bytes of %d", DataInvalid, info.Size, len(rec))
	}
	if err != nil {
		s.Remove(uid)
		return wrap(err)
	}
	return nil
}

// LoadPersistentKey reads the key stored under id.
func LoadPersistentKey(s its.Store, id KeyID) (*PersistentKey, error) {
	info, err := s.GetInfo(uint64(id))
	if err != nil {
		return nil, wrap(err)
	}
	b, err := s.Get(uint64(id), 0, info.Size)
	if err != nil {
		return nil, wrap(err)
	}
	if len(b) != info.Size {
		return nil, fmt.Errorf("%w: read %d bytes of %d", DataInvalid, len(b), info.Size)
	}
	k, err := parsePersistentKey(b)
	if err != nil {
		return nil, err
	}
	if len(k.Data) == 0 {
		return nil, fmt.Errorf("%w: key %#x holds no key data", StorageFailure, uint32(id))
	}
	if k.Attributes.Type.IsPublicKey() {
		_, _, bits, err := token.ParsePoint(k.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: key %#x: %v", CorruptionDetected, uint32(id), err)
		}
		if bits != k.Attributes.Bits {
			return nil, fmt.Errorf("%w: key %#x holds a %d-bit point, want %d", CorruptionDetected, uint32(id), bits, k.Attributes.Bits)
		}
	}
	k.Attributes.ID = id
	return k, nil
}

// DestroyPersistentKey removes the key stored under id.
func DestroyPersistentKey(s its.Store, id KeyID) error {
	return wrap(s.Remove(uint64(id)))
}
