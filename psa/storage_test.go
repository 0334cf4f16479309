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
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/token"
	"github.com/google/go-cmp/cmp"
)

var testPersistentKey = PersistentKey{
	Attributes: Attributes{
		ID:       0x11223344,
		Type:     KeyTypeAES,
		Bits:     128,
		Lifetime: LifetimePersistent,
		Usage:    UsageEncrypt | UsageDecrypt,
		Alg:      AlgCBCNoPadding,
	},
	Policy: token.PolicySymCipherBulk | token.PolicySCDirEncDec,
	Data:   bytes.Repeat([]byte{0xAB}, 16),
}

func TestPersistentKeyFormat(t *testing.T) {
	b, err := testPersistentKey.marshal()
	if err != nil {
		t.Fatalf("marshal() = %v", err)
	}
	if len(b) != storageHeaderSize+16 {
		t.Fatalf("marshal() gave %d bytes, want %d", len(b), storageHeaderSize+16)
	}
	want, _ := hex.DecodeString("50534100" + "4b455900" + "01000000" + "0024" + "8000" + "00030000" + "00404004" + "00000000")
	if diff := cmp.Diff(want, b[:28]); diff != "" {
		t.Errorf("marshal() header mismatch (-want +got):\n%s", diff)
	}
	if got, want := hex.EncodeToString(b[36:40]), "10000000"; got != want {
		t.Errorf("marshal() data length = %s, want %s", got, want)
	}

	k, err := parsePersistentKey(b)
	if err != nil {
		t.Fatalf("parsePersistentKey() = %v", err)
	}
	want2 := testPersistentKey
	want2.Attributes.ID = KeyIDNull
	if diff := cmp.Diff(&want2, k); diff != "" {
		t.Errorf("parsePersistentKey() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePersistentKeyErrors(t *testing.T) {
	good, err := testPersistentKey.marshal()
	if err != nil {
		t.Fatalf("marshal() = %v", err)
	}
	badMagic := append([]byte{}, good...)
	badMagic[3] = 1
	longLen := append([]byte{}, good...)
	longLen[36] = 17
	for _, tt := range []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short header", good[:storageHeaderSize-1]},
		{"bad magic", badMagic},
		{"length beyond record", longLen},
		{"trailing bytes", append(append([]byte{}, good...), 1, 2, 3)},
	} {
		if _, err := parsePersistentKey(tt.b); StatusOf(err) != DataInvalid {
			t.Errorf("parsePersistentKey(%s) = %v, want %v", tt.name, err, DataInvalid)
		}
	}
}

func TestSaveLoadPersistentKey(t *testing.T) {
	s := its.NewMemory(its.Options{})
	k := testPersistentKey
	k.Data2 = bytes.Repeat([]byte{0xCD}, 16)
	if err := SavePersistentKey(s, &k); err != nil {
		t.Fatalf("SavePersistentKey() = %v", err)
	}
	wantStatus(t, "SavePersistentKey(again)", SavePersistentKey(s, &k), AlreadyExists)

	got, err := LoadPersistentKey(s, k.Attributes.ID)
	if err != nil {
		t.Fatalf("LoadPersistentKey() = %v", err)
	}
	if diff := cmp.Diff(&k, got); diff != "" {
		t.Errorf("LoadPersistentKey() mismatch (-want +got):\n%s", diff)
	}

	if err := DestroyPersistentKey(s, k.Attributes.ID); err != nil {
		t.Fatalf("DestroyPersistentKey() = %v", err)
	}
	_, err = LoadPersistentKey(s, k.Attributes.ID)
	wantStatus(t, "LoadPersistentKey(destroyed)", err, DoesNotExist)
	wantStatus(t, "DestroyPersistentKey(destroyed)", DestroyPersistentKey(s, k.Attributes.ID), DoesNotExist)
}

func TestSavePersistentKeyErrors(t *testing.T) {
	s := its.NewMemory(its.Options{EntrySize: 64})
	for _, tt := range []struct {
		name string
		edit func(k *PersistentKey)
		want Status
	}{
		{"no data", func(k *PersistentKey) { k.Data = nil }, InvalidArgument},
		{"uneven blobs", func(k *PersistentKey) { k.Data2 = []byte{1} }, InvalidArgument},
		{"too large", func(k *PersistentKey) { k.Data = make([]byte, MaxStorageSize+1) }, InsufficientStorage},
		{"entry too small", func(k *PersistentKey) { k.Data = make([]byte, 32) }, InsufficientMemory},
	} {
		k := testPersistentKey
		tt.edit(&k)
		wantStatus(t, "SavePersistentKey("+tt.name+")", SavePersistentKey(s, &k), tt.want)
	}
	if n := s.Len(); n != 0 {
		t.Errorf("Len() = %d after failed saves, want 0", n)
	}
}

// truncatingStore stores one byte less than asked for.
type truncatingStore struct {
	its.Store
	removed []uint64
}

func (s *truncatingStore) Set(uid uint64, data []byte, flags its.Flags) error {
	return s.Store.Set(uid, data[:len(data)-1], flags)
}

func (s *truncatingStore) Remove(uid uint64) error {
	s.removed = append(s.removed, uid)
	return s.Store.Remove(uid)
}

func TestSavePersistentKeyRollback(t *testing.T) {
	mem := its.NewMemory(its.Options{})
	s := &truncatingStore{Store: mem}
	k := testPersistentKey
	wantStatus(t, "SavePersistentKey(truncated)", SavePersistentKey(s, &k), DataInvalid)
	if diff := cmp.Diff([]uint64{uint64(k.Attributes.ID)}, s.removed); diff != "" {
		t.Errorf("removed entries mismatch (-want +got):\n%s", diff)
	}
	if _, err := mem.GetInfo(uint64(k.Attributes.ID)); !errors.Is(err, its.ErrDoesNotExist) {
		t.Errorf("GetInfo() after rollback = %v, want %v", err, its.ErrDoesNotExist)
	}
}

func TestLoadPersistentKeyCorrupt(t *testing.T) {
	s := its.NewMemory(its.Options{})
	if err := s.Set(3, []byte("not a key record"), 0); err != nil {
		t.Fatal(err)
	}
	_, err := LoadPersistentKey(s, 3)
	wantStatus(t, "LoadPersistentKey(corrupt)", err, DataInvalid)

	k := testPersistentKey
	k.Attributes.ID = 4
	b, err := k.marshal()
	if err != nil {
		t.Fatal(err)
	}
	b[36] = 0
	if err := s.Set(4, b[:storageHeaderSize], 0); err != nil {
		t.Fatal(err)
	}
	_, err = LoadPersistentKey(s, 4)
	wantStatus(t, "LoadPersistentKey(empty)", err, StorageFailure)
}

func TestLoadPersistentKeyPointBits(t *testing.T) {
	pub := func(bits, pointBits int) *PersistentKey {
		n := (pointBits + 7) / 8
		return &PersistentKey{
			Attributes: Attributes{
				ID:       5,
				Type:     KeyTypeECCPublicKeySECPR1,
				Bits:     bits,
				Lifetime: LifetimePersistent,
				Usage:    UsageVerifyHash,
				Alg:      AlgECDSASHA256,
			},
			Data: token.AppendPoint(nil, pointBits, bytes.Repeat([]byte{1}, n), bytes.Repeat([]byte{2}, n)),
		}
	}
	for _, tc := range []struct {
		name string
		k    *PersistentKey
		want Status
	}{
		{"matching", pub(256, 256), Success},
		{"short point", pub(256, 64), CorruptionDetected},
		{"long point", pub(256, 384), CorruptionDetected},
	} {
		s := its.NewMemory(its.Options{})
		if err := SavePersistentKey(s, tc.k); err != nil {
			t.Fatalf("%s: SavePersistentKey() = %v", tc.name, err)
		}
		_, err := LoadPersistentKey(s, 5)
		wantStatus(t, tc.name+": LoadPersistentKey()", err, tc.want)
	}

	k := pub(256, 256)
	k.Data = k.Data[:len(k.Data)-4]
	s := its.NewMemory(its.Options{})
	if err := SavePersistentKey(s, k); err != nil {
		t.Fatalf("SavePersistentKey(truncated point) = %v", err)
	}
	_, err := LoadPersistentKey(s, 5)
	wantStatus(t, "LoadPersistentKey(truncated point)", err, CorruptionDetected)
}
