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
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/eip130/go-hsm/bufmanager"
	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/mailbox/simulator"
	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/token"
	"github.com/eip130/go-hsm/vex"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testCrypto struct {
	*Crypto
	sim   *simulator.Simulator
	store *its.Memory
}

func newTestCrypto(t *testing.T, opts Options) *testCrypto {
	t.Helper()
	dma := dmares.New(dmares.Options{})
	sim := simulator.New(dma, simulator.Config{})
	t.Cleanup(func() { sim.Close() })
	a, err := vex.New(sim, dma, vex.Options{
		Identity: 0x4711,
		Exchange: mailbox.ExchangeOptions{Timeout: time.Second},
		Buffers:  bufmanager.Options{PollDelay: time.Microsecond},
	})
	if err != nil {
		t.Fatalf("vex.New() = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	store := its.NewMemory(its.Options{})
	c := New(a, store, opts)
	t.Cleanup(func() { c.Close() })
	return &testCrypto{Crypto: c, sim: sim, store: store}
}

func wantStatus(t *testing.T, name string, err error, want Status) {
	t.Helper()
	if got := StatusOf(err); got != want {
		t.Errorf("%s = %v, want %v", name, err, want)
	}
}

func aesKey(lifetime Lifetime, usage Usage) Attributes {
	return Attributes{Type: KeyTypeAES, Lifetime: lifetime, Usage: usage, Alg: AlgCTR}
}

var testKey = bytes.Repeat([]byte{0x3C}, 32)

var (
	localVolatile       = LifetimeVolatile
	localPersistent     = LifetimePersistent
	wrappedVolatile     = NewLifetime(PersistenceVolatile, LocationSecureElement)
	wrappedPersistent   = NewLifetime(PersistenceDefault, LocationSecureElement)
	assetStore          = NewLifetime(PersistenceAssetStore, LocationLocal)
	allLifetimes        = []Lifetime{localVolatile, localPersistent, wrappedVolatile, wrappedPersistent, assetStore}
	persistentLifetimes = map[Lifetime]bool{localPersistent: true, wrappedPersistent: true}
)

func TestKeyInUse(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	id, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tc.SetKeyInUse(id); err != nil {
			t.Fatalf("SetKeyInUse() = %v", err)
		}
	}
	wantStatus(t, "DestroyKey(in use)", tc.DestroyKey(id), BadState)
	wantStatus(t, "PurgeKey(in use)", tc.PurgeKey(id), BadState)
	for i := 0; i < 2; i++ {
		if err := tc.ClrKeyInUse(id); err != nil {
			t.Fatalf("ClrKeyInUse() = %v", err)
		}
	}
	wantStatus(t, "ClrKeyInUse(not in use)", tc.ClrKeyInUse(id), CorruptionDetected)
	if err := tc.DestroyKey(id); err != nil {
		t.Fatalf("DestroyKey() = %v", err)
	}
	_, err = tc.GetKeyAttributes(id)
	wantStatus(t, "GetKeyAttributes(destroyed)", err, InvalidHandle)
	wantStatus(t, "SetKeyInUse(destroyed)", tc.SetKeyInUse(id), InvalidHandle)
}

func TestDestroyKeyInUseKeepsCopies(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	src, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt|UsageCopy), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	cp, err := tc.CopyKey(src, Attributes{Lifetime: localVolatile, Usage: UsageEncrypt})
	if err != nil {
		t.Fatalf("CopyKey() = %v", err)
	}
	for _, busy := range []KeyID{src, cp} {
		if err := tc.SetKeyInUse(busy); err != nil {
			t.Fatalf("SetKeyInUse(%#x) = %v", uint32(busy), err)
		}
		wantStatus(t, "DestroyKey(source)", tc.DestroyKey(src), BadState)
		for _, id := range []KeyID{src, cp} {
			if _, err := tc.GetKeyAttributes(id); err != nil {
				t.Errorf("GetKeyAttributes(%#x) after failed destroy = %v", uint32(id), err)
			}
		}
		if err := tc.ClrKeyInUse(busy); err != nil {
			t.Fatalf("ClrKeyInUse(%#x) = %v", uint32(busy), err)
		}
	}
	if got := tc.Len(); got != 2 {
		t.Errorf("Len() after failed destroys = %d, want 2", got)
	}
	if err := tc.DestroyKey(src); err != nil {
		t.Fatalf("DestroyKey() = %v", err)
	}
	for _, id := range []KeyID{src, cp} {
		_, err := tc.GetKeyAttributes(id)
		wantStatus(t, "GetKeyAttributes(destroyed)", err, InvalidHandle)
	}
}

func TestLoadKey(t *testing.T) {
	for _, lt := range allLifetimes {
		for _, usage := range []Usage{UsageEncrypt, UsageEncrypt | UsageDecrypt} {
			a := aesKey(lt, usage)
			if persistentLifetimes[lt] {
				a.ID = 0x100
			}
			tc := newTestCrypto(t, Options{})
			base := tc.sim.Assets()
			id, err := tc.ImportKey(a, testKey)
			if err != nil {
				t.Fatalf("ImportKey(%#x, %#x) = %v", lt, usage, err)
			}
			resident := lt == assetStore
			split := usage == UsageEncrypt|UsageDecrypt && (lt == wrappedVolatile || lt == wrappedPersistent || lt == assetStore)
			assets := 1
			if split {
				assets = 2
			}

			enc, dec, err := tc.LoadKey(id)
			if err != nil {
				t.Fatalf("LoadKey(%#x, %#x) = %v", lt, usage, err)
			}
			if got := enc != dec; got != split {
				t.Errorf("LoadKey(%#x, %#x) split = %v, want %v", lt, usage, got, split)
			}
			if got, want := tc.sim.Assets(), base+assets; got != want {
				t.Errorf("Assets() with key %#x loaded = %d, want %d", lt, got, want)
			}
			wantStatus(t, "DestroyKey(loaded)", tc.DestroyKey(id), BadState)
			if err := tc.ReleaseKey(id); err != nil {
				t.Fatalf("ReleaseKey() = %v", err)
			}
			want := base
			if resident {
				want += assets
			}
			if got := tc.sim.Assets(); got != want {
				t.Errorf("Assets() with key %#x released = %d, want %d", lt, got, want)
			}
			wantStatus(t, "ReleaseKey(released)", tc.ReleaseKey(id), CorruptionDetected)
			if err := tc.DestroyKey(id); err != nil {
				t.Errorf("DestroyKey() = %v", err)
			}
			if got := tc.sim.Assets(); got != base {
				t.Errorf("Assets() after DestroyKey() = %d, want %d", got, base)
			}
		}
	}
}

func TestExportKey(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	id, err := tc.ImportKey(aesKey(localVolatile, UsageExport|UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	out := make([]byte, 64)
	n, err := tc.ExportKey(id, out)
	if err != nil {
		t.Fatalf("ExportKey() = %v", err)
	}
	if diff := cmp.Diff(testKey, out[:n]); diff != "" {
		t.Errorf("ExportKey() mismatch (-want +got):\n%s", diff)
	}
	_, err = tc.ExportKey(id, make([]byte, 31))
	wantStatus(t, "ExportKey(short buffer)", err, BufferTooSmall)

	noExport, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	_, err = tc.ExportKey(noExport, out)
	wantStatus(t, "ExportKey(no export usage)", err, NotPermitted)

	wrapped, err := tc.ImportKey(aesKey(wrappedVolatile, UsageExport|UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey(wrapped) = %v", err)
	}
	_, err = tc.ExportKey(wrapped, out)
	wantStatus(t, "ExportKey(wrapped)", err, NotSupported)
}

func TestPersistentKey(t *testing.T) {
	for _, lt := range []Lifetime{localPersistent, wrappedPersistent} {
		tc := newTestCrypto(t, Options{})
		a := aesKey(lt, UsageExport|UsageEncrypt|UsageDecrypt)
		a.ID = 0x42
		id, err := tc.ImportKey(a, testKey)
		if err != nil {
			t.Fatalf("ImportKey(%#x) = %v", lt, err)
		}
		if id != a.ID {
			t.Errorf("ImportKey(%#x) = key %#x, want %#x", lt, id, a.ID)
		}
		_, err = tc.ImportKey(a, testKey)
		wantStatus(t, "ImportKey(same ID)", err, AlreadyExists)

		info, err := tc.store.GetInfo(0x42)
		if err != nil {
			t.Fatalf("GetInfo(0x42) = %v", err)
		}
		want := storageHeaderSize + len(testKey)
		if lt == wrappedPersistent {
			want = storageHeaderSize + 2*(len(testKey)+keyBlobOverhead)
		}
		if info.Size != want {
			t.Errorf("stored key %#x is %d bytes, want %d", lt, info.Size, want)
		}

		if err := tc.PurgeKey(id); err != nil {
			t.Fatalf("PurgeKey() = %v", err)
		}
		if got := tc.Len(); got != 0 {
			t.Errorf("Len() after PurgeKey() = %d, want 0", got)
		}
		got, err := tc.GetKeyAttributes(id)
		if err != nil {
			t.Fatalf("GetKeyAttributes() after PurgeKey() = %v", err)
		}
		a.Bits = 256
		if diff := cmp.Diff(a, got); diff != "" {
			t.Errorf("GetKeyAttributes() after PurgeKey() mismatch (-want +got):\n%s", diff)
		}
		if _, _, err := tc.LoadKey(id); err != nil {
			t.Fatalf("LoadKey() after reopen = %v", err)
		}
		if err := tc.ReleaseKey(id); err != nil {
			t.Fatalf("ReleaseKey() = %v", err)
		}
		if lt == localPersistent {
			out := make([]byte, 32)
			if _, err := tc.ExportKey(id, out); err != nil || !bytes.Equal(out, testKey) {
				t.Errorf("ExportKey() after reopen = %x, %v, want %x", out, err, testKey)
			}
		}

		if err := tc.DestroyKey(id); err != nil {
			t.Fatalf("DestroyKey() = %v", err)
		}
		if _, err := tc.store.GetInfo(0x42); err == nil {
			t.Errorf("stored key %#x survived DestroyKey()", lt)
		}
		_, err = tc.GetKeyAttributes(id)
		wantStatus(t, "GetKeyAttributes(destroyed)", err, DoesNotExist)
	}
}

func TestGenerateKey(t *testing.T) {
	for _, lt := range allLifetimes {
		for _, usage := range []Usage{UsageEncrypt, UsageEncrypt | UsageDecrypt} {
			tc := newTestCrypto(t, Options{})
			a := aesKey(lt, usage)
			a.Bits = 128
			if persistentLifetimes[lt] {
				a.ID = 7
			}
			id, err := tc.GenerateKey(a)
			if err != nil {
				t.Fatalf("GenerateKey(%#x, %#x) = %v", lt, usage, err)
			}
			if _, _, err := tc.LoadKey(id); err != nil {
				t.Errorf("LoadKey(%#x, %#x) = %v", lt, usage, err)
			} else if err := tc.ReleaseKey(id); err != nil {
				t.Errorf("ReleaseKey() = %v", err)
			}
		}
	}

	tc := newTestCrypto(t, Options{})
	a := aesKey(localVolatile, UsageExport)
	a.Bits = 256
	id1, err := tc.GenerateKey(a)
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	id2, err := tc.GenerateKey(a)
	if err != nil {
		t.Fatalf("GenerateKey() = %v", err)
	}
	k1, k2 := make([]byte, 32), make([]byte, 32)
	tc.ExportKey(id1, k1)
	tc.ExportKey(id2, k2)
	if bytes.Equal(k1, k2) {
		t.Errorf("GenerateKey() twice gave the same key %x", k1)
	}
}

func ecdsaKey(lifetime Lifetime) Attributes {
	return Attributes{Type: KeyTypeECCKeyPairSECPR1, Bits: 256, Lifetime: lifetime, Usage: UsageSignHash, Alg: AlgECDSASHA256}
}

func TestGenerateKeyPair(t *testing.T) {
	for _, lt := range []Lifetime{localVolatile, wrappedVolatile, wrappedPersistent, assetStore} {
		tc := newTestCrypto(t, Options{})
		a := ecdsaKey(lt)
		if persistentLifetimes[lt] {
			a.ID = 9
		}
		id, err := tc.GenerateKey(a)
		if err != nil {
			t.Fatalf("GenerateKey(%#x) = %v", lt, err)
		}
		pub := make([]byte, 100)
		n, err := tc.ExportPublicKey(id, pub)
		if err != nil {
			t.Fatalf("ExportPublicKey(%#x) = %v", lt, err)
		}
		if n != 65 || pub[0] != 4 {
			t.Fatalf("ExportPublicKey(%#x) = %x, want an uncompressed P-256 point", lt, pub[:n])
		}
		if _, err := ecdh.P256().NewPublicKey(pub[:n]); err != nil {
			t.Errorf("ExportPublicKey(%#x) gave an invalid point: %v", lt, err)
		}
		_, err = tc.ExportPublicKey(id, make([]byte, 64))
		wantStatus(t, "ExportPublicKey(short buffer)", err, BufferTooSmall)

		if lt == wrappedPersistent {
			// The reopened key blob holds the same private key.
			if err := tc.PurgeKey(id); err != nil {
				t.Fatalf("PurgeKey() = %v", err)
			}
			again := make([]byte, 65)
			if _, err := tc.ExportPublicKey(id, again); err != nil {
				t.Fatalf("ExportPublicKey() after reopen = %v", err)
			}
			if diff := cmp.Diff(pub[:n], again); diff != "" {
				t.Errorf("ExportPublicKey() after reopen mismatch (-before +after):\n%s", diff)
			}
		}
	}

	tc := newTestCrypto(t, Options{})
	a := ecdsaKey(localPersistent)
	a.ID = 9
	_, err := tc.GenerateKey(a)
	wantStatus(t, "GenerateKey(plaintext persistent key pair)", err, NotSupported)
	a = ecdsaKey(localVolatile)
	a.Bits = 224
	_, err = tc.GenerateKey(a)
	wantStatus(t, "GenerateKey(secp224r1)", err, NotSupported)
}

func TestImportECC(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a := ecdsaKey(localVolatile)
	a.Bits = 0
	id, err := tc.ImportKey(a, priv.Bytes())
	if err != nil {
		t.Fatalf("ImportKey(key pair) = %v", err)
	}
	got, err := tc.GetKeyAttributes(id)
	if err != nil || got.Bits != 256 {
		t.Errorf("GetKeyAttributes() = %+v, %v, want 256 bits", got, err)
	}
	pub := make([]byte, 65)
	if _, err := tc.ExportPublicKey(id, pub); err != nil {
		t.Fatalf("ExportPublicKey(key pair) = %v", err)
	}
	if diff := cmp.Diff(priv.PublicKey().Bytes(), pub); diff != "" {
		t.Errorf("ExportPublicKey(key pair) mismatch (-want +got):\n%s", diff)
	}

	a.Type = KeyTypeECCPublicKeySECPR1
	a.Usage = UsageVerifyHash
	pid, err := tc.ImportKey(a, priv.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("ImportKey(public key) = %v", err)
	}
	if _, err := tc.ExportPublicKey(pid, pub); err != nil {
		t.Fatalf("ExportPublicKey(public key) = %v", err)
	}
	if diff := cmp.Diff(priv.PublicKey().Bytes(), pub); diff != "" {
		t.Errorf("ExportPublicKey(public key) mismatch (-want +got):\n%s", diff)
	}
	if _, _, err := tc.LoadKey(pid); err != nil {
		t.Errorf("LoadKey(public key) = %v", err)
	}

	sym, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	_, err = tc.ExportPublicKey(sym, pub)
	wantStatus(t, "ExportPublicKey(AES key)", err, NotSupported)

	_, err = tc.ImportKey(ecdsaKey(localVolatile), make([]byte, 31))
	wantStatus(t, "ImportKey(short scalar)", err, InvalidArgument)
	_, err = tc.ImportKey(ecdsaKey(localVolatile), make([]byte, 32))
	wantStatus(t, "ImportKey(zero scalar)", err, InvalidArgument)
	a.Lifetime = wrappedVolatile
	_, err = tc.ImportKey(a, priv.PublicKey().Bytes())
	wantStatus(t, "ImportKey(wrapped public key)", err, NotSupported)
}

func TestExportPublicKeyCorrupt(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	short := bytes.Repeat([]byte{7}, 8)
	k := &PersistentKey{
		Attributes: Attributes{
			ID:       5,
			Type:     KeyTypeECCPublicKeySECPR1,
			Bits:     256,
			Lifetime: LifetimePersistent,
			Usage:    UsageVerifyHash,
			Alg:      AlgECDSASHA256,
		},
		Data: token.AppendPoint(nil, 64, short, short),
	}
	if err := SavePersistentKey(tc.store, k); err != nil {
		t.Fatalf("SavePersistentKey() = %v", err)
	}
	_, err := tc.ExportPublicKey(5, make([]byte, 65))
	wantStatus(t, "ExportPublicKey(64-bit point of a 256-bit key)", err, CorruptionDetected)
}

func TestSlots(t *testing.T) {
	tc := newTestCrypto(t, Options{Slots: 2})
	var ids []KeyID
	for i := 0; i < 2; i++ {
		id, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
		if err != nil {
			t.Fatalf("ImportKey() = %v", err)
		}
		ids = append(ids, id)
	}
	if ids[0] != KeyIDVolatileMin || ids[1] != KeyIDVolatileMin+1 {
		t.Errorf("ImportKey() gave keys %#x, want %#x and %#x", ids, KeyIDVolatileMin, KeyIDVolatileMin+1)
	}
	_, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	wantStatus(t, "ImportKey(table full)", err, InsufficientStorage)

	for _, id := range []KeyID{KeyIDNull, KeyIDVolatileMin + 2, KeyIDVolatileMax, 0x40000000} {
		_, err := tc.GetKeyAttributes(id)
		wantStatus(t, "GetKeyAttributes()", err, InvalidHandle)
	}
	_, err = tc.GetKeyAttributes(0x1234)
	wantStatus(t, "GetKeyAttributes(unknown persistent key)", err, DoesNotExist)

	if err := tc.DestroyKey(ids[0]); err != nil {
		t.Fatalf("DestroyKey() = %v", err)
	}
	id, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	if err != nil || id != ids[0] {
		t.Errorf("ImportKey() after DestroyKey() = %#x, %v, want %#x", id, err, ids[0])
	}
}

func TestCreateErrors(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	for _, tt := range []struct {
		name string
		a    Attributes
		data []byte
		want Status
	}{
		{"no data", aesKey(localVolatile, UsageEncrypt), nil, InvalidArgument},
		{"no type", Attributes{Alg: AlgCTR}, testKey, InvalidArgument},
		{"no algorithm", Attributes{Type: KeyTypeAES}, testKey, InvalidArgument},
		{"AES size", aesKey(localVolatile, UsageEncrypt), testKey[:17], InvalidArgument},
		{"bits mismatch", Attributes{Type: KeyTypeAES, Bits: 128, Alg: AlgCTR}, testKey, InvalidArgument},
		{"volatile with ID", Attributes{ID: 5, Type: KeyTypeAES, Alg: AlgCTR}, testKey, InvalidArgument},
		{"persistent without ID", aesKey(localPersistent, UsageEncrypt), testKey, InvalidArgument},
		{"persistent in vendor range", Attributes{ID: KeyIDVolatileMin, Type: KeyTypeAES, Lifetime: localPersistent, Alg: AlgCTR}, testKey, InvalidArgument},
		{"unknown persistence", aesKey(0x42, UsageEncrypt), testKey, InvalidArgument},
		{"unknown location", aesKey(NewLifetime(PersistenceVolatile, 7), UsageEncrypt), testKey, NotSupported},
		{"unknown type", Attributes{Type: 0x3001, Alg: AlgCTR}, testKey, NotSupported},
		{"HMAC too large", Attributes{Type: KeyTypeHMAC, Alg: AlgHMACSHA256}, make([]byte, 0x400), NotSupported},
		{"ECC without algorithm class", Attributes{Type: KeyTypeECCKeyPairSECPR1, Alg: AlgCTR}, bytes.Repeat([]byte{1}, 32), NotSupported},
	} {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tc.ImportKey(tt.a, tt.data)
			wantStatus(t, "ImportKey()", err, tt.want)
			if id != KeyIDNull {
				t.Errorf("ImportKey() = key %#x on failure", id)
			}
		})
	}
	if got := tc.Len(); got != 0 {
		t.Errorf("Len() = %d after failed imports, want 0", got)
	}
}

func TestCopyKey(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	src, err := tc.ImportKey(aesKey(localVolatile, UsageCopy|UsageExport|UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	dst, err := tc.CopyKey(src, Attributes{Lifetime: localVolatile, Usage: UsageExport})
	if err != nil {
		t.Fatalf("CopyKey() = %v", err)
	}
	got, err := tc.GetKeyAttributes(dst)
	if err != nil {
		t.Fatalf("GetKeyAttributes(copy) = %v", err)
	}
	want := Attributes{Type: KeyTypeAES, Bits: 256, Usage: UsageExport, Alg: AlgCTR}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetKeyAttributes(copy) mismatch (-want +got):\n%s", diff)
	}
	out := make([]byte, 32)
	if _, err := tc.ExportKey(dst, out); err != nil || !bytes.Equal(out, testKey) {
		t.Errorf("ExportKey(copy) = %x, %v, want %x", out, err, testKey)
	}
	_, err = tc.CopyKey(src, Attributes{Lifetime: wrappedVolatile})
	wantStatus(t, "CopyKey(other location)", err, NotSupported)

	if err := tc.DestroyKey(src); err != nil {
		t.Fatalf("DestroyKey(source) = %v", err)
	}
	_, err = tc.GetKeyAttributes(dst)
	wantStatus(t, "GetKeyAttributes(copy of destroyed key)", err, InvalidHandle)

	noCopy, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	_, err = tc.CopyKey(noCopy, Attributes{})
	wantStatus(t, "CopyKey(no copy usage)", err, NotPermitted)
}

func TestGenerateRandom(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	out := make([]byte, 100)
	if err := tc.GenerateRandom(out); err != nil {
		t.Fatalf("GenerateRandom() = %v", err)
	}
	if bytes.Equal(out, make([]byte, len(out))) {
		t.Errorf("GenerateRandom() = all zero")
	}
	if err := tc.GenerateRandom(nil); err != nil {
		t.Errorf("GenerateRandom(nil) = %v", err)
	}
}

func TestSlotMetrics(t *testing.T) {
	tc := newTestCrypto(t, Options{})
	before := testutil.ToFloat64(keySlotsInUse)
	failed := testutil.ToFloat64(keyOperationsTotal.WithLabelValues("import", InvalidArgument.String()))
	id, err := tc.ImportKey(aesKey(localVolatile, UsageEncrypt), testKey)
	if err != nil {
		t.Fatalf("ImportKey() = %v", err)
	}
	if got := testutil.ToFloat64(keySlotsInUse); got != before+1 {
		t.Errorf("key slots in use = %v after ImportKey(), want %v", got, before+1)
	}
	tc.ImportKey(aesKey(localVolatile, UsageEncrypt), nil)
	if got := testutil.ToFloat64(keyOperationsTotal.WithLabelValues("import", InvalidArgument.String())); got != failed+1 {
		t.Errorf("failed imports = %v, want %v", got, failed+1)
	}
	if err := tc.DestroyKey(id); err != nil {
		t.Fatalf("DestroyKey() = %v", err)
	}
	if got := testutil.ToFloat64(keySlotsInUse); got != before {
		t.Errorf("key slots in use = %v after DestroyKey(), want %v", got, before)
	}
}
