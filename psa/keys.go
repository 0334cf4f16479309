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
	"crypto/ecdh"
	"fmt"

	"github.com/eip130/go-hsm/token"
	"github.com/eip130/go-hsm/vex"
	"github.com/golang/glog"
)

func curve(bits int) ecdh.Curve {
	switch bits {
	case 256:
		return ecdh.P256()
	case 384:
		return ecdh.P384()
	case 521:
		return ecdh.P521()
	}
	return nil
}

// validate checks the attributes of a key about to be created.
func (c *Crypto) validate(a Attributes) error {
	if a.Type == KeyTypeNone || a.Alg == AlgNone {
		return fmt.Errorf("%w: key type and algorithm are required", InvalidArgument)
	}
	switch a.Lifetime.Location() {
	case LocationLocal, LocationSecureElement:
	default:
		return fmt.Errorf("%w: key location %#x", NotSupported, uint32(a.Lifetime.Location()))
	}
	switch a.Lifetime.Persistence() {
	case PersistenceVolatile, PersistenceAssetStore:
		if a.ID != KeyIDNull {
			return fmt.Errorf("%w: key ID %#x for a key that is not persistent", InvalidArgument, uint32(a.ID))
		}
	case PersistenceDefault:
		if c.store == nil {
			return fmt.Errorf("%w: no storage for persistent keys", NotSupported)
		}
		if a.ID < KeyIDUserMin || a.ID > KeyIDUserMax {
			return fmt.Errorf("%w: persistent key ID %#x", InvalidArgument, uint32(a.ID))
		}
		for i := 1; i < len(c.slots); i++ {
			if c.slots[i].allocated && c.slots[i].attrs.ID == a.ID {
				return fmt.Errorf("%w: key %#x", AlreadyExists, uint32(a.ID))
			}
		}
		if _, err := c.store.GetInfo(uint64(a.ID)); err == nil {
			return fmt.Errorf("%w: key %#x", AlreadyExists, uint32(a.ID))
		} else if StatusOf(err) != DoesNotExist {
			return wrap(err)
		}
	default:
		return fmt.Errorf("%w: key persistence %#x", InvalidArgument, uint8(a.Lifetime.Persistence()))
	}
	return nil
}

// create allocates a slot for a key with attributes a and fills it with
// fill. On failure the slot is released again.
func (c *Crypto) create(a Attributes, fill func(s *slot) error) (KeyID, error) {
	if err := c.validate(a); err != nil {
		return KeyIDNull, err
	}
	if err := checkBits(a.Type, a.Bits); err != nil {
		return KeyIDNull, err
	}
	policy, err := assetPolicy(a, c.secure)
	if err != nil {
		return KeyIDNull, err
	}
	i, err := c.alloc()
	if err != nil {
		return KeyIDNull, err
	}
	s := &c.slots[i]
	s.attrs = a
	s.policy = policy
	s.size = assetSize(a.Type, a.Bits)
	if err := fill(s); err != nil {
		c.remove(i, false)
		return KeyIDNull, err
	}
	if a.Lifetime.Persistence() == PersistenceDefault {
		err := SavePersistentKey(c.store, &PersistentKey{Attributes: a, Policy: policy, Data: s.data, Data2: s.data2})
		if err != nil {
			c.remove(i, false)
			return KeyIDNull, err
		}
	}
	id := c.handle(i)
	glog.V(1).Infof("psa: created key %#x (type %#04x, %d bits) in slot %d", uint32(id), uint16(a.Type), a.Bits, i)
	return id, nil
}

// place keeps the plaintext material of a key where its lifetime says.
func (c *Crypto) place(s *slot, plain []byte) error {
	policies := []token.AssetPolicy{s.policy}
	if splitDirections(s.attrs) {
		enc, dec := directionPolicies(s.policy)
		policies = []token.AssetPolicy{enc, dec}
	}
	switch {
	case s.attrs.Lifetime.Persistence() == PersistenceAssetStore:
		ids := []*token.AssetID{&s.asset, &s.asset2}
		for n, p := range policies {
			a, err := c.hsm.AssetCreate(p, s.size)
			if err != nil {
				return wrap(err)
			}
			*ids[n] = a
			if err := c.hsm.AssetLoadPlaintext(a, plain); err != nil {
				return wrap(err)
			}
		}
		return nil
	case s.attrs.Lifetime.Location() == LocationSecureElement:
		blobs := []*[]byte{&s.data, &s.data2}
		return wrap(c.withKEK(func(kek token.AssetID) error {
			for n, p := range policies {
				blob, err := c.export(p, s.size, plain, kek)
				if err != nil {
					return err
				}
				*blobs[n] = blob
			}
			return nil
		}))
	}
	s.data = append([]byte{}, plain...)
	return nil
}

// export wraps plain, or random data when plain is nil, into a key blob
// by way of a temporary asset.
func (c *Crypto) export(policy token.AssetPolicy, size int, plain []byte, kek token.AssetID) ([]byte, error) {
	a, err := c.hsm.AssetCreate(policy, size)
	if err != nil {
		return nil, err
	}
	defer c.hsm.AssetDelete(a)
	blob := make([]byte, size+keyBlobOverhead)
	n, err := c.hsm.AssetLoadExport(a, plain, kek, keyBlobAAD, blob)
	if err != nil {
		return nil, err
	}
	if n != len(blob) {
		return nil, fmt.Errorf("%w: key blob of %d bytes, want %d", CorruptionDetected, n, len(blob))
	}
	return blob, nil
}

// ImportKey creates a key from data in the PSA export format: the key
// bytes for symmetric keys, the private scalar for ECC key pairs and the
// uncompressed point for ECC public keys. A zero Bits is taken from data.
func (c *Crypto) ImportKey(a Attributes, data []byte) (id KeyID, err error) {
	defer func() { observe("import", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) == 0 || a.Type == KeyTypeNone {
		return KeyIDNull, fmt.Errorf("%w: no key data or type", InvalidArgument)
	}
	var (
		bits     int
		material []byte
	)
	switch {
	case a.Type.IsUnstructured():
		bits, material = 8*len(data), data
	case a.Type == KeyTypeECCKeyPairSECPR1:
		b, ok := curveBits(len(data))
		if !ok {
			return KeyIDNull, fmt.Errorf("%w: ECC private key of %d bytes", InvalidArgument, len(data))
		}
		if _, err := curve(b).NewPrivateKey(data); err != nil {
			return KeyIDNull, fmt.Errorf("%w: %v", InvalidArgument, err)
		}
		bits = b
		material = token.AppendBigInt(nil, token.BigInt{Bits: b, Items: 1, Value: data})
	case a.Type == KeyTypeECCPublicKeySECPR1:
		b, ok := curveBits((len(data) - 1) / 2)
		if !ok || len(data)%2 != 1 || data[0] != 4 {
			return KeyIDNull, fmt.Errorf("%w: ECC public key of %d bytes", InvalidArgument, len(data))
		}
		if _, err := curve(b).NewPublicKey(data); err != nil {
			return KeyIDNull, fmt.Errorf("%w: %v", InvalidArgument, err)
		}
		if a.Lifetime.Location() != LocationLocal || a.Lifetime.Persistence() == PersistenceAssetStore {
			return KeyIDNull, fmt.Errorf("%w: public keys are kept on the host", NotSupported)
		}
		n := curveBytes(b)
		bits = b
		material = token.AppendPoint(nil, b, data[1:1+n], data[1+n:])
	default:
		return KeyIDNull, fmt.Errorf("%w: key type %#04x", NotSupported, uint16(a.Type))
	}
	if a.Bits != 0 && a.Bits != bits {
		return KeyIDNull, fmt.Errorf("%w: %d bits of key data for a %d bit key", InvalidArgument, bits, a.Bits)
	}
	a.Bits = bits
	return c.create(a, func(s *slot) error {
		return c.place(s, material)
	})
}

// GenerateKey creates a random key. Symmetric keys kept in the HSM only
// never exist in plaintext on the host, and neither do ECC private keys.
func (c *Crypto) GenerateKey(a Attributes) (id KeyID, err error) {
	defer func() { observe("generate", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case a.Type.IsUnstructured():
		return c.create(a, c.generateSymmetric)
	case a.Type.IsKeyPair():
		if a.Lifetime.Location() == LocationLocal && a.Lifetime.Persistence() == PersistenceDefault {
			return KeyIDNull, fmt.Errorf("%w: persistent key pair in plaintext", NotSupported)
		}
		return c.create(a, c.generateKeyPair)
	case a.Type.IsPublicKey(), a.Type == KeyTypeNone:
		return KeyIDNull, fmt.Errorf("%w: cannot generate key type %#04x", InvalidArgument, uint16(a.Type))
	}
	return KeyIDNull, fmt.Errorf("%w: key type %#04x", NotSupported, uint16(a.Type))
}

func (c *Crypto) generateSymmetric(s *slot) error {
	if !splitDirections(s.attrs) {
		switch {
		case s.attrs.Lifetime.Persistence() == PersistenceAssetStore:
			a, err := c.hsm.AssetCreate(s.policy, s.size)
			if err != nil {
				return wrap(err)
			}
			s.asset = a
			return wrap(c.hsm.AssetLoadRandom(a))
		case s.attrs.Lifetime.Location() == LocationSecureElement:
			return wrap(c.withKEK(func(kek token.AssetID) error {
				blob, err := c.export(s.policy, s.size, nil, kek)
				s.data = blob
				return err
			}))
		}
	}
	plain := make([]byte, s.size)
	defer zeroize(plain)
	if err := c.random(plain); err != nil {
		return err
	}
	return c.place(s, plain)
}

func (c *Crypto) generateKeyPair(s *slot) error {
	a, err := c.hsm.AssetCreate(s.policy, s.size)
	if err != nil {
		return wrap(err)
	}
	s.asset = a
	if s.attrs.Lifetime.Location() != LocationSecureElement {
		return wrap(c.hsm.PKGenKeyPair(vex.KeyPair{Bits: s.attrs.Bits, PrivateKey: a}))
	}
	err = c.withKEK(func(kek token.AssetID) error {
		k := vex.KeyPair{
			Bits:       s.attrs.Bits,
			PrivateKey: a,
			KEK:        kek,
			AAD:        keyBlobAAD,
			Blob:       make([]byte, s.size+keyBlobOverhead),
		}
		if err := c.hsm.PKGenKeyPair(k); err != nil {
			return err
		}
		s.data = k.Blob
		return nil
	})
	if err != nil {
		return wrap(err)
	}
	// The blob is the key from now on.
	c.freeAssets(s)
	return nil
}

// DestroyKey removes key id, its copies and its stored copy.
func (c *Crypto) DestroyKey(id KeyID) (err error) {
	defer func() { observe("destroy", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return err
	}
	var copies []int
	for j := 1; j < len(c.slots); j++ {
		if c.slots[j].allocated && c.slots[j].source == id {
			copies = append(copies, j)
		}
	}
	for _, j := range append([]int{i}, copies...) {
		if n := c.slots[j].inUse; n != 0 {
			return fmt.Errorf("%w: key %#x in use %d times", BadState, uint32(c.handle(j)), n)
		}
	}
	// Copies are volatile, so once the source is gone their removal
	// cannot fail.
	if err := c.remove(i, true); err != nil {
		return err
	}
	for _, j := range copies {
		if err := c.remove(j, true); err != nil {
			return err
		}
	}
	return nil
}

// PurgeKey removes key id from the key table and the asset store. A
// persistent key stays in storage and is opened again on next use.
func (c *Crypto) PurgeKey(id KeyID) (err error) {
	defer func() { observe("purge", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return err
	}
	return c.remove(i, false)
}

// CopyKey creates a volatile copy of key src, which must allow copying.
// The copy gets the usage both a and src allow; its type and size are
// those of src.
func (c *Crypto) CopyKey(src KeyID, a Attributes) (id KeyID, err error) {
	defer func() { observe("copy", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(src)
	if err != nil {
		return KeyIDNull, err
	}
	s := c.slots[i]
	switch {
	case s.attrs.Usage&UsageCopy == 0:
		return KeyIDNull, fmt.Errorf("%w: key %#x does not allow copying", NotPermitted, uint32(src))
	case s.resident():
		return KeyIDNull, fmt.Errorf("%w: key %#x lives in the asset store only", NotSupported, uint32(src))
	case a.Lifetime != NewLifetime(PersistenceVolatile, s.attrs.Lifetime.Location()):
		return KeyIDNull, fmt.Errorf("%w: copies are volatile at the location of the source", NotSupported)
	case a.Type != KeyTypeNone && a.Type != s.attrs.Type, a.Bits != 0 && a.Bits != s.attrs.Bits:
		return KeyIDNull, fmt.Errorf("%w: copy type or size differs from key %#x", InvalidArgument, uint32(src))
	}
	attrs := s.attrs
	attrs.ID = KeyIDNull
	attrs.Lifetime = a.Lifetime
	attrs.Usage = s.attrs.Usage & a.Usage
	if a.Alg != AlgNone {
		attrs.Alg = a.Alg
	}
	return c.create(attrs, func(d *slot) error {
		d.policy = s.policy
		d.data = append([]byte{}, s.data...)
		if s.data2 != nil {
			d.data2 = append([]byte{}, s.data2...)
		}
		d.source = src
		return nil
	})
}

// ExportKey copies the plaintext material of a symmetric key kept on the
// host to out and returns its length.
func (c *Crypto) ExportKey(id KeyID, out []byte) (n int, err error) {
	defer func() { observe("export", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	s := &c.slots[i]
	switch {
	case s.attrs.Usage&UsageExport == 0:
		return 0, fmt.Errorf("%w: key %#x does not allow export", NotPermitted, uint32(id))
	case !s.attrs.Type.IsUnstructured(), s.attrs.Lifetime.Location() != LocationLocal, s.resident():
		return 0, fmt.Errorf("%w: key %#x has no plaintext on the host", NotSupported, uint32(id))
	case len(out) < len(s.data):
		return 0, fmt.Errorf("%w: %d bytes for a key of %d", BufferTooSmall, len(out), len(s.data))
	}
	return copy(out, s.data), nil
}

// ExportPublicKey writes the public key of an ECC key pair or public key
// to out as an uncompressed point and returns its length.
func (c *Crypto) ExportPublicKey(id KeyID, out []byte) (n int, err error) {
	defer func() { observe("export_public", err) }()
	if len(out) == 0 {
		return 0, fmt.Errorf("%w: no output buffer", InvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	s := &c.slots[i]
	bits := s.attrs.Bits
	var point []byte
	switch {
	case s.attrs.Type.IsPublicKey():
		point = s.data
	case s.attrs.Type.IsKeyPair():
		if err := c.load(s); err != nil {
			return 0, err
		}
		point = make([]byte, token.PointSize(bits))
		err := c.hsm.PKGenPublicKey(bits, s.asset, 0, 0, point)
		if s.inUse == 0 && !s.resident() {
			c.freeAssets(s)
		}
		if err != nil {
			return 0, wrap(err)
		}
	default:
		return 0, fmt.Errorf("%w: key %#x has no public key", NotSupported, uint32(id))
	}
	x, y, _, err := token.ParsePoint(point)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", CorruptionDetected, err)
	}
	m := curveBytes(bits)
	if len(out) < 1+2*m {
		return 0, fmt.Errorf("%w: %d bytes for a point of %d", BufferTooSmall, len(out), 1+2*m)
	}
	if len(x) < m || len(y) < m {
		return 0, fmt.Errorf("%w: point coordinates of %d bytes for a %d-bit key", DataInvalid, len(x), bits)
	}
	out[0] = 4
	copy(out[1:], x[len(x)-m:])
	copy(out[1+m:], y[len(y)-m:])
	return 1 + 2*m, nil
}
