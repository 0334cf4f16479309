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

// Package psa implements the key management of the PSA Crypto API on top
// of the VEX adapter. Keys live in a fixed table of slots. Their material
// is held on the host in plaintext, on the host as key blobs only the HSM
// can unwrap, or in the asset store of the HSM alone; persistent keys are
// also written to internal trusted storage.
package psa

import (
	"fmt"
	"sync"

	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/token"
	"github.com/eip130/go-hsm/vex"
	"github.com/golang/glog"
)

// DefaultSlots is the size of the key table when Options leaves it unset.
const DefaultSlots = 16

// Options configure a Crypto.
type Options struct {
	// Slots is the number of keys that can be open at once.
	Slots int
}

type slot struct {
	allocated bool
	attrs     Attributes
	policy    token.AssetPolicy
	size      int
	// asset and asset2 hold the key while it is loaded. asset2 is the
	// decryption asset of a key with separate directions.
	asset  token.AssetID
	asset2 token.AssetID
	// data and data2 hold the material of keys kept on the host. Keys
	// without it live in the asset store only.
	data   []byte
	data2  []byte
	inUse  int
	source KeyID
}

// resident reports whether the asset store is the only home of the key.
func (s *slot) resident() bool {
	return s.data == nil
}

// Crypto is a PSA key store backed by an HSM. It serializes its own use of
// the adapter; callers sharing the adapter with other users must still
// serialize those.
type Crypto struct {
	hsm    *vex.Adapter
	store  its.Store
	secure bool

	mu    sync.Mutex
	slots []slot // slot 0 is never used
}

// New returns a key store using hsm for key operations and store for
// persistent keys.
func New(hsm *vex.Adapter, store its.Store, opts Options) *Crypto {
	n := opts.Slots
	if n <= 0 {
		n = DefaultSlots
	}
	return &Crypto{
		hsm:    hsm,
		store:  store,
		secure: hsm.HostOptions().MyProt,
		slots:  make([]slot, n+1),
	}
}

// Close purges every open key. Persistent keys stay in storage.
func (c *Crypto) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i < len(c.slots); i++ {
		if !c.slots[i].allocated {
			continue
		}
		c.slots[i].inUse = 0
		if err := c.remove(i, false); err != nil {
			return err
		}
	}
	return nil
}

// handle returns the key ID of slot i.
func (c *Crypto) handle(i int) KeyID {
	if id := c.slots[i].attrs.ID; id != KeyIDNull {
		return id
	}
	return KeyIDVolatileMin + KeyID(i-1)
}

// alloc reserves a free slot.
func (c *Crypto) alloc() (int, error) {
	for i := 1; i < len(c.slots); i++ {
		if !c.slots[i].allocated {
			c.slots[i] = slot{allocated: true}
			keySlotsInUse.Inc()
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d key slots in use", InsufficientStorage, len(c.slots)-1)
}

// lookup returns the slot of key id, opening a persistent key from
// storage when it is not open yet.
func (c *Crypto) lookup(id KeyID) (int, error) {
	switch {
	case id >= KeyIDVolatileMin && id <= KeyIDVolatileMax:
		i := int(id-KeyIDVolatileMin) + 1
		if i >= len(c.slots) || !c.slots[i].allocated || c.slots[i].attrs.ID != KeyIDNull {
			return 0, fmt.Errorf("%w: key %#x", InvalidHandle, uint32(id))
		}
		return i, nil
	case id >= KeyIDUserMin && id <= KeyIDUserMax:
		for i := 1; i < len(c.slots); i++ {
			if c.slots[i].allocated && c.slots[i].attrs.ID == id {
				return i, nil
			}
		}
		if c.store != nil {
			return c.open(id)
		}
	}
	return 0, fmt.Errorf("%w: key %#x", InvalidHandle, uint32(id))
}

// open loads persistent key id into a free slot.
func (c *Crypto) open(id KeyID) (int, error) {
	k, err := LoadPersistentKey(c.store, id)
	if err != nil {
		return 0, err
	}
	i, err := c.alloc()
	if err != nil {
		return 0, err
	}
	s := &c.slots[i]
	s.attrs = k.Attributes
	s.policy = k.Policy
	s.size = assetSize(k.Attributes.Type, k.Attributes.Bits)
	s.data, s.data2 = k.Data, k.Data2
	glog.V(1).Infof("psa: opened persistent key %#x in slot %d", uint32(id), i)
	return i, nil
}

// freeAssets deletes the assets of slot s.
func (c *Crypto) freeAssets(s *slot) {
	for _, a := range []*token.AssetID{&s.asset, &s.asset2} {
		if *a == 0 {
			continue
		}
		if err := c.hsm.AssetDelete(*a); err != nil {
			glog.Warningf("psa: deleting asset %#x: %v", uint32(*a), err)
		}
		*a = 0
	}
}

// remove releases slot i, and the stored copy of its key when persistent
// is set. A key in use is left alone.
func (c *Crypto) remove(i int, persistent bool) error {
	s := &c.slots[i]
	if s.inUse != 0 {
		return fmt.Errorf("%w: key %#x in use %d times", BadState, uint32(c.handle(i)), s.inUse)
	}
	if persistent && s.attrs.ID != KeyIDNull {
		if err := DestroyPersistentKey(c.store, s.attrs.ID); err != nil && StatusOf(err) != DoesNotExist {
			return err
		}
	}
	c.freeAssets(s)
	zeroize(s.data)
	zeroize(s.data2)
	*s = slot{}
	keySlotsInUse.Dec()
	return nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SetKeyInUse marks key id as in use. Calls nest: the key stays in use
// until ClrKeyInUse was called as often.
func (c *Crypto) SetKeyInUse(id KeyID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.slots[i].inUse++
	return nil
}

// ClrKeyInUse undoes one SetKeyInUse.
func (c *Crypto) ClrKeyInUse(id KeyID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return err
	}
	if c.slots[i].inUse == 0 {
		return fmt.Errorf("%w: key %#x is not in use", CorruptionDetected, uint32(id))
	}
	c.slots[i].inUse--
	return nil
}

// LoadKey makes key id available in the asset store and marks it in use.
// For a key with separate directions decrypt is the decryption asset;
// otherwise it equals asset. Every successful LoadKey must be matched by
// a ReleaseKey.
func (c *Crypto) LoadKey(id KeyID) (asset, decrypt token.AssetID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return 0, 0, err
	}
	s := &c.slots[i]
	if err := c.load(s); err != nil {
		return 0, 0, err
	}
	s.inUse++
	if s.asset2 != 0 {
		return s.asset, s.asset2, nil
	}
	return s.asset, s.asset, nil
}

// ReleaseKey undoes a LoadKey. Keys kept on the host leave the asset
// store once no one uses them.
func (c *Crypto) ReleaseKey(id KeyID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return err
	}
	s := &c.slots[i]
	if s.inUse == 0 {
		return fmt.Errorf("%w: key %#x is not in use", CorruptionDetected, uint32(id))
	}
	s.inUse--
	if s.inUse == 0 && !s.resident() {
		c.freeAssets(s)
	}
	return nil
}

// load puts the material of s into the asset store.
func (c *Crypto) load(s *slot) error {
	if s.asset != 0 {
		return nil
	}
	if s.resident() {
		return fmt.Errorf("%w: key has neither asset nor material", CorruptionDetected)
	}
	policies := []token.AssetPolicy{s.policy}
	blobs := [][]byte{s.data}
	if s.data2 != nil {
		enc, dec := directionPolicies(s.policy)
		policies = []token.AssetPolicy{enc, dec}
		blobs = append(blobs, s.data2)
	}
	ids := []*token.AssetID{&s.asset, &s.asset2}
	err := c.withKEKIf(s.attrs.Lifetime.Location() == LocationSecureElement, func(kek token.AssetID) error {
		for n, p := range policies {
			a, err := c.hsm.AssetCreate(p, s.size)
			if err != nil {
				return err
			}
			*ids[n] = a
			if kek != 0 {
				err = c.hsm.AssetLoadImport(a, kek, keyBlobAAD, blobs[n])
			} else {
				err = c.hsm.AssetLoadPlaintext(a, blobs[n])
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.freeAssets(s)
		return wrap(err)
	}
	return nil
}

// GetKeyAttributes returns the attributes of key id.
func (c *Crypto) GetKeyAttributes(id KeyID) (Attributes, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, err := c.lookup(id)
	if err != nil {
		return Attributes{}, err
	}
	return c.slots[i].attrs, nil
}

// GenerateRandom fills out with random bytes from the DRBG of the HSM.
func (c *Crypto) GenerateRandom(out []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.random(out)
}

func (c *Crypto) random(out []byte) error {
	for len(out) > 0 {
		n := len(out)
		if n > token.RandomMaxSize {
			n = token.RandomMaxSize
		}
		if err := c.hsm.RandomNumber(out[:n]); err != nil {
			return wrap(err)
		}
		out = out[n:]
	}
	return nil
}

// Len returns the number of open keys.
func (c *Crypto) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := 1; i < len(c.slots); i++ {
		if c.slots[i].allocated {
			n++
		}
	}
	return n
}
