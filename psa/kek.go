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
	"fmt"

	"github.com/eip130/go-hsm/token"
	"github.com/eip130/go-hsm/vex"
	"github.com/golang/glog"
)

const (
	kekSize = 64
	// keyBlobOverhead is the size a key blob adds to the key it wraps.
	keyBlobOverhead = 16
)

var (
	// keyBlobAAD is the associated data of every key blob.
	keyBlobAAD = []byte("SomeAssociatedDataForProvisioningWithKeyBlob")
	kekLabel   = []byte("EIP-130 PSA key blob encryption key")
)

// withKEK runs f with the key blob encryption key loaded. The key is
// derived from the hardware unique key for every use and deleted after.
func (c *Crypto) withKEK(f func(kek token.AssetID) error) error {
	huk, _, err := c.hsm.AssetSearch(token.AssetNumberHUK)
	if err != nil {
		return fmt.Errorf("hardware unique key: %w", err)
	}
	policy := token.PolicySymWrap | token.PolicySCAWAESSIV | token.PolicySCDirEncDec
	if !c.secure {
		policy |= token.PolicySourceNonSecure
	}
	kek, err := c.hsm.AssetCreate(policy, kekSize)
	if err != nil {
		return fmt.Errorf("key blob KEK: %w", err)
	}
	defer func() {
		if err := c.hsm.AssetDelete(kek); err != nil {
			glog.Warningf("psa: deleting key blob KEK: %v", err)
		}
	}()
	if err := c.hsm.AssetLoadDerive(kek, huk, vex.Derivation{Label: kekLabel}); err != nil {
		return fmt.Errorf("key blob KEK: %w", err)
	}
	return f(kek)
}

// withKEKIf runs f with the key blob encryption key when blob is set and
// with a zero asset otherwise.
func (c *Crypto) withKEKIf(blob bool, f func(kek token.AssetID) error) error {
	if !blob {
		return f(0)
	}
	return c.withKEK(f)
}
