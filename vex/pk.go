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

package vex

import (
	"fmt"

	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/token"
)

// maxKeyBlobAAD bounds the associated data of a key blob; the asset ID of
// the key encryption key shares the additional input area with it.
const maxKeyBlobAAD = 252

// KeyPair describes an elliptic curve key pair generation.
type KeyPair struct {
	// Bits is the curve size.
	Bits int
	// PrivateKey receives the private key. Params optionally holds the
	// domain parameters and PublicKey optionally receives the public key.
	PrivateKey token.AssetID
	Params     token.AssetID
	PublicKey  token.AssetID
	// When KEK is set the private key is also written to Blob as a key
	// blob with associated data AAD.
	KEK  token.AssetID
	AAD  []byte
	Blob []byte
	// Public optionally receives the public key in device format.
	Public []byte
}

// pkOutput maps an output of a key pair generation.
func (a *Adapter) pkOutput(x *exchange, data []byte) (dmares.Address, int, error) {
	if a.opts.NoKeyPairTokenID {
		return x.untaggedOutput(data)
	}
	return x.output(data)
}

// PKGenKeyPair generates an elliptic curve key pair.
func (a *Adapter) PKGenKeyPair(k KeyPair) error {
	if k.KEK != 0 && (len(k.Blob) == 0 || len(k.AAD) >= maxKeyBlobAAD) {
		return fmt.Errorf("%w: key blob of %d bytes with %d bytes of associated data", BadArgument, len(k.Blob), len(k.AAD))
	}
	x, err := a.begin()
	if err != nil {
		return err
	}
	p := token.PKAsset{
		Command:    token.PKECGenKeyPair,
		Nwords:     token.Words(k.Bits),
		KeyAsset:   k.PrivateKey,
		ParamAsset: k.Params,
		IOAsset:    k.PublicKey,
	}
	if k.KEK != 0 {
		bus, size, err := a.pkOutput(x, k.Blob)
		if err != nil {
			return err
		}
		p.Input, p.InputLength = uint64(bus), uint16(size)
		p.KEKAsset, p.AAD = k.KEK, k.AAD
	}
	if k.Public != nil {
		bus, size, err := a.pkOutput(x, k.Public)
		if err != nil {
			return err
		}
		p.Output, p.OutputLength = uint64(bus), uint16(size)
	}
	var cmd token.Command
	p.Encode(&cmd)
	_, err = x.run(&cmd, nil)
	return err
}

// PKGenPublicKey computes the public key of private key asset key. The
// public key is stored in asset pub and written to out, each if set.
func (a *Adapter) PKGenPublicKey(bits int, key, params, pub token.AssetID, out []byte) error {
	x, err := a.begin()
	if err != nil {
		return err
	}
	p := token.PKAsset{
		Command:    token.PKECGenPublicKey,
		Nwords:     token.Words(bits),
		KeyAsset:   key,
		ParamAsset: params,
		IOAsset:    pub,
	}
	if out != nil {
		bus, size, err := x.output(out)
		if err != nil {
			return err
		}
		p.Output, p.OutputLength = uint64(bus), uint16(size)
	}
	var cmd token.Command
	p.Encode(&cmd)
	_, err = x.run(&cmd, nil)
	return err
}

// PKKeyCheck checks private key asset key and public key asset pub, and
// that they belong together when both are set.
func (a *Adapter) PKKeyCheck(bits int, key, params, pub token.AssetID) error {
	return a.simple(token.PKAsset{
		Command:    token.PKECKeyCheck,
		Nwords:     token.Words(bits),
		KeyAsset:   key,
		ParamAsset: params,
		IOAsset:    pub,
	})
}
