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

	"github.com/eip130/go-hsm/token"
)

// AssetSearch returns the asset ID and data length of static asset number.
func (a *Adapter) AssetSearch(number uint8) (token.AssetID, int, error) {
	res, err := a.system(token.AssetSearch{Number: number})
	if err != nil {
		return 0, 0, err
	}
	id, size := token.ReadAssetSearch(res)
	return id, size, nil
}

// AssetCreate allocates an asset of size bytes governed by policy.
func (a *Adapter) AssetCreate(policy token.AssetPolicy, size int) (token.AssetID, error) {
	if size <= 0 || size > maxAssetSize {
		return 0, fmt.Errorf("%w: asset of %d bytes", InvalidLength, size)
	}
	res, err := a.system(token.AssetCreate{Policy: policy, Length: uint32(size)})
	if err != nil {
		return 0, err
	}
	return token.ReadAssetID(res), nil
}

// AssetDelete removes asset id from the asset store.
func (a *Adapter) AssetDelete(id token.AssetID) error {
	return a.simple(token.AssetDelete{Asset: id})
}

const maxAssetSize = 0x3FF

// load is an asset load with its data buffers. The device reads input and
// writes a key blob to output when the load exports the asset. addInput is
// a second input, such as the IV of a derivation, used without output.
type load struct {
	token.AssetLoad
	input    []byte
	addInput []byte
	output   []byte
}

// assetLoad maps the buffers of l, runs it and returns the number of bytes
// written to the output buffer.
func (a *Adapter) assetLoad(l load) (int, error) {
	if len(l.AAD) > token.MaxAADSize {
		return 0, fmt.Errorf("%w: %d bytes of associated data", BadArgument, len(l.AAD))
	}
	x, err := a.begin()
	if err != nil {
		return 0, err
	}
	if l.input != nil {
		bus, err := x.input(l.input)
		if err != nil {
			return 0, err
		}
		l.Input, l.InputLength = uint64(bus), uint32(len(l.input))
	}
	switch {
	case l.output != nil:
		bus, size, err := x.output(l.output)
		if err != nil {
			return 0, err
		}
		l.Output, l.OutputLength = uint64(bus), uint32(size)
	case l.addInput != nil:
		bus, err := x.input(l.addInput)
		if err != nil {
			return 0, err
		}
		l.Output, l.OutputLength = uint64(bus), uint32(len(l.addInput))
	}
	var cmd token.Command
	l.Encode(&cmd)
	res, err := x.run(&cmd, nil)
	if err != nil {
		return 0, err
	}
	if l.output == nil {
		return 0, nil
	}
	return token.ReadAssetLoadOutputSize(res), nil
}

// AssetLoadPlaintext loads data into asset id.
func (a *Adapter) AssetLoadPlaintext(id token.AssetID, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: no data", BadArgument)
	}
	_, err := a.assetLoad(load{
		AssetLoad: token.AssetLoad{Method: token.LoadPlaintext, Asset: id},
		input:     data,
	})
	return err
}

// AssetLoadRandom loads random data into asset id.
func (a *Adapter) AssetLoadRandom(id token.AssetID) error {
	_, err := a.assetLoad(load{AssetLoad: token.AssetLoad{Method: token.LoadRandom, Asset: id}})
	return err
}

// Derivation selects the key derivation of AssetLoadDerive.
type Derivation struct {
	// Label is the associated data of the derivation.
	Label []byte
	// Salt is an optional salt, IV an optional initialization vector.
	Salt []byte
	IV   []byte
	// Counter selects counter mode, RFC5869 the HKDF of RFC 5869.
	Counter bool
	RFC5869 bool
	// AssetNumber identifies the derived asset in the firmware.
	AssetNumber uint8
}

// AssetLoadDerive derives the contents of asset id from key derivation key
// kdk.
func (a *Adapter) AssetLoadDerive(id, kdk token.AssetID, d Derivation) error {
	_, err := a.assetLoad(load{
		AssetLoad: token.AssetLoad{
			Method:      token.LoadDerive,
			Asset:       id,
			KeyAsset:    kdk,
			Counter:     d.Counter,
			RFC5869:     d.RFC5869,
			AssetNumber: d.AssetNumber,
			AAD:         d.Label,
		},
		input:    d.Salt,
		addInput: d.IV,
	})
	return err
}

// AssetLoadImport loads asset id from a key blob produced by an export with
// the same key encryption key and associated data.
func (a *Adapter) AssetLoadImport(id, kek token.AssetID, aad, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("%w: no key blob", BadArgument)
	}
	_, err := a.assetLoad(load{
		AssetLoad: token.AssetLoad{Method: token.LoadImport, Asset: id, KeyAsset: kek, AAD: aad},
		input:     blob,
	})
	return err
}

// AssetLoadExport loads asset id with data, or with random data when data
// is nil, and writes the asset to blob as a key blob protected by kek and
// aad. It returns the length of the key blob.
func (a *Adapter) AssetLoadExport(id token.AssetID, data []byte, kek token.AssetID, aad, blob []byte) (int, error) {
	if len(blob) == 0 {
		return 0, fmt.Errorf("%w: no key blob buffer", BadArgument)
	}
	l := load{
		AssetLoad: token.AssetLoad{Method: token.LoadRandom, Asset: id, KeyAsset: kek, AAD: aad, Export: true},
		output:    blob,
	}
	if data != nil {
		l.Method = token.LoadPlaintext
		l.input = data
	}
	return a.assetLoad(l)
}
