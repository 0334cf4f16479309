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

// AssetID refers to an object held in the asset store of the device.
type AssetID uint32

const (
	staticAssetMask  = 0xFF03FF03
	staticAssetMagic = 0x5A02A501
)

// IsStaticAsset reports whether id refers to a static asset, which is
// provisioned in OTP and can neither be created nor deleted.
func IsStaticAsset(id AssetID) bool {
	return (uint32(id)&staticAssetMask)^staticAssetMagic == 0
}

// StaticAssetID returns the identifier a device uses for static asset
// number n. The number is split over the two fields the static asset mask
// leaves free.
func StaticAssetID(n uint8) AssetID {
	return AssetID(staticAssetMagic | uint32(n&0x3F)<<2 | uint32(n>>6)<<18)
}

// Well-known static asset numbers.
const (
	AssetNumberCOID     = 0x60
	AssetNumberHUK      = 0x61
	AssetNumberAuthKey1 = 0x81
	AssetNumberAuthKey2 = 0x82
	AssetNumberAuthKey3 = 0x83
)

// AssetSearch looks up the asset ID of static asset Number.
type AssetSearch struct {
	Number uint8
}

// Encode implements Encoder.
func (a AssetSearch) Encode(c *Command) {
	c[0] = uint32(OpcodeAssetManagement) | uint32(SubcodeAssetSearch)
	c[4] = uint32(a.Number) << 16
}

// DecodeAssetSearch recovers the search parameters from a command token.
func DecodeAssetSearch(c *Command) AssetSearch {
	return AssetSearch{Number: uint8(c[4] >> 16)}
}

// ReadAssetSearch returns the asset found and its data length.
func ReadAssetSearch(r *Result) (AssetID, int) {
	return AssetID(r[1]), int(r[2] & 0x3FF)
}

// AssetCreate allocates an asset of Length bytes governed by Policy.
type AssetCreate struct {
	Policy AssetPolicy
	Length uint32
}

// Encode implements Encoder.
func (a AssetCreate) Encode(c *Command) {
	c[0] = uint32(OpcodeAssetManagement) | uint32(SubcodeAssetCreate)
	c[2] = uint32(a.Policy)
	c[3] = uint32(a.Policy >> 32)
	c[4] = a.Length & 0x3FF
	c[5] = 0
	c[6] = 0
}

// DecodeAssetCreate recovers the create parameters from a command token.
func DecodeAssetCreate(c *Command) AssetCreate {
	return AssetCreate{
		Policy: AssetPolicy(uint64(c[2]) | uint64(c[3])<<32),
		Length: c[4] & 0x3FF,
	}
}

// ReadAssetID returns the asset ID carried by an asset create result.
func ReadAssetID(r *Result) AssetID {
	return AssetID(r[1])
}

// AssetDelete removes an asset from the store.
type AssetDelete struct {
	Asset AssetID
}

// Encode implements Encoder.
func (a AssetDelete) Encode(c *Command) {
	c[0] = uint32(OpcodeAssetManagement) | uint32(SubcodeAssetDelete)
	c[2] = uint32(a.Asset)
}

// DecodeAssetDelete recovers the asset to delete from a command token.
func DecodeAssetDelete(c *Command) AssetDelete {
	return AssetDelete{Asset: AssetID(c[2])}
}

// LoadMethod selects how AssetLoad fills the target asset.
type LoadMethod uint32

// Asset load methods, stored in word 3.
const (
	LoadDerive    LoadMethod = 1 << 24
	LoadRandom    LoadMethod = 1 << 25
	LoadImport    LoadMethod = 1 << 26
	LoadPlaintext LoadMethod = 1 << 27
	LoadUnwrap    LoadMethod = 1 << 28

	loadMethodMask = 0x1F << 24
	loadExport     = 1 << 31
	loadCounter    = 1 << 14
	loadRFC5869    = 1 << 15
)

func (m LoadMethod) String() string {
	switch m {
	case LoadDerive:
		return "derive"
	case LoadRandom:
		return "random"
	case LoadImport:
		return "import"
	case LoadPlaintext:
		return "plaintext"
	case LoadUnwrap:
		return "unwrap"
	default:
		return "unknown"
	}
}

// MaxAADSize is the largest associated data an asset load token can carry.
const MaxAADSize = (CommandWords - aadWord) * 4

const (
	aadWord    = 10
	maxAADSize = 0xFF
)

// AssetLoad fills Asset with key material.
//
// For LoadDerive, KeyAsset is the key derivation key and AAD is the label.
// For LoadImport and LoadUnwrap, KeyAsset is the key encryption key and
// the input is a key blob. When Export is set the loaded material is also
// written to Output as a key blob protected by KeyAsset.
type AssetLoad struct {
	Method       LoadMethod
	Asset        AssetID
	KeyAsset     AssetID
	Counter      bool
	RFC5869      bool
	AssetNumber  uint8
	Algorithm    uint8
	Export       bool
	AAD          []byte
	Input        uint64
	InputLength  uint32
	Output       uint64
	OutputLength uint32
}

// Encode implements Encoder.
func (a AssetLoad) Encode(c *Command) {
	c[0] = uint32(OpcodeAssetManagement) | uint32(SubcodeAssetLoad)
	c[2] = uint32(a.Asset)
	c[3] = uint32(a.Method)
	if a.Method == LoadDerive {
		if a.Counter {
			c[3] |= loadCounter
		}
		if a.RFC5869 {
			c[3] |= loadRFC5869
		}
	}
	if a.Export {
		c[3] |= loadExport
	}
	c[3] |= a.InputLength & 0x3FF
	c.setAddress(4, a.Input)
	c.setAddress(6, a.Output)
	c[8] = a.OutputLength&0x3FF | uint32(a.Algorithm)<<16 | uint32(a.AssetNumber)<<24
	c[9] = uint32(a.KeyAsset)
	if len(a.AAD) > 0 {
		n := len(a.AAD)
		if n > MaxAADSize {
			n = MaxAADSize
		}
		c[3] |= uint32(n) << 16
		WriteByteArray(c, aadWord, a.AAD[:n])
	}
}

// DecodeAssetLoad recovers the load parameters from a command token.
func DecodeAssetLoad(c *Command) AssetLoad {
	a := AssetLoad{
		Method:       LoadMethod(c[3] & loadMethodMask),
		Asset:        AssetID(c[2]),
		KeyAsset:     AssetID(c[9]),
		Counter:      c[3]&loadCounter != 0,
		RFC5869:      c[3]&loadRFC5869 != 0,
		AssetNumber:  uint8(c[8] >> 24),
		Algorithm:    uint8(c[8] >> 16),
		Export:       c[3]&loadExport != 0,
		Input:        c.Address(4),
		InputLength:  c[3] & 0x3FF,
		Output:       c.Address(6),
		OutputLength: c[8] & 0x3FF,
	}
	if n := int(c[3]>>16) & maxAADSize; n > 0 {
		a.AAD = make([]byte, n)
		ReadCommandBytes(c, aadWord, a.AAD)
	}
	return a
}

// ReadAssetLoadOutputSize returns the number of bytes written to the output
// buffer of an asset load.
func ReadAssetLoadOutputSize(r *Result) int {
	return int(r[1] & 0x3FF)
}

// InsertAppID prepends id to the associated data of a derive token, so that
// keys derived by different applications never collide. Existing associated
// data is shifted and truncated to fit. Other tokens are not modified.
func InsertAppID(c *Command, id []byte) {
	op, sub := c.Operation()
	if op != OpcodeAssetManagement || sub != SubcodeAssetLoad || c[3]&uint32(LoadDerive) == 0 {
		return
	}
	n := len(id)
	if n > MaxAADSize {
		n = MaxAADSize
	}
	cur := int(c[3]>>16) & maxAADSize
	if cur+n > MaxAADSize {
		cur = MaxAADSize - n
	}
	old := make([]byte, cur)
	ReadCommandBytes(c, aadWord, old)
	aad := make([]byte, 0, n+cur)
	aad = append(aad, id[:n]...)
	aad = append(aad, old...)
	WriteByteArray(c, aadWord, aad)
	c[3] &^= maxAADSize << 16
	c[3] |= uint32(n+cur) << 16
}
