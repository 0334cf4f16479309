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

import "fmt"

// PKCommand is the operation field of a public key token with assets.
type PKCommand uint8

// Public key operations on assets.
const (
	PKECKeyCheck           PKCommand = 0x01
	PKDHKeyCheck           PKCommand = 0x02
	PKECDSASign            PKCommand = 0x06
	PKECDSAVerify          PKCommand = 0x07
	PKRSAPKCSSign          PKCommand = 0x08
	PKRSAPKCSVerify        PKCommand = 0x09
	PKRSAPSSSign           PKCommand = 0x0C
	PKRSAPSSVerify         PKCommand = 0x0D
	PKDHGenPublicKey       PKCommand = 0x10
	PKDHGenKeyPair         PKCommand = 0x11
	PKECGenPublicKey       PKCommand = 0x14
	PKECGenKeyPair         PKCommand = 0x15
	PKECDHSharedSecret     PKCommand = 0x16
	PKCurve25519GenPublic  PKCommand = 0x28
	PKCurve25519GenKeyPair PKCommand = 0x29
	PKEdDSAGenPublicKey    PKCommand = 0x2B
	PKEdDSAGenKeyPair      PKCommand = 0x2C
)

func (p PKCommand) String() string {
	switch p {
	case PKECKeyCheck:
		return "ECDH/ECDSA key check"
	case PKDHKeyCheck:
		return "DH/DSA key check"
	case PKECDSASign:
		return "ECDSA sign"
	case PKECDSAVerify:
		return "ECDSA verify"
	case PKECGenPublicKey:
		return "ECDH/ECDSA generate public key"
	case PKECGenKeyPair:
		return "ECDH/ECDSA generate key pair"
	case PKECDHSharedSecret:
		return "ECDH shared secret"
	default:
		return fmt.Sprintf("PK command 0x%02x", uint8(p))
	}
}

// Words returns the number of 32-bit words needed for a value of bits bits.
func Words(bits int) uint8 {
	return uint8((bits + 31) / 32)
}

const (
	pkAdditionalWord = 12
	pkLengthMask     = 0xFFF
)

// PKAsset is a public key operation whose keys and domain parameters live
// in the asset store.
//
// For PKECGenKeyPair a non-zero KEKAsset requests the private key to be
// written to Input as a key blob protected by KEKAsset, with AAD as its
// associated data. The public key is written to Output.
type PKAsset struct {
	Command      PKCommand
	Nwords       uint8
	Mwords       uint8
	KeyAsset     AssetID
	ParamAsset   AssetID
	IOAsset      AssetID
	Input        uint64
	InputLength  uint16
	Output       uint64
	OutputLength uint16
	KEKAsset     AssetID
	AAD          []byte
}

// Encode implements Encoder.
func (p PKAsset) Encode(c *Command) {
	c[0] = uint32(OpcodePublicKey) | uint32(SubcodePKWithAssets)
	c[2] = uint32(p.Command) | uint32(p.Nwords)<<16 | uint32(p.Mwords)<<24
	c[3] = 0
	c[4] = uint32(p.KeyAsset)
	c[5] = uint32(p.ParamAsset)
	c[6] = uint32(p.IOAsset)
	c[7] = uint32(p.OutputLength&pkLengthMask)<<16 | uint32(p.InputLength&pkLengthMask)
	c.setAddress(8, p.Input)
	c.setAddress(10, p.Output)
	if p.KEKAsset != 0 {
		SetAdditionalAssetID(c, p.KEKAsset)
		SetAdditionalData(c, p.AAD)
		AddLenCorrection(c, TokenIDSize)
	}
}

// DecodePKAsset recovers the public key parameters from a command token.
func DecodePKAsset(c *Command) PKAsset {
	p := PKAsset{
		Command:      PKCommand(c[2]),
		Nwords:       uint8(c[2] >> 16),
		Mwords:       uint8(c[2] >> 24),
		KeyAsset:     AssetID(c[4]),
		ParamAsset:   AssetID(c[5]),
		IOAsset:      AssetID(c[6]),
		InputLength:  uint16(c[7] & pkLengthMask),
		OutputLength: uint16((c[7] >> 16) & pkLengthMask),
		Input:        c.Address(8),
		Output:       c.Address(10),
	}
	if p.Command == PKECGenKeyPair && p.Input != 0 {
		p.KEKAsset = AssetID(c[pkAdditionalWord])
		if n := int(c[3] & 0xFF); n > 0 {
			p.AAD = make([]byte, n)
			ReadCommandBytes(c, pkAdditionalWord+1, p.AAD)
		}
	}
	return p
}

func additionalOffset(c *Command) uint32 {
	return ((c[3] & 0xFF) + 3) &^ 3
}

// SetAdditionalAssetID appends an asset ID to the additional input area of
// a public key token.
func SetAdditionalAssetID(c *Command, id AssetID) {
	off := additionalOffset(c)
	c[3] &^= 0xFF
	c[3] |= off + 4
	if w := pkAdditionalWord + int(off/4); w < CommandWords {
		c[w] = uint32(id)
	}
}

// SetAdditionalData appends a byte string to the additional input area of a
// public key token.
func SetAdditionalData(c *Command, data []byte) {
	off := additionalOffset(c)
	c[3] &^= 0xFF
	c[3] |= (off + uint32(len(data))) & 0xFF
	WriteByteArray(c, pkAdditionalWord+int(off/4), data)
}

// AddLenCorrection subtracts n from the additional input length.
func AddLenCorrection(c *Command, n uint8) {
	c[3] -= uint32(n)
}
