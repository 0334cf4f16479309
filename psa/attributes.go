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
)

// KeyID identifies a key. Persistent keys carry an ID chosen by the
// application in [KeyIDUserMin, KeyIDUserMax]; volatile keys are given one
// from the volatile range when they are created.
type KeyID uint32

// Key identifier ranges.
const (
	KeyIDNull        KeyID = 0
	KeyIDUserMin     KeyID = 0x00000001
	KeyIDUserMax     KeyID = 0x3FFFFFFF
	KeyIDVolatileMin KeyID = 0x7FFF0000
	KeyIDVolatileMax KeyID = 0x7FFFFFFF
)

// Persistence is the low byte of a lifetime.
type Persistence uint8

// Key persistence levels.
const (
	PersistenceVolatile Persistence = 0x00
	PersistenceDefault  Persistence = 0x01
	// PersistenceAssetStore keeps the key in the asset store of the HSM
	// only. It lives until it is destroyed or the HSM is reset.
	PersistenceAssetStore Persistence = 0x80
)

// Location is the upper 24 bits of a lifetime.
type Location uint32

// Key locations.
const (
	// LocationLocal keeps key material on the host in plaintext.
	LocationLocal Location = 0x000000
	// LocationSecureElement keeps key material on the host only as key
	// blobs wrapped by the HSM.
	LocationSecureElement Location = 0x000001
)

// Lifetime combines the persistence and location of a key.
type Lifetime uint32

// Common lifetimes.
const (
	LifetimeVolatile   Lifetime = Lifetime(PersistenceVolatile)
	LifetimePersistent Lifetime = Lifetime(PersistenceDefault)
)

// NewLifetime returns the lifetime of persistence p at location l.
func NewLifetime(p Persistence, l Location) Lifetime {
	return Lifetime(uint32(l)<<8 | uint32(p))
}

// Persistence returns the persistence of l.
func (l Lifetime) Persistence() Persistence {
	return Persistence(l & 0xFF)
}

// Location returns the location of l.
func (l Lifetime) Location() Location {
	return Location(l >> 8)
}

// KeyType is a PSA key type.
type KeyType uint16

// Supported key types.
const (
	KeyTypeNone               KeyType = 0x0000
	KeyTypeRawData            KeyType = 0x1001
	KeyTypeHMAC               KeyType = 0x1100
	KeyTypeDerive             KeyType = 0x1200
	KeyTypeAES                KeyType = 0x2400
	KeyTypeECCPublicKeySECPR1 KeyType = 0x4112
	KeyTypeECCKeyPairSECPR1   KeyType = 0x7112
	keyTypeCategoryMask       KeyType = 0x7000
	keyTypeCategoryRaw        KeyType = 0x1000
	keyTypeCategorySymmetric  KeyType = 0x2000
	keyTypeCategoryKeyPair    KeyType = 0x7000
	keyTypeCategoryPublicKey  KeyType = 0x4000
)

// IsUnstructured reports whether t is a symmetric or raw key type.
func (t KeyType) IsUnstructured() bool {
	c := t & keyTypeCategoryMask
	return c == keyTypeCategoryRaw || c == keyTypeCategorySymmetric
}

// IsKeyPair reports whether t is an asymmetric key pair type.
func (t KeyType) IsKeyPair() bool {
	return t&keyTypeCategoryMask == keyTypeCategoryKeyPair
}

// IsPublicKey reports whether t is an asymmetric public key type.
func (t KeyType) IsPublicKey() bool {
	return t&keyTypeCategoryMask == keyTypeCategoryPublicKey
}

// Usage is a set of PSA key usage flags.
type Usage uint32

// Key usage flags.
const (
	UsageExport        Usage = 0x00000001
	UsageCopy          Usage = 0x00000002
	UsageEncrypt       Usage = 0x00000100
	UsageDecrypt       Usage = 0x00000200
	UsageSignMessage   Usage = 0x00000400
	UsageVerifyMessage Usage = 0x00000800
	UsageSignHash      Usage = 0x00001000
	UsageVerifyHash    Usage = 0x00002000
	UsageDerive        Usage = 0x00004000
)

// Algorithm is a PSA algorithm identifier.
type Algorithm uint32

// Supported algorithms.
const (
	AlgNone          Algorithm = 0
	AlgHMACSHA256    Algorithm = 0x03800009
	AlgCTR           Algorithm = 0x04C01000
	AlgECBNoPadding  Algorithm = 0x04404400
	AlgCBCNoPadding  Algorithm = 0x04404000
	AlgCCM           Algorithm = 0x05500100
	AlgGCM           Algorithm = 0x05500200
	AlgECDSASHA256   Algorithm = 0x06000609
	AlgHKDFSHA256    Algorithm = 0x08000109
	AlgECDH          Algorithm = 0x09020000
	algCategoryMask  Algorithm = 0x7F000000
	algCategoryAEAD  Algorithm = 0x05000000
	algCategorySign  Algorithm = 0x06000000
	algCategoryAgree Algorithm = 0x09000000
)

// Attributes describe a key.
type Attributes struct {
	ID       KeyID
	Type     KeyType
	Bits     int
	Lifetime Lifetime
	Usage    Usage
	Alg      Algorithm
	Alg2     Algorithm
}

// maxSymmetricBytes is the largest symmetric key an asset can hold.
const maxSymmetricBytes = 0x3FF

// curveBits returns the curve size for a private key of n bytes.
func curveBits(n int) (int, bool) {
	switch n {
	case 32:
		return 256, true
	case 48:
		return 384, true
	case 66:
		return 521, true
	}
	return 0, false
}

func curveBytes(bits int) int {
	return (bits + 7) / 8
}

// checkBits validates the size of a key of type t.
func checkBits(t KeyType, bits int) error {
	switch {
	case t == KeyTypeAES:
		if bits != 128 && bits != 192 && bits != 256 {
			return fmt.Errorf("%w: AES key of %d bits", InvalidArgument, bits)
		}
	case t.IsUnstructured():
		if bits <= 0 || bits%8 != 0 {
			return fmt.Errorf("%w: key of %d bits", InvalidArgument, bits)
		}
		if bits/8 > maxSymmetricBytes {
			return fmt.Errorf("%w: key of %d bits", NotSupported, bits)
		}
	case t == KeyTypeECCKeyPairSECPR1, t == KeyTypeECCPublicKeySECPR1:
		if bits != 256 && bits != 384 && bits != 521 {
			return fmt.Errorf("%w: secp%dr1", NotSupported, bits)
		}
	default:
		return fmt.Errorf("%w: key type %#04x", NotSupported, uint16(t))
	}
	return nil
}

// assetSize returns the size of the asset holding a key.
func assetSize(t KeyType, bits int) int {
	switch {
	case t.IsKeyPair():
		return token.BigIntSize(bits)
	case t.IsPublicKey():
		return token.PointSize(bits)
	}
	return bits / 8
}

// assetPolicy returns the asset policy for a key with attributes a.
func assetPolicy(a Attributes, secure bool) (token.AssetPolicy, error) {
	var p token.AssetPolicy
	switch a.Type {
	case KeyTypeAES:
		switch {
		case a.Alg&algCategoryMask == algCategoryAEAD:
			p = token.PolicySymCipherAuth
		default:
			p = token.PolicySymCipherBulk
		}
		switch {
		case a.Usage&(UsageEncrypt|UsageDecrypt) == UsageEncrypt:
			p |= token.PolicySCDirEncGen
		case a.Usage&(UsageEncrypt|UsageDecrypt) == UsageDecrypt:
			p |= token.PolicySCDirDecVerify
		default:
			p |= token.PolicySCDirEncDec
		}
	case KeyTypeHMAC:
		p = token.PolicySymMACHash | token.PolicySCAHSHA256
	case KeyTypeDerive:
		p = token.PolicySymDerive | token.PolicySCADNormHMAC
	case KeyTypeRawData:
		p = token.PolicySymBase
	case KeyTypeECCKeyPairSECPR1, KeyTypeECCPublicKeySECPR1:
		switch {
		case a.Alg&algCategoryMask == algCategorySign:
			p = token.PolicyAsymSignVerify | token.PolicyACAECDSA | token.PolicyACHSHA256
		case a.Alg&algCategoryMask == algCategoryAgree:
			p = token.PolicyAsymKeyExchange | token.PolicyACAECDH
		default:
			return 0, fmt.Errorf("%w: algorithm %#08x for an ECC key", NotSupported, uint32(a.Alg))
		}
		if a.Type.IsKeyPair() {
			p |= token.PolicyPrivateData
		}
	default:
		return 0, fmt.Errorf("%w: key type %#04x", NotSupported, uint16(a.Type))
	}
	if a.Lifetime.Location() == LocationSecureElement {
		p |= token.PolicyExportable
	}
	if !secure {
		p |= token.PolicySourceNonSecure
	}
	return p, nil
}

// splitDirections reports whether a key needs separate encryption and
// decryption assets. An asset serves one direction only once it is held
// as a key blob or kept in the asset store.
func splitDirections(a Attributes) bool {
	return a.Type == KeyTypeAES &&
		(a.Lifetime.Location() == LocationSecureElement || a.Lifetime.Persistence() == PersistenceAssetStore) &&
		a.Usage&(UsageEncrypt|UsageDecrypt) == UsageEncrypt|UsageDecrypt
}

// directionPolicies returns the encryption and decryption policies of a
// split key with base policy p.
func directionPolicies(p token.AssetPolicy) (enc, dec token.AssetPolicy) {
	p &^= token.PolicySCDirEncDec
	return p | token.PolicySCDirEncGen, p | token.PolicySCDirDecVerify
}
