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

// AssetPolicy is the 64-bit policy attached to an asset at creation. The
// device refuses any use of the asset the policy does not allow.
type AssetPolicy uint64

// Generic policy bits.
const (
	PolicyNonModifiable   AssetPolicy = 0x0000000000000001
	PolicyTemporary       AssetPolicy = 0x0000000000000002
	PolicyExportable      AssetPolicy = 0x0000000000000004
	PolicyTrustedExport   AssetPolicy = 0x0000000000000008
	PolicySourceNonSecure AssetPolicy = 0x0000000000000100
	PolicyCrossDomain     AssetPolicy = 0x0000000000000200
	PolicyNoDomain        AssetPolicy = 0x0000000000000400
	PolicyPrivateData     AssetPolicy = 0x0000000000000800
	PolicyFIPSApproved    AssetPolicy = 0x0000000000001000
	PolicySymCrypto       AssetPolicy = 0x0000000000002000
	PolicyAsymCrypto      AssetPolicy = 0x0000000000004000
	PolicyCoprocessor     AssetPolicy = 0x0000000000006000
	PolicyNumberMask      AssetPolicy = 0x00000000000000FE

	policyClassMask AssetPolicy = 0x6000
)

// General data usage.
const (
	PolicyGDCOID        AssetPolicy = 0x0000000000010000
	PolicyGDSecureTimer AssetPolicy = 0x0000000000020000
	PolicyGDHUK         AssetPolicy = 0x0000000000050000
)

// Symmetric crypto usage.
const (
	PolicySCUIHash       AssetPolicy = 0x0000000000000000
	PolicySCUIMACHash    AssetPolicy = 0x0000000000010000
	PolicySCUIMACCipher  AssetPolicy = 0x0000000000020000
	PolicySCUICipherBulk AssetPolicy = 0x0000000000030000
	PolicySCUICipherAuth AssetPolicy = 0x0000000000040000
	PolicySCUIWrap       AssetPolicy = 0x0000000000050000
	PolicySCUIDerive     AssetPolicy = 0x0000000000060000

	PolicySCDirEncGen    AssetPolicy = 0x0000000000100000
	PolicySCDirDecVerify AssetPolicy = 0x0000000000200000
	PolicySCDirEncDec    AssetPolicy = 0x0000000000300000

	PolicySCAHSHA256   AssetPolicy = 0x0000000001400000
	PolicySCACAES      AssetPolicy = 0x0000000000000000
	PolicySCAWAESSIV   AssetPolicy = 0x0000000000000000
	PolicySCMCAGCM     AssetPolicy = 0x0000000008000000
	PolicySCADNormHMAC AssetPolicy = 0x0000000000300000
	PolicySCNonDPA     AssetPolicy = 0x8000000000000000
)

// Asymmetric crypto usage.
const (
	PolicyACUISignVerify AssetPolicy = 0x0000000000000000
	PolicyACUIKeyExch    AssetPolicy = 0x0000000000010000
	PolicyACUIDecEnc     AssetPolicy = 0x0000000000020000
	PolicyACUIParameters AssetPolicy = 0x00000000000F0000

	PolicyACAECDH  AssetPolicy = 0x0000000000200000
	PolicyACAECDSA AssetPolicy = 0x0000000000300000

	PolicyACNonDPA   AssetPolicy = 0x0000000002000000
	PolicyACStoreAny AssetPolicy = 0x0000000004000000
	PolicyACHSHA256  AssetPolicy = 0x0000000028000000
	PolicyACHNotUsed AssetPolicy = 0x0000000000000000
)

// Common policy combinations.
const (
	PolicySymBase       = PolicyNonModifiable | PolicyPrivateData | PolicySymCrypto
	PolicySymTemp       = PolicyTemporary | PolicyPrivateData | PolicySymCrypto
	PolicySymMACHash    = PolicySymBase | PolicySCUIMACHash
	PolicySymCipherBulk = PolicySymBase | PolicySCUICipherBulk
	PolicySymCipherAuth = PolicySymBase | PolicySCUICipherAuth
	PolicySymWrap       = PolicySymBase | PolicySCUIWrap
	PolicySymDerive     = PolicySymBase | PolicySCUIDerive
	PolicySymWrapAES    = PolicySymWrap | PolicySCACAES

	PolicyAsymBase        = PolicyNonModifiable | PolicyAsymCrypto
	PolicyAsymTemp        = PolicyTemporary | PolicyPrivateData | PolicyAsymCrypto
	PolicyAsymSignVerify  = PolicyAsymBase | PolicyACUISignVerify
	PolicyAsymKeyExchange = PolicyAsymBase | PolicyACUIKeyExch
	PolicyAsymDecEnc      = PolicyAsymBase | PolicyACUIDecEnc
	PolicyAsymKeyParams   = PolicyAsymBase | PolicyNoDomain | PolicyACUIParameters
)

// Has reports whether every bit of bits is set in p.
func (p AssetPolicy) Has(bits AssetPolicy) bool {
	return p&bits == bits
}

// IsSymmetric reports whether p describes a symmetric crypto asset.
func (p AssetPolicy) IsSymmetric() bool {
	return p&policyClassMask == PolicySymCrypto
}

// IsAsymmetric reports whether p describes an asymmetric crypto asset.
func (p AssetPolicy) IsAsymmetric() bool {
	return p&policyClassMask == PolicyAsymCrypto
}
