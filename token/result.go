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

// Code is the firmware result code of a token. Negative values are errors,
// positive values are warnings.
type Code int32

// Result codes.
const (
	CodeSuccess          Code = 0
	CodeWarningZ1Used    Code = 1
	CodeInvalidToken     Code = -1
	CodeInvalidParameter Code = -2
	CodeInvalidKeySize   Code = -3
	CodeInvalidLength    Code = -4
	CodeInvalidLocation  Code = -5
	CodeClockError       Code = -6
	CodeAccessError      Code = -7
	CodeUnwrapError      Code = -10
	CodeDataOverrun      Code = -11
	CodeAssetChecksum    Code = -12
	CodeInvalidAsset     Code = -13
	CodeFull             Code = -14
	CodeInvalidAddress   Code = -15
	CodeInvalidModulus   Code = -17
	CodeVerifyError      Code = -18
	CodeInvalidState     Code = -19
	CodeOTPWriteError    Code = -20
	CodeAssetExpired     Code = -21
	CodeCoprocessorIF    Code = -22
	CodePanic            Code = -31
	CodeTRNGShutdown     Code = -32
	CodeDRBGStuck        Code = -33
)

var codeMsg = map[Code]string{
	CodeSuccess:          "success",
	CodeWarningZ1Used:    "Z1 used in the ECC computation",
	CodeInvalidToken:     "invalid token",
	CodeInvalidParameter: "invalid parameter",
	CodeInvalidKeySize:   "invalid key size",
	CodeInvalidLength:    "invalid length",
	CodeInvalidLocation:  "invalid location",
	CodeClockError:       "clock error",
	CodeAccessError:      "access error",
	CodeUnwrapError:      "unwrap error",
	CodeDataOverrun:      "data overrun",
	CodeAssetChecksum:    "asset checksum error",
	CodeInvalidAsset:     "invalid asset",
	CodeFull:             "asset store full",
	CodeInvalidAddress:   "invalid address",
	CodeInvalidModulus:   "invalid modulus",
	CodeVerifyError:      "verify error",
	CodeInvalidState:     "invalid state",
	CodeOTPWriteError:    "OTP write error",
	CodeAssetExpired:     "asset expired",
	CodeCoprocessorIF:    "coprocessor interface error",
	CodePanic:            "firmware panic",
	CodeTRNGShutdown:     "TRNG shutdown",
	CodeDRBGStuck:        "DRBG stuck",
}

func (c Code) String() string {
	if m, ok := codeMsg[c]; ok {
		return m
	}
	return fmt.Sprintf("unknown result code %d", int32(c))
}

const (
	fipsApprovedBit = 1 << 16
	errorBit        = 0x80
)

// ResultError is returned when the firmware rejects a token.
type ResultError struct {
	Code Code
}

func (e ResultError) Error() string {
	return fmt.Sprintf("error code %d : %s", int32(e.Code), e.Code)
}

// Code decodes the result code in bits 31:24 of word 0. Bit 7 of that byte
// marks an error, in which case the low seven bits hold its magnitude.
func (r *Result) Code() Code {
	v := r[0] >> 24
	if v&errorBit != 0 {
		return -Code(v & 0x7F)
	}
	return Code(v)
}

// FIPSApproved reports whether the operation ran in FIPS approved mode.
func (r *Result) FIPSApproved() bool {
	return r[0]&fipsApprovedBit != 0
}

// RawStatus returns the result code with the FIPS approved flag folded in,
// in the representation used by firmware tooling: bit 16 is set on a
// non-negative code when the operation was approved and cleared on a
// negative code when it was not.
func (r *Result) RawStatus() int32 {
	fips := int32(r[0] & fipsApprovedBit)
	c := int32(r.Code())
	if c < 0 {
		if fips == 0 {
			c &^= fipsApprovedBit
		}
		return c
	}
	return c | fips
}

// Err returns a ResultError when the result code is negative and nil
// otherwise. Warnings are not errors.
func (r *Result) Err() error {
	if c := r.Code(); c < 0 {
		return ResultError{Code: c}
	}
	return nil
}
