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

// Package token encodes EIP-130 command tokens and decodes result tokens.
//
// A token is a fixed array of 32-bit words. Word 0 carries the opcode in
// bits 27:24, the subcode in bits 31:28 and the token ID in bits 15:0. The
// position of every other field is fixed by the firmware and reproduced
// exactly by the typed commands in this package.
package token

import "fmt"

const (
	// CommandWords is the size of a command token in words.
	CommandWords = 64
	// ResultWords is the size of a result token in words.
	ResultWords = 64

	// DMAMaxLength is the largest DMA transfer a token can describe.
	DMAMaxLength = 0x001FFFFF
	// TokenIDSize is the number of bytes the firmware appends to an output
	// DMA stream when asked to write the token ID.
	TokenIDSize = 4

	clearPattern = 0xAAAAAAAA
	writeTokenID = 1 << 18
	tokenIDMask  = 0xFFFF
	opcodeMask   = 0x0F << 24
	subcodeMask  = 0x0F << 28
	identityWord = 1
)

// Command is a command token, written by the host into a mailbox.
type Command [CommandWords]uint32

// Result is a result token, read by the host from a mailbox.
type Result [ResultWords]uint32

// Opcode selects the operation group in word 0.
type Opcode uint32

// Operation groups.
const (
	OpcodeNOP              Opcode = 0 << 24
	OpcodeEncryption       Opcode = 1 << 24
	OpcodeHash             Opcode = 2 << 24
	OpcodeMAC              Opcode = 3 << 24
	OpcodeTRNG             Opcode = 4 << 24
	OpcodeSpecialFunctions Opcode = 5 << 24
	OpcodeSymWrap          Opcode = 6 << 24
	OpcodeAssetManagement  Opcode = 7 << 24
	OpcodeAuthUnlock       Opcode = 8 << 24
	OpcodePublicKey        Opcode = 9 << 24
	OpcodeService          Opcode = 14 << 24
	OpcodeSystem           Opcode = 15 << 24
)

func (o Opcode) String() string {
	switch o {
	case OpcodeNOP:
		return "NOP"
	case OpcodeEncryption:
		return "ENCRYPTION"
	case OpcodeHash:
		return "HASH"
	case OpcodeMAC:
		return "MAC"
	case OpcodeTRNG:
		return "TRNG"
	case OpcodeSpecialFunctions:
		return "SPECIAL_FUNCTIONS"
	case OpcodeSymWrap:
		return "SYMWRAP"
	case OpcodeAssetManagement:
		return "ASSET_MANAGEMENT"
	case OpcodeAuthUnlock:
		return "AUTH_UNLOCK"
	case OpcodePublicKey:
		return "PUBLIC_KEY"
	case OpcodeService:
		return "SERVICE"
	case OpcodeSystem:
		return "SYSTEM"
	default:
		return fmt.Sprintf("unknown opcode (%d)", uint32(o)>>24)
	}
}

// Subcode selects the operation within an opcode group.
type Subcode uint32

// TRNG subcodes.
const (
	SubcodeRandomNumber Subcode = 0 << 28
	SubcodeTRNGConfig   Subcode = 1 << 28
	SubcodeVerifyDRBG   Subcode = 2 << 28
	SubcodeVerifyNRBG   Subcode = 3 << 28
)

// Asset management subcodes.
const (
	SubcodeAssetSearch     Subcode = 0 << 28
	SubcodeAssetCreate     Subcode = 1 << 28
	SubcodeAssetLoad       Subcode = 2 << 28
	SubcodeAssetDelete     Subcode = 3 << 28
	SubcodePublicData      Subcode = 4 << 28
	SubcodeMonotonicRead   Subcode = 5 << 28
	SubcodeMonotonicIncr   Subcode = 6 << 28
	SubcodeOTPDataWrite    Subcode = 7 << 28
	SubcodeSecureTimer     Subcode = 8 << 28
	SubcodeProvisionHUK    Subcode = 9 << 28
	SubcodeAssetStoreReset Subcode = 15 << 28
)

// Public key subcodes.
const (
	SubcodePKNoAssets   Subcode = 0 << 28
	SubcodePKWithAssets Subcode = 1 << 28
)

// System subcodes.
const (
	SubcodeSystemInfo      Subcode = 0 << 28
	SubcodeSelfTest        Subcode = 1 << 28
	SubcodeReset           Subcode = 2 << 28
	SubcodeLogin           Subcode = 3 << 28
	SubcodeSleep           Subcode = 4 << 28
	SubcodeResumeFromSleep Subcode = 5 << 28
	SubcodeSetTime         Subcode = 8 << 28
)

// Encoder is implemented by every typed command. Encode fills the words the
// operation uses; it does not touch the token ID field.
type Encoder interface {
	Encode(c *Command)
}

// Clear fills c with a recognizable pattern.
func (c *Command) Clear() {
	for i := range c {
		c[i] = clearPattern
	}
}

// Reset zeroes c.
func (c *Command) Reset() {
	*c = Command{}
}

// Operation returns the opcode and subcode held in word 0.
func (c *Command) Operation() (Opcode, Subcode) {
	return Opcode(c[0] & opcodeMask), Subcode(c[0] & subcodeMask)
}

// SetIdentity sets the identity of the submitting user.
func (c *Command) SetIdentity(identity uint32) {
	c[identityWord] = identity
}

// SetTokenID replaces the token ID field. When write is set the firmware
// appends the token ID to the output DMA stream, after zero padding to a
// whole word.
func (c *Command) SetTokenID(id uint16, write bool) {
	c[0] &= (tokenIDMask << 16) - writeTokenID
	c[0] |= uint32(id)
	if write {
		c[0] |= writeTokenID
	}
}

// TokenID returns the token ID field and whether the write flag is set.
func (c *Command) TokenID() (uint16, bool) {
	return uint16(c[0] & tokenIDMask), c[0]&writeTokenID != 0
}

// TokenID returns the token ID echoed by the firmware.
func (r *Result) TokenID() uint16 {
	return uint16(r[0] & tokenIDMask)
}

// setAddress stores a 64-bit DMA address as low word then high word.
func (c *Command) setAddress(word int, addr uint64) {
	c[word] = uint32(addr)
	c[word+1] = uint32(addr >> 32)
}

// Address returns the 64-bit DMA address stored at word and word+1.
func (c *Command) Address(word int) uint64 {
	return uint64(c[word]) | uint64(c[word+1])<<32
}

// WriteByteArray packs data into consecutive words of t starting at
// startWord, four bytes per word, least significant byte first. Bytes that
// would land beyond the end of the token are dropped. A nil token or nil data
// is ignored.
func WriteByteArray(t *Command, startWord int, data []byte) {
	if t == nil || data == nil || startWord < 0 {
		return
	}
	for i := 0; i < len(data); i += 4 {
		w := startWord + i/4
		if w >= CommandWords {
			return
		}
		var v uint32
		for j := 0; j < 4 && i+j < len(data); j++ {
			v |= uint32(data[i+j]) << (8 * j)
		}
		t[w] = v
	}
}

// ReadByteArray is the inverse of WriteByteArray: it fills dest from
// consecutive words of t starting at startWord. Bytes beyond the end of the
// token are left untouched. A nil token or nil destination is ignored.
func ReadByteArray(t *Result, startWord int, dest []byte) {
	if t == nil || dest == nil || startWord < 0 {
		return
	}
	for i := range dest {
		w := startWord + i/4
		if w >= ResultWords {
			return
		}
		dest[i] = byte(t[w] >> (8 * (i % 4)))
	}
}

// ReadCommandBytes reads a byte array out of a command token. It is used by
// devices that parse commands.
func ReadCommandBytes(t *Command, startWord int, dest []byte) {
	if t == nil {
		return
	}
	r := Result(*t)
	ReadByteArray(&r, startWord, dest)
}

// WriteResultBytes writes a byte array into a result token. It is used by
// devices that produce results.
func WriteResultBytes(t *Result, startWord int, data []byte) {
	if t == nil {
		return
	}
	c := Command(*t)
	WriteByteArray(&c, startWord, data)
	*t = Result(c)
}

// RoundUp4 rounds n up to a whole number of words.
func RoundUp4(n int) int {
	return (n + 3) &^ 3
}
