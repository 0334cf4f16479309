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

// RandomMaxSize is the largest random number a single token can request.
const RandomMaxSize = 65528

// RandomNumber requests Length random bytes written to Output.
type RandomNumber struct {
	Length uint16
	Output uint64
	// RawKey, when non-zero, selects raw NRBG output instead of DRBG output.
	RawKey uint16
}

// Encode implements Encoder.
func (r RandomNumber) Encode(c *Command) {
	c[0] = uint32(OpcodeTRNG) | uint32(SubcodeRandomNumber)
	c[2] = uint32(r.Length) | uint32(r.RawKey)<<16
	c.setAddress(3, r.Output)
}

// DecodeRandomNumber recovers the random number parameters from a command
// token.
func DecodeRandomNumber(c *Command) RandomNumber {
	return RandomNumber{
		Length: uint16(c[2]),
		RawKey: uint16(c[2] >> 16),
		Output: c.Address(3),
	}
}

// RandomCode decodes the result code of a random number token. The TRNG
// reports warnings as 0b010xxxxx; any other non-zero value is an error.
func RandomCode(r *Result) Code {
	v := int32(r[0] >> 24)
	if v == 0 {
		return CodeSuccess
	}
	if v&errorBit != 0 {
		return Code(-v)
	}
	if v&(1<<6|1<<5) != 1<<6 {
		return Code(-v)
	}
	return Code(v & 0x1F)
}

// TRNGConfig configures the noise source and the DRBG reseed threshold.
type TRNGConfig struct {
	AutoSeed           uint8
	SampleCycles       uint16
	SampleDiv          uint8
	Scale              uint8
	NoiseBlocks        uint8
	RepCntCutoff       uint8
	AdaptProp64Cutoff  uint8
	AdaptProp512Cutoff uint16
}

// Encode implements Encoder.
func (t TRNGConfig) Encode(c *Command) {
	c[0] = uint32(OpcodeTRNG) | uint32(SubcodeTRNGConfig)
	c[2] = uint32(t.AutoSeed)<<8 | 1
	c[3] = uint32(t.SampleCycles)<<16 |
		uint32(t.SampleDiv&0xF)<<8 |
		uint32(t.Scale&0x3)<<6 |
		uint32(t.NoiseBlocks&0x1F)
	c[4] = uint32(t.AdaptProp512Cutoff&0x1FF)<<16 |
		uint32(t.AdaptProp64Cutoff&0x3F)<<8 |
		uint32(t.RepCntCutoff&0x3F)
}

// ReseedNow forces a reseed of the DRBG from the NRBG.
type ReseedNow struct{}

// Encode implements Encoder.
func (ReseedNow) Encode(c *Command) {
	c[0] = uint32(OpcodeTRNG) | uint32(SubcodeTRNGConfig)
	c[2] = 1 << 1
}
