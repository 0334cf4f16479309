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

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestByteArrayRoundTrip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	var c Command
	WriteByteArray(&c, 2, data)
	if c[2] != 0x04030201 {
		t.Errorf("word 2 = %#08x, want 0x04030201", c[2])
	}
	if c[3] != 0x00000605 {
		t.Errorf("word 3 = %#08x, want 0x00000605", c[3])
	}
	got := make([]byte, len(data))
	r := Result(c)
	ReadByteArray(&r, 2, got)
	if !bytes.Equal(got, data) {
		t.Errorf("ReadByteArray() = %x, want %x", got, data)
	}
}

func TestByteArrayTruncation(t *testing.T) {
	var c Command
	c.Clear()
	WriteByteArray(&c, CommandWords-1, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	if c[CommandWords-1] != 0x04030201 {
		t.Errorf("last word = %#08x, want 0x04030201", c[CommandWords-1])
	}
	if c[CommandWords-2] != clearPattern {
		t.Errorf("word before start modified: %#08x", c[CommandWords-2])
	}

	var r Result
	r[ResultWords-1] = 0x44332211
	got := bytes.Repeat([]byte{0xEE}, 8)
	ReadByteArray(&r, ResultWords-1, got)
	want := []byte{0x11, 0x22, 0x33, 0x44, 0xEE, 0xEE, 0xEE, 0xEE}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadByteArray() = %x, want %x", got, want)
	}

	// Starting past the end is a no-op.
	WriteByteArray(&c, CommandWords, []byte{0xFF})
	ReadByteArray(&r, ResultWords+5, got)

	// Nil tokens and nil data are tolerated.
	WriteByteArray(nil, 0, []byte{1})
	WriteByteArray(&c, 0, nil)
	ReadByteArray(nil, 0, got)
	ReadByteArray(&r, 0, nil)
}

func TestSetTokenID(t *testing.T) {
	var c Command
	NOP{Length: 16}.Encode(&c)
	c[0] |= 0xFFFF
	c.SetTokenID(0x1234, true)
	if id, wr := c.TokenID(); id != 0x1234 || !wr {
		t.Errorf("TokenID() = %#x, %v, want 0x1234, true", id, wr)
	}
	c.SetTokenID(0x0042, false)
	if id, wr := c.TokenID(); id != 0x0042 || wr {
		t.Errorf("TokenID() = %#x, %v, want 0x42, false", id, wr)
	}
	if op, _ := c.Operation(); op != OpcodeNOP {
		t.Errorf("Operation() = %v, want NOP", op)
	}

	var s Command
	SystemInfoCommand.Encode(&s)
	s.SetTokenID(7, true)
	if op, sub := s.Operation(); op != OpcodeSystem || sub != SubcodeSystemInfo {
		t.Errorf("Operation() = %v/%#x, want SYSTEM/SYSTEMINFO", op, uint32(sub))
	}
}

func TestResultCode(t *testing.T) {
	tests := []struct {
		w0      uint32
		code    Code
		fips    bool
		raw     int32
		wantErr bool
	}{
		{w0: 0x00000000, code: CodeSuccess, raw: 0},
		{w0: 0x00010000, code: CodeSuccess, fips: true, raw: 0x10000},
		{w0: 0x01000000, code: CodeWarningZ1Used, raw: 1},
		{w0: 0x81000000, code: CodeInvalidToken, raw: -1 &^ 0x10000, wantErr: true},
		{w0: 0x82010000, code: CodeInvalidParameter, fips: true, raw: -2, wantErr: true},
		{w0: 0x8A000000, code: CodeUnwrapError, raw: -10 &^ 0x10000, wantErr: true},
		{w0: 0x9F000000, code: CodePanic, raw: -31 &^ 0x10000, wantErr: true},
		{w0: 0xA1000000, code: CodeDRBGStuck, raw: -33 &^ 0x10000, wantErr: true},
	}
	for _, tt := range tests {
		r := Result{tt.w0}
		if got := r.Code(); got != tt.code {
			t.Errorf("Code(%#08x) = %d, want %d", tt.w0, got, tt.code)
		}
		if got := r.FIPSApproved(); got != tt.fips {
			t.Errorf("FIPSApproved(%#08x) = %v, want %v", tt.w0, got, tt.fips)
		}
		if got := r.RawStatus(); got != tt.raw {
			t.Errorf("RawStatus(%#08x) = %d, want %d", tt.w0, got, tt.raw)
		}
		err := r.Err()
		if (err != nil) != tt.wantErr {
			t.Errorf("Err(%#08x) = %v, want error %v", tt.w0, err, tt.wantErr)
		}
		var re ResultError
		if err != nil && (!errors.As(err, &re) || re.Code != tt.code) {
			t.Errorf("Err(%#08x) = %v, want ResultError{%d}", tt.w0, err, tt.code)
		}
	}
}

func TestRandomCode(t *testing.T) {
	tests := []struct {
		w0   uint32
		want Code
	}{
		{0x00000000, 0},
		{0x85000000, -0x85},
		{0x41000000, 1},
		{0x5F000000, 0x1F},
		{0x21000000, -0x21},
		{0x61000000, -0x61},
	}
	for _, tt := range tests {
		r := Result{tt.w0}
		if got := RandomCode(&r); got != tt.want {
			t.Errorf("RandomCode(%#08x) = %d, want %d", tt.w0, got, tt.want)
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		in     Encoder
		decode func(*Command) Encoder
	}{
		{
			name:   "NOP",
			in:     NOP{Input: 0x1_0000_1000, Output: 0x2000, Length: 16},
			decode: func(c *Command) Encoder { return DecodeNOP(c) },
		},
		{
			name:   "RandomNumber",
			in:     RandomNumber{Length: 32, Output: 0xFFFF_0000_8000_0000},
			decode: func(c *Command) Encoder { return DecodeRandomNumber(c) },
		},
		{
			name:   "AssetSearch",
			in:     AssetSearch{Number: 0x21},
			decode: func(c *Command) Encoder { return DecodeAssetSearch(c) },
		},
		{
			name:   "AssetCreate",
			in:     AssetCreate{Policy: PolicySymWrapAES | PolicySCNonDPA, Length: 32},
			decode: func(c *Command) Encoder { return DecodeAssetCreate(c) },
		},
		{
			name:   "AssetDelete",
			in:     AssetDelete{Asset: 0x4000_0012},
			decode: func(c *Command) Encoder { return DecodeAssetDelete(c) },
		},
		{
			name: "AssetLoadDerive",
			in: AssetLoad{
				Method:       LoadDerive,
				Asset:        0x10,
				KeyAsset:     StaticAssetID(1),
				Counter:      true,
				RFC5869:      true,
				AssetNumber:  3,
				AAD:          []byte("persistent key encryption key"),
				Output:       0x8000_0040,
				OutputLength: 0,
			},
			decode: func(c *Command) Encoder { return DecodeAssetLoad(c) },
		},
		{
			name: "AssetLoadImportExport",
			in: AssetLoad{
				Method:       LoadImport,
				Asset:        0x22,
				KeyAsset:     0x33,
				Export:       true,
				AAD:          []byte{1, 2, 3},
				Input:        0x9000,
				InputLength:  72,
				Output:       0xA000,
				OutputLength: 0x3FF,
			},
			decode: func(c *Command) Encoder { return DecodeAssetLoad(c) },
		},
		{
			name: "PKGenKeyPair",
			in: PKAsset{
				Command:      PKECGenKeyPair,
				Nwords:       Words(256),
				Mwords:       Words(256),
				KeyAsset:     0x40,
				ParamAsset:   0x41,
				IOAsset:      0x42,
				Input:        0x1000,
				InputLength:  72,
				Output:       0x2000,
				OutputLength: uint16(PointSize(256)),
				KEKAsset:     0x43,
				AAD:          []byte("blob label"),
			},
			decode: func(c *Command) Encoder { return DecodePKAsset(c) },
		},
		{
			name: "PKKeyCheck",
			in: PKAsset{
				Command:    PKECKeyCheck,
				Nwords:     8,
				Mwords:     8,
				KeyAsset:   0x50,
				ParamAsset: 0x51,
			},
			decode: func(c *Command) Encoder { return DecodePKAsset(c) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Command
			c.Clear()
			c.Reset()
			tt.in.Encode(&c)
			if diff := cmp.Diff(tt.in, tt.decode(&c)); diff != "" {
				t.Errorf("decoded command differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAssetLoadLayout(t *testing.T) {
	var c Command
	AssetLoad{
		Method:       LoadDerive,
		Asset:        0x11,
		KeyAsset:     0x22,
		RFC5869:      true,
		AAD:          []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE},
		Output:       0x1_2345_6789,
		OutputLength: 48,
	}.Encode(&c)
	want := map[int]uint32{
		0:  uint32(OpcodeAssetManagement) | uint32(SubcodeAssetLoad),
		2:  0x11,
		3:  1<<24 | 1<<15 | 5<<16,
		6:  0x23456789,
		7:  0x1,
		8:  48,
		9:  0x22,
		10: 0xDDCCBBAA,
		11: 0xEE,
	}
	for w, v := range want {
		if c[w] != v {
			t.Errorf("word %d = %#08x, want %#08x", w, c[w], v)
		}
	}
}

func TestPKAdditionalData(t *testing.T) {
	var c Command
	aad := []byte{1, 2, 3, 4, 5, 6}
	PKAsset{Command: PKECGenKeyPair, Input: 0x100, KEKAsset: 0x77, AAD: aad}.Encode(&c)
	if c[12] != 0x77 {
		t.Errorf("word 12 = %#x, want KEK 0x77", c[12])
	}
	if c[3]&0xFF != uint32(len(aad)) {
		t.Errorf("additional length = %d, want %d", c[3]&0xFF, len(aad))
	}
	if c[13] != 0x04030201 || c[14] != 0x0605 {
		t.Errorf("words 13,14 = %#08x %#08x, want AAD", c[13], c[14])
	}

	var d Command
	SetAdditionalData(&d, []byte{9})
	SetAdditionalAssetID(&d, 0x99)
	if d[3]&0xFF != 8 || d[12] != 9 || d[13] != 0x99 {
		t.Errorf("unaligned additional data: W3=%#x W12=%#x W13=%#x", d[3], d[12], d[13])
	}
}

func TestInsertAppID(t *testing.T) {
	var c Command
	AssetLoad{Method: LoadDerive, Asset: 1, KeyAsset: 2, AAD: []byte("label")}.Encode(&c)
	InsertAppID(&c, []byte("app:"))
	got := DecodeAssetLoad(&c).AAD
	if want := []byte("app:label"); !bytes.Equal(got, want) {
		t.Errorf("AAD after InsertAppID = %q, want %q", got, want)
	}

	var p Command
	AssetLoad{Method: LoadPlaintext, Asset: 1, AAD: []byte("label")}.Encode(&p)
	before := p
	InsertAppID(&p, []byte("app:"))
	if p != before {
		t.Error("InsertAppID modified a non-derive token")
	}

	var full Command
	AssetLoad{Method: LoadDerive, AAD: bytes.Repeat([]byte{0x5A}, MaxAADSize)}.Encode(&full)
	InsertAppID(&full, []byte{1, 2})
	aad := DecodeAssetLoad(&full).AAD
	if len(aad) != MaxAADSize || aad[0] != 1 || aad[1] != 2 || aad[2] != 0x5A {
		t.Errorf("InsertAppID on full AAD: len %d prefix %x", len(aad), aad[:3])
	}
}

func TestSystemInfo(t *testing.T) {
	in := SystemInfo{
		Firmware:         Version{Major: 3, Minor: 1, Patch: 4},
		TestFirmware:     true,
		Hardware:         Version{Major: 2, Minor: 9, Patch: 0},
		MemorySize:       0x8000,
		HostID:           5,
		Identity:         0x4F5A3647,
		NonSecure:        true,
		CryptoOfficer:    true,
		Mode:             ModeLoggedIn,
		ErrorTest:        0x12,
		OTPErrorCode:     OTPZeroized,
		OTPErrorLocation: 0xABC,
	}
	var r Result
	WriteSystemInfo(&r, in)
	got := ReadSystemInfo(&r)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("ReadSystemInfo() differs (-want +got):\n%s", diff)
	}
	if got.InErrorMode() {
		t.Error("InErrorMode() = true for logged in mode")
	}
}

func TestBigInt(t *testing.T) {
	x := []byte{0x01, 0x02, 0x03}
	b := AppendBigInt(nil, BigInt{Bits: 40, Begin: 0, Items: 1, Value: x})
	want := []byte{40, 0, 0, 1, 0x03, 0x02, 0x01, 0, 0, 0, 0, 0}
	if !bytes.Equal(b, want) {
		t.Errorf("AppendBigInt() = %x, want %x", b, want)
	}
	if len(b) != BigIntSize(40) {
		t.Errorf("BigIntSize(40) = %d, want %d", BigIntSize(40), len(b))
	}
	v, rest, err := ParseBigInt(append(b, 0xFF))
	if err != nil {
		t.Fatalf("ParseBigInt() = %v", err)
	}
	if !bytes.Equal(rest, []byte{0xFF}) {
		t.Errorf("ParseBigInt() rest = %x", rest)
	}
	if wantV := []byte{0, 0, 0, 0, 0, 1, 2, 3}; !bytes.Equal(v.Value, wantV) {
		t.Errorf("ParseBigInt() value = %x, want %x", v.Value, wantV)
	}
	if _, _, err := ParseBigInt(b[:7]); !errors.Is(err, ErrShortBigInt) {
		t.Errorf("ParseBigInt(short) = %v, want ErrShortBigInt", err)
	}

	px := bytes.Repeat([]byte{0x11}, 32)
	py := bytes.Repeat([]byte{0x22}, 32)
	pt := AppendPoint(nil, 256, px, py)
	if len(pt) != PointSize(256) {
		t.Fatalf("AppendPoint() length = %d, want %d", len(pt), PointSize(256))
	}
	gx, gy, bits, err := ParsePoint(pt)
	if err != nil {
		t.Fatalf("ParsePoint() = %v", err)
	}
	if bits != 256 || !bytes.Equal(gx, px) || !bytes.Equal(gy, py) {
		t.Errorf("ParsePoint() = %x, %x, %d", gx, gy, bits)
	}
}

func TestStaticAsset(t *testing.T) {
	for n := uint8(0); n < 64; n++ {
		if id := StaticAssetID(n); !IsStaticAsset(id) {
			t.Errorf("IsStaticAsset(StaticAssetID(%d) = %#x) = false", n, id)
		}
	}
	for _, id := range []AssetID{0, 1, 0x4000_0001, 0x5A02A500} {
		if IsStaticAsset(id) {
			t.Errorf("IsStaticAsset(%#x) = true", id)
		}
	}
}

func TestPolicyClass(t *testing.T) {
	if !PolicySymWrapAES.IsSymmetric() || PolicySymWrapAES.IsAsymmetric() {
		t.Error("PolicySymWrapAES class mismatch")
	}
	if !PolicyAsymSignVerify.IsAsymmetric() {
		t.Error("PolicyAsymSignVerify.IsAsymmetric() = false")
	}
	if !PolicySymDerive.Has(PolicyPrivateData | PolicyNonModifiable) {
		t.Error("PolicySymDerive missing base bits")
	}
}
