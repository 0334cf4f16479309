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

// OTP anomaly codes reported by system info.
const (
	OTPNoAnomaly       = 0
	OTPEmpty           = 1
	OTPUnsupportedSize = 2
	OTPFATError        = 3
	OTPZeroized        = 8
)

// Modes reported in SystemInfo.Mode.
const (
	ModeActive     = 0
	ModeLoggedIn   = 15
	modeErrorFirst = 4
	modeErrorLast  = 6
)

// Version is a major.minor.patch triple as packed in system info words.
type Version struct {
	Major, Minor, Patch uint8
}

func decodeVersion(w uint32) Version {
	return Version{Major: uint8(w >> 16), Minor: uint8(w >> 8), Patch: uint8(w)}
}

func (v Version) encode() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

// SystemInfo is the decoded result of a system info token.
type SystemInfo struct {
	Firmware         Version
	TestFirmware     bool
	Hardware         Version
	MemorySize       uint16
	HostID           uint8
	Identity         uint32
	NonSecure        bool
	CryptoOfficer    bool
	Mode             uint8
	ErrorTest        uint8
	OTPErrorCode     uint8
	OTPErrorLocation uint16
}

// InErrorMode reports whether the firmware is in one of its error modes.
func (s SystemInfo) InErrorMode() bool {
	return s.Mode >= modeErrorFirst && s.Mode <= modeErrorLast
}

// System is a system group command that carries no parameters.
type System struct {
	Subcode Subcode
}

// Encode implements Encoder.
func (s System) Encode(c *Command) {
	c[0] = uint32(OpcodeSystem) | uint32(s.Subcode)
}

// Parameterless system commands.
var (
	SystemInfoCommand = System{Subcode: SubcodeSystemInfo}
	SelfTestCommand   = System{Subcode: SubcodeSelfTest}
	LoginCommand      = System{Subcode: SubcodeLogin}
	ResetCommand      = System{Subcode: SubcodeReset}
	SleepCommand      = System{Subcode: SubcodeSleep}
	ResumeCommand     = System{Subcode: SubcodeResumeFromSleep}
)

// ReadSystemInfo decodes a system info result token.
func ReadSystemInfo(r *Result) SystemInfo {
	var s SystemInfo
	s.Firmware = decodeVersion(r[1])
	s.TestFirmware = r[1]&(1<<31) != 0
	s.Hardware = decodeVersion(r[2])
	s.MemorySize = uint16(r[3])
	s.HostID = uint8((r[3] >> 16) & 0xF)
	s.NonSecure = (r[3]>>19)&1 != 0
	s.CryptoOfficer = (r[3]>>27)&1 != 0
	s.Mode = uint8((r[3] >> 28) & 0xF)
	s.Identity = r[4]
	s.ErrorTest = uint8(r[5] >> 16)
	s.OTPErrorCode = uint8((r[5] >> 12) & 0xF)
	s.OTPErrorLocation = uint16(r[5] & 0xFFF)
	return s
}

// WriteSystemInfo encodes s into the words of a system info result token.
// Word 0 is not modified.
func WriteSystemInfo(r *Result, s SystemInfo) {
	r[1] = s.Firmware.encode()
	if s.TestFirmware {
		r[1] |= 1 << 31
	}
	r[2] = s.Hardware.encode()
	r[3] = uint32(s.MemorySize) | uint32(s.HostID&0xF)<<16 | uint32(s.Mode&0xF)<<28
	if s.NonSecure {
		r[3] |= 1 << 19
	}
	if s.CryptoOfficer {
		r[3] |= 1 << 27
	}
	r[4] = s.Identity
	r[5] = uint32(s.ErrorTest)<<16 | uint32(s.OTPErrorCode&0xF)<<12 | uint32(s.OTPErrorLocation&0xFFF)
}
