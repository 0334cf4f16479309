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

package mailbox

// Register offsets of the EIP-130 host interface.
const (
	MailboxInBase     = 0x0000
	MailboxOutBase    = 0x0000
	MailboxSpacing    = 0x0400 // Independent of the actual mailbox size.
	RegMailboxStat    = 0x3F00 // Read.
	RegMailboxCtrl    = 0x3F00 // Write.
	RegMailboxRawStat = 0x3F04 // Read.
	RegMailboxReset   = 0x3F04 // Write.
	RegMailboxLinkID  = 0x3F08
	RegMailboxOutID   = 0x3F0C
	RegMailboxLockout = 0x3F10
	RegModuleStatus   = 0x3FE0
	RegOptions2       = 0x3FF4
	RegOptions        = 0x3FF8
	RegVersion        = 0x3FFC
	FirmwareRAMBase   = 0x4000
)

// MaxMailboxes is the highest mailbox number the register map can address.
const MaxMailboxes = 8

// Per mailbox bits of the status and control registers. Mailbox n uses the
// nibble at bit 4*(n-1).
const (
	StatInFull    = 1 << 0 // Ctrl: hand the IN mailbox to the device.
	StatOutFull   = 1 << 1 // Ctrl: hand the OUT mailbox back to the device.
	StatLinked    = 1 << 2 // Ctrl: link.
	StatAvailable = 1 << 3 // Ctrl: unlink. Reset: link reset.
)

// MailboxBits shifts per mailbox status bits into position for mailbox nr.
func MailboxBits(nr int, bits uint32) uint32 {
	return bits << (uint(nr-1) * 4)
}

// Module status register bits.
const (
	ModuleCRC24Busy       = 1 << 8
	ModuleCRC24OK         = 1 << 9
	ModuleCRC24Error      = 1 << 10
	ModuleFirmwareWritten = 1 << 20
	ModuleFirmwareChecks  = 1 << 22
	ModuleFirmwareOK      = 1 << 23
	ModuleFatalError      = 1 << 31
)

// Values of the low half of the version register.
const (
	VersionEIP130    = 0x7D82
	VersionEIP130Alt = 0x738C
)

// Options is the decoded mailbox options register.
type Options struct {
	Mailboxes     int
	MailboxSize   int
	HostIDs       uint8
	MasterID      uint8
	ProtAvailable bool
	MyHostID      uint8
	MyProt        bool
	SecureHostIDs uint8
}

// ParseOptions decodes the value of RegOptions.
func ParseOptions(v uint32) Options {
	return Options{
		Mailboxes:     int(v & 0xF),
		MailboxSize:   0x80 << ((v >> 4) & 0x3),
		HostIDs:       uint8(v >> 8),
		MasterID:      uint8((v >> 16) & 0x7),
		ProtAvailable: (v>>19)&1 != 0,
		MyHostID:      uint8((v >> 20) & 0x7),
		MyProt:        (v>>23)&1 != 0,
		SecureHostIDs: uint8(v >> 24),
	}
}

// Encode returns the register value of o.
func (o Options) Encode() uint32 {
	v := uint32(o.Mailboxes) & 0xF
	for s := uint32(0); s < 4; s++ {
		if 0x80<<s == o.MailboxSize {
			v |= s << 4
		}
	}
	v |= uint32(o.HostIDs) << 8
	v |= uint32(o.MasterID&0x7) << 16
	if o.ProtAvailable {
		v |= 1 << 19
	}
	v |= uint32(o.MyHostID&0x7) << 20
	if o.MyProt {
		v |= 1 << 23
	}
	v |= uint32(o.SecureHostIDs) << 24
	return v
}

// ModuleOptions is the decoded RegOptions2 register.
type ModuleOptions struct {
	Engines       uint16
	FirmwareRAM   bool
	BusInterface  uint8
	CustomEngines uint16
}

// ParseModuleOptions decodes the value of RegOptions2.
func ParseModuleOptions(v uint32) ModuleOptions {
	return ModuleOptions{
		Engines:       uint16(v & 0x3F),
		FirmwareRAM:   (v>>9)&1 != 0,
		BusInterface:  uint8((v >> 12) & 1),
		CustomEngines: uint16((v >> 16) & 0x3FF),
	}
}

// ModuleStatus is the decoded module status register.
type ModuleStatus struct {
	Bit0             bool
	Bit1             bool
	CRC24Busy        bool
	CRC24OK          bool
	CRC24Error       bool
	FirmwareWritten  bool
	FirmwareChecks   bool
	FirmwareAccepted bool
	FatalError       bool
}

// ParseModuleStatus decodes the value of RegModuleStatus.
func ParseModuleStatus(v uint32) ModuleStatus {
	return ModuleStatus{
		Bit0:             v&1 != 0,
		Bit1:             v&2 != 0,
		CRC24Busy:        v&ModuleCRC24Busy != 0,
		CRC24OK:          v&ModuleCRC24OK != 0,
		CRC24Error:       v&ModuleCRC24Error != 0,
		FirmwareWritten:  v&ModuleFirmwareWritten != 0,
		FirmwareChecks:   v&ModuleFirmwareChecks != 0,
		FirmwareAccepted: v&ModuleFirmwareOK != 0,
		FatalError:       v&ModuleFatalError != 0,
	}
}

// HardwareVersion is the decoded version register.
type HardwareVersion struct {
	EIPNumber uint8
	Major     uint8
	Minor     uint8
	Patch     uint8
}

// ParseVersion decodes the value of RegVersion.
func ParseVersion(v uint32) HardwareVersion {
	return HardwareVersion{
		EIPNumber: uint8(v),
		Major:     uint8((v >> 24) & 0xF),
		Minor:     uint8((v >> 20) & 0xF),
		Patch:     uint8((v >> 16) & 0xF),
	}
}
