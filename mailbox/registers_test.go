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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOptionsEncoding(t *testing.T) {
	tests := []Options{
		{Mailboxes: 4, MailboxSize: 256, HostIDs: 0xFF, MasterID: 0},
		{Mailboxes: 8, MailboxSize: 1024, HostIDs: 0x0F, MasterID: 7, ProtAvailable: true, MyHostID: 7, MyProt: true, SecureHostIDs: 0x80},
		{Mailboxes: 1, MailboxSize: 128, MyHostID: 2},
	}
	for _, o := range tests {
		if diff := cmp.Diff(o, ParseOptions(o.Encode())); diff != "" {
			t.Errorf("ParseOptions(Encode()) mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParseRegisters(t *testing.T) {
	if got, want := ParseModuleOptions(0x0015_103F), (ModuleOptions{Engines: 0x3F, BusInterface: 1, CustomEngines: 0x15}); got != want {
		t.Errorf("ParseModuleOptions() = %+v, want %+v", got, want)
	}
	if got, want := ParseModuleOptions(1<<9), (ModuleOptions{FirmwareRAM: true}); got != want {
		t.Errorf("ParseModuleOptions() = %+v, want %+v", got, want)
	}
	st := ParseModuleStatus(ModuleCRC24OK | ModuleFirmwareWritten | ModuleFirmwareOK)
	if !st.CRC24OK || !st.FirmwareWritten || !st.FirmwareAccepted || st.FatalError || st.CRC24Busy {
		t.Errorf("ParseModuleStatus() = %+v", st)
	}
	if got, want := ParseVersion(0x0321_7D82), (HardwareVersion{EIPNumber: 0x82, Major: 3, Minor: 2, Patch: 1}); got != want {
		t.Errorf("ParseVersion() = %+v, want %+v", got, want)
	}
}

func TestMailboxBits(t *testing.T) {
	tests := []struct {
		nr   int
		bits uint32
		want uint32
	}{
		{1, StatInFull, 0x1},
		{2, StatOutFull, 0x20},
		{4, StatLinked | StatAvailable, 0xC000},
		{8, StatAvailable, 0x8000_0000},
	}
	for _, tt := range tests {
		if got := MailboxBits(tt.nr, tt.bits); got != tt.want {
			t.Errorf("MailboxBits(%d, %#x) = %#x, want %#x", tt.nr, tt.bits, got, tt.want)
		}
	}
}
