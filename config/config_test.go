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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eip130/go-hsm/psa"
	"github.com/eip130/go-hsm/psa/its"
	"github.com/google/go-cmp/cmp"
)

func TestParseEmpty(t *testing.T) {
	for _, doc := range []string{"", "# nothing\n", "{}"} {
		c, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("Parse(%q) = %v", doc, err)
		}
		if diff := cmp.Diff(Default(), c); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", doc, diff)
		}
	}
}

func TestParse(t *testing.T) {
	doc := `
device: tcp:board:2330
dma:
  alignment: 16
  cache_line: 64
buffers:
  poll_delay: 250us
  poll_max_loops: 100
  no_token_id_write: true
  no_keypair_token_id: true
mailbox:
  number: 2
  interrupt: true
  timeout: 3s
identity: 0x12345678
min_firmware: 3.1.0
keys:
  slots: 4
storage:
  entries: 20
  file: /var/lib/hsm/its
`
	c, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	want := Default()
	want.Device = "tcp:board:2330"
	want.DMA.Alignment = 16
	want.DMA.CacheLine = 64
	want.Buffers.PollDelay = 250 * time.Microsecond
	want.Buffers.PollMaxLoops = 100
	want.Buffers.NoTokenIDWrite = true
	want.Buffers.NoKeyPairTokenID = true
	want.Mailbox.Number = 2
	want.Mailbox.Interrupt = true
	want.Mailbox.Timeout = 3 * time.Second
	want.Identity = 0x12345678
	want.MinFirmware = "3.1.0"
	want.Keys.Slots = 4
	want.Storage.Entries = 20
	want.Storage.File = "/var/lib/hsm/its"
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}

	if got := c.DMAOptions().DMAAlignment; got != 64 {
		t.Errorf("DMAOptions().DMAAlignment = %d, want 64", got)
	}
	a := c.AdapterOptions()
	if a.Mailbox != 2 || !a.Exchange.Interrupt || a.Exchange.Timeout != 3*time.Second || !a.NoTokenIDWrite || !a.NoKeyPairTokenID || a.Buffers.PollMaxLoops != 100 {
		t.Errorf("AdapterOptions() = %+v", a)
	}
	if got, want := c.CryptoOptions(), (psa.Options{Slots: 4}); got != want {
		t.Errorf("CryptoOptions() = %+v, want %+v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	for _, doc := range []string{
		"unknown: 1",
		"mailbox: [1, 2]",
		"device: usb",
		"device: 'uio:'",
		"dma: {alignment: 12}",
		"dma: {cache_line: 48}",
		"buffers: {poll_max_loops: 0}",
		"buffers: {poll_skip_delays: 6000}",
		"mailbox: {number: 9}",
		"mailbox: {timeout: 0s}",
		"identity: 0",
		"min_firmware: three",
		"keys: {slots: 0}",
		"storage: {entry_size: -1}",
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", doc)
		}
	}
}

func TestValidateJoins(t *testing.T) {
	c := Default()
	c.Keys.Slots = 0
	c.Mailbox.Number = 0
	err := c.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate() = %v, want %v", err, ErrInvalid)
	}
	if n := len(err.(interface{ Unwrap() []error }).Unwrap()); n != 2 {
		t.Errorf("Validate() reported %d problems, want 2: %v", n, err)
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	if err != nil || c.Device != "sim" {
		t.Errorf("Load(\"\") = %+v, %v, want the defaults", c, err)
	}
	path := filepath.Join(t.TempDir(), "hsm.yaml")
	if err := os.WriteFile(path, []byte("keys:\n  slots: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err = Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if c.Keys.Slots != 3 {
		t.Errorf("Load() keys.slots = %d, want 3", c.Keys.Slots)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v, want %v", err, os.ErrNotExist)
	}
}

func TestTCPAddresses(t *testing.T) {
	reg, plat, err := tcpAddresses("board:2330")
	if err != nil || reg != "board:2330" || plat != "board:2331" {
		t.Errorf("tcpAddresses() = %q, %q, %v, want board:2330, board:2331", reg, plat, err)
	}
	for _, addr := range []string{"board", "board:http", "board:65535"} {
		if _, _, err := tcpAddresses(addr); err == nil {
			t.Errorf("tcpAddresses(%q) succeeded, want error", addr)
		}
	}
}

func TestOpenSimulator(t *testing.T) {
	c := Default()
	c.MinFirmware = "0.0.1"
	h, err := c.Open()
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	}()
	out := make([]byte, 16)
	if err := h.Adapter.RandomNumber(out); err != nil {
		t.Errorf("RandomNumber() = %v", err)
	}

	c.MinFirmware = "99.0.0"
	if _, err := c.Open(); err == nil {
		t.Errorf("Open() with min_firmware 99.0.0 succeeded")
	}
}

func TestOpenStore(t *testing.T) {
	c := Default()
	s, err := c.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore() = %v", err)
	}
	if _, ok := s.(*its.Memory); !ok {
		t.Errorf("OpenStore() = %T, want *its.Memory", s)
	}
	c.Storage.File = filepath.Join(t.TempDir(), "its")
	s, err = c.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore(file) = %v", err)
	}
	if f, ok := s.(*its.File); !ok || f.Path() != c.Storage.File {
		t.Errorf("OpenStore(file) = %T, want *its.File at %s", s, c.Storage.File)
	}
}
