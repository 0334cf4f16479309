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

// Package config reads the startup configuration of the HSM stack from
// YAML. Every field has a default, so an empty document is a valid
// configuration for the simulator.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/eip130/go-hsm/bufmanager"
	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/psa"
	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/vex"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate and Parse for values out of range.
var ErrInvalid = errors.New("invalid configuration")

// DefaultIdentity is the identity used for tokens and login unless
// configured otherwise.
const DefaultIdentity = 0x4F5A3647

// Config is the startup configuration.
type Config struct {
	// Device names the EIP-130 to use: "sim", "uio:/dev/uioN" or
	// "tcp:host:port".
	Device        string  `yaml:"device"`
	DMA           DMA     `yaml:"dma"`
	Buffers       Buffers `yaml:"buffers"`
	Mailbox       Mailbox `yaml:"mailbox"`
	Identity      uint32  `yaml:"identity"`
	CryptoOfficer uint32  `yaml:"crypto_officer"`
	// MinFirmware is the oldest firmware version accepted, e.g. "2.0.0".
	// Empty accepts any.
	MinFirmware string  `yaml:"min_firmware"`
	Keys        Keys    `yaml:"keys"`
	Storage     Storage `yaml:"storage"`
}

// DMA configures the DMA resource manager.
type DMA struct {
	MaxHandles int `yaml:"max_handles"`
	AddrPairs  int `yaml:"addr_pairs"`
	Alignment  int `yaml:"alignment"`
	// CacheLine is the d-cache line size. Allocations are aligned to it
	// when it exceeds Alignment.
	CacheLine int `yaml:"cache_line"`
	// UDMABuf names a u-dma-buf device providing DMA memory. The Go heap
	// is used when empty.
	UDMABuf string `yaml:"udmabuf"`
}

// Buffers configures the buffer manager.
type Buffers struct {
	Entries          int           `yaml:"entries"`
	PollDelay        time.Duration `yaml:"poll_delay"`
	PollMaxLoops     int           `yaml:"poll_max_loops"`
	PollSkipDelays   int           `yaml:"poll_skip_delays"`
	NoBounce         bool          `yaml:"no_bounce"`
	Swap             bool          `yaml:"swap"`
	NoTokenIDWrite   bool          `yaml:"no_token_id_write"`
	NoKeyPairTokenID bool          `yaml:"no_keypair_token_id"`
}

// Mailbox configures the token exchange.
type Mailbox struct {
	Number       int           `yaml:"number"`
	Interrupt    bool          `yaml:"interrupt"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Keys configures the PSA key store.
type Keys struct {
	Slots int `yaml:"slots"`
}

// Storage configures internal trusted storage.
type Storage struct {
	Entries   int `yaml:"entries"`
	EntrySize int `yaml:"entry_size"`
	// File keeps the entries in a file. They are held in memory only
	// when empty.
	File string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: "sim",
		DMA: DMA{
			MaxHandles: dmares.DefaultMaxHandles,
			AddrPairs:  dmares.DefaultAddrPairs,
			Alignment:  dmares.DefaultDMAAlignment,
		},
		Buffers: Buffers{
			Entries:        bufmanager.DefaultEntries,
			PollDelay:      bufmanager.DefaultPollDelay,
			PollMaxLoops:   bufmanager.DefaultPollMaxLoops,
			PollSkipDelays: bufmanager.DefaultPollSkipDelays,
		},
		Mailbox: Mailbox{
			Number:       1,
			PollInterval: mailbox.DefaultPollInterval,
			Timeout:      mailbox.DefaultTimeout,
		},
		Identity:      DefaultIdentity,
		CryptoOfficer: DefaultIdentity,
		Keys:          Keys{Slots: psa.DefaultSlots},
		Storage: Storage{
			Entries:   its.DefaultEntries,
			EntrySize: its.DefaultEntrySize,
		},
	}
}

// Parse reads a YAML document over the defaults. Unknown keys are errors.
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	// An empty document decodes to EOF and leaves the defaults alone.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the configuration file at path. An empty path gives the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks that every value is in range.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	kind, arg, _ := strings.Cut(c.Device, ":")
	check(c.Device == "sim" || (kind == "uio" || kind == "tcp") && arg != "",
		"device %q is not sim, uio:<path> or tcp:<address>", c.Device)

	check(c.DMA.MaxHandles > 0, "dma.max_handles %d", c.DMA.MaxHandles)
	check(c.DMA.AddrPairs > 0, "dma.addr_pairs %d", c.DMA.AddrPairs)
	check(powerOfTwo(c.DMA.Alignment), "dma.alignment %d is not a power of two", c.DMA.Alignment)
	check(c.DMA.CacheLine == 0 || powerOfTwo(c.DMA.CacheLine), "dma.cache_line %d is not a power of two", c.DMA.CacheLine)

	check(c.Buffers.Entries > 0, "buffers.entries %d", c.Buffers.Entries)
	check(c.Buffers.PollDelay >= 0, "buffers.poll_delay %v", c.Buffers.PollDelay)
	check(c.Buffers.PollMaxLoops > 0, "buffers.poll_max_loops %d", c.Buffers.PollMaxLoops)
	check(c.Buffers.PollSkipDelays >= 0 && c.Buffers.PollSkipDelays <= c.Buffers.PollMaxLoops,
		"buffers.poll_skip_delays %d", c.Buffers.PollSkipDelays)

	check(c.Mailbox.Number >= 1 && c.Mailbox.Number <= mailbox.MaxMailboxes, "mailbox.number %d", c.Mailbox.Number)
	check(c.Mailbox.PollInterval > 0, "mailbox.poll_interval %v", c.Mailbox.PollInterval)
	check(c.Mailbox.Timeout > 0, "mailbox.timeout %v", c.Mailbox.Timeout)
	check(c.Identity != 0, "identity must be set")

	if c.MinFirmware != "" {
		_, err := semver.NewVersion(c.MinFirmware)
		check(err == nil, "min_firmware %q: %v", c.MinFirmware, err)
	}

	check(c.Keys.Slots > 0, "keys.slots %d", c.Keys.Slots)
	check(c.Storage.Entries > 0, "storage.entries %d", c.Storage.Entries)
	check(c.Storage.EntrySize > 0, "storage.entry_size %d", c.Storage.EntrySize)
	return errors.Join(errs...)
}

// DMAOptions returns the options of the DMA resource manager. The memory
// provider is left to the caller.
func (c *Config) DMAOptions() dmares.Options {
	align := c.DMA.Alignment
	if c.DMA.CacheLine > align {
		align = c.DMA.CacheLine
	}
	return dmares.Options{
		MaxHandles:   c.DMA.MaxHandles,
		AddrPairs:    c.DMA.AddrPairs,
		DMAAlignment: align,
	}
}

// AdapterOptions returns the options of the VEX adapter.
func (c *Config) AdapterOptions() vex.Options {
	return vex.Options{
		Mailbox:       c.Mailbox.Number,
		Identity:      c.Identity,
		CryptoOfficer: c.CryptoOfficer,
		Exchange: mailbox.ExchangeOptions{
			Interrupt:    c.Mailbox.Interrupt,
			PollInterval: c.Mailbox.PollInterval,
			Timeout:      c.Mailbox.Timeout,
		},
		Buffers: bufmanager.Options{
			Entries:        c.Buffers.Entries,
			PollDelay:      c.Buffers.PollDelay,
			PollMaxLoops:   c.Buffers.PollMaxLoops,
			PollSkipDelays: c.Buffers.PollSkipDelays,
			NoBounce:       c.Buffers.NoBounce,
			Swap:           c.Buffers.Swap,
		},
		NoTokenIDWrite:   c.Buffers.NoTokenIDWrite,
		NoKeyPairTokenID: c.Buffers.NoKeyPairTokenID,
	}
}

// CryptoOptions returns the options of the PSA key store.
func (c *Config) CryptoOptions() psa.Options {
	return psa.Options{Slots: c.Keys.Slots}
}

// OpenStore opens internal trusted storage: the configured file, or an
// in-memory store.
func (c *Config) OpenStore() (its.Store, error) {
	opts := its.Options{Entries: c.Storage.Entries, EntrySize: c.Storage.EntrySize}
	if c.Storage.File == "" {
		return its.NewMemory(opts), nil
	}
	f, err := its.OpenFile(c.Storage.File, opts)
	if err != nil {
		return nil, err
	}
	return f, nil
}
