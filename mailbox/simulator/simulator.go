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

// Package simulator provides an in-process EIP-130 for testing.
//
// The simulator implements the register interface of the host side of the
// module: mailbox windows, link and lockout control, module status and the
// option and version registers. Submitted tokens are processed by a
// firmware model on a separate goroutine, which reads and writes host
// memory through a Bus, the way the DMA engine of the device would.
package simulator

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

// Bus gives the device access to host memory by bus address.
type Bus interface {
	ReadBus(addr dmares.Address, dst []byte) error
	WriteBus(addr dmares.Address, src []byte) error
}

// StaticAsset is an asset provisioned in OTP.
type StaticAsset struct {
	Policy token.AssetPolicy
	Data   []byte
}

// Config configures a Simulator. The zero value is usable.
type Config struct {
	// Mailboxes defaults to 4.
	Mailboxes int
	// MailboxSize is the size of one mailbox window in bytes, 256 by
	// default.
	MailboxSize int
	HostID      uint8
	MasterID    uint8
	// Secure makes this host a secure host.
	Secure bool
	// FirmwareRAM models a device whose firmware is loaded by the host.
	// Until the host writes the firmware written bit, no token is taken.
	FirmwareRAM bool
	Firmware    token.Version
	Hardware    token.Version
	// CryptoOfficer is the identity reported as the crypto officer.
	CryptoOfficer uint32
	// NoLogin makes the firmware reject the login token.
	NoLogin bool
	// Latency delays every result token.
	Latency time.Duration
	// AssetStoreSize is the number of dynamic assets, 64 by default.
	AssetStoreSize int
	// StaticAssets maps static asset numbers to their contents. When nil,
	// a hardware unique key is provisioned under token.AssetNumberHUK.
	StaticAssets map[uint8]StaticAsset
}

const (
	defaultMailboxes      = 4
	defaultMailboxSize    = 256
	defaultAssetStoreSize = 64

	noOwner = -1
)

var (
	// DefaultFirmware is the firmware version reported when Config leaves
	// it unset.
	DefaultFirmware = token.Version{Major: 3, Minor: 1, Patch: 0}
	// DefaultHardware is the hardware version reported when Config leaves
	// it unset.
	DefaultHardware = token.Version{Major: 3, Minor: 0, Patch: 0}
)

// DefaultHUK returns the hardware unique key provisioned by default.
func DefaultHUK() []byte {
	k := sha256.Sum256([]byte("EIP-130 simulator hardware unique key"))
	return k[:]
}

func (c Config) withDefaults() Config {
	if c.Mailboxes <= 0 || c.Mailboxes > mailbox.MaxMailboxes {
		c.Mailboxes = defaultMailboxes
	}
	switch c.MailboxSize {
	case 128, 256, 512, 1024:
	default:
		c.MailboxSize = defaultMailboxSize
	}
	if c.Firmware == (token.Version{}) {
		c.Firmware = DefaultFirmware
	}
	if c.Hardware == (token.Version{}) {
		c.Hardware = DefaultHardware
	}
	if c.AssetStoreSize <= 0 {
		c.AssetStoreSize = defaultAssetStoreSize
	}
	if c.StaticAssets == nil {
		c.StaticAssets = map[uint8]StaticAsset{
			token.AssetNumberHUK: {
				Policy: token.PolicySymDerive | token.PolicyGDHUK,
				Data:   DefaultHUK(),
			},
		}
	}
	return c
}

// ErrClosed is returned by register accesses after Close.
var ErrClosed = errors.New("simulator closed")

// Simulator is an emulated EIP-130. It implements mailbox.DeviceCloser,
// mailbox.ArrayDevice and mailbox.Interrupter.
type Simulator struct {
	bus Bus
	cfg Config

	mu      sync.Mutex
	closed  bool
	status  uint32 // In and out full bits of every mailbox.
	owner   [mailbox.MaxMailboxes]int
	lockout uint32
	module  uint32
	in      [mailbox.MaxMailboxes][]uint32
	out     [mailbox.MaxMailboxes][]uint32
	pending [mailbox.MaxMailboxes]*token.Result
	fw      firmware

	intr chan struct{}
	wg   sync.WaitGroup
}

// New returns a simulator with a powered up module whose firmware is
// running, unless cfg.FirmwareRAM is set.
func New(bus Bus, cfg Config) *Simulator {
	cfg = cfg.withDefaults()
	s := &Simulator{
		bus:  bus,
		cfg:  cfg,
		intr: make(chan struct{}, 1),
	}
	for i := range s.owner {
		s.owner[i] = noOwner
	}
	for i := 0; i < cfg.Mailboxes; i++ {
		s.in[i] = make([]uint32, cfg.MailboxSize/4)
		s.out[i] = make([]uint32, cfg.MailboxSize/4)
	}
	s.module = mailbox.ModuleCRC24OK
	if cfg.FirmwareRAM {
		s.module |= mailbox.ModuleFirmwareChecks
	} else {
		s.module |= mailbox.ModuleFirmwareWritten | mailbox.ModuleFirmwareOK
	}
	s.fw.init(cfg)
	return s
}

// Close waits for tokens in progress and shuts the simulator down.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Simulator) options() uint32 {
	o := mailbox.Options{
		Mailboxes:     s.cfg.Mailboxes,
		MailboxSize:   s.cfg.MailboxSize,
		HostIDs:       0xFF,
		MasterID:      s.cfg.MasterID,
		ProtAvailable: s.cfg.Secure,
		MyHostID:      s.cfg.HostID,
		MyProt:        s.cfg.Secure,
	}
	if s.cfg.Secure {
		o.SecureHostIDs = 1 << s.cfg.HostID
	}
	return o.Encode()
}

func (s *Simulator) options2() uint32 {
	v := uint32(0x3F) // AES, DES, hash, MAC, PKCP and TRNG engines.
	if s.cfg.FirmwareRAM {
		v |= 1 << 9
	}
	return v
}

func (s *Simulator) version() uint32 {
	h := s.cfg.Hardware
	return uint32(h.Major&0xF)<<24 | uint32(h.Minor&0xF)<<20 | uint32(h.Patch&0xF)<<16 | mailbox.VersionEIP130
}

// mailboxStat returns the value of the status register. s.mu must be held.
func (s *Simulator) mailboxStat() uint32 {
	v := s.status
	for i := 0; i < s.cfg.Mailboxes; i++ {
		switch s.owner[i] {
		case int(s.cfg.HostID):
			v |= mailbox.MailboxBits(i+1, mailbox.StatLinked|mailbox.StatAvailable)
		case noOwner:
			v |= mailbox.MailboxBits(i+1, mailbox.StatAvailable)
		}
	}
	return v
}

func (s *Simulator) linkID() uint32 {
	var v uint32
	for i := 0; i < s.cfg.Mailboxes; i++ {
		if s.owner[i] == noOwner {
			continue
		}
		id := uint32(s.owner[i]) & 0x7
		if s.cfg.Secure && s.owner[i] == int(s.cfg.HostID) {
			id |= 0x8
		}
		v |= id << (uint(i) * 4)
	}
	return v
}

// windowWord locates the mailbox window word at offset. s.mu must be held.
func (s *Simulator) windowWord(offset uint32) (nr, word int, ok bool) {
	nr = int(offset/mailbox.MailboxSpacing) + 1
	word = int(offset%mailbox.MailboxSpacing) / 4
	if nr > s.cfg.Mailboxes || word >= len(s.in[nr-1]) {
		return 0, 0, false
	}
	return nr, word, true
}

// Read32 implements mailbox.Device.
func (s *Simulator) Read32(offset uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.read(offset)
}

func (s *Simulator) read(offset uint32) (uint32, error) {
	if offset&3 != 0 {
		return 0, fmt.Errorf("unaligned register offset %#x", offset)
	}
	switch offset {
	case mailbox.RegMailboxStat:
		return s.mailboxStat(), nil
	case mailbox.RegMailboxRawStat:
		return s.status, nil
	case mailbox.RegMailboxLinkID:
		return s.linkID(), nil
	case mailbox.RegMailboxOutID:
		return s.linkID(), nil
	case mailbox.RegMailboxLockout:
		return s.lockout, nil
	case mailbox.RegModuleStatus:
		return s.module, nil
	case mailbox.RegOptions2:
		return s.options2(), nil
	case mailbox.RegOptions:
		return s.options(), nil
	case mailbox.RegVersion:
		return s.version(), nil
	}
	if offset < mailbox.RegMailboxStat {
		nr, word, ok := s.windowWord(offset)
		if !ok || s.owner[nr-1] != int(s.cfg.HostID) {
			return 0, nil
		}
		return s.out[nr-1][word], nil
	}
	if offset >= mailbox.FirmwareRAMBase && s.cfg.FirmwareRAM {
		return 0, nil
	}
	return 0, fmt.Errorf("read of unknown register %#x", offset)
}

// Write32 implements mailbox.Device.
func (s *Simulator) Write32(offset uint32, v uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.write(offset, v)
}

func (s *Simulator) write(offset uint32, v uint32) error {
	if offset&3 != 0 {
		return fmt.Errorf("unaligned register offset %#x", offset)
	}
	switch offset {
	case mailbox.RegMailboxCtrl:
		s.control(v)
		return nil
	case mailbox.RegMailboxReset:
		for nr := 1; nr <= s.cfg.Mailboxes; nr++ {
			if v&mailbox.MailboxBits(nr, mailbox.StatAvailable) != 0 {
				s.unlink(nr)
			}
		}
		return nil
	case mailbox.RegMailboxLockout:
		s.lockout = v
		return nil
	case mailbox.RegModuleStatus:
		if v&mailbox.ModuleFirmwareWritten != 0 && s.cfg.FirmwareRAM {
			s.module &^= mailbox.ModuleFirmwareChecks
			s.module |= mailbox.ModuleFirmwareWritten | mailbox.ModuleFirmwareOK
			glog.V(1).Infof("simulator: firmware accepted")
		}
		return nil
	case mailbox.RegMailboxLinkID, mailbox.RegMailboxOutID, mailbox.RegOptions, mailbox.RegOptions2, mailbox.RegVersion:
		return nil
	}
	if offset < mailbox.RegMailboxStat {
		nr, word, ok := s.windowWord(offset)
		if ok && s.owner[nr-1] == int(s.cfg.HostID) && s.status&mailbox.MailboxBits(nr, mailbox.StatInFull) == 0 {
			s.in[nr-1][word] = v
		}
		return nil
	}
	if offset >= mailbox.FirmwareRAMBase && s.cfg.FirmwareRAM {
		return nil
	}
	return fmt.Errorf("write of unknown register %#x", offset)
}

// Read32Array implements mailbox.ArrayDevice.
func (s *Simulator) Read32Array(offset uint32, dst []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range dst {
		v, err := s.read(offset + uint32(i)*4)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

// Write32Array implements mailbox.ArrayDevice.
func (s *Simulator) Write32Array(offset uint32, src []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i, v := range src {
		if err := s.write(offset+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

// WaitInterrupt implements mailbox.Interrupter.
func (s *Simulator) WaitInterrupt(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.intr:
		return nil
	case <-t.C:
		return mailbox.ErrInterruptTimeout
	}
}

func (s *Simulator) locked(nr int) bool {
	return s.lockout&(1<<(uint(nr-1)*8+uint(s.cfg.HostID))) != 0
}

// control handles a write of the control register. s.mu must be held.
func (s *Simulator) control(v uint32) {
	for nr := 1; nr <= s.cfg.Mailboxes; nr++ {
		bits := (v >> (uint(nr-1) * 4)) & 0xF
		if bits == 0 {
			continue
		}
		mine := s.owner[nr-1] == int(s.cfg.HostID)
		if bits&mailbox.StatLinked != 0 && s.owner[nr-1] == noOwner && !s.locked(nr) {
			s.owner[nr-1] = int(s.cfg.HostID)
			mine = true
		}
		if !mine {
			continue
		}
		if bits&mailbox.StatOutFull != 0 {
			s.status &^= mailbox.MailboxBits(nr, mailbox.StatOutFull)
			if res := s.pending[nr-1]; res != nil {
				s.pending[nr-1] = nil
				s.post(nr, res)
			}
		}
		if bits&mailbox.StatInFull != 0 {
			s.submit(nr)
		}
		if bits&mailbox.StatAvailable != 0 {
			s.unlink(nr)
		}
	}
}

func (s *Simulator) unlink(nr int) {
	s.owner[nr-1] = noOwner
	s.pending[nr-1] = nil
	s.status &^= mailbox.MailboxBits(nr, mailbox.StatInFull|mailbox.StatOutFull)
}

// submit hands the token in the window of mailbox nr to the firmware.
// s.mu must be held.
func (s *Simulator) submit(nr int) {
	in := mailbox.MailboxBits(nr, mailbox.StatInFull)
	if s.status&in != 0 {
		return
	}
	if s.cfg.FirmwareRAM && s.module&mailbox.ModuleFirmwareOK == 0 {
		return
	}
	var cmd token.Command
	copy(cmd[:], s.in[nr-1])
	s.status |= in
	s.wg.Add(1)
	go s.run(nr, &cmd)
}

func (s *Simulator) run(nr int, cmd *token.Command) {
	defer s.wg.Done()
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}
	var res token.Result
	s.fw.process(s.bus, cmd, &res)

	s.mu.Lock()
	defer s.mu.Unlock()
	in := mailbox.MailboxBits(nr, mailbox.StatInFull)
	if s.status&in == 0 {
		// The mailbox was reset while the token was processed.
		return
	}
	s.status &^= in
	if s.status&mailbox.MailboxBits(nr, mailbox.StatOutFull) != 0 {
		// The host has not released the previous result yet.
		s.pending[nr-1] = &res
		return
	}
	s.post(nr, &res)
}

// post places res in the OUT mailbox nr and raises the interrupt. s.mu
// must be held.
func (s *Simulator) post(nr int, res *token.Result) {
	copy(s.out[nr-1], res[:])
	s.status |= mailbox.MailboxBits(nr, mailbox.StatOutFull)
	select {
	case s.intr <- struct{}{}:
	default:
	}
}

// LinkAs links mailbox nr on behalf of another host, which makes it
// unavailable to this one.
func (s *Simulator) LinkAs(nr int, host uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nr < 1 || nr > s.cfg.Mailboxes {
		return fmt.Errorf("%w: %d", mailbox.ErrInvalidMailbox, nr)
	}
	if s.owner[nr-1] != noOwner {
		return fmt.Errorf("%w: mailbox %d held by host %d", mailbox.ErrLinkFailed, nr, s.owner[nr-1])
	}
	s.owner[nr-1] = int(host & 0x7)
	return nil
}

// PostResult places res in the OUT mailbox nr as if the firmware had
// produced it, whether or not a token was submitted.
func (s *Simulator) PostResult(nr int, res *token.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nr < 1 || nr > s.cfg.Mailboxes {
		return fmt.Errorf("%w: %d", mailbox.ErrInvalidMailbox, nr)
	}
	s.post(nr, res)
	return nil
}

// SetModuleStatus sets and clears bits of the module status register.
func (s *Simulator) SetModuleStatus(set, clear uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.module = s.module&^clear | set
}

// Assets returns the number of dynamic assets in the asset store.
func (s *Simulator) Assets() int {
	return s.fw.count()
}
