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

// Package mailbox drives the host interface of an EIP-130 security module:
// mailbox linking, token submission and retrieval, firmware state and the
// claim table arbitrating mailboxes between calling identities.
//
// Exchange performs one token exchange at a time. Callers sharing a mailbox
// between goroutines must serialize their exchanges themselves; a claim
// grants ownership of a mailbox, not mutual exclusion of its registers.
package mailbox

import (
	"errors"
	"fmt"

	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

var (
	// ErrInvalidMailbox is returned for mailbox numbers outside 1..8 or
	// beyond the number of mailboxes of the device.
	ErrInvalidMailbox = errors.New("invalid mailbox number")
	// ErrNotSupported is returned when the version register does not
	// identify an EIP-130.
	ErrNotSupported = errors.New("device is not a supported EIP-130")
	// ErrLinkFailed is returned when the device did not link the mailbox,
	// usually because another host holds it.
	ErrLinkFailed = errors.New("mailbox link failed")
	// ErrUnlinkFailed is returned when the mailbox stayed linked.
	ErrUnlinkFailed = errors.New("mailbox unlink failed")
	// ErrNotLinked is returned by LinkID for a mailbox nobody linked.
	ErrNotLinked = errors.New("mailbox not linked")
	// ErrNotWritable is returned when the IN mailbox still holds a token.
	ErrNotWritable = errors.New("IN mailbox not writable")
	// ErrHandoverFailed is returned when the device did not take the
	// submitted token. The device may be powered down.
	ErrHandoverFailed = errors.New("token handover failed")
	// ErrNotReadable is returned when the OUT mailbox holds no token.
	ErrNotReadable = errors.New("OUT mailbox not readable")
	// ErrInvalidHost is returned for host numbers above 7.
	ErrInvalidHost = errors.New("invalid host number")
	// ErrHardware is returned when the module status reports a CRC or
	// fatal error.
	ErrHardware = errors.New("hardware error")
	// ErrFirmwareState is returned for an inconsistent firmware state.
	ErrFirmwareState = errors.New("invalid firmware state")
	// ErrNotAllowed is returned when this host may not load firmware.
	ErrNotAllowed = errors.New("host not allowed to load firmware")
)

// ReadOptions reads the mailbox options register of d.
func ReadOptions(d Device) (Options, error) {
	v, err := d.Read32(RegOptions)
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(v), nil
}

// ReadModuleOptions reads the module options register of d.
func ReadModuleOptions(d Device) (ModuleOptions, error) {
	v, err := d.Read32(RegOptions2)
	if err != nil {
		return ModuleOptions{}, err
	}
	return ParseModuleOptions(v), nil
}

// ReadModuleStatus reads the module status register of d.
func ReadModuleStatus(d Device) (ModuleStatus, error) {
	v, err := d.Read32(RegModuleStatus)
	if err != nil {
		return ModuleStatus{}, err
	}
	return ParseModuleStatus(v), nil
}

// ReadVersion reads the version register of d.
func ReadVersion(d Device) (HardwareVersion, error) {
	v, err := d.Read32(RegVersion)
	if err != nil {
		return HardwareVersion{}, err
	}
	return ParseVersion(v), nil
}

func checkVersion(d Device) error {
	v, err := d.Read32(RegVersion)
	if err != nil {
		return err
	}
	if v&0xFFFF != VersionEIP130 {
		return fmt.Errorf("%w: version register %#08x", ErrNotSupported, v)
	}
	return nil
}

func validNumber(nr int) error {
	if nr < 1 || nr > MaxMailboxes {
		return fmt.Errorf("%w: %d", ErrInvalidMailbox, nr)
	}
	return nil
}

// VerifyAccess checks that d is an EIP-130 with a mailbox nr.
func VerifyAccess(d Device, nr int) error {
	if err := checkVersion(d); err != nil {
		return err
	}
	opts, err := ReadOptions(d)
	if err != nil {
		return err
	}
	if nr < 1 || nr > opts.Mailboxes {
		return fmt.Errorf("%w: %d of %d", ErrInvalidMailbox, nr, opts.Mailboxes)
	}
	return nil
}

// AccessControl grants or locks out host for mailbox nr.
func AccessControl(d Device, nr int, host uint8, allowed bool) error {
	if err := validNumber(nr); err != nil {
		return err
	}
	if host > 7 {
		return fmt.Errorf("%w: %d", ErrInvalidHost, host)
	}
	lockout, err := d.Read32(RegMailboxLockout)
	if err != nil {
		return err
	}
	bit := uint32(1) << (uint(nr-1)*8 + uint(host))
	if allowed {
		lockout &^= bit
	} else {
		lockout |= bit
	}
	return d.Write32(RegMailboxLockout, lockout)
}

// FirmwareWritten tells the device that the firmware image is in place.
func FirmwareWritten(d Device) error {
	return d.Write32(RegModuleStatus, ModuleFirmwareWritten)
}

// FirmwareState is the firmware condition reported by FirmwareCheck.
type FirmwareState int

// Firmware states.
const (
	FirmwareLoadStart  FirmwareState = 0 // Written, download may start.
	FirmwareLoadNeeded FirmwareState = 1
	FirmwareChecksBusy FirmwareState = 2
	FirmwareReady      FirmwareState = 3
)

func (s FirmwareState) String() string {
	switch s {
	case FirmwareLoadStart:
		return "load start"
	case FirmwareLoadNeeded:
		return "load needed"
	case FirmwareChecksBusy:
		return "checks busy"
	case FirmwareReady:
		return "ready"
	}
	return fmt.Sprintf("firmware state %d", int(s))
}

// crcPollLimit bounds the wait for the CRC24 check of the firmware RAM.
const crcPollLimit = 100000

// FirmwareCheck reports the firmware state of d. A device without firmware
// RAM always reports FirmwareReady.
func FirmwareCheck(d Device) (FirmwareState, error) {
	if err := checkVersion(d); err != nil {
		return 0, err
	}
	mo, err := ReadModuleOptions(d)
	if err != nil {
		return 0, err
	}
	if !mo.FirmwareRAM {
		return FirmwareReady, nil
	}

	var v uint32
	for i := 0; ; i++ {
		if v, err = d.Read32(RegModuleStatus); err != nil {
			return 0, err
		}
		if v&ModuleCRC24Busy == 0 {
			break
		}
		if i == crcPollLimit {
			return 0, fmt.Errorf("%w: CRC24 check did not finish", ErrHardware)
		}
	}
	if v&ModuleCRC24OK == 0 || v&ModuleFatalError != 0 {
		return 0, fmt.Errorf("%w: module status %#08x", ErrHardware, v)
	}

	var state FirmwareState
	switch v & (ModuleFirmwareWritten | ModuleFirmwareChecks | ModuleFirmwareOK) {
	case ModuleFirmwareWritten:
		state = FirmwareLoadStart
	case ModuleFirmwareChecks:
		state = FirmwareLoadNeeded
	case ModuleFirmwareWritten | ModuleFirmwareChecks:
		return FirmwareChecksBusy, nil
	case ModuleFirmwareWritten | ModuleFirmwareOK:
		return FirmwareReady, nil
	default:
		return 0, fmt.Errorf("%w: module status %#08x", ErrFirmwareState, v)
	}

	opts, err := ReadOptions(d)
	if err != nil {
		return 0, err
	}
	if opts.MyHostID != opts.MasterID && opts.MyProt != opts.ProtAvailable {
		return state, ErrNotAllowed
	}
	return state, nil
}

// Mailbox is one mailbox of a device.
type Mailbox struct {
	dev  Device
	nr   int
	opts ExchangeOptions
}

// New returns mailbox nr of d. Exchange waits as configured by opts.
func New(d Device, nr int, opts ExchangeOptions) (*Mailbox, error) {
	if err := validNumber(nr); err != nil {
		return nil, err
	}
	return &Mailbox{dev: d, nr: nr, opts: opts.withDefaults()}, nil
}

// Number returns the mailbox number of m.
func (m *Mailbox) Number() int {
	return m.nr
}

// Device returns the device of m.
func (m *Mailbox) Device() Device {
	return m.dev
}

func (m *Mailbox) bits(b uint32) uint32 {
	return MailboxBits(m.nr, b)
}

func (m *Mailbox) status() (uint32, error) {
	return m.dev.Read32(RegMailboxStat)
}

// Link acquires the mailbox for this host.
func (m *Mailbox) Link() error {
	set := m.bits(StatLinked)
	if err := m.dev.Write32(RegMailboxCtrl, set); err != nil {
		return err
	}
	v, err := m.status()
	if err != nil {
		return err
	}
	if v&set != set {
		return fmt.Errorf("%w: mailbox %d", ErrLinkFailed, m.nr)
	}
	return nil
}

// Unlink releases the mailbox.
func (m *Mailbox) Unlink() error {
	if err := m.dev.Write32(RegMailboxCtrl, m.bits(StatAvailable)); err != nil {
		return err
	}
	v, err := m.status()
	if err != nil {
		return err
	}
	if v&m.bits(StatLinked) != 0 {
		return fmt.Errorf("%w: mailbox %d", ErrUnlinkFailed, m.nr)
	}
	return nil
}

// LinkReset forcibly unlinks the mailbox, whichever host linked it.
func (m *Mailbox) LinkReset() error {
	set := m.bits(StatAvailable)
	if err := m.dev.Write32(RegMailboxReset, set); err != nil {
		return err
	}
	v, err := m.status()
	if err != nil {
		return err
	}
	if v&set != set {
		return fmt.Errorf("%w: link reset of mailbox %d", ErrLinkFailed, m.nr)
	}
	return nil
}

// LinkID returns the host that linked the mailbox and whether it linked
// as a secure host.
func (m *Mailbox) LinkID() (host uint8, secure bool, err error) {
	v, err := m.status()
	if err != nil {
		return 0, false, err
	}
	if v&m.bits(StatLinked) == 0 {
		return 0, false, fmt.Errorf("%w: mailbox %d", ErrNotLinked, m.nr)
	}
	id, err := m.dev.Read32(RegMailboxLinkID)
	if err != nil {
		return 0, false, err
	}
	id >>= uint(m.nr-1) * 4
	return uint8(id & 0x7), id&0x8 != 0, nil
}

// CanWriteToken reports whether the IN mailbox accepts a token. With
// checkModule set it also requires a passed CRC check and, for firmware in
// RAM, accepted firmware.
func (m *Mailbox) CanWriteToken(checkModule bool) (bool, error) {
	if checkModule {
		ms, err := m.dev.Read32(RegModuleStatus)
		if err != nil {
			return false, err
		}
		mo, err := ReadModuleOptions(m.dev)
		if err != nil {
			return false, err
		}
		if ms&ModuleCRC24OK == 0 || (mo.FirmwareRAM && ms&ModuleFirmwareOK == 0) {
			return false, nil
		}
	}
	v, err := m.status()
	if err != nil {
		return false, err
	}
	return v&m.bits(StatInFull) == 0, nil
}

// CanReadToken reports whether the OUT mailbox holds a result token.
func (m *Mailbox) CanReadToken() (bool, error) {
	v, err := m.status()
	if err != nil {
		return false, err
	}
	return v&m.bits(StatOutFull) != 0, nil
}

// WriteAndSubmitToken copies cmd into the IN mailbox and hands it to the
// device.
func (m *Mailbox) WriteAndSubmitToken(cmd *token.Command, checkWritable bool) error {
	if cmd == nil {
		return errors.New("nil command token")
	}
	if checkWritable {
		ok, err := m.CanWriteToken(true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: mailbox %d", ErrNotWritable, m.nr)
		}
	}
	base := uint32(MailboxInBase + MailboxSpacing*(m.nr-1))
	if err := Write32Array(m.dev, base, cmd[:]); err != nil {
		return err
	}
	bit := m.bits(StatInFull)
	if err := m.dev.Write32(RegMailboxCtrl, bit); err != nil {
		return err
	}
	v, err := m.status()
	if err != nil {
		return err
	}
	if v&bit == 0 {
		// The device may already have taken the token; a readable
		// version register shows it is alive.
		ver, err := m.dev.Read32(RegVersion)
		if err != nil {
			return err
		}
		if ver&0xFFFF != VersionEIP130 && ver&0xFFFF != VersionEIP130Alt {
			return fmt.Errorf("%w: mailbox %d", ErrHandoverFailed, m.nr)
		}
	}
	if glog.V(2) {
		op, sub := cmd.Operation()
		glog.Infof("mailbox %d: submitted %v/%d token %08x", m.nr, op, sub, cmd[0])
	}
	return nil
}

// ReadToken copies the result token out of the OUT mailbox and hands the
// mailbox back to the device.
func (m *Mailbox) ReadToken(res *token.Result) error {
	if res == nil {
		return errors.New("nil result token")
	}
	ok, err := m.CanReadToken()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: mailbox %d", ErrNotReadable, m.nr)
	}
	base := uint32(MailboxOutBase + MailboxSpacing*(m.nr-1))
	if err := Read32Array(m.dev, base, res[:]); err != nil {
		return err
	}
	return m.dev.Write32(RegMailboxCtrl, m.bits(StatOutFull))
}
