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

package vex

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

// NOP copies in to out through the DMA engine of the device. out must be
// at least as long as in.
func (a *Adapter) NOP(in, out []byte) error {
	if len(in) == 0 || len(out) < len(in) || len(in) > token.DMAMaxLength {
		return fmt.Errorf("%w: NOP of %d bytes into %d", BadArgument, len(in), len(out))
	}
	x, err := a.begin()
	if err != nil {
		return err
	}
	inBus, err := x.input(in)
	if err != nil {
		return err
	}
	outBus, _, err := x.output(out[:len(in)])
	if err != nil {
		return err
	}
	var cmd token.Command
	token.NOP{Input: uint64(inBus), Output: uint64(outBus), Length: uint32(len(in))}.Encode(&cmd)
	_, err = x.run(&cmd, nil)
	return err
}

// system runs a token without data buffers.
func (a *Adapter) system(e token.Encoder) (*token.Result, error) {
	x, err := a.begin()
	if err != nil {
		return nil, err
	}
	var cmd token.Command
	e.Encode(&cmd)
	return x.run(&cmd, nil)
}

// SystemInfo returns the system information of the device.
func (a *Adapter) SystemInfo() (token.SystemInfo, error) {
	res, err := a.system(token.SystemInfoCommand)
	if err != nil {
		return token.SystemInfo{}, err
	}
	return token.ReadSystemInfo(res), nil
}

// SelfTest runs the firmware self test, which also leaves an error mode.
func (a *Adapter) SelfTest() error {
	return a.simple(token.SelfTestCommand)
}

// Login logs the crypto officer in.
func (a *Adapter) Login() error {
	x, err := a.begin()
	if err != nil {
		return err
	}
	var cmd token.Command
	token.LoginCommand.Encode(&cmd)
	id := a.opts.CryptoOfficer
	if id == 0 {
		id = a.opts.Identity
	}
	x.identity = id
	_, err = x.run(&cmd, nil)
	return err
}

// relogin logs in after the firmware lost its state. Firmware without a
// login reports the token as invalid, which is fine.
func (a *Adapter) relogin() error {
	err := a.Login()
	if c, ok := ResultCode(err); ok && c == token.CodeInvalidToken {
		glog.V(1).Infof("vex: firmware has no login")
		return nil
	}
	return err
}

// Reset resets the firmware, which drops every dynamic asset, and logs in
// again.
func (a *Adapter) Reset() error {
	if _, err := a.system(token.ResetCommand); err != nil {
		return err
	}
	return a.relogin()
}

// Sleep puts the device to sleep. Only Resume is accepted afterwards.
func (a *Adapter) Sleep() error {
	if p := a.PowerState(); p != PowerActive {
		return fmt.Errorf("%w: device %v", PowerStateError, p)
	}
	state, err := mailbox.FirmwareCheck(a.dev)
	switch {
	case errors.Is(err, mailbox.ErrNotAllowed):
		return fmt.Errorf("%w: %v", OperationNotAllowed, err)
	case err != nil:
		a.setPower(PowerUnknown)
		return fmt.Errorf("%w: %v", NotConnected, err)
	case state != mailbox.FirmwareReady:
		a.setPower(PowerUnknown)
		return fmt.Errorf("%w: firmware %v", PowerStateError, state)
	}
	if err := a.link(a.mb.Number(), true); err != nil {
		return fmt.Errorf("%w: %v", MailboxInUse, err)
	}
	if _, err := a.system(token.SleepCommand); err != nil {
		return err
	}
	a.setPower(PowerSleep)
	glog.Infof("vex: device asleep")
	return nil
}

// Resume wakes the device up and logs in again. Only the master host may
// resume. Resuming a device that is not asleep succeeds without a token.
func (a *Adapter) Resume() error {
	if a.hw.MyHostID != a.hw.MasterID {
		return fmt.Errorf("%w: host %d is not the master host %d", OperationNotAllowed, a.hw.MyHostID, a.hw.MasterID)
	}
	state, err := mailbox.FirmwareCheck(a.dev)
	if err != nil && !errors.Is(err, mailbox.ErrNotAllowed) {
		return fmt.Errorf("%w: %v", NotConnected, err)
	}
	if a.PowerState() != PowerSleep && (state == mailbox.FirmwareReady || state == mailbox.FirmwareChecksBusy) {
		return nil
	}

	a.mu.Lock()
	a.linked = [mailbox.MaxMailboxes + 1]bool{}
	a.mu.Unlock()
	if err := a.link(a.mb.Number(), true); err != nil {
		return fmt.Errorf("%w: %v", MailboxInUse, err)
	}

	x := a.newExchange()
	var cmd token.Command
	token.ResumeCommand.Encode(&cmd)
	if state == mailbox.FirmwareLoadStart || state == mailbox.FirmwareLoadNeeded {
		if err := mailbox.FirmwareWritten(a.dev); err != nil {
			return fmt.Errorf("%w: %v", PowerStateError, err)
		}
	}
	if _, err := x.run(&cmd, nil); err != nil {
		return err
	}
	a.setPower(PowerActive)
	glog.Infof("vex: device resumed")
	return a.relogin()
}

// FirmwareCheck returns the firmware state of the device.
func (a *Adapter) FirmwareCheck() (mailbox.FirmwareState, error) {
	state, err := mailbox.FirmwareCheck(a.dev)
	switch {
	case errors.Is(err, mailbox.ErrNotAllowed):
		return state, fmt.Errorf("%w: %v", OperationNotAllowed, err)
	case err != nil:
		return state, fmt.Errorf("%w: %v", NotConnected, err)
	}
	return state, nil
}

// FirmwareVersion returns the firmware version reported by SystemInfo.
func (a *Adapter) FirmwareVersion() (*semver.Version, error) {
	info, err := a.SystemInfo()
	if err != nil {
		return nil, err
	}
	return &semver.Version{
		Major: int64(info.Firmware.Major),
		Minor: int64(info.Firmware.Minor),
		Patch: int64(info.Firmware.Patch),
	}, nil
}

// CheckFirmware fails with Unsupported when the firmware is older than min,
// a semantic version such as "3.1.0".
func (a *Adapter) CheckFirmware(min string) error {
	want, err := semver.NewVersion(min)
	if err != nil {
		return fmt.Errorf("%w: minimum firmware version %q: %v", BadArgument, min, err)
	}
	got, err := a.FirmwareVersion()
	if err != nil {
		return err
	}
	if got.LessThan(*want) {
		return fmt.Errorf("%w: firmware %v, need at least %v", Unsupported, got, want)
	}
	return nil
}

// Claim gives mailbox nr exclusively to identity and links it.
func (a *Adapter) Claim(nr int, identity uint32) error {
	if err := a.claims.Claim(nr, identity); err != nil {
		return fmt.Errorf("%w: %v", claimStatus(err), err)
	}
	if err := a.link(nr, false); err != nil {
		if rerr := a.claims.Release(nr, identity); rerr != nil {
			glog.Errorf("vex: dropping claim of mailbox %d: %v", nr, rerr)
		}
		return fmt.Errorf("%w: %v", MailboxInUse, err)
	}
	return nil
}

// ClaimOverrule gives mailbox nr to identity whoever holds it, taking the
// link over from another host if needed.
func (a *Adapter) ClaimOverrule(nr int, identity uint32) error {
	prev, err := a.claims.Overrule(nr, identity)
	if err != nil {
		return fmt.Errorf("%w: %v", claimStatus(err), err)
	}
	if prev != 0 && prev != identity {
		glog.Infof("vex: mailbox %d taken over from identity %#x", nr, prev)
	}
	if err := a.link(nr, true); err != nil {
		return fmt.Errorf("%w: %v", MailboxInUse, err)
	}
	return nil
}

// ClaimRelease gives up the claim of identity on mailbox nr. Mailboxes
// other than the exchange mailbox are unlinked.
func (a *Adapter) ClaimRelease(nr int, identity uint32) error {
	if err := a.claims.Release(nr, identity); err != nil {
		return fmt.Errorf("%w: %v", claimStatus(err), err)
	}
	if nr == a.mb.Number() {
		return nil
	}
	if err := a.unlink(nr); err != nil {
		return fmt.Errorf("%w: %v", PowerStateError, err)
	}
	return nil
}

// ClaimOwner returns the identity holding mailbox nr, 0 if none.
func (a *Adapter) ClaimOwner(nr int) uint32 {
	return a.claims.Owner(nr)
}
