// Package testhelper provides some helper code for EIP-130 transport tests.
package testhelper

import (
	"errors"
	"testing"

	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/token"
)

// RunTest checks that the connection to the given device seems to be
// working.
func RunTest(t *testing.T, skipErrs []error, devOpener func() (mailbox.DeviceCloser, error)) {
	t.Helper()
	dev, err := devOpener()
	for _, skipErr := range skipErrs {
		if errors.Is(err, skipErr) {
			t.Skipf("%v", err)
		}
	}
	if err != nil {
		t.Fatalf("Failed to open device: %v", err)
	}
	defer func(dev mailbox.DeviceCloser) {
		if err := dev.Close(); err != nil {
			t.Fatalf("dev.Close() = %v", err)
		}
	}(dev)

	if err := mailbox.VerifyAccess(dev, 1); err != nil {
		t.Fatalf("VerifyAccess() = %v", err)
	}
	hw, err := mailbox.ReadVersion(dev)
	if err != nil {
		t.Fatalf("ReadVersion() = %v", err)
	}
	state, err := mailbox.FirmwareCheck(dev)
	if err != nil {
		t.Fatalf("FirmwareCheck() = %v", err)
	}
	if state != mailbox.FirmwareReady {
		t.Skipf("firmware %v, skipping token exchange", state)
	}

	mb, err := mailbox.New(dev, 1, mailbox.ExchangeOptions{})
	if err != nil {
		t.Fatalf("mailbox.New() = %v", err)
	}
	if err := mb.Link(); err != nil {
		t.Fatalf("Link() = %v", err)
	}
	defer func() {
		if err := mb.Unlink(); err != nil {
			t.Errorf("Unlink() = %v", err)
		}
	}()

	// Ask the firmware for its version, as a basic consistency check.
	var cmd token.Command
	token.SystemInfoCommand.Encode(&cmd)
	cmd.SetTokenID(1, false)
	var res token.Result
	if err := mb.Exchange(&cmd, &res); err != nil {
		t.Fatalf("Exchange(system info) = %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("system info result = %v", err)
	}
	info := token.ReadSystemInfo(&res)
	t.Logf("Hardware %d.%d.%d, firmware %d.%d.%d", hw.Major, hw.Minor, hw.Patch,
		info.Firmware.Major, info.Firmware.Minor, info.Firmware.Patch)
}
