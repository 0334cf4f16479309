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
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/mailbox/simulator"
	"github.com/eip130/go-hsm/mailbox/tcp"
	"github.com/eip130/go-hsm/vex"
	"github.com/golang/glog"
)

// HSM is an opened device with the layers needed to talk to it.
type HSM struct {
	Device  mailbox.DeviceCloser
	DMA     *dmares.Manager
	Adapter *vex.Adapter

	closers []io.Closer
}

// Close shuts the adapter down and closes the device.
func (h *HSM) Close() error {
	var errs []error
	if h.Adapter != nil {
		errs = append(errs, h.Adapter.Close())
	}
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i].Close())
	}
	return errors.Join(errs...)
}

type udmaBuf interface {
	dmares.Memory
	io.Closer
}

// tcpAddresses returns the register and platform addresses of a register
// server at addr. The platform service listens on the next port.
func tcpAddresses(addr string) (reg, plat string, err error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0xFFFF {
		return "", "", fmt.Errorf("bad port %q", port)
	}
	return addr, net.JoinHostPort(host, strconv.FormatUint(p+1, 10)), nil
}

// OpenDevice opens the device named by c.Device. The simulator reaches
// host memory through dma.
func (c *Config) OpenDevice(dma *dmares.Manager) (mailbox.DeviceCloser, error) {
	kind, arg, _ := strings.Cut(c.Device, ":")
	switch kind {
	case "sim":
		return simulator.New(dma, simulator.Config{CryptoOfficer: c.CryptoOfficer}), nil
	case "uio":
		return openUIO(arg)
	case "tcp":
		reg, plat, err := tcpAddresses(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: device %q: %v", ErrInvalid, c.Device, err)
		}
		d, err := tcp.Open(tcp.Config{RegisterAddress: reg, PlatformAddress: plat})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: device %q", ErrInvalid, c.Device)
}

// Open opens the configured device and brings the VEX adapter up on it.
// When a minimum firmware version is configured, older firmware is
// rejected.
func (c *Config) Open() (*HSM, error) {
	h := &HSM{}
	opts := c.DMAOptions()
	if c.DMA.UDMABuf != "" {
		mem, err := openUDMABuf(c.DMA.UDMABuf)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, mem)
		opts.Memory = mem
	}
	h.DMA = dmares.New(opts)
	dev, err := c.OpenDevice(h.DMA)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Device = dev
	h.closers = append(h.closers, dev)
	a, err := vex.New(dev, h.DMA, c.AdapterOptions())
	if err != nil {
		h.Close()
		return nil, err
	}
	h.Adapter = a
	if c.MinFirmware != "" {
		if err := a.CheckFirmware(c.MinFirmware); err != nil {
			h.Close()
			return nil, err
		}
	}
	glog.V(1).Infof("config: opened %s on mailbox %d", c.Device, c.Mailbox.Number)
	return h, nil
}
