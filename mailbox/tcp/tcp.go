// Package tcp provides access to EIP-130 registers over TCP.
//
// A register server, such as the one returned by NewServer, listens on two
// ports. The register port carries register reads and writes; the platform
// port carries interrupt waits, so that a blocked wait does not stall
// register traffic. All integers are big-endian.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eip130/go-hsm/mailbox"
)

var (
	ErrPlatformFailed = errors.New("platform command failed")
	ErrRegisterFailed = errors.New("register access failed")
	ErrTooManyWords   = errors.New("too many words")
	ErrTransport      = errors.New("TCP transport error")
)

// maxWords bounds a single array transfer: one mailbox window.
const maxWords = 256

type registerCommand uint32

const (
	regRead32       registerCommand = 1
	regWrite32      registerCommand = 2
	regRead32Array  registerCommand = 3
	regWrite32Array registerCommand = 4
	regSessionEnd   registerCommand = 20
)

func (c registerCommand) String() string {
	switch c {
	case regRead32:
		return "READ32"
	case regWrite32:
		return "WRITE32"
	case regRead32Array:
		return "READ32_ARRAY"
	case regWrite32Array:
		return "WRITE32_ARRAY"
	case regSessionEnd:
		return "SESSION_END"
	default:
		return fmt.Sprintf("unknown register command (%v)", uint32(c))
	}
}

type platformCommand uint32

const (
	platformWaitInterrupt platformCommand = 1
	platformSessionEnd    platformCommand = 20
)

func (c platformCommand) String() string {
	switch c {
	case platformWaitInterrupt:
		return "WAIT_INTERRUPT"
	case platformSessionEnd:
		return "SESSION_END"
	default:
		return fmt.Sprintf("unknown platform command (%v)", uint32(c))
	}
}

// Results of a platform interrupt wait.
const (
	interruptRaised   = 0
	interruptTimedOut = 1
	interruptFailed   = 2
)

// Device is an EIP-130 reached through a register server. It implements
// mailbox.DeviceCloser, mailbox.ArrayDevice and mailbox.Interrupter.
type Device struct {
	mu   sync.Mutex
	reg  *net.TCPConn
	plat *net.TCPConn
}

type registerHeader struct {
	Command registerCommand
	Offset  uint32
	Count   uint32
}

// access runs one register command. The server answers with the words
// requested followed by a status word.
func (d *Device) access(hdr registerHeader, in []uint32, out []uint32) error {
	if len(in) > maxWords || len(out) > maxWords {
		return fmt.Errorf("%w: %d", ErrTooManyWords, len(in)+len(out))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := binary.Write(d.reg, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("%w: could not send %v to register service: %v", ErrTransport, hdr.Command, err)
	}
	if len(in) > 0 {
		if err := binary.Write(d.reg, binary.BigEndian, in); err != nil {
			return fmt.Errorf("%w: could not send %v data: %v", ErrTransport, hdr.Command, err)
		}
	}
	if len(out) > 0 {
		if err := binary.Read(d.reg, binary.BigEndian, out); err != nil {
			return fmt.Errorf("%w: could not read %v data: %v", ErrTransport, hdr.Command, err)
		}
	}
	var status uint32
	if err := binary.Read(d.reg, binary.BigEndian, &status); err != nil {
		return fmt.Errorf("%w: could not read %v status: %v", ErrTransport, hdr.Command, err)
	}
	if status != 0 {
		return fmt.Errorf("%w: %v at %#x returned %v", ErrRegisterFailed, hdr.Command, hdr.Offset, status)
	}
	return nil
}

// Read32 implements mailbox.Device.
func (d *Device) Read32(offset uint32) (uint32, error) {
	var v [1]uint32
	err := d.access(registerHeader{Command: regRead32, Offset: offset, Count: 1}, nil, v[:])
	return v[0], err
}

// Write32 implements mailbox.Device.
func (d *Device) Write32(offset uint32, v uint32) error {
	return d.access(registerHeader{Command: regWrite32, Offset: offset, Count: 1}, []uint32{v}, nil)
}

// Read32Array implements mailbox.ArrayDevice.
func (d *Device) Read32Array(offset uint32, dst []uint32) error {
	return d.access(registerHeader{Command: regRead32Array, Offset: offset, Count: uint32(len(dst))}, nil, dst)
}

// Write32Array implements mailbox.ArrayDevice.
func (d *Device) Write32Array(offset uint32, src []uint32) error {
	return d.access(registerHeader{Command: regWrite32Array, Offset: offset, Count: uint32(len(src))}, src, nil)
}

// WaitInterrupt implements mailbox.Interrupter.
func (d *Device) WaitInterrupt(timeout time.Duration) error {
	ms := uint32(timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	result, err := d.sendPlatformCommand(platformWaitInterrupt, ms)
	if err != nil {
		return err
	}
	switch result {
	case interruptRaised:
		return nil
	case interruptTimedOut:
		return mailbox.ErrInterruptTimeout
	}
	return fmt.Errorf("%w: %v returned %v", ErrPlatformFailed, platformWaitInterrupt, result)
}

// Close implements mailbox.DeviceCloser.
func (d *Device) Close() error {
	return errors.Join(d.reg.Close(), d.plat.Close())
}

// Config provides the connection information for a register server.
type Config struct {
	// RegisterAddress is the full host:port address of the register
	// server, e.g., "localhost:2330"
	RegisterAddress string
	// PlatformAddress is the full host:port address of the platform
	// server, e.g., "localhost:2331"
	PlatformAddress string
}

func resolveAndConnect(addr string) (*net.TCPConn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %q: %w", addr, err)
	}

	conn, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("could not dial %q: %w", addr, err)
	}
	return conn, nil
}

// Open opens a connection to a register server.
func Open(config Config) (*Device, error) {
	reg, err := resolveAndConnect(config.RegisterAddress)
	if err != nil {
		return nil, fmt.Errorf("could not connect to register service at %q: %w", config.RegisterAddress, err)
	}
	plat, err := resolveAndConnect(config.PlatformAddress)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("could not connect to platform service at %q: %w", config.PlatformAddress, err)
	}

	return &Device{
		reg:  reg,
		plat: plat,
	}, nil
}

// sendPlatformCommand sends a command with one argument to the platform
// service and returns its result word.
func (d *Device) sendPlatformCommand(cmd platformCommand, arg uint32) (uint32, error) {
	if err := binary.Write(d.plat, binary.BigEndian, [2]uint32{uint32(cmd), arg}); err != nil {
		return 0, fmt.Errorf("could not write %v to platform service: %w", cmd, err)
	}
	var result uint32
	if err := binary.Read(d.plat, binary.BigEndian, &result); err != nil {
		return 0, fmt.Errorf("could not read %v result from platform service: %w", cmd, err)
	}
	return result, nil
}
