package tcp

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eip130/go-hsm/mailbox"
	"github.com/golang/glog"
)

// Status words returned by the register service.
const (
	statusOK       = 0
	statusFailed   = 1
	statusTooLarge = 2
	statusUnknown  = 3
)

// Server exports the registers of a device over TCP.
type Server struct {
	dev mailbox.Device

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a server for dev.
func NewServer(dev mailbox.Device) *Server {
	return &Server{dev: dev, conns: make(map[net.Conn]struct{})}
}

// Serve accepts register connections on reg and platform connections on
// plat until both listeners are closed.
func (s *Server) Serve(reg, plat net.Listener) error {
	platErr := make(chan error, 1)
	go func() {
		platErr <- s.accept(plat, s.servePlatform)
	}()
	err := s.accept(reg, s.serveRegisters)
	err = errors.Join(err, <-platErr)
	s.wg.Wait()
	return err
}

// Close drops all open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for c := range s.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (s *Server) accept(l net.Listener, handle func(net.Conn) error) error {
	for {
		c, err := l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := handle(c); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				glog.Warningf("tcp: connection from %v: %v", c.RemoteAddr(), err)
			}
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			c.Close()
		}()
	}
}

func (s *Server) serveRegisters(c net.Conn) error {
	buf := make([]uint32, maxWords)
	for {
		var hdr registerHeader
		if err := binary.Read(c, binary.BigEndian, &hdr); err != nil {
			return err
		}
		if hdr.Command == regSessionEnd {
			return nil
		}
		if hdr.Count > maxWords {
			if err := binary.Write(c, binary.BigEndian, uint32(statusTooLarge)); err != nil {
				return err
			}
			continue
		}
		words := buf[:hdr.Count]
		var (
			out  []uint32
			fail error
		)
		switch hdr.Command {
		case regRead32, regRead32Array:
			fail = mailbox.Read32Array(s.dev, hdr.Offset, words)
			out = words
		case regWrite32, regWrite32Array:
			if err := binary.Read(c, binary.BigEndian, words); err != nil {
				return err
			}
			fail = mailbox.Write32Array(s.dev, hdr.Offset, words)
		default:
			if err := binary.Write(c, binary.BigEndian, uint32(statusUnknown)); err != nil {
				return err
			}
			continue
		}
		status := uint32(statusOK)
		if fail != nil {
			glog.V(1).Infof("tcp: %v at %#x: %v", hdr.Command, hdr.Offset, fail)
			status = statusFailed
			// The client still expects the words it asked for.
			for i := range out {
				out[i] = 0
			}
		}
		if len(out) > 0 {
			if err := binary.Write(c, binary.BigEndian, out); err != nil {
				return err
			}
		}
		if err := binary.Write(c, binary.BigEndian, status); err != nil {
			return err
		}
	}
}

func (s *Server) servePlatform(c net.Conn) error {
	intr, _ := s.dev.(mailbox.Interrupter)
	for {
		var req [2]uint32
		if err := binary.Read(c, binary.BigEndian, &req); err != nil {
			return err
		}
		result := uint32(statusUnknown)
		switch platformCommand(req[0]) {
		case platformSessionEnd:
			return nil
		case platformWaitInterrupt:
			timeout := time.Duration(req[1]) * time.Millisecond
			if intr == nil {
				time.Sleep(timeout)
				result = interruptTimedOut
				break
			}
			switch err := intr.WaitInterrupt(timeout); {
			case err == nil:
				result = interruptRaised
			case errors.Is(err, mailbox.ErrInterruptTimeout):
				result = interruptTimedOut
			default:
				result = interruptFailed
			}
		}
		if err := binary.Write(c, binary.BigEndian, result); err != nil {
			return err
		}
	}
}
