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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

var (
	// ErrTokenTimeout is returned when the IN mailbox did not become
	// writable in time.
	ErrTokenTimeout = errors.New("input token processing timeout")
	// ErrResponseTimeout is returned when no result token arrived in time.
	ErrResponseTimeout = errors.New("output token response timeout")
)

// Exchange defaults.
const (
	DefaultPollInterval = 100 * time.Microsecond
	DefaultTimeout      = 10 * time.Second
)

// ExchangeOptions configure how Exchange waits on the device.
type ExchangeOptions struct {
	// Interrupt waits for device interrupts instead of polling the status
	// register. It requires a Device implementing Interrupter.
	Interrupt bool
	// PollInterval is the delay between status reads when polling.
	PollInterval time.Duration
	// Timeout bounds the wait for the IN mailbox and, separately, the wait
	// for the matching result token including discarded ones.
	Timeout time.Duration
}

func (o ExchangeOptions) withDefaults() ExchangeOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// errNotYet marks a condition that is retried until the wait times out.
var errNotYet = errors.New("not yet")

// pollUntil calls cond until it reports true, an error or deadline passes,
// in which case timeoutErr is returned.
func (m *Mailbox) pollUntil(cond func() (bool, error), deadline time.Time, timeoutErr error) error {
	left := time.Until(deadline)
	if left <= 0 {
		return fmt.Errorf("%w: mailbox %d after %v", timeoutErr, m.nr, m.opts.Timeout)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.PollInterval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = left
	err := backoff.Retry(func() error {
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, b)
	if errors.Is(err, errNotYet) {
		return fmt.Errorf("%w: mailbox %d after %v", timeoutErr, m.nr, m.opts.Timeout)
	}
	return err
}

// waitInterrupt waits for the OUT mailbox using device interrupts.
func (m *Mailbox) waitInterrupt(intr Interrupter, deadline time.Time) error {
	for {
		ok, err := m.CanReadToken()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("%w: mailbox %d after %v", ErrResponseTimeout, m.nr, m.opts.Timeout)
		}
		if err := intr.WaitInterrupt(left); err != nil && !errors.Is(err, ErrInterruptTimeout) {
			return err
		}
	}
}

func (m *Mailbox) waitReadable(deadline time.Time) error {
	if m.opts.Interrupt {
		if intr, ok := m.dev.(Interrupter); ok {
			return m.waitInterrupt(intr, deadline)
		}
		glog.Warningf("mailbox %d: device has no interrupt support, polling", m.nr)
	}
	return m.pollUntil(m.CanReadToken, deadline, ErrResponseTimeout)
}

// Exchange submits cmd and waits for the result token carrying the same
// token ID, which is stored in res. Result tokens of earlier exchanges that
// are still in the OUT mailbox are discarded; they do not extend the wait
// for the result.
//
// The mailbox must be linked. Exchange does not lock the mailbox.
func (m *Mailbox) Exchange(cmd *token.Command, res *token.Result) error {
	writable := func() (bool, error) { return m.CanWriteToken(true) }
	if err := m.pollUntil(writable, time.Now().Add(m.opts.Timeout), ErrTokenTimeout); err != nil {
		return err
	}
	if err := m.WriteAndSubmitToken(cmd, false); err != nil {
		return err
	}
	id, _ := cmd.TokenID()
	deadline := time.Now().Add(m.opts.Timeout)
	for discarded := 0; ; discarded++ {
		if discarded > 0 && !time.Now().Before(deadline) {
			return fmt.Errorf("%w: mailbox %d after %v and %d foreign results", ErrResponseTimeout, m.nr, m.opts.Timeout, discarded)
		}
		if err := m.waitReadable(deadline); err != nil {
			return err
		}
		if err := m.ReadToken(res); err != nil {
			return err
		}
		if got := res.TokenID(); got != id {
			glog.Warningf("mailbox %d: discarding result token %#04x, want %#04x", m.nr, got, id)
			continue
		}
		if glog.V(2) {
			glog.Infof("mailbox %d: result token %08x", m.nr, res[0])
		}
		return nil
	}
}
