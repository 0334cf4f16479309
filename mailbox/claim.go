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
	"sync"
)

var (
	// ErrNoIdentity is returned for claims without a calling identity.
	ErrNoIdentity = errors.New("no identity")
	// ErrInUse is returned when another identity holds the mailbox.
	ErrInUse = errors.New("mailbox in use")
	// ErrNotOwner is returned when releasing a mailbox held by another
	// identity.
	ErrNotOwner = errors.New("mailbox claimed by another identity")
)

// Claims records which identity exclusively holds each mailbox.
type Claims struct {
	mu     sync.Mutex
	owners [MaxMailboxes]uint32
	count  int
}

// NewClaims returns a claim table for a device with n mailboxes.
func NewClaims(n int) *Claims {
	if n < 0 || n > MaxMailboxes {
		n = MaxMailboxes
	}
	return &Claims{count: n}
}

func (c *Claims) check(nr int, identity uint32) error {
	if identity == 0 {
		return ErrNoIdentity
	}
	if nr < 1 || nr > c.count {
		return fmt.Errorf("%w: %d", ErrInvalidMailbox, nr)
	}
	return nil
}

// Claim gives mailbox nr to identity. Claiming a mailbox the identity
// already holds succeeds.
func (c *Claims) Claim(nr int, identity uint32) error {
	if err := c.check(nr, identity); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.owners[nr-1] {
	case 0, identity:
		c.owners[nr-1] = identity
		return nil
	}
	return fmt.Errorf("%w: mailbox %d", ErrInUse, nr)
}

// Overrule gives mailbox nr to identity regardless of its current owner.
// It returns the previous owner, 0 if there was none.
func (c *Claims) Overrule(nr int, identity uint32) (uint32, error) {
	if err := c.check(nr, identity); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.owners[nr-1]
	c.owners[nr-1] = identity
	return prev, nil
}

// Release gives up the claim of identity on mailbox nr. Releasing an
// unclaimed mailbox succeeds.
func (c *Claims) Release(nr int, identity uint32) error {
	if err := c.check(nr, identity); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.owners[nr-1] {
	case identity:
		c.owners[nr-1] = 0
		return nil
	case 0:
		return nil
	}
	return fmt.Errorf("%w: mailbox %d", ErrNotOwner, nr)
}

// Owner returns the identity holding mailbox nr, 0 if it is unclaimed.
func (c *Claims) Owner(nr int) uint32 {
	if nr < 1 || nr > c.count {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[nr-1]
}

// Reset drops all claims.
func (c *Claims) Reset() {
	c.mu.Lock()
	c.owners = [MaxMailboxes]uint32{}
	c.mu.Unlock()
}
