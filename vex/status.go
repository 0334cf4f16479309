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

	"github.com/eip130/go-hsm/bufmanager"
	"github.com/eip130/go-hsm/mailbox"
)

// Status is an adapter level result. It reports failures of the adapter
// itself; the firmware result code of a token is reported separately.
type Status int32

// Adapter status codes.
const (
	Success             Status = 0
	Unsupported         Status = -1
	NotConnected        Status = -2
	PowerStateError     Status = -3
	OperationNotAllowed Status = -4
	OperationFailed     Status = -5
	InvalidOpcode       Status = -6
	InvalidSubcode      Status = -7
	InvalidLength       Status = -8
	BadArgument         Status = -9
	NoMemory            Status = -10
	NoIdentity          Status = -11
	NoMailbox           Status = -12
	MailboxInUse        Status = -13
	ResponseTimeout     Status = -14
	DataTimeout         Status = -15
	DataMappingError    Status = -16
	LockTimeout         Status = -17
	TokenTimeout        Status = -18
	InternalError       Status = -19
)

var statusMsg = map[Status]string{
	Success:             "success",
	Unsupported:         "not supported",
	NotConnected:        "not connected yet",
	PowerStateError:     "power state error",
	OperationNotAllowed: "operation not allowed",
	OperationFailed:     "operation failed",
	InvalidOpcode:       "invalid opcode",
	InvalidSubcode:      "invalid subcode",
	InvalidLength:       "invalid length",
	BadArgument:         "bad argument",
	NoMemory:            "no memory",
	NoIdentity:          "no identity",
	NoMailbox:           "no mailbox",
	MailboxInUse:        "mailbox in use",
	ResponseTimeout:     "response timeout",
	DataTimeout:         "data timeout",
	DataMappingError:    "data mapping error",
	LockTimeout:         "lock timeout",
	TokenTimeout:        "token timeout",
	InternalError:       "internal error",
}

func (s Status) String() string {
	if m, ok := statusMsg[s]; ok {
		return m
	}
	return fmt.Sprintf("status %d", int32(s))
}

func (s Status) Error() string {
	return fmt.Sprintf("vex error %d : %s", int32(s), s.String())
}

// StatusOf returns the Status carried by err: Success for nil, the Status
// itself when err wraps one and InternalError otherwise.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return InternalError
}

// exchangeStatus classifies a failed mailbox exchange.
func exchangeStatus(err error) Status {
	switch {
	case errors.Is(err, mailbox.ErrTokenTimeout):
		return TokenTimeout
	case errors.Is(err, mailbox.ErrResponseTimeout):
		return ResponseTimeout
	case errors.Is(err, mailbox.ErrNotWritable):
		return MailboxInUse
	case errors.Is(err, mailbox.ErrHandoverFailed):
		return PowerStateError
	}
	return InternalError
}

// unmapStatus classifies a failed buffer unmap.
func unmapStatus(err error) Status {
	if bufmanager.Code(err) == -3 {
		return DataTimeout
	}
	return DataMappingError
}

// claimStatus classifies a failed mailbox claim.
func claimStatus(err error) Status {
	switch {
	case errors.Is(err, mailbox.ErrNoIdentity):
		return NoIdentity
	case errors.Is(err, mailbox.ErrInvalidMailbox):
		return NoMailbox
	case errors.Is(err, mailbox.ErrInUse), errors.Is(err, mailbox.ErrNotOwner):
		return MailboxInUse
	}
	return InternalError
}
