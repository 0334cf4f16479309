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

package psa

import (
	"errors"
	"fmt"

	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/token"
	"github.com/eip130/go-hsm/vex"
)

// Status is a PSA Crypto API status code.
type Status int32

// PSA status codes.
const (
	Success              Status = 0
	GenericError         Status = -132
	NotPermitted         Status = -133
	NotSupported         Status = -134
	InvalidArgument      Status = -135
	InvalidHandle        Status = -136
	BadState             Status = -137
	BufferTooSmall       Status = -138
	AlreadyExists        Status = -139
	DoesNotExist         Status = -140
	InsufficientMemory   Status = -141
	InsufficientStorage  Status = -142
	InsufficientData     Status = -143
	CommunicationFailure Status = -145
	StorageFailure       Status = -146
	HardwareFailure      Status = -147
	InsufficientEntropy  Status = -148
	InvalidSignature     Status = -149
	InvalidPadding       Status = -150
	CorruptionDetected   Status = -151
	DataCorrupt          Status = -152
	DataInvalid          Status = -153
)

var statusNames = map[Status]string{
	Success:              "PSA_SUCCESS",
	GenericError:         "PSA_ERROR_GENERIC_ERROR",
	NotPermitted:         "PSA_ERROR_NOT_PERMITTED",
	NotSupported:         "PSA_ERROR_NOT_SUPPORTED",
	InvalidArgument:      "PSA_ERROR_INVALID_ARGUMENT",
	InvalidHandle:        "PSA_ERROR_INVALID_HANDLE",
	BadState:             "PSA_ERROR_BAD_STATE",
	BufferTooSmall:       "PSA_ERROR_BUFFER_TOO_SMALL",
	AlreadyExists:        "PSA_ERROR_ALREADY_EXISTS",
	DoesNotExist:         "PSA_ERROR_DOES_NOT_EXIST",
	InsufficientMemory:   "PSA_ERROR_INSUFFICIENT_MEMORY",
	InsufficientStorage:  "PSA_ERROR_INSUFFICIENT_STORAGE",
	InsufficientData:     "PSA_ERROR_INSUFFICIENT_DATA",
	CommunicationFailure: "PSA_ERROR_COMMUNICATION_FAILURE",
	StorageFailure:       "PSA_ERROR_STORAGE_FAILURE",
	HardwareFailure:      "PSA_ERROR_HARDWARE_FAILURE",
	InsufficientEntropy:  "PSA_ERROR_INSUFFICIENT_ENTROPY",
	InvalidSignature:     "PSA_ERROR_INVALID_SIGNATURE",
	InvalidPadding:       "PSA_ERROR_INVALID_PADDING",
	CorruptionDetected:   "PSA_ERROR_CORRUPTION_DETECTED",
	DataCorrupt:          "PSA_ERROR_DATA_CORRUPT",
	DataInvalid:          "PSA_ERROR_DATA_INVALID",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("PSA status %d", int32(s))
}

func (s Status) Error() string {
	return s.String()
}

// StatusOf returns the PSA status that err reports. Errors of the layers
// below are translated: firmware result codes, adapter statuses and
// storage errors each map onto the closest PSA status.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	if code, ok := vex.ResultCode(err); ok {
		return resultStatus(code)
	}
	var vs vex.Status
	if errors.As(err, &vs) {
		return adapterStatus(vs)
	}
	for _, m := range storageStatus {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return GenericError
}

// wrap attaches the PSA status of err to it, unless it carries one
// already.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var s Status
	if errors.As(err, &s) {
		return err
	}
	return fmt.Errorf("%w: %w", StatusOf(err), err)
}

func resultStatus(code token.Code) Status {
	switch code {
	case token.CodeInvalidParameter, token.CodeInvalidKeySize, token.CodeInvalidLength:
		return InvalidArgument
	case token.CodeAccessError:
		return NotPermitted
	case token.CodeInvalidAsset:
		return InvalidHandle
	case token.CodeInvalidState:
		return BadState
	case token.CodeFull:
		return InsufficientStorage
	case token.CodeVerifyError:
		return InvalidSignature
	case token.CodeUnwrapError, token.CodeAssetChecksum:
		return DataCorrupt
	case token.CodeTRNGShutdown, token.CodeDRBGStuck:
		return InsufficientEntropy
	}
	return HardwareFailure
}

func adapterStatus(s vex.Status) Status {
	switch s {
	case vex.Unsupported:
		return NotSupported
	case vex.OperationNotAllowed:
		return NotPermitted
	case vex.BadArgument, vex.InvalidLength:
		return InvalidArgument
	case vex.NoMemory:
		return InsufficientMemory
	case vex.PowerStateError:
		return BadState
	case vex.NotConnected, vex.NoIdentity, vex.NoMailbox, vex.MailboxInUse, vex.LockTimeout:
		return CommunicationFailure
	}
	return HardwareFailure
}

var storageStatus = []struct {
	err    error
	status Status
}{
	{its.ErrAlreadyExists, AlreadyExists},
	{its.ErrDoesNotExist, DoesNotExist},
	{its.ErrInsufficientMemory, InsufficientMemory},
	{its.ErrInsufficientStorage, InsufficientStorage},
	{its.ErrNotPermitted, NotPermitted},
	{its.ErrInvalidArgument, InvalidArgument},
	{its.ErrStorageFailure, StorageFailure},
}
