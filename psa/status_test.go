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
	"testing"

	"github.com/eip130/go-hsm/psa/its"
	"github.com/eip130/go-hsm/token"
	"github.com/eip130/go-hsm/vex"
)

func TestStatusOf(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want Status
	}{
		{nil, Success},
		{BadState, BadState},
		{fmt.Errorf("%w: key 1", AlreadyExists), AlreadyExists},
		{token.ResultError{Code: token.CodeInvalidLength}, InvalidArgument},
		{fmt.Errorf("asset load: %w", token.ResultError{Code: token.CodeUnwrapError}), DataCorrupt},
		{token.ResultError{Code: token.CodeFull}, InsufficientStorage},
		{token.ResultError{Code: token.CodeAccessError}, NotPermitted},
		{token.ResultError{Code: token.CodeInvalidAsset}, InvalidHandle},
		{token.ResultError{Code: token.CodeVerifyError}, InvalidSignature},
		{token.ResultError{Code: token.CodeDRBGStuck}, InsufficientEntropy},
		{token.ResultError{Code: token.CodePanic}, HardwareFailure},
		{fmt.Errorf("%w: no key", vex.BadArgument), InvalidArgument},
		{vex.Unsupported, NotSupported},
		{vex.NoMemory, InsufficientMemory},
		{fmt.Errorf("%w: link", vex.MailboxInUse), CommunicationFailure},
		{vex.ResponseTimeout, HardwareFailure},
		{fmt.Errorf("get: %w", its.ErrDoesNotExist), DoesNotExist},
		{its.ErrInsufficientStorage, InsufficientStorage},
		{its.ErrStorageFailure, StorageFailure},
		{errors.New("boom"), GenericError},
	} {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWrap(t *testing.T) {
	if err := wrap(nil); err != nil {
		t.Errorf("wrap(nil) = %v, want nil", err)
	}
	err := wrap(token.ResultError{Code: token.CodeFull})
	if !errors.Is(err, InsufficientStorage) {
		t.Errorf("wrap(full) = %v, want it to match %v", err, InsufficientStorage)
	}
	if _, ok := vex.ResultCode(err); !ok {
		t.Errorf("wrap(full) = %v lost the result code", err)
	}
	in := fmt.Errorf("%w: slot", BadState)
	if got := wrap(in); got != in {
		t.Errorf("wrap(%v) = %v, want it unchanged", in, got)
	}
}

func TestStatusString(t *testing.T) {
	if got, want := InvalidHandle.Error(), "PSA_ERROR_INVALID_HANDLE"; got != want {
		t.Errorf("InvalidHandle.Error() = %q, want %q", got, want)
	}
	if got, want := Status(-99).String(), "PSA status -99"; got != want {
		t.Errorf("Status(-99).String() = %q, want %q", got, want)
	}
}
