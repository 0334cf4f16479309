//go:build linux || darwin

// Copyright (c) 2018, Google LLC All rights reserved.
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

package hsmutil

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// PollNoTimeout makes Poll block until the descriptor is ready.
const PollNoTimeout time.Duration = -1

// ErrPollTimeout is returned by Poll when nothing became readable in time.
var ErrPollTimeout = errors.New("poll timed out")

// Poll blocks until the file descriptor is ready for reading, the timeout
// expires or an error occurs.
func Poll(f *os.File, timeout time.Duration) error {
	const events = 0x001 // POLLIN

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	pollFds := []unix.PollFd{
		{Fd: int32(f.Fd()), Events: events},
	}
	for {
		n, err := unix.Poll(pollFds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPollTimeout
		}
		if pollFds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return errors.New("poll: descriptor error")
		}
		return nil
	}
}
