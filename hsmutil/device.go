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
	"fmt"
	"os"
)

// ErrNotDevice is returned when the given path exists but is not a device
// node.
var ErrNotDevice = errors.New("not a device file")

// OpenDevice opens the character device at path for reading and writing.
func OpenDevice(path string) (*os.File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return nil, fmt.Errorf("%w: %s has mode %s", ErrNotDevice, path, fi.Mode().String())
	}

	return os.OpenFile(path, os.O_RDWR, 0600)
}
