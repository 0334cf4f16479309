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

//go:build !linux

package config

import (
	"errors"
	"fmt"

	"github.com/eip130/go-hsm/mailbox"
)

var errNotLinux = errors.New("only available on Linux")

func openUIO(path string) (mailbox.DeviceCloser, error) {
	return nil, fmt.Errorf("uio device %s: %w", path, errNotLinux)
}

func openUDMABuf(name string) (udmaBuf, error) {
	return nil, fmt.Errorf("u-dma-buf %s: %w", name, errNotLinux)
}
