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

package config

import (
	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/mailbox"
	"github.com/eip130/go-hsm/mailbox/uio"
)

func openUIO(path string) (mailbox.DeviceCloser, error) {
	d, err := uio.Open(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openUDMABuf(name string) (udmaBuf, error) {
	m, err := dmares.OpenUDMABuf(name)
	if err != nil {
		return nil, err
	}
	return m, nil
}
