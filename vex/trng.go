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
	"fmt"

	"github.com/eip130/go-hsm/token"
)

// RandomNumber fills out with output of the DRBG.
func (a *Adapter) RandomNumber(out []byte) error {
	if len(out) == 0 || len(out) > token.RandomMaxSize {
		return fmt.Errorf("%w: %d random bytes", BadArgument, len(out))
	}
	x, err := a.begin()
	if err != nil {
		return err
	}
	bus, _, err := x.output(out)
	if err != nil {
		return err
	}
	var cmd token.Command
	token.RandomNumber{Length: uint16(len(out)), Output: uint64(bus)}.Encode(&cmd)
	_, err = x.run(&cmd, token.RandomCode)
	return err
}

// RandomRaw fills out with raw noise source samples, released by key. The
// length of out must be a multiple of 256 bytes.
func (a *Adapter) RandomRaw(out []byte, key uint16) error {
	if key == 0 || len(out)%256 != 0 || len(out) == 0 || len(out) > token.RandomMaxSize {
		return fmt.Errorf("%w: %d raw random bytes", InvalidLength, len(out))
	}
	x, err := a.begin()
	if err != nil {
		return err
	}
	// The noise source dump does not write the token ID.
	bus, _, err := x.untaggedOutput(out)
	if err != nil {
		return err
	}
	var cmd token.Command
	token.RandomNumber{Length: uint16(len(out) / 256), Output: uint64(bus), RawKey: key}.Encode(&cmd)
	_, err = x.run(&cmd, token.RandomCode)
	return err
}

// ConfigureTRNG configures the noise source and starts it.
func (a *Adapter) ConfigureTRNG(cfg token.TRNGConfig) error {
	return a.simple(cfg)
}

// Reseed reseeds the DRBG from the noise source.
func (a *Adapter) Reseed() error {
	return a.simple(token.ReseedNow{})
}

// simple runs a token without data buffers.
func (a *Adapter) simple(e token.Encoder) error {
	_, err := a.system(e)
	return err
}
