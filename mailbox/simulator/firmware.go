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

package simulator

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/eip130/go-hsm/dmares"
	"github.com/eip130/go-hsm/token"
	"github.com/golang/glog"
)

// asset is one entry of the asset store.
type asset struct {
	policy token.AssetPolicy
	size   int
	data   []byte // nil until loaded
	static bool
}

// firmware models the token processing of the module. It is safe for
// concurrent use by the tokens of several mailboxes.
type firmware struct {
	mu       sync.Mutex
	cfg      Config
	mode     uint8
	sleeping bool
	assets   map[token.AssetID]*asset
	static   map[uint8]token.AssetID
	next     uint32
}

// Dynamic asset IDs are allocated upwards from here.
const firstAssetID = 0x40000000

func (f *firmware) init(cfg Config) {
	f.cfg = cfg
	f.assets = make(map[token.AssetID]*asset)
	f.static = make(map[uint8]token.AssetID)
	f.next = firstAssetID
	for n, a := range cfg.StaticAssets {
		id := token.StaticAssetID(n)
		data := append([]byte(nil), a.Data...)
		f.assets[id] = &asset{policy: a.Policy, size: len(data), data: data, static: true}
		f.static[n] = id
	}
}

func (f *firmware) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dynamicCount()
}

// reset drops every dynamic asset.
func (f *firmware) reset() {
	for id, a := range f.assets {
		if !a.static {
			delete(f.assets, id)
		}
	}
	f.next = firstAssetID
	f.mode = token.ModeActive
	f.sleeping = false
}

func resultWord(id uint16, c token.Code) uint32 {
	v := uint32(id)
	if c < 0 {
		v |= (0x80 | uint32(-c)&0x7F) << 24
	} else {
		v |= uint32(c) << 24
	}
	return v
}

// request is one token in progress.
type request struct {
	bus     Bus
	cmd     *token.Command
	res     *token.Result
	id      uint16
	writeID bool
}

// output writes data to the output stream at addr. When the command asks
// for it, the token ID follows the data, after zero padding to a whole
// word.
func (r *request) output(addr uint64, data []byte) token.Code {
	buf := data
	if r.writeID {
		buf = make([]byte, token.RoundUp4(len(data))+token.TokenIDSize)
		copy(buf, data)
		binary.LittleEndian.PutUint32(buf[token.RoundUp4(len(data)):], uint32(r.id))
	}
	if err := r.bus.WriteBus(dmares.Address(addr), buf); err != nil {
		glog.Warningf("simulator: output DMA to %#x: %v", addr, err)
		return token.CodeInvalidAddress
	}
	return token.CodeSuccess
}

func (r *request) input(addr uint64, n int) ([]byte, token.Code) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, token.CodeSuccess
	}
	if err := r.bus.ReadBus(dmares.Address(addr), buf); err != nil {
		glog.Warningf("simulator: input DMA from %#x: %v", addr, err)
		return nil, token.CodeInvalidAddress
	}
	return buf, token.CodeSuccess
}

// process executes cmd and fills res.
func (f *firmware) process(bus Bus, cmd *token.Command, res *token.Result) {
	id, writeID := cmd.TokenID()
	r := &request{bus: bus, cmd: cmd, res: res, id: id, writeID: writeID}

	f.mu.Lock()
	defer f.mu.Unlock()
	op, sub := cmd.Operation()
	var c token.Code
	switch {
	case f.sleeping && !(op == token.OpcodeSystem && sub == token.SubcodeResumeFromSleep):
		c = token.CodeInvalidState
	case op == token.OpcodeNOP:
		c = f.nop(r)
	case op == token.OpcodeSystem:
		c = f.system(r, sub)
	case op == token.OpcodeTRNG:
		c = f.trng(r, sub)
	case op == token.OpcodeAssetManagement:
		c = f.assetManagement(r, sub)
	case op == token.OpcodePublicKey && sub == token.SubcodePKWithAssets:
		c = f.pkAsset(r)
	default:
		c = token.CodeInvalidToken
	}
	res[0] = resultWord(id, c)
	if glog.V(2) {
		glog.Infof("simulator: %v/%d token %04x result %d", op, uint32(sub)>>28, id, c)
	}
}

func (f *firmware) nop(r *request) token.Code {
	n := token.DecodeNOP(r.cmd)
	data, c := r.input(n.Input, int(n.Length))
	if c != token.CodeSuccess {
		return c
	}
	return r.output(n.Output, data)
}

func (f *firmware) system(r *request, sub token.Subcode) token.Code {
	switch sub {
	case token.SubcodeSystemInfo:
		identity := r.cmd[1]
		token.WriteSystemInfo(r.res, token.SystemInfo{
			Firmware:      f.cfg.Firmware,
			Hardware:      f.cfg.Hardware,
			MemorySize:    uint16(f.cfg.AssetStoreSize),
			HostID:        f.cfg.HostID,
			Identity:      identity,
			NonSecure:     !f.cfg.Secure,
			CryptoOfficer: f.cfg.CryptoOfficer != 0 && identity == f.cfg.CryptoOfficer,
			Mode:          f.mode,
		})
	case token.SubcodeSelfTest:
		f.mode = token.ModeActive
	case token.SubcodeReset:
		f.reset()
	case token.SubcodeLogin:
		if f.cfg.NoLogin {
			return token.CodeInvalidToken
		}
		f.mode = token.ModeLoggedIn
	case token.SubcodeSleep:
		f.sleeping = true
	case token.SubcodeResumeFromSleep:
		if !f.sleeping {
			return token.CodeInvalidState
		}
		f.sleeping = false
	default:
		return token.CodeInvalidToken
	}
	return token.CodeSuccess
}

func (f *firmware) trng(r *request, sub token.Subcode) token.Code {
	switch sub {
	case token.SubcodeRandomNumber:
		rn := token.DecodeRandomNumber(r.cmd)
		if rn.Length == 0 || int(rn.Length) > token.RandomMaxSize {
			return token.CodeInvalidLength
		}
		buf := make([]byte, rn.Length)
		if _, err := rand.Read(buf); err != nil {
			return token.CodeDRBGStuck
		}
		return r.output(rn.Output, buf)
	case token.SubcodeTRNGConfig:
		return token.CodeSuccess
	}
	return token.CodeInvalidToken
}
