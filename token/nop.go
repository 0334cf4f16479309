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

package token

// NOP is a data copy through the DMA engine: the firmware reads Length bytes
// from Input and writes them to Output.
type NOP struct {
	Input  uint64
	Output uint64
	Length uint32
}

// Encode implements Encoder.
func (n NOP) Encode(c *Command) {
	c[0] = uint32(OpcodeNOP)
	c[2] = n.Length
	c.setAddress(3, n.Input)
	c[5] = n.Length
	c.setAddress(6, n.Output)
	c[8] = n.Length
}

// DecodeNOP recovers the NOP parameters from a command token.
func DecodeNOP(c *Command) NOP {
	return NOP{
		Input:  c.Address(3),
		Output: c.Address(6),
		Length: c[2],
	}
}
