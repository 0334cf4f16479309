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
	"crypto/ecdh"
	"crypto/rand"

	"github.com/eip130/go-hsm/token"
)

// curve returns the curve of a public key token by its modulus size.
func curve(nwords uint8) (ecdh.Curve, int, bool) {
	switch nwords {
	case token.Words(256):
		return ecdh.P256(), 256, true
	case token.Words(384):
		return ecdh.P384(), 384, true
	case token.Words(521):
		return ecdh.P521(), 521, true
	}
	return nil, 0, false
}

// privateKey decodes a private key asset in big integer format.
func privateKey(c ecdh.Curve, bits int, data []byte) (*ecdh.PrivateKey, token.Code) {
	v, _, err := token.ParseBigInt(data)
	if err != nil || v.Bits != bits {
		return nil, token.CodeInvalidLength
	}
	n := (bits + 7) / 8
	k, err := c.NewPrivateKey(v.Value[len(v.Value)-n:])
	if err != nil {
		return nil, token.CodeInvalidParameter
	}
	return k, token.CodeSuccess
}

func encodePrivateKey(k *ecdh.PrivateKey, bits int) []byte {
	return token.AppendBigInt(nil, token.BigInt{Bits: bits, Items: 1, Value: k.Bytes()})
}

// encodePublicKey converts an uncompressed point into the device format.
func encodePublicKey(k *ecdh.PublicKey, bits int) []byte {
	p := k.Bytes()[1:]
	return token.AppendPoint(nil, bits, p[:len(p)/2], p[len(p)/2:])
}

func publicKey(c ecdh.Curve, bits int, data []byte) (*ecdh.PublicKey, token.Code) {
	x, y, b, err := token.ParsePoint(data)
	if err != nil || b != bits {
		return nil, token.CodeInvalidLength
	}
	n := (bits + 7) / 8
	p := make([]byte, 0, 1+2*n)
	p = append(p, 4)
	p = append(p, x[len(x)-n:]...)
	p = append(p, y[len(y)-n:]...)
	k, err := c.NewPublicKey(p)
	if err != nil {
		return nil, token.CodeVerifyError
	}
	return k, token.CodeSuccess
}

// store loads data into asset id, which must have been created with room
// for it.
func (f *firmware) store(id token.AssetID, data []byte) token.Code {
	a, ok := f.assets[id]
	if !ok {
		return token.CodeInvalidAsset
	}
	if a.static || (a.data != nil && a.policy.Has(token.PolicyNonModifiable)) {
		return token.CodeAccessError
	}
	if a.size != len(data) {
		return token.CodeInvalidLength
	}
	a.data = data
	return token.CodeSuccess
}

func (f *firmware) pkAsset(r *request) token.Code {
	p := token.DecodePKAsset(r.cmd)
	c, bits, ok := curve(p.Nwords)
	if !ok {
		return token.CodeInvalidParameter
	}
	if p.ParamAsset != 0 {
		if _, code := f.loaded(p.ParamAsset); code != token.CodeSuccess {
			return code
		}
	}
	switch p.Command {
	case token.PKECGenKeyPair:
		return f.genKeyPair(r, p, c, bits)
	case token.PKECGenPublicKey:
		priv, code := f.loadPrivate(p.KeyAsset, c, bits)
		if code != token.CodeSuccess {
			return code
		}
		return f.emitPublic(r, p, priv.PublicKey(), bits)
	case token.PKECKeyCheck:
		return f.keyCheck(p, c, bits)
	}
	return token.CodeInvalidParameter
}

func (f *firmware) loadPrivate(id token.AssetID, c ecdh.Curve, bits int) (*ecdh.PrivateKey, token.Code) {
	data, code := f.loaded(id)
	if code != token.CodeSuccess {
		return nil, code
	}
	return privateKey(c, bits, data)
}

// emitPublic stores the public key in the IO asset and writes it to the
// output buffer, as far as the token asks for either.
func (f *firmware) emitPublic(r *request, p token.PKAsset, pub *ecdh.PublicKey, bits int) token.Code {
	enc := encodePublicKey(pub, bits)
	if p.IOAsset != 0 {
		if code := f.store(p.IOAsset, enc); code != token.CodeSuccess {
			return code
		}
	}
	if p.Output != 0 {
		if int(p.OutputLength) < len(enc) {
			return token.CodeInvalidLength
		}
		return r.output(p.Output, enc)
	}
	return token.CodeSuccess
}

func (f *firmware) genKeyPair(r *request, p token.PKAsset, c ecdh.Curve, bits int) token.Code {
	priv, err := c.GenerateKey(rand.Reader)
	if err != nil {
		return token.CodeDRBGStuck
	}
	enc := encodePrivateKey(priv, bits)
	if p.KEKAsset != 0 {
		if len(p.AAD) < MinBlobAAD {
			return token.CodeInvalidLength
		}
		if int(p.InputLength) < len(enc)+BlobOverhead {
			return token.CodeInvalidLength
		}
		kek, code := f.loaded(p.KEKAsset)
		if code != token.CodeSuccess {
			return code
		}
		blob, err := wrapBlob(kek, p.AAD, enc)
		if err != nil {
			return token.CodeInvalidKeySize
		}
		if code := r.output(p.Input, blob); code != token.CodeSuccess {
			return code
		}
	}
	if code := f.store(p.KeyAsset, enc); code != token.CodeSuccess {
		return code
	}
	return f.emitPublic(r, p, priv.PublicKey(), bits)
}

func (f *firmware) keyCheck(p token.PKAsset, c ecdh.Curve, bits int) token.Code {
	var priv *ecdh.PrivateKey
	if p.KeyAsset != 0 {
		k, code := f.loadPrivate(p.KeyAsset, c, bits)
		if code != token.CodeSuccess {
			return code
		}
		priv = k
	}
	if p.IOAsset != 0 {
		data, code := f.loaded(p.IOAsset)
		if code != token.CodeSuccess {
			return code
		}
		pub, code := publicKey(c, bits, data)
		if code != token.CodeSuccess {
			return code
		}
		if priv != nil && !priv.PublicKey().Equal(pub) {
			return token.CodeVerifyError
		}
	}
	return token.CodeSuccess
}
