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
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/eip130/go-hsm/token"
	"golang.org/x/crypto/hkdf"
)

// Key blobs carry a 16 byte tag ahead of the encrypted key.
const (
	BlobOverhead = 16
	// MinBlobAAD is the smallest associated data accepted for a key blob.
	MinBlobAAD = 33

	maxAssetSize = 0x3FF
)

var errBlobAuth = errors.New("key blob authentication failed")

func blobKeys(kek []byte) (enc, mac []byte, err error) {
	keys := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, kek, []byte("EIP-130 key blob")), keys); err != nil {
		return nil, nil, err
	}
	return keys[:32], keys[32:], nil
}

func blobTag(mac, aad, plain []byte) []byte {
	h := hmac.New(sha256.New, mac)
	h.Write(aad)
	h.Write(plain)
	return h.Sum(nil)[:BlobOverhead]
}

func blobCTR(enc, iv, dst, src []byte) error {
	b, err := aes.NewCipher(enc)
	if err != nil {
		return err
	}
	cipher.NewCTR(b, iv).XORKeyStream(dst, src)
	return nil
}

// wrapBlob protects plain with kek: tag || AES-CTR(plain), with the tag as
// counter block.
func wrapBlob(kek, aad, plain []byte) ([]byte, error) {
	enc, mac, err := blobKeys(kek)
	if err != nil {
		return nil, err
	}
	tag := blobTag(mac, aad, plain)
	blob := make([]byte, BlobOverhead+len(plain))
	copy(blob, tag)
	if err := blobCTR(enc, tag, blob[BlobOverhead:], plain); err != nil {
		return nil, err
	}
	return blob, nil
}

func unwrapBlob(kek, aad, blob []byte) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, errBlobAuth
	}
	enc, mac, err := blobKeys(kek)
	if err != nil {
		return nil, err
	}
	tag := blob[:BlobOverhead]
	plain := make([]byte, len(blob)-BlobOverhead)
	if err := blobCTR(enc, tag, plain, blob[BlobOverhead:]); err != nil {
		return nil, err
	}
	if !hmac.Equal(tag, blobTag(mac, aad, plain)) {
		return nil, errBlobAuth
	}
	return plain, nil
}

func (f *firmware) assetManagement(r *request, sub token.Subcode) token.Code {
	switch sub {
	case token.SubcodeAssetSearch:
		return f.assetSearch(r)
	case token.SubcodeAssetCreate:
		return f.assetCreate(r)
	case token.SubcodeAssetDelete:
		return f.assetDelete(r)
	case token.SubcodeAssetLoad:
		return f.assetLoad(r)
	}
	return token.CodeInvalidToken
}

func (f *firmware) assetSearch(r *request) token.Code {
	s := token.DecodeAssetSearch(r.cmd)
	id, ok := f.static[s.Number]
	if !ok {
		return token.CodeInvalidAsset
	}
	r.res[1] = uint32(id)
	r.res[2] = uint32(f.assets[id].size) & maxAssetSize
	return token.CodeSuccess
}

func (f *firmware) dynamicCount() int {
	n := 0
	for _, a := range f.assets {
		if !a.static {
			n++
		}
	}
	return n
}

func (f *firmware) assetCreate(r *request) token.Code {
	c := token.DecodeAssetCreate(r.cmd)
	if c.Length == 0 {
		return token.CodeInvalidLength
	}
	if f.dynamicCount() >= f.cfg.AssetStoreSize {
		return token.CodeFull
	}
	id := token.AssetID(f.next)
	f.next += 4
	f.assets[id] = &asset{policy: c.Policy, size: int(c.Length)}
	r.res[1] = uint32(id)
	return token.CodeSuccess
}

func (f *firmware) assetDelete(r *request) token.Code {
	d := token.DecodeAssetDelete(r.cmd)
	a, ok := f.assets[d.Asset]
	if !ok {
		return token.CodeInvalidAsset
	}
	if a.static {
		return token.CodeAccessError
	}
	delete(f.assets, d.Asset)
	return token.CodeSuccess
}

// loaded returns the contents of a loaded asset.
func (f *firmware) loaded(id token.AssetID) ([]byte, token.Code) {
	a, ok := f.assets[id]
	if !ok {
		return nil, token.CodeInvalidAsset
	}
	if a.data == nil {
		return nil, token.CodeInvalidState
	}
	return a.data, token.CodeSuccess
}

func (f *firmware) assetLoad(r *request) token.Code {
	l := token.DecodeAssetLoad(r.cmd)
	a, ok := f.assets[l.Asset]
	if !ok {
		return token.CodeInvalidAsset
	}
	if a.static || (a.data != nil && a.policy.Has(token.PolicyNonModifiable)) {
		return token.CodeAccessError
	}

	var (
		data []byte
		c    token.Code
	)
	switch l.Method {
	case token.LoadPlaintext:
		if int(l.InputLength) != a.size {
			return token.CodeInvalidLength
		}
		data, c = r.input(l.Input, a.size)
	case token.LoadRandom:
		data = make([]byte, a.size)
		if _, err := rand.Read(data); err != nil {
			return token.CodeDRBGStuck
		}
	case token.LoadDerive:
		data, c = f.derive(r, l, a.size)
	case token.LoadImport:
		data, c = f.importBlob(r, l, a.size)
	default:
		return token.CodeInvalidParameter
	}
	if c != token.CodeSuccess {
		return c
	}

	if l.Export {
		if c := f.exportBlob(r, l, data); c != token.CodeSuccess {
			return c
		}
	}
	a.data = data
	return token.CodeSuccess
}

func (f *firmware) derive(r *request, l token.AssetLoad, size int) ([]byte, token.Code) {
	kdk, c := f.loaded(l.KeyAsset)
	if c != token.CodeSuccess {
		return nil, c
	}
	salt, c := r.input(l.Input, int(l.InputLength))
	if c != token.CodeSuccess {
		return nil, c
	}
	var kdf io.Reader
	if l.RFC5869 {
		kdf = hkdf.New(sha256.New, kdk, salt, l.AAD)
	} else {
		info := append(append([]byte(nil), l.AAD...), salt...)
		kdf = hkdf.Expand(sha256.New, kdk, info)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(kdf, data); err != nil {
		return nil, token.CodeInvalidLength
	}
	return data, token.CodeSuccess
}

func (f *firmware) importBlob(r *request, l token.AssetLoad, size int) ([]byte, token.Code) {
	if len(l.AAD) < MinBlobAAD {
		return nil, token.CodeInvalidLength
	}
	if int(l.InputLength) != size+BlobOverhead {
		return nil, token.CodeInvalidLength
	}
	kek, c := f.loaded(l.KeyAsset)
	if c != token.CodeSuccess {
		return nil, c
	}
	blob, c := r.input(l.Input, int(l.InputLength))
	if c != token.CodeSuccess {
		return nil, c
	}
	data, err := unwrapBlob(kek, l.AAD, blob)
	if err != nil {
		return nil, token.CodeUnwrapError
	}
	return data, token.CodeSuccess
}

func (f *firmware) exportBlob(r *request, l token.AssetLoad, data []byte) token.Code {
	if len(l.AAD) < MinBlobAAD {
		return token.CodeInvalidLength
	}
	if int(l.OutputLength) < len(data)+BlobOverhead {
		return token.CodeInvalidLength
	}
	kek, c := f.loaded(l.KeyAsset)
	if c != token.CodeSuccess {
		return c
	}
	blob, err := wrapBlob(kek, l.AAD, data)
	if err != nil {
		return token.CodeInvalidKeySize
	}
	if c := r.output(l.Output, blob); c != token.CodeSuccess {
		return c
	}
	r.res[1] = uint32(len(blob)) & maxAssetSize
	return token.CodeSuccess
}
