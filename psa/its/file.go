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

package its

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record field numbers.
const (
	fieldUID   protowire.Number = 1
	fieldFlags protowire.Number = 2
	fieldData  protowire.Number = 3
)

// File is a Store kept in memory and written through to a file. Every
// successful Set or Remove rewrites the file; a failed write leaves both
// the file and the in-memory table as they were.
//
// The file is a sequence of length-delimited records, each holding the
// uid, flags and data of one entry in protobuf wire format.
type File struct {
	*Memory
	path string
}

// OpenFile opens the store kept at path, creating an empty store if the
// file does not exist.
func OpenFile(path string, opts Options) (*File, error) {
	f := &File{Memory: NewMemory(opts), path: path}
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := f.decode(buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageFailure, path, err)
	}
	glog.V(1).Infof("its: loaded %d entries from %s", f.Len(), path)
	return f, nil
}

// Path returns the name of the backing file.
func (f *File) Path() string {
	return f.path
}

// Set implements Store.
func (f *File) Set(uid uint64, data []byte, flags Flags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.set(uid, data, flags)
	if err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		f.entries[i] = entry{}
		return err
	}
	return nil
}

// Remove implements Store.
func (f *File) Remove(uid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, err := f.remove(uid)
	if err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		f.entries[f.find(0)] = old
		return err
	}
	return nil
}

func (f *File) decode(buf []byte) error {
	for len(buf) > 0 {
		rec, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		var e entry
		for len(rec) > 0 {
			num, typ, n := protowire.ConsumeTag(rec)
			if n < 0 {
				return protowire.ParseError(n)
			}
			rec = rec[n:]
			switch {
			case num == fieldUID && typ == protowire.VarintType:
				e.uid, n = protowire.ConsumeVarint(rec)
			case num == fieldFlags && typ == protowire.VarintType:
				var v uint64
				v, n = protowire.ConsumeVarint(rec)
				e.flags = Flags(v)
			case num == fieldData && typ == protowire.BytesType:
				var v []byte
				v, n = protowire.ConsumeBytes(rec)
				e.data = v
			default:
				n = protowire.ConsumeFieldValue(num, typ, rec)
			}
			if n < 0 {
				return protowire.ParseError(n)
			}
			rec = rec[n:]
		}
		if _, err := f.set(e.uid, e.data, e.flags); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) encode() []byte {
	var out, rec []byte
	for _, e := range f.entries {
		if e.uid == 0 {
			continue
		}
		rec = rec[:0]
		rec = protowire.AppendTag(rec, fieldUID, protowire.VarintType)
		rec = protowire.AppendVarint(rec, e.uid)
		rec = protowire.AppendTag(rec, fieldFlags, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(e.flags))
		rec = protowire.AppendTag(rec, fieldData, protowire.BytesType)
		rec = protowire.AppendBytes(rec, e.data)
		out = protowire.AppendBytes(out, rec)
	}
	return out
}

// flush replaces the backing file with the current table. f.mu must be
// held.
func (f *File) flush() error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(f.encode()); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}
