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

// Package its is the internal trusted storage used for persistent keys: a
// small table of entries keyed by a 64-bit UID.
//
// Writes are all or nothing. An entry is created once and never updated in
// place; it must be removed before it can be written again.
package its

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyExists is returned by Set for a UID that is in use.
	ErrAlreadyExists = errors.New("entry already exists")
	// ErrDoesNotExist is returned for a UID that is not in use.
	ErrDoesNotExist = errors.New("entry does not exist")
	// ErrInsufficientMemory is returned by Set for data larger than an
	// entry can hold.
	ErrInsufficientMemory = errors.New("data too large for an entry")
	// ErrInsufficientStorage is returned by Set when every entry is in use.
	ErrInsufficientStorage = errors.New("no free entry")
	// ErrNotPermitted is returned by Remove for a write-once entry.
	ErrNotPermitted = errors.New("entry is write-once")
	// ErrInvalidArgument is returned for UID 0 and offsets past the data.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStorageFailure is returned when the backing store fails.
	ErrStorageFailure = errors.New("storage failure")
)

// Flags are the creation flags of an entry.
type Flags uint32

// FlagWriteOnce makes an entry permanent: it can no longer be removed.
const FlagWriteOnce Flags = 1

// Info describes an entry.
type Info struct {
	Size  int
	Flags Flags
}

// Store is an internal trusted storage.
type Store interface {
	// Set creates entry uid holding a copy of data.
	Set(uid uint64, data []byte, flags Flags) error
	// Get returns up to length bytes of entry uid, starting at offset.
	Get(uid uint64, offset, length int) ([]byte, error)
	// GetInfo describes entry uid.
	GetInfo(uid uint64) (Info, error)
	// Remove deletes entry uid.
	Remove(uid uint64) error
}

// Default table dimensions.
const (
	DefaultEntries   = 10
	DefaultEntrySize = 1024
)

// Options size a store. Zero fields take the defaults.
type Options struct {
	Entries   int
	EntrySize int
}

func (o Options) withDefaults() Options {
	if o.Entries <= 0 {
		o.Entries = DefaultEntries
	}
	if o.EntrySize <= 0 {
		o.EntrySize = DefaultEntrySize
	}
	return o
}

type entry struct {
	uid   uint64
	flags Flags
	data  []byte
}

// Memory is a Store held in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	opts    Options
	entries []entry // uid 0 marks a free entry
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{opts: opts, entries: make([]entry, opts.Entries)}
}

// find returns the index of uid, or -1. m.mu must be held.
func (m *Memory) find(uid uint64) int {
	for i := range m.entries {
		if m.entries[i].uid == uid {
			return i
		}
	}
	return -1
}

func (m *Memory) lookup(uid uint64) (*entry, error) {
	if uid == 0 {
		return nil, fmt.Errorf("%w: uid 0", ErrInvalidArgument)
	}
	i := m.find(uid)
	if i < 0 {
		return nil, fmt.Errorf("%w: uid %#x", ErrDoesNotExist, uid)
	}
	return &m.entries[i], nil
}

// Set implements Store.
func (m *Memory) Set(uid uint64, data []byte, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.set(uid, data, flags)
	return err
}

// set stores data and returns the index of the new entry. m.mu must be
// held.
func (m *Memory) set(uid uint64, data []byte, flags Flags) (int, error) {
	if uid == 0 {
		return -1, fmt.Errorf("%w: uid 0", ErrInvalidArgument)
	}
	if m.find(uid) >= 0 {
		return -1, fmt.Errorf("%w: uid %#x", ErrAlreadyExists, uid)
	}
	if len(data) > m.opts.EntrySize {
		return -1, fmt.Errorf("%w: %d bytes, entries hold %d", ErrInsufficientMemory, len(data), m.opts.EntrySize)
	}
	i := m.find(0)
	if i < 0 {
		return -1, fmt.Errorf("%w: %d entries in use", ErrInsufficientStorage, len(m.entries))
	}
	m.entries[i] = entry{uid: uid, flags: flags, data: append([]byte{}, data...)}
	return i, nil
}

// Get implements Store.
func (m *Memory) Get(uid uint64, offset, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(uid)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset > len(e.data) {
		return nil, fmt.Errorf("%w: offset %d of %d bytes", ErrInvalidArgument, offset, len(e.data))
	}
	end := len(e.data)
	if length < end-offset {
		end = offset + length
	}
	return append([]byte{}, e.data[offset:end]...), nil
}

// GetInfo implements Store.
func (m *Memory) GetInfo(uid uint64) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(uid)
	if err != nil {
		return Info{}, err
	}
	return Info{Size: len(e.data), Flags: e.flags}, nil
}

// Remove implements Store.
func (m *Memory) Remove(uid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.remove(uid)
	return err
}

// remove frees the entry of uid and returns what it held. m.mu must be
// held.
func (m *Memory) remove(uid uint64) (entry, error) {
	e, err := m.lookup(uid)
	if err != nil {
		return entry{}, err
	}
	if e.flags&FlagWriteOnce != 0 {
		return entry{}, fmt.Errorf("%w: uid %#x", ErrNotPermitted, uid)
	}
	old := *e
	*e = entry{}
	return old, nil
}

// Len returns the number of entries in use.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.uid != 0 {
			n++
		}
	}
	return n
}
