////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package archive

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryArchive is an in-memory Client.
type MemoryArchive struct {
	blobs    map[string][]byte
	failPuts bool
	failGets bool
	puts     int
	mux      sync.Mutex
}

// NewMemoryArchive returns an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{blobs: make(map[string][]byte)}
}

// SetFailures makes every Put or Get fail.
func (ma *MemoryArchive) SetFailures(puts, gets bool) {
	ma.mux.Lock()
	defer ma.mux.Unlock()
	ma.failPuts, ma.failGets = puts, gets
}

// Puts returns the number of successful calls to Put.
func (ma *MemoryArchive) Puts() int {
	ma.mux.Lock()
	defer ma.mux.Unlock()
	return ma.puts
}

// Put stores a copy of the data.
func (ma *MemoryArchive) Put(_ context.Context, data []byte) (string, error) {
	ma.mux.Lock()
	defer ma.mux.Unlock()
	if ma.failPuts {
		return "", errors.WithMessage(ErrArchiveUploadFailed, "archive offline")
	}
	id, err := ComputeID(data)
	if err != nil {
		return "", errors.WithMessage(ErrArchiveUploadFailed, err.Error())
	}
	ma.blobs[id] = append([]byte(nil), data...)
	ma.puts++
	return id, nil
}

// Get returns a copy of the data with the ID after checking it against the
// ID.
func (ma *MemoryArchive) Get(_ context.Context, id string) ([]byte, error) {
	ma.mux.Lock()
	defer ma.mux.Unlock()
	if ma.failGets {
		return nil, errors.WithMessage(ErrArchiveFetchFailed, "archive offline")
	}
	data, exists := ma.blobs[id]
	if !exists {
		return nil, errors.WithMessagef(ErrArchiveFetchFailed, "no blob %s", id)
	}
	if err := Verify(id, data); err != nil {
		return nil, errors.WithMessage(ErrArchiveFetchFailed, err.Error())
	}
	return append([]byte(nil), data...), nil
}

// Corrupt replaces the stored content of the ID, for tests of verification.
func (ma *MemoryArchive) Corrupt(id string, data []byte) {
	ma.mux.Lock()
	defer ma.mux.Unlock()
	ma.blobs[id] = append([]byte(nil), data...)
}
