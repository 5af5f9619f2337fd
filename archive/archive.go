////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package archive stores snapshot blobs in a content-addressed archive. Blob
// IDs are CIDv1 strings derived from the content, so a fetched blob can be
// checked against its ID without trusting the archive.
package archive

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

var (
	// ErrArchiveUploadFailed is returned when a blob could not be stored.
	ErrArchiveUploadFailed = errors.New("archive upload failed")

	// ErrArchiveFetchFailed is returned when a blob could not be fetched or
	// did not match its ID.
	ErrArchiveFetchFailed = errors.New("archive fetch failed")
)

// Client is a content-addressed archive.
type Client interface {
	// Put stores the data and returns its ID.
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the data with the ID.
	Get(ctx context.Context, id string) ([]byte, error)
}

// ComputeID returns the CIDv1 (raw codec, sha2-256) of the data.
func ComputeID(data []byte) (string, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash data")
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// Verify checks that the data matches the ID.
func Verify(id string, data []byte) error {
	c, err := cid.Decode(id)
	if err != nil {
		return errors.Wrapf(err, "invalid archive id %q", id)
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return errors.Wrapf(err, "failed to hash data for %s", id)
	}
	if !sum.Equals(c) {
		return errors.Errorf("content does not match %s", id)
	}
	return nil
}
