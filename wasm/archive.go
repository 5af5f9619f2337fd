////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package wasm

import (
	"context"
	"syscall/js"

	"github.com/pkg/errors"

	"gitlab.com/elixxir/wasm-utils/utils"

	"gitlab.com/kinship/web3chat/archive"
)

// jsArchive adapts a Javascript content-addressed store (for example an IPFS
// pinning client) to archive.Client. The object must have the methods:
//
//	put(data: Uint8Array): Promise<string>
//	get(cid: string): Promise<Uint8Array>
type jsArchive struct {
	put func(args ...any) js.Value
	get func(args ...any) js.Value
}

func newJsArchive(obj js.Value) *jsArchive {
	return &jsArchive{
		put: utils.WrapCB(obj, "put"),
		get: utils.WrapCB(obj, "get"),
	}
}

// Put stores the data and returns the CID reported by Javascript. The CID
// must match the content.
func (a *jsArchive) Put(ctx context.Context, data []byte) (string, error) {
	v, err := await(ctx, a.put(utils.CopyBytesToJS(data)))
	if err != nil {
		return "", errors.WithMessage(archive.ErrArchiveUploadFailed, err.Error())
	}
	id := v.String()
	if err = archive.Verify(id, data); err != nil {
		return "", errors.WithMessagef(archive.ErrArchiveUploadFailed,
			"store returned %s: %v", id, err)
	}
	return id, nil
}

// Get returns the data with the CID.
func (a *jsArchive) Get(ctx context.Context, id string) ([]byte, error) {
	v, err := await(ctx, a.get(id))
	if err != nil {
		return nil, errors.WithMessagef(archive.ErrArchiveFetchFailed,
			"%s: %v", id, err)
	}
	data := utils.CopyBytesToGo(v)
	if err = archive.Verify(id, data); err != nil {
		return nil, errors.WithMessage(archive.ErrArchiveFetchFailed, err.Error())
	}
	return data, nil
}
