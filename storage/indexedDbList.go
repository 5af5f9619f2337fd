////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build js && wasm

package storage

import (
	"encoding/json"
	"sort"

	"github.com/hack-pad/go-indexeddb/idb"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/wasm-utils/storage"
)

// databasesKey is the localStorage key of the names of every IndexedDB
// database opened by the engine. IndexedDB cannot list databases in every
// browser, so PurgeIndexedDbs relies on it.
const databasesKey = "web3chatDatabases"

// ListDatabases returns the names of the recorded databases in order.
func ListDatabases() ([]string, error) {
	data, err := storage.GetLocalStorage().Get(databasesKey)
	if IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "localStorage: failed to get %q",
			databasesKey)
	}

	var names []string
	if err = json.Unmarshal(data, &names); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal database list")
	}
	return names, nil
}

// RegisterDatabase records the database name so it can be purged later.
func RegisterDatabase(name string) error {
	names, err := ListDatabases()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(names, name)
	if i < len(names) && names[i] == name {
		return nil
	}
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name

	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	if err = storage.GetLocalStorage().Set(databasesKey, data); err != nil {
		return errors.Wrapf(err, "localStorage: failed to set %q", databasesKey)
	}
	return nil
}

// PurgeIndexedDbs deletes every recorded database and forgets the list. Every
// IndexedDbStore must be closed first or the deletion stays blocked.
func PurgeIndexedDbs() error {
	names, err := ListDatabases()
	if err != nil {
		return err
	}

	for _, name := range names {
		req, err := idb.Global().DeleteDatabase(name)
		if err != nil {
			return errors.Wrapf(err, "failed to delete database %q", name)
		}
		ctx, cancel := newContext()
		err = req.Await(ctx)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "failed to delete database %q", name)
		}
		jww.INFO.Printf("[STORE] Deleted IndexedDb database %s", name)
	}

	if err = storage.GetLocalStorage().Set(databasesKey, []byte("[]")); err != nil {
		return errors.Wrapf(err, "localStorage: failed to reset %q", databasesKey)
	}
	return nil
}
