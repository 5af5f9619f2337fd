////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Purge deletes every key in every namespace of the store. It is used on
// logout and must only be called once all background work has stopped.
func Purge(ctx context.Context, kv KeyValueStore) error {
	for _, ns := range AllNamespaces {
		keys, err := kv.Keys(ctx, ns)
		if err != nil {
			return errors.WithMessagef(err, "failed to list %s for purge", ns)
		}
		for _, key := range keys {
			if err = kv.Delete(ctx, ns, key); err != nil {
				return errors.WithMessagef(err,
					"failed to purge %s/%s", ns, key)
			}
		}
		jww.DEBUG.Printf("[STORE] Purged %d keys from %s", len(keys), ns)
	}
	return nil
}
