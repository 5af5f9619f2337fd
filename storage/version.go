////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SEMVER is the current semantic version of the messaging engine.
const SEMVER = "0.1.0"

const semverKey = "engineSemanticVersion"

// CheckAndStoreVersion checks that the stored engine version matches the
// current version and, if not, upgrades it. The previously stored version is
// kept in memory and can be read with GetOldSemVersion.
//
// On first load, only the current version is stored.
func CheckAndStoreVersion(ctx context.Context, kv KeyValueStore) error {
	return checkAndStoreVersion(ctx, SEMVER, kv)
}

func checkAndStoreVersion(
	ctx context.Context, currentVer string, kv KeyValueStore) error {
	storedVer, err := initOrLoadStoredSemver(ctx, semverKey, currentVer, kv)
	if err != nil {
		return err
	}

	setOldSemVersion(storedVer)

	if storedVer != currentVer {
		jww.INFO.Printf("[STORE] Engine out of date; upgrading version: v%s → v%s",
			storedVer, currentVer)
	} else {
		jww.INFO.Printf("[STORE] Engine version is current: v%s", storedVer)
	}

	// Upgrade path code goes here

	err = kv.Set(ctx, MetaNamespace, semverKey, []byte(currentVer))
	return errors.Wrapf(err, "failed to set %q", semverKey)
}

// initOrLoadStoredSemver returns the semantic version stored at the key. If
// no version is stored, then the current version is stored and returned.
func initOrLoadStoredSemver(ctx context.Context,
	key, currentVersion string, kv KeyValueStore) (string, error) {
	storedVersion, err := kv.Get(ctx, MetaNamespace, key)
	if err != nil {
		if IsNotExist(err) {
			jww.INFO.Printf("[STORE] Initialising %s to v%s", key, currentVersion)
			err = kv.Set(ctx, MetaNamespace, key, []byte(currentVersion))
			if err != nil {
				return "", errors.Wrapf(err, "failed to set %q", key)
			}
			return currentVersion, nil
		}
		return "", errors.Errorf(
			"could not load %s from storage: %+v", key, err)
	}

	return string(storedVersion), nil
}

// oldVersion is the engine version stored before being overwritten on update.
var oldVersion struct {
	v string
	sync.Mutex
}

// GetOldSemVersion returns the engine version found in storage at startup.
func GetOldSemVersion() string {
	oldVersion.Lock()
	defer oldVersion.Unlock()
	return oldVersion.v
}

func setOldSemVersion(v string) {
	oldVersion.Lock()
	defer oldVersion.Unlock()
	oldVersion.v = v
}
