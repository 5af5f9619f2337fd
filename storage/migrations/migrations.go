////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package migrations embeds the SQLite schema migrations for the native
// key-value store.
package migrations

import "embed"

// FS contains every goose migration file.
//
//go:embed *.sql
var FS embed.FS
