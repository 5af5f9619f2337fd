////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package logging

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// listeners is every log destination added on top of stdout (the browser
// console, the log file). jwalterweatherman only accepts the full list, so
// it is re-applied on every change.
var listeners = &registry{}

type registry struct {
	entries []entry
	nextID  uint64
	mux     sync.Mutex
}

type entry struct {
	id uint64
	ll jww.LogListener
}

// AddLogListener registers the log listener with jwalterweatherman. Returns a
// unique ID that can be used to remove the listener.
func AddLogListener(ll jww.LogListener) uint64 {
	listeners.mux.Lock()
	defer listeners.mux.Unlock()

	listeners.nextID++
	listeners.entries = append(listeners.entries,
		entry{id: listeners.nextID, ll: ll})
	listeners.applyUnsafe()
	return listeners.nextID
}

// RemoveLogListener unregisters the log listener with the ID. Unknown IDs are
// ignored.
func RemoveLogListener(id uint64) {
	listeners.mux.Lock()
	defer listeners.mux.Unlock()

	for i, e := range listeners.entries {
		if e.id == id {
			listeners.entries = append(
				listeners.entries[:i], listeners.entries[i+1:]...)
			listeners.applyUnsafe()
			return
		}
	}
}

// applyUnsafe hands the listeners to jwalterweatherman in the order they were
// added.
func (r *registry) applyUnsafe() {
	lls := make([]jww.LogListener, len(r.entries))
	for i, e := range r.entries {
		lls[i] = e.ll
	}
	jww.SetLogListeners(lls...)
}
