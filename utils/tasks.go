////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// defaultTaskTimeout bounds every detached task so a hung network call cannot
// leak a goroutine forever.
const defaultTaskTimeout = 2 * time.Minute

// Tasks runs detached background tasks. The result of each task is logged and
// then dropped; nothing is returned to the caller that scheduled it.
type Tasks struct {
	name    string
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewTasks returns a task group. The name prefixes every log line.
func NewTasks(name string) *Tasks {
	return &Tasks{name: name, timeout: defaultTaskTimeout}
}

// Go starts fn in a new goroutine with its own context.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		jww.TRACE.Printf("[%s] Starting background task %s", t.name, name)
		if err := fn(ctx); err != nil {
			jww.WARN.Printf("[%s] Background task %s failed: %+v",
				t.name, name, err)
			return
		}
		jww.TRACE.Printf("[%s] Background task %s done", t.name, name)
	}()
}

// Wait blocks until every task started so far has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// Liveness is set while a component is mounted. Results of awaited calls must
// be discarded once it is cleared.
type Liveness struct {
	dead atomic.Bool
}

// Alive reports whether the component is still mounted.
func (l *Liveness) Alive() bool { return !l.dead.Load() }

// Kill marks the component unmounted. It cannot be revived.
func (l *Liveness) Kill() { l.dead.Store(true) }
