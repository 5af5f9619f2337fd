////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package utils

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

// Tests that Tasks.Wait returns only after all tasks ran, including failing
// ones.
func TestTasks_Wait(t *testing.T) {
	tasks := NewTasks("TEST")
	var ran atomic.Int32

	for i := 0; i < 10; i++ {
		i := i
		tasks.Go("task", func(context.Context) error {
			ran.Add(1)
			if i%2 == 0 {
				return errors.New("failed")
			}
			return nil
		})
	}
	tasks.Go("nil", nil)
	tasks.Wait()

	if ran.Load() != 10 {
		t.Errorf("Unexpected number of tasks run.\nexpected: %d\nreceived: %d",
			10, ran.Load())
	}
}

// Tests that a task receives a live context.
func TestTasks_Go_Context(t *testing.T) {
	tasks := NewTasks("TEST")
	var ctxErr error
	tasks.Go("ctx", func(ctx context.Context) error {
		ctxErr = ctx.Err()
		return nil
	})
	tasks.Wait()

	if ctxErr != nil {
		t.Errorf("Task context already done: %+v", ctxErr)
	}
}

func TestLiveness(t *testing.T) {
	var l Liveness
	if !l.Alive() {
		t.Fatal("New Liveness should be alive.")
	}
	l.Kill()
	if l.Alive() {
		t.Error("Liveness should not be alive after Kill.")
	}
}
