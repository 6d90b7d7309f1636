// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package throttle runs a bounded number of goroutines and keeps the
// first error reported by any of them.
package throttle

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type Throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

// New returns a Throttle allowing max concurrent workers, or
// GOMAXPROCS workers if max < 1.
func New(max int) *Throttle {
	if max < 1 {
		max = runtime.GOMAXPROCS(0)
	}
	return &Throttle{Max: max}
}

func (t *Throttle) Acquire() {
	t.setupOnce.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.ch = make(chan bool, t.Max)
	})
	t.wg.Add(1)
	t.ch <- true
}

func (t *Throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *Throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *Throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

// Go waits for a free slot, then calls f in a new goroutine. Once any
// f has returned an error, Go skips the remaining work.
func (t *Throttle) Go(f func() error) {
	t.Acquire()
	if t.Err() != nil {
		t.Release()
		return
	}
	go func() {
		defer t.Release()
		t.Report(f())
	}()
}

func (t *Throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
