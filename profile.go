// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package idqc

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	log "github.com/sirupsen/logrus"
)

// writeProfilesPeriodically replaces cpu.prof and mem.prof in outdir
// every interval until done is closed.
func writeProfilesPeriodically(outdir string, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeProfile(outdir, "mem.prof", pprof.WriteHeapProfile)
			writeProfile(outdir, "cpu.prof", sampleCPU)
		}
	}
}

func sampleCPU(w io.Writer) error {
	if err := pprof.StartCPUProfile(w); err != nil {
		return err
	}
	time.Sleep(time.Second)
	pprof.StopCPUProfile()
	return nil
}

// writeProfile writes to a temp file and renames it into place, so
// readers never see a partial profile.
func writeProfile(outdir, name string, write func(io.Writer) error) {
	fnm := filepath.Join(outdir, name)
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		log.Print(err)
		return
	}
	defer f.Close()
	runtime.GC()
	if err := write(f); err != nil {
		log.Print(err)
		return
	}
	if err := f.Close(); err != nil {
		log.Print(err)
		return
	}
	if err := os.Rename(fnm+"~", fnm); err != nil {
		log.Print(err)
	}
}
