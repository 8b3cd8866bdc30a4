// Copyright (C) 2025  Xpra-org authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package filexfer

import (
	"os"
	"time"

	"github.com/jpillora/backoff"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

// Printer is the print backend collaborator. The engine owns the
// polling cadence and the spool file lifecycle, the backend owns the
// actual printing mechanism.
type Printer interface {
	// Printers lists the available printer names.
	Printers() []string

	// PrintFiles enqueues a print job and returns its id.
	PrintFiles(printer string, filenames []string, title string, options typedict.Dict) (int, error)

	// JobFinished reports whether the job has completed.
	JobFinished(job int) bool
}

// printFile hands a downloaded spool file to the print backend, then
// polls for completion and deletes the spool file. Runs on its own
// goroutine: it must never touch the transfer state.
func (h *Handler) printFile(filename string, options typedict.Dict) {
	printer := options.StrGet("printer", "")
	title := options.StrGet("title", "")
	copies := options.IntGet("copies", 1)
	if title != "" {
		log.Infof("sending %q to printer %q", title, printer)
	} else {
		log.Infof("sending to printer %q", printer)
	}

	delfile := func() {
		if !h.cfg.Printing.DeleteSpoolFile {
			return
		}
		if err := os.Remove(filename); err != nil {
			log.Debugf("failed to delete print job file %q: %v", filename, err)
		}
	}

	backend := h.opts.Printer
	if backend == nil {
		log.Errorf("cannot print %q: no print backend", filename)
		delfile()
		return
	}
	if printer == "" {
		log.Errorf("the printer name is missing, printers available: %v", backend.Printers())
		delfile()
		return
	}
	found := false
	for _, p := range backend.Printers() {
		if p == printer {
			found = true
			break
		}
	}
	if !found {
		log.Errorf("printer %q does not exist, printers available: %v", printer, backend.Printers())
		delfile()
		return
	}
	jobOptions := options.DictGet("options")
	if jobOptions == nil {
		jobOptions = typedict.New()
	}
	jobOptions["copies"] = copies
	job, err := backend.PrintFiles(printer, []string{filename}, title, jobOptions)
	if err != nil {
		log.Errorf("cannot print file %q: %v", filename, err)
		delfile()
		return
	}
	if job <= 0 {
		log.Debugf("printing failed and returned job %d", job)
		delfile()
		return
	}
	log.Debugf("printing %q, job=%d", filename, job)

	// poll for completion, backing off between checks
	deadline := time.Now().Add(h.cfg.Printing.JobTimeout())
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    10 * time.Second,
		Factor: 2,
	}
	for {
		if backend.JobFinished(job) {
			delfile()
			return
		}
		if time.Now().After(deadline) {
			log.Warnf("print job %d timed out", job)
			delfile()
			return
		}
		time.Sleep(b.Duration())
	}
}
