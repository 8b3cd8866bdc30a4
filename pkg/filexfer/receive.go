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
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

// mimetypeExts forces a file extension for types that file managers
// would otherwise not recognize.
var mimetypeExts = map[string]string{
	"application/postscript": "ps",
	"application/pdf":        "pdf",
	"raw":                    "raw",
}

// transferDigest accumulates the advertised checksum of a transfer.
type transferDigest struct {
	name string
	h    hash.Hash
}

// newTransferDigest picks the strongest digest advertised in the
// transfer options. Returns nil if none is advertised.
func newTransferDigest(options typedict.Dict) *transferDigest {
	for _, name := range []string{"sha512", "sha384", "sha256", "sha224", "sha1"} {
		if options.StrGet(name, "") == "" {
			continue
		}
		var h hash.Hash
		switch name {
		case "sha512":
			h = sha512.New()
		case "sha384":
			h = sha512.New384()
		case "sha256":
			h = sha256.New()
		case "sha224":
			h = sha256.New224()
		case "sha1":
			h = sha1.New()
		}
		return &transferDigest{name: name, h: h}
	}
	return nil
}

func (d *transferDigest) verify(filename string, options typedict.Dict) error {
	expected := options.StrGet(d.name, "")
	if expected == "" {
		return nil
	}
	actual := hex.EncodeToString(d.h.Sum(nil))
	if actual != expected {
		log.Errorf("invalid %s digest for %q: received %s, expected %s", d.name, filename, actual, expected)
		return fmt.Errorf("checksum mismatch")
	}
	log.Debugf("%s digest matches: %s", d.name, expected)
	return nil
}

// stripPath removes any leading directories from a filename sent by
// the peer. The peer may use either path separator, so filepath.Base
// alone is not enough.
func stripPath(filename string) string {
	for _, sep := range []string{"\\", "/"} {
		if i := strings.LastIndex(filename, sep); i >= 0 {
			filename = filename[i+1:]
		}
	}
	return filename
}

// safeOpenDownloadFile creates the destination file for a download.
// The file is created exclusively: an existing file of the same name
// is never overwritten, a numeric suffix is appended instead.
func safeOpenDownloadFile(dir, basefilename, mimetype string) (string, *os.File, error) {
	filename := filepath.Join(dir, stripPath(basefilename))
	if ext := mimetypeExts[mimetype]; ext != "" && !strings.HasSuffix(filename, "."+ext) {
		filename += "." + ext
	}
	ext := filepath.Ext(filename)
	root := strings.TrimSuffix(filename, ext)
	for attempt := 0; ; attempt++ {
		candidate := filename
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d%s", root, attempt, ext)
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
		if err == nil {
			log.Debugf("saving download to %q", candidate)
			return candidate, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, fmt.Errorf("os.OpenFile(%q) failed: %w", candidate, err)
		}
	}
}

// handleSendFile processes a send-file packet: either a complete small
// file, or the announcement of a chunked transfer when the options
// carry a file-chunk-id.
func (h *Handler) handleSendFile(pkt *packet.Packet) {
	start := time.Now()
	basefilename := pkt.StrPart(0)
	mimetype := pkt.StrPart(1)
	printit := pkt.BoolPart(2)
	openit := pkt.BoolPart(3)
	filesize := pkt.IntPart(4)
	fileData := pkt.BytesPart(5)
	options := pkt.DictPart(6)
	sendID := pkt.StrPart(7)
	chunkID := options.StrGet("file-chunk-id", "")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	cancel := func(message string) {
		log.Errorf("%s", message)
		if chunkID != "" {
			h.cancelFileLocked(chunkID, message, 0)
		}
	}

	if filesize <= 0 {
		cancel(fmt.Sprintf("invalid file size %d for %q", filesize, basefilename))
		return
	}
	if limit := h.cfg.FileTransfer.MaxFileSize; limit > 0 && filesize > limit {
		cancel(fmt.Sprintf("file %q is too large: %d bytes, the file size limit is %d bytes", basefilename, filesize, limit))
		return
	}
	acceptit, printit, openit := h.acceptData(sendID, "file", basefilename, printit, openit)
	if !acceptit {
		ftype := "transfer"
		if printit {
			ftype = "printing"
		}
		cancel(fmt.Sprintf("%s rejected for file %q", ftype, basefilename))
		return
	}
	filename, f, err := safeOpenDownloadFile(h.downloadDir(), basefilename, mimetype)
	if err != nil {
		cancel(fmt.Sprintf("failed to save downloaded file: %v", err))
		return
	}

	digest := newTransferDigest(options)
	if chunkID != "" {
		if nfiles := len(h.receiveChunks); nfiles >= h.cfg.FileTransfer.MaxConcurrent {
			closeAndRemove(f, filename)
			cancel(fmt.Sprintf("too many file transfers in progress: %d", nfiles))
			return
		}
		cs := &receiveChunkState{
			start:    start,
			file:     f,
			filename: filename,
			mimetype: mimetype,
			printit:  printit,
			openit:   openit,
			filesize: filesize,
			options:  options,
			digest:   digest,
			sendID:   sendID,
		}
		cs.timer = h.opts.Scheduler.After(h.cfg.FileTransfer.ChunkTimeout(), func() {
			h.chunkReceivingTimeout(chunkID, 0)
		})
		h.receiveChunks[chunkID] = cs
		h.send("ack-file-chunk", chunkID, true, "", 0)
		return
	}

	// not chunked: the packet carries the whole file
	fail := func(message string) {
		closeAndRemove(f, filename)
		cancel(message)
		h.progress(false, sendID, start, -1, filesize, fmt.Errorf("%s", message))
	}
	if len(fileData) == 0 {
		fail("no file data")
		return
	}
	if int64(len(fileData)) != filesize {
		fail(fmt.Sprintf("file %q size: received %d bytes, expected %d bytes", basefilename, len(fileData), filesize))
		return
	}
	if digest != nil {
		digest.h.Write(fileData)
		if err := digest.verify(basefilename, options); err != nil {
			fail(err.Error())
			return
		}
	}
	if _, err := f.Write(fileData); err != nil {
		fail(fmt.Sprintf("failed to write file data: %v", err))
		return
	}
	if err := f.Close(); err != nil {
		log.Errorf("close %q failed: %v", filename, err)
	}
	h.progress(false, sendID, start, filesize, filesize, nil)
	h.processDownloadedFile(filename, mimetype, printit, openit, filesize, options)
}

// handleSendFileChunk processes one chunk of an announced transfer.
// Chunk numbers must increase strictly by one, any gap or repeat
// aborts the whole transfer.
func (h *Handler) handleSendFileChunk(pkt *packet.Packet) {
	chunkID := pkt.StrPart(0)
	chunk := pkt.IntPart(1)
	fileData := pkt.BytesPart(2)
	hasMore := pkt.BoolPart(3)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	cs := h.receiveChunks[chunkID]

	fail := func(message string) {
		log.Errorf("%s", message)
		h.cancelFileLocked(chunkID, message, chunk)
		if cs != nil {
			closeAndRemove(cs.file, cs.filename)
			cs.file = nil
			h.progress(false, cs.sendID, cs.start, -1, cs.filesize, fmt.Errorf("%s", message))
		}
	}

	if cs == nil {
		fail(fmt.Sprintf("file transfer id %q not found", chunkID))
		return
	}
	if cs.cancelled {
		log.Debugf("got chunk for a cancelled file transfer, ignoring it")
		return
	}
	if cs.chunk+1 != chunk {
		fail("chunk number mismatch")
		return
	}
	cs.chunk = chunk
	if _, err := cs.file.Write(fileData); err != nil {
		fail(fmt.Sprintf("cannot write file chunk: %v", err))
		return
	}
	if cs.digest != nil {
		cs.digest.h.Write(fileData)
	}
	cs.written += int64(len(fileData))
	if cs.written > cs.filesize {
		fail("more data received than specified in the file size!")
		return
	}
	h.send("ack-file-chunk", chunkID, true, "", chunk)

	if hasMore {
		h.progress(false, cs.sendID, cs.start, cs.written, cs.filesize, nil)
		cancelTimer(&cs.timer)
		// the peer sends the next chunk after receiving the ack
		cs.timer = h.opts.Scheduler.After(h.cfg.FileTransfer.ChunkTimeout(), func() {
			h.chunkReceivingTimeout(chunkID, chunk)
		})
		return
	}

	// last chunk: verify and hand over
	delete(h.receiveChunks, chunkID)
	cancelTimer(&cs.timer)
	if err := cs.file.Close(); err != nil {
		log.Errorf("close %q failed: %v", cs.filename, err)
	}
	if cs.digest != nil {
		if err := cs.digest.verify(cs.filename, cs.options); err != nil {
			fail(err.Error())
			return
		}
	}
	if cs.written != cs.filesize {
		fail(fmt.Sprintf("expected a file of %d bytes, got %d", cs.filesize, cs.written))
		return
	}
	h.progress(false, cs.sendID, cs.start, cs.written, cs.filesize, nil)
	log.Debugf("%d bytes received in %d chunks, took %v", cs.filesize, chunk, time.Since(cs.start))
	h.processDownloadedFile(cs.filename, cs.mimetype, cs.printit, cs.openit, cs.filesize, cs.options)
}

// chunkReceivingTimeout fires when no chunk arrived for a while.
// If the chunk number has not moved since the timer was armed, the
// transfer is dropped.
func (h *Handler) chunkReceivingTimeout(chunkID string, chunkNo int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.receiveChunks[chunkID]
	if cs == nil || cs.cancelled {
		return
	}
	if cs.chunk == chunkNo {
		cs.timer = nil
		log.Errorf("chunked file transfer %s timed out on chunk %d", chunkID, chunkNo)
		delete(h.receiveChunks, chunkID)
		closeAndRemove(cs.file, cs.filename)
		cs.file = nil
	}
}

// CancelDownload aborts the inbound transfer with the given send ID.
func (h *Handler) CancelDownload(sendID, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chunkID, cs := range h.receiveChunks {
		if cs.sendID == sendID {
			h.cancelFileLocked(chunkID, message, 0)
			if cs.file != nil {
				closeAndRemove(cs.file, cs.filename)
				cs.file = nil
			}
			return
		}
	}
	log.Errorf("cannot cancel download %q, entry not found", sendID)
}

// cancelFileLocked marks an inbound chunked transfer as cancelled and
// notifies the peer. The state lingers for a while so in-flight
// chunks are ignored rather than reported as unknown transfers.
func (h *Handler) cancelFileLocked(chunkID, message string, chunk int64) {
	if cs := h.receiveChunks[chunkID]; cs != nil {
		cs.cancelled = true
		cancelTimer(&cs.timer)
		if cs.file != nil {
			closeAndRemove(cs.file, cs.filename)
			cs.file = nil
		}
		h.opts.Scheduler.After(cancelledStateLinger, func() {
			h.mu.Lock()
			delete(h.receiveChunks, chunkID)
			h.mu.Unlock()
		})
	}
	h.send("ack-file-chunk", chunkID, false, message, chunk)
}

// closeAndRemove discards a partially written download.
func closeAndRemove(f *os.File, filename string) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		log.Debugf("close %q failed: %v", filename, err)
	}
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		log.Errorf("failed to delete temporary download file %q: %v", filename, err)
	}
}

func (h *Handler) downloadDir() string {
	if h.cfg.DownloadDir != "" {
		return h.cfg.DownloadDir
	}
	return os.TempDir()
}

// processDownloadedFile finishes an accepted download: a registered
// request-file callback takes priority, then printing or opening.
func (h *Handler) processDownloadedFile(filename, mimetype string, printit, openit bool, filesize int64, options typedict.Dict) {
	what := "file"
	if printit {
		what = "print job"
	}
	log.Infof("downloaded %d bytes to %s %q", filesize, what, filename)
	if rf := options.ListGet("request-file"); len(rf) >= 2 {
		// request-file downloads have no print/open processing
		return
	}
	if printit {
		go h.printFile(filename, options)
		return
	}
	if openit {
		if !h.cfg.Open.Files {
			log.Warnf("opening files automatically is disabled, ignoring downloaded file %q", filename)
			return
		}
		h.openFile(filename)
	}
}
