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

// Package filexfer implements the file transfer engine: sending and
// receiving files (and print jobs and URLs) over the packet channel,
// either as a single packet or as a sequence of individually
// acknowledged chunks. Each handler instance owns the transfer state
// of one connection.
package filexfer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/config"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/reaper"
	"github.com/Xpra-org/xpra-sub019/pkg/scheduler"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

// Answers to a send-data-request.
const (
	// Deny refuses the transfer.
	Deny = 0

	// Accept asks the remote end to go ahead and send.
	Accept = 1

	// OpenLocally asks the remote end to open the file or URL
	// on its side instead of sending it.
	OpenLocally = 2
)

// A cancelled chunked receive lingers in the transfer table for a
// while so that in-flight chunks are ignored instead of triggering
// spurious "transfer not found" errors.
const cancelledStateLinger = 20 * time.Second

// SendFunc queues one packet on the connection.
type SendFunc func(ptype string, parts ...any) error

// ProgressFunc is notified as a transfer advances. position is -1 when
// the transfer failed, in which case err describes the failure.
type ProgressFunc func(send bool, transferID string, elapsed time.Duration, position, total int64, err error)

// PromptFunc asks the user whether a remote transfer request should
// proceed. answer must be called exactly once, from any goroutine.
type PromptFunc func(dtype, name string, filesize int64, printit, openit bool, answer func(accept bool))

// Options carries the collaborators of a Handler.
type Options struct {
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	Send      SendFunc
	Reaper    *reaper.Reaper

	// Printer forwards accepted print jobs, may be nil.
	Printer Printer

	// Prompt is consulted when the local policy requires
	// confirmation. When nil, such requests are denied.
	Prompt PromptFunc

	// Progress is an optional transfer progress callback.
	Progress ProgressFunc

	// OnRequestFile serves request-file packets from the peer,
	// may be nil.
	OnRequestFile func(filename string, openit bool)
}

type remoteCaps struct {
	fileTransfer    bool
	fileTransferAsk bool
	printing        bool
	printingAsk     bool
	openFiles       bool
	openFilesAsk    bool
	openURL         bool
	openURLAsk      bool
	askTimeout      int
	fileSizeLimit   int64
	fileChunks      int
}

type receiveChunkState struct {
	start     time.Time
	file      *os.File
	filename  string
	mimetype  string
	printit   bool
	openit    bool
	filesize  int64
	options   typedict.Dict
	digest    *transferDigest
	written   int64
	cancelled bool
	sendID    string
	timer     *scheduler.Handle
	chunk     int64
}

type sendChunkState struct {
	start     time.Time
	data      []byte
	chunkSize int
	timer     *scheduler.Handle
	chunk     int64
}

type sendPendingData struct {
	datatype string
	url      string
	mimetype string
	data     []byte
	filesize int64
	printit  bool
	openit   bool
	options  typedict.Dict
}

// Handler owns the file transfer state of one connection.
// Packet handlers and timer callbacks run on the connection's
// scheduler goroutine; the exported send methods may be called from
// any goroutine.
type Handler struct {
	opts Options
	cfg  *config.Config

	mu            sync.Mutex
	closed        bool
	remote        remoteCaps
	receiveChunks map[string]*receiveChunkState
	sendChunks    map[string]*sendChunkState
	pendingSend   map[string]*sendPendingData
	pendingTimers map[string]*scheduler.Handle

	// filesRequested remembers our own request-file calls so the
	// peer's matching send-data-request is accepted without prompting.
	filesRequested map[string]bool

	// filesAccepted records the send IDs approved via the ask flow.
	filesAccepted map[string]bool
}

// New creates a file transfer handler for one connection.
func New(opts Options) (*Handler, error) {
	if opts.Config == nil || opts.Scheduler == nil || opts.Send == nil {
		return nil, fmt.Errorf("config, scheduler and send are required")
	}
	return &Handler{
		opts:           opts,
		cfg:            opts.Config,
		receiveChunks:  make(map[string]*receiveChunkState),
		sendChunks:     make(map[string]*sendChunkState),
		pendingSend:    make(map[string]*sendPendingData),
		pendingTimers:  make(map[string]*scheduler.Handle),
		filesRequested: make(map[string]bool),
		filesAccepted:  make(map[string]bool),
	}, nil
}

// PacketHandlers returns the packet types served by this handler.
func (h *Handler) PacketHandlers() map[string]func(*packet.Packet) {
	return map[string]func(*packet.Packet){
		"send-file":          h.handleSendFile,
		"send-file-chunk":    h.handleSendFileChunk,
		"ack-file-chunk":     h.handleAckFileChunk,
		"send-data-request":  h.handleSendDataRequest,
		"send-data-response": h.handleSendDataResponse,
		"request-file":       h.handleRequestFile,
		"open-url":           h.handleOpenURL,
	}
}

// Caps returns the file transfer capabilities for the hello packet:
// the "file" namespace plus the legacy flat keys.
func (h *Handler) Caps() typedict.Dict {
	ft := h.cfg.FileTransfer
	pr := h.cfg.Printing
	op := h.cfg.Open
	caps := typedict.Dict{
		"file-transfer":     ft.Enabled,
		"file-transfer-ask": ft.Ask,
		"max-file-size":     ft.MaxFileSize,
		"file-chunks":       ft.ChunkSize,
		"open-files":        op.Files,
		"open-files-ask":    false,
		"printing":          pr.Enabled,
		"printing-ask":      ft.Ask,
		"open-url":          op.URLs,
		"open-url-ask":      false,
		"file-ask-timeout":  ft.AskTimeoutSeconds,
	}
	caps["file"] = typedict.Dict{
		"enabled":      ft.Enabled,
		"ask":          ft.Ask,
		"size-limit":   ft.MaxFileSize,
		"chunks":       ft.ChunkSize,
		"open":         op.Files,
		"open-ask":     false,
		"open-url":     op.URLs,
		"open-url-ask": false,
		"printing":     pr.Enabled,
		"printing-ask": ft.Ask,
		"ask-timeout":  ft.AskTimeoutSeconds,
	}
	return caps
}

// ParsePeerCaps records the file transfer capabilities of the peer
// from its hello. The "file" namespace is preferred, the legacy flat
// keys are accepted as a fallback.
func (h *Handler) ParsePeerCaps(caps typedict.Dict) {
	var r remoteCaps
	if fc := caps.DictGet("file"); len(fc) > 0 {
		r.fileTransfer = fc.BoolGet("enabled", false)
		r.fileTransferAsk = fc.BoolGet("ask", false)
		r.printing = fc.BoolGet("printing", false)
		r.printingAsk = fc.BoolGet("printing-ask", false)
		r.openFiles = fc.BoolGet("open", false)
		r.openFilesAsk = fc.BoolGet("open-ask", false)
		r.openURL = fc.BoolGet("open-url", false)
		r.openURLAsk = fc.BoolGet("open-url-ask", false)
		r.askTimeout = fc.IntGet("ask-timeout", 0)
		r.fileSizeLimit = fc.Int64Get("max-file-size", 0)
		if r.fileSizeLimit == 0 {
			r.fileSizeLimit = fc.Int64Get("size-limit", 0)
		}
		r.fileChunks = fc.IntGet("chunks", 0)
	} else {
		r.fileTransfer = caps.BoolGet("file-transfer", false)
		r.fileTransferAsk = caps.BoolGet("file-transfer-ask", false)
		r.printing = caps.BoolGet("printing", false)
		r.printingAsk = caps.BoolGet("printing-ask", false)
		r.openFiles = caps.BoolGet("open-files", false)
		r.openFilesAsk = caps.BoolGet("open-files-ask", false)
		r.openURL = caps.BoolGet("open-url", false)
		r.openURLAsk = caps.BoolGet("open-url-ask", false)
		r.askTimeout = caps.IntGet("file-ask-timeout", 0)
		r.fileSizeLimit = caps.Int64Get("max-file-size", 0)
		r.fileChunks = caps.IntGet("file-chunks", 0)
	}
	if r.fileChunks < 0 {
		r.fileChunks = 0
	}
	h.mu.Lock()
	h.remote = r
	h.mu.Unlock()
	log.Debugf("file transfer remote caps: transfer=%v (ask=%v) printing=%v (ask=%v) open=%v url=%v chunks=%d size-limit=%d",
		r.fileTransfer, r.fileTransferAsk, r.printing, r.printingAsk, r.openFiles, r.openURL, r.fileChunks, r.fileSizeLimit)
}

// acceptData applies the local policy to an inbound transfer.
// A send ID previously approved via the ask flow overrides the policy
// flags. The returned printit and openit may be downgraded.
func (h *Handler) acceptData(sendID, dtype, basefilename string, printit, openit bool) (bool, bool, bool) {
	ft := h.cfg.FileTransfer
	if openit2, ok := h.filesAccepted[sendID]; ok {
		delete(h.filesAccepted, sendID)
		return true, false, openit2
	}
	if printit {
		if !h.cfg.Printing.Enabled || ft.Ask {
			printit = false
		}
	} else if !ft.Enabled || ft.Ask {
		return false, false, false
	}
	if openit && (!h.cfg.Open.Files || ft.Ask) {
		// without an approved send ID we cannot ask now,
		// so refuse to open it
		openit = false
	}
	return true, printit, openit
}

func (h *Handler) checkFileSize(action, filename string, filesize int64) error {
	limit := h.cfg.FileTransfer.MaxFileSize
	if limit > 0 && filesize > limit {
		return fmt.Errorf("cannot %s %q: %d bytes exceeds the local file size limit of %d", action, filename, filesize, limit)
	}
	rlimit := h.remote.fileSizeLimit
	if rlimit > 0 && filesize > rlimit {
		return fmt.Errorf("cannot %s %q: %d bytes exceeds the remote file size limit of %d", action, filename, filesize, rlimit)
	}
	return nil
}

func (h *Handler) progress(send bool, transferID string, start time.Time, position, total int64, err error) {
	if h.opts.Progress != nil {
		h.opts.Progress(send, transferID, time.Since(start), position, total, err)
	}
}

func (h *Handler) send(ptype string, parts ...any) {
	if err := h.opts.Send(ptype, parts...); err != nil {
		log.Debugf("send %q failed: %v", ptype, err)
	}
}

func cancelTimer(handle **scheduler.Handle) {
	if *handle != nil {
		(*handle).Cancel()
		*handle = nil
	}
}

// Cleanup cancels every timer, closes every descriptor and drops all
// transfer state. It is idempotent and must be called on connection
// teardown.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, timer := range h.pendingTimers {
		timer.Cancel()
		delete(h.pendingTimers, id)
	}
	h.pendingSend = make(map[string]*sendPendingData)
	for id, cs := range h.receiveChunks {
		cancelTimer(&cs.timer)
		if cs.file != nil {
			if err := cs.file.Close(); err != nil {
				log.Debugf("close %q failed: %v", cs.filename, err)
			}
			cs.file = nil
		}
		delete(h.receiveChunks, id)
	}
	for id, cs := range h.sendChunks {
		cancelTimer(&cs.timer)
		delete(h.sendChunks, id)
	}
	h.filesRequested = make(map[string]bool)
	h.filesAccepted = make(map[string]bool)
}
