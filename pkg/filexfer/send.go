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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

// SendFile sends a file to the peer, as a print job when printit is
// set. When the policy of either side requires it, a data request is
// sent first and the actual transfer waits for the peer's approval.
func (h *Handler) SendFile(filename, mimetype string, data []byte, filesize int64, printit, openit bool, options typedict.Dict) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handler is closed")
	}
	var ask bool
	var action string
	if printit {
		if !h.cfg.Printing.Enabled {
			return fmt.Errorf("printing is not enabled")
		}
		if !h.remote.printing {
			return fmt.Errorf("remote end does not support printing")
		}
		ask = h.remote.printingAsk
		action = "print"
	} else {
		if !h.cfg.FileTransfer.Enabled {
			return fmt.Errorf("file transfers are not enabled")
		}
		if !h.remote.fileTransfer {
			return fmt.Errorf("remote end does not support file transfers")
		}
		ask = h.remote.fileTransferAsk
		action = "upload"
		if openit {
			if !h.remote.openFiles {
				log.Infof("opening after transfer is disabled on the remote end, sending only")
				openit = false
			} else {
				ask = ask || h.remote.openFilesAsk
				action = "open"
			}
		}
	}
	if int64(len(data)) < filesize {
		return fmt.Errorf("file data is smaller than the given file size")
	}
	data = data[:filesize]
	if err := h.checkFileSize(action, filename, filesize); err != nil {
		return err
	}
	if ask {
		_, err := h.sendDataRequestLocked(action, "file", filename, mimetype, data, filesize, printit, openit, options)
		return err
	}
	return h.doSendFileLocked(filename, mimetype, data, filesize, printit, openit, options, uuid.NewString())
}

// doSendFileLocked starts the actual transfer: chunked when both ends
// support chunking and the file is larger than the negotiated chunk
// size, in one packet otherwise.
func (h *Handler) doSendFileLocked(filename, mimetype string, data []byte, filesize int64, printit, openit bool, options typedict.Dict, sendID string) error {
	if err := h.checkFileSize("send", filename, filesize); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if options == nil {
		options = typedict.New()
	}
	options["sha256"] = hex.EncodeToString(sum[:])

	chunkSize := h.cfg.FileTransfer.ChunkSize
	if h.remote.fileChunks < chunkSize {
		chunkSize = h.remote.fileChunks
	}
	payload := []byte{}
	if chunkSize > 0 && int64(chunkSize) < filesize {
		if inProgress := len(h.sendChunks); inProgress >= h.cfg.FileTransfer.MaxConcurrent {
			return fmt.Errorf("too many file transfers in progress: %d", inProgress)
		}
		chunkID := uuid.NewString()
		options["file-chunk-id"] = chunkID
		cs := &sendChunkState{
			start:     time.Now(),
			data:      data,
			chunkSize: chunkSize,
		}
		cs.timer = h.opts.Scheduler.After(h.cfg.FileTransfer.ChunkTimeout(), func() {
			h.chunkSendingTimeout(chunkID, 0)
		})
		h.sendChunks[chunkID] = cs
		log.Debugf("sending %q in %d byte chunks, id=%s", filename, chunkSize, chunkID)
	} else {
		payload = data
		log.Debugf("sending %q in full: %d bytes", filename, filesize)
	}
	h.send("send-file", filepath.Base(filename), mimetype, printit, openit, filesize, payload, options, sendID)
	return nil
}

// handleAckFileChunk reacts to the peer's acknowledgment by carving
// out and sending the next chunk, stop-and-wait.
func (h *Handler) handleAckFileChunk(pkt *packet.Packet) {
	chunkID := pkt.StrPart(0)
	ok := pkt.BoolPart(1)
	message := pkt.StrPart(2)
	chunk := pkt.IntPart(3)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if !ok {
		log.Infof("the remote end is cancelling the file transfer: %s", message)
		h.cancelSendingLocked(chunkID)
		return
	}
	cs := h.sendChunks[chunkID]
	if cs == nil {
		log.Errorf("cannot find the file transfer id %q", chunkID)
		return
	}
	if cs.chunk != chunk {
		log.Errorf("chunk number mismatch (%d vs %d)", cs.chunk, chunk)
		h.cancelSendingLocked(chunkID)
		return
	}
	if len(cs.data) == 0 {
		// all sent
		log.Debugf("%d chunks of %d bytes sent in %v", chunk, cs.chunkSize, time.Since(cs.start))
		h.cancelSendingLocked(chunkID)
		return
	}
	n := cs.chunkSize
	if n > len(cs.data) {
		n = len(cs.data)
	}
	payload := cs.data[:n]
	cs.data = cs.data[n:]
	chunk++
	cs.chunk = chunk
	cancelTimer(&cs.timer)
	cs.timer = h.opts.Scheduler.After(h.cfg.FileTransfer.ChunkTimeout(), func() {
		h.chunkSendingTimeout(chunkID, chunk)
	})
	h.send("send-file-chunk", chunkID, chunk, payload, len(cs.data) > 0)
}

// chunkSendingTimeout aborts a chunked send that received no ack.
func (h *Handler) chunkSendingTimeout(chunkID string, chunkNo int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.sendChunks[chunkID]
	if cs == nil {
		return
	}
	if cs.chunk == chunkNo {
		cs.timer = nil
		log.Errorf("chunked file transfer %s timed out on chunk %d", chunkID, chunkNo)
		h.cancelSendingLocked(chunkID)
	}
}

func (h *Handler) cancelSendingLocked(chunkID string) {
	cs := h.sendChunks[chunkID]
	if cs == nil {
		return
	}
	delete(h.sendChunks, chunkID)
	cancelTimer(&cs.timer)
}

// sendDataRequestLocked sends a send-data-request and parks the
// payload until the peer answers or the ask timeout purges it.
func (h *Handler) sendDataRequestLocked(action, dtype, url, mimetype string, data []byte, filesize int64, printit, openit bool, options typedict.Dict) (string, error) {
	if pending := len(h.pendingSend); pending >= h.cfg.FileTransfer.MaxConcurrent {
		return "", fmt.Errorf("%s dropped: %d transfers already waiting for a response", action, pending)
	}
	sendID := uuid.NewString()
	if options == nil {
		options = typedict.New()
	}
	h.pendingSend[sendID] = &sendPendingData{
		datatype: dtype,
		url:      url,
		mimetype: mimetype,
		data:     data,
		filesize: filesize,
		printit:  printit,
		openit:   openit,
		options:  options,
	}
	h.pendingTimers[sendID] = h.opts.Scheduler.After(h.askTimeout(), func() {
		h.askTimedOut(sendID)
	})
	log.Debugf("sending data request for %s %q with send-id %s", dtype, url, sendID)
	h.send("send-data-request", dtype, sendID, url, mimetype, filesize, printit, openit, options)
	return sendID, nil
}

// askTimeout prefers the timeout advertised by the peer, since the
// peer is the one prompting its user.
func (h *Handler) askTimeout() time.Duration {
	if h.remote.askTimeout > 0 {
		return time.Duration(h.remote.askTimeout) * time.Second
	}
	return h.cfg.FileTransfer.AskTimeout()
}

func (h *Handler) askTimedOut(sendID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pendingTimers, sendID)
	spd := h.pendingSend[sendID]
	if spd == nil {
		return
	}
	delete(h.pendingSend, sendID)
	action := "send"
	if spd.printit {
		action = "print"
	}
	log.Warnf("failed to %s %q: the send approval request timed out", action, spd.url)
}

// handleSendDataRequest answers the peer's request for permission to
// send us a file or URL.
func (h *Handler) handleSendDataRequest(pkt *packet.Packet) {
	dtype := pkt.StrPart(0)
	sendID := pkt.StrPart(1)
	url := pkt.StrPart(2)
	filesize := pkt.IntPart(4)
	printit := pkt.BoolPart(5)
	openit := pkt.BoolPart(6)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	answer := func(accept bool) {
		h.send("send-data-response", sendID, boolToDecision(accept))
	}

	// a transfer we asked for ourselves is accepted without prompting
	if dtype == "file" {
		base := stripPath(url)
		if openit2, ok := h.filesRequested[base]; ok {
			delete(h.filesRequested, base)
			h.filesAccepted[sendID] = openit2
			answer(true)
			return
		}
	}

	var ask bool
	switch dtype {
	case "file":
		if !h.cfg.FileTransfer.Enabled {
			answer(false)
			return
		}
		ask = h.cfg.FileTransfer.Ask
	case "url":
		if !h.cfg.Open.URLs {
			answer(false)
			return
		}
		ask = h.cfg.FileTransfer.Ask
	default:
		log.Warnf("unknown data request type %q", dtype)
		answer(false)
		return
	}
	if !ask {
		// accepting would fail later when the send ID is not in
		// the accepted list, so deny outright
		log.Warnf("received a send-data request for a %s, but authorization is not required", dtype)
		answer(false)
		return
	}
	prompt := h.opts.Prompt
	if prompt == nil {
		answer(false)
		return
	}
	// prompting must not block the dispatch loop
	go prompt(dtype, stripPath(url), filesize, printit, openit, func(accept bool) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return
		}
		if accept {
			h.filesAccepted[sendID] = openit
		}
		answer(accept)
	})
}

func boolToDecision(accept bool) int {
	if accept {
		return Accept
	}
	return Deny
}

// handleSendDataResponse resumes or drops a parked transfer according
// to the peer's decision.
func (h *Handler) handleSendDataResponse(pkt *packet.Packet) {
	sendID := pkt.StrPart(0)
	accept := pkt.IntPart(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if timer, ok := h.pendingTimers[sendID]; ok {
		timer.Cancel()
		delete(h.pendingTimers, sendID)
	}
	spd := h.pendingSend[sendID]
	if spd == nil {
		log.Warnf("cannot find send-file entry for %q", sendID)
		return
	}
	delete(h.pendingSend, sendID)
	switch accept {
	case Deny:
		log.Infof("the request to send %s %q has been denied", spd.datatype, spd.url)
		return
	case Accept, OpenLocally:
	default:
		log.Errorf("unknown value for send-data response: %d", accept)
		return
	}
	switch spd.datatype {
	case "file":
		if accept == Accept {
			if err := h.doSendFileLocked(spd.url, spd.mimetype, spd.data, spd.filesize, spd.printit, spd.openit, spd.options, sendID); err != nil {
				log.Errorf("doSendFileLocked() failed: %v", err)
			}
		} else {
			h.openFile(spd.url)
		}
	case "url":
		if accept == Accept {
			h.send("open-url", spd.url, sendID)
		} else {
			h.openURL(spd.url)
		}
	default:
		log.Errorf("unknown datatype %q", spd.datatype)
	}
}

// SendOpenURL asks the peer to open a URL.
func (h *Handler) SendOpenURL(url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handler is closed")
	}
	if !h.remote.openURL {
		return fmt.Errorf("remote end does not accept URLs")
	}
	if h.remote.openURLAsk {
		_, err := h.sendDataRequestLocked("open", "url", url, "", nil, 0, false, true, nil)
		return err
	}
	h.send("open-url", url, "")
	return nil
}

// handleOpenURL opens a URL pushed by the peer, subject to policy.
func (h *Handler) handleOpenURL(pkt *packet.Packet) {
	url := pkt.StrPart(0)
	sendID := pkt.StrPart(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if !h.cfg.Open.URLs {
		log.Warnf("received a request to open URL %q, but opening of URLs is disabled", url)
		return
	}
	if h.cfg.FileTransfer.Ask {
		if _, ok := h.filesAccepted[sendID]; !ok {
			log.Debugf("url %q not accepted", url)
			return
		}
		delete(h.filesAccepted, sendID)
	}
	h.openURL(url)
}

// SendRequestFile asks the peer to send us one of its files.
// The peer's matching send-data-request is accepted automatically.
func (h *Handler) SendRequestFile(filename string, openit bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("handler is closed")
	}
	h.filesRequested[stripPath(filename)] = openit
	h.send("request-file", filename, openit)
	return nil
}

// handleRequestFile serves the peer's request for one of our files.
func (h *Handler) handleRequestFile(pkt *packet.Packet) {
	filename := pkt.StrPart(0)
	openit := pkt.BoolPart(1)
	if h.opts.OnRequestFile == nil {
		log.Warnf("cannot serve file request for %q: no request handler", filename)
		return
	}
	h.opts.OnRequestFile(filename, openit)
}
