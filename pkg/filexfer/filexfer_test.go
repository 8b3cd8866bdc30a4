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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/config"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/scheduler"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

type sentPacket struct {
	ptype string
	parts []any
}

// recorder collects the packets a handler queues for sending.
type recorder struct {
	mu      sync.Mutex
	packets []sentPacket
}

func (r *recorder) send(ptype string, parts ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, sentPacket{ptype: ptype, parts: parts})
	return nil
}

func (r *recorder) drain() []sentPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.packets
	r.packets = nil
	return out
}

func (r *recorder) byType(ptype string) []sentPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentPacket
	for _, p := range r.packets {
		if p.ptype == ptype {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) count(ptype string) int {
	return len(r.byType(ptype))
}

type testEnd struct {
	handler *Handler
	rec     *recorder
	cfg     *config.Config
}

func newTestEnd(t *testing.T, sched *scheduler.Scheduler, mutate func(*config.Config)) *testEnd {
	t.Helper()
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.Open.Files = false
	cfg.Open.URLs = false
	if mutate != nil {
		mutate(cfg)
	}
	rec := &recorder{}
	h, err := New(Options{
		Config:    cfg,
		Scheduler: sched,
		Send:      rec.send,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(h.Cleanup)
	return &testEnd{handler: h, rec: rec, cfg: cfg}
}

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Close)
	return sched
}

func dispatch(t *testing.T, h *Handler, p sentPacket) {
	t.Helper()
	fn := h.PacketHandlers()[p.ptype]
	if fn == nil {
		t.Fatalf("no handler for packet type %q", p.ptype)
	}
	fn(&packet.Packet{Type: p.ptype, Parts: p.parts})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func randomData(size int) []byte {
	data := make([]byte, size)
	mrand.New(mrand.NewSource(42)).Read(data)
	return data
}

// singleDownload returns the only file in the download directory.
func singleDownload(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("os.ReadDir() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d files in download dir, want 1", len(entries))
	}
	name := filepath.Join(dir, entries[0].Name())
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("os.ReadFile() failed: %v", err)
	}
	return name, data
}

func assertNoDownloads(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("os.ReadDir() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d files in download dir, want none", len(entries))
	}
}

func TestCaps(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	caps := end.handler.Caps()
	if !caps.BoolGet("file-transfer", false) {
		t.Errorf("legacy file-transfer capability missing")
	}
	fc := caps.DictGet("file")
	if !fc.BoolGet("enabled", false) {
		t.Errorf("file.enabled capability missing")
	}
	if got := fc.IntGet("chunks", 0); got != 65536 {
		t.Errorf("file.chunks = %d, want 65536", got)
	}
}

func TestParsePeerCapsLegacyKeys(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	end.handler.ParsePeerCaps(typedict.Dict{
		"file-transfer": true,
		"file-chunks":   1024,
		"max-file-size": int64(1 << 20),
	})
	// a file bigger than the remote chunk size must be chunked
	data := randomData(4096)
	if err := end.handler.SendFile("legacy.bin", "", data, int64(len(data)), false, false, nil); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	sent := end.rec.byType("send-file")
	if len(sent) != 1 {
		t.Fatalf("got %d send-file packets, want 1", len(sent))
	}
	options := typedict.FromAny(sent[0].parts[6])
	if options.StrGet("file-chunk-id", "") == "" {
		t.Errorf("expected a chunked transfer announcement")
	}
	if payload, _ := sent[0].parts[5].([]byte); len(payload) != 0 {
		t.Errorf("announcement packet carries %d payload bytes, want none", len(payload))
	}
}

func TestReceiveSmallFile(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	data := []byte("hello file transfer")
	options := typedict.Dict{"sha256": sha256Hex(data)}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"hello.txt", "text/plain", false, false, int64(len(data)), data, options, "send-1"},
	})
	name, got := singleDownload(t, end.cfg.DownloadDir)
	if !strings.HasSuffix(name, "hello.txt") {
		t.Errorf("downloaded to %q, want hello.txt", name)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("downloaded content does not match")
	}
	if n := end.rec.count("ack-file-chunk"); n != 0 {
		t.Errorf("got %d ack-file-chunk packets for a non-chunked transfer, want 0", n)
	}
}

func TestReceiveSizeMismatch(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	data := []byte("short")
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"f.bin", "", false, false, int64(100), data, typedict.New(), ""},
	})
	assertNoDownloads(t, end.cfg.DownloadDir)
}

func TestReceiveDigestMismatch(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	data := []byte("payload bytes")
	options := typedict.Dict{"sha256": sha256Hex([]byte("different bytes"))}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"f.bin", "", false, false, int64(len(data)), data, options, ""},
	})
	// the partial file must be deleted, nothing processed downstream
	assertNoDownloads(t, end.cfg.DownloadDir)
}

func TestChunkedTransfer(t *testing.T) {
	sched := newScheduler(t)
	sender := newTestEnd(t, sched, nil)
	receiver := newTestEnd(t, sched, nil)
	sender.handler.ParsePeerCaps(receiver.handler.Caps())
	receiver.handler.ParsePeerCaps(sender.handler.Caps())

	data := randomData(200 * 1024)
	if err := sender.handler.SendFile("big.bin", "", data, int64(len(data)), false, false, nil); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	var chunks, acks int
	for i := 0; i < 100; i++ {
		fromSender := sender.rec.drain()
		fromReceiver := receiver.rec.drain()
		if len(fromSender) == 0 && len(fromReceiver) == 0 {
			break
		}
		for _, p := range fromSender {
			if p.ptype == "send-file-chunk" {
				chunks++
			}
			dispatch(t, receiver.handler, p)
		}
		for _, p := range fromReceiver {
			if p.ptype == "ack-file-chunk" {
				if chunkNo, _ := p.parts[3].(int64); chunkNo > 0 {
					acks++
				}
			}
			dispatch(t, sender.handler, p)
		}
	}
	// 200KB at 64KB per chunk: 4 chunks, each individually acked
	if chunks != 4 {
		t.Errorf("got %d chunks, want 4", chunks)
	}
	if acks != 4 {
		t.Errorf("got %d chunk acks, want 4", acks)
	}
	_, got := singleDownload(t, receiver.cfg.DownloadDir)
	if !bytes.Equal(got, data) {
		t.Errorf("reassembled file does not match the original")
	}
}

func TestChunkOrderMismatchAborts(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	options := typedict.Dict{"file-chunk-id": "chunk-1"}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"gap.bin", "", false, false, int64(1000), []byte{}, options, ""},
	})
	if n := end.rec.count("ack-file-chunk"); n != 1 {
		t.Fatalf("got %d acks after the announcement, want 1", n)
	}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file-chunk",
		parts: []any{"chunk-1", int64(1), make([]byte, 100), true},
	})
	// skip chunk 2: the transfer must abort and delete the partial file
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file-chunk",
		parts: []any{"chunk-1", int64(3), make([]byte, 100), true},
	})
	var nack *sentPacket
	for _, p := range end.rec.byType("ack-file-chunk") {
		p := p
		if ok, _ := p.parts[1].(bool); !ok {
			nack = &p
		}
	}
	if nack == nil {
		t.Fatalf("expected a failure ack after the chunk gap")
	}
	if msg, _ := nack.parts[2].(string); !strings.Contains(msg, "chunk number mismatch") {
		t.Errorf("failure ack message = %q", msg)
	}
	assertNoDownloads(t, end.cfg.DownloadDir)
}

func TestChunkOverflowAborts(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	options := typedict.Dict{"file-chunk-id": "chunk-2"}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"overflow.bin", "", false, false, int64(100), []byte{}, options, ""},
	})
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file-chunk",
		parts: []any{"chunk-2", int64(1), make([]byte, 200), true},
	})
	assertNoDownloads(t, end.cfg.DownloadDir)
}

func TestConcurrencyBound(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.MaxConcurrent = 2
	})
	for i := 0; i < 3; i++ {
		options := typedict.Dict{"file-chunk-id": fmt.Sprintf("bound-%d", i)}
		dispatch(t, end.handler, sentPacket{
			ptype: "send-file",
			parts: []any{fmt.Sprintf("f%d.bin", i), "", false, false, int64(1000), []byte{}, options, ""},
		})
	}
	acks := end.rec.byType("ack-file-chunk")
	if len(acks) != 3 {
		t.Fatalf("got %d acks, want 3", len(acks))
	}
	for i, p := range acks {
		ok, _ := p.parts[1].(bool)
		if i < 2 && !ok {
			t.Errorf("transfer %d rejected, want accepted", i)
		}
		if i == 2 {
			if ok {
				t.Errorf("transfer %d accepted, want explicit rejection", i)
			}
			if msg, _ := p.parts[2].(string); !strings.Contains(msg, "too many file transfers") {
				t.Errorf("rejection message = %q", msg)
			}
		}
	}
}

func TestRejectOversizedFile(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.MaxFileSize = 1024
	})
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"big.bin", "", false, false, int64(4096), make([]byte, 4096), typedict.New(), ""},
	})
	assertNoDownloads(t, end.cfg.DownloadDir)
}

func TestAskTimeoutPurgesPendingSend(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.AskTimeoutSeconds = 0
	})
	end.handler.ParsePeerCaps(typedict.Dict{
		"file": typedict.Dict{
			"enabled":    true,
			"ask":        true,
			"size-limit": int64(1 << 30),
			"chunks":     65536,
		},
	})
	data := []byte("needs approval")
	if err := end.handler.SendFile("ask.bin", "", data, int64(len(data)), false, false, nil); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	requests := end.rec.byType("send-data-request")
	if len(requests) != 1 {
		t.Fatalf("got %d send-data-request packets, want 1", len(requests))
	}
	sendID, _ := requests[0].parts[1].(string)
	waitUntil(t, func() bool {
		end.handler.mu.Lock()
		defer end.handler.mu.Unlock()
		return len(end.handler.pendingSend) == 0
	})
	// a late response must be ignored, not start the transfer
	dispatch(t, end.handler, sentPacket{
		ptype: "send-data-response",
		parts: []any{sendID, int64(Accept)},
	})
	if n := end.rec.count("send-file"); n != 0 {
		t.Errorf("got %d send-file packets after a late response, want 0", n)
	}
}

func TestSendDataRequestDenied(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	end.handler.ParsePeerCaps(typedict.Dict{
		"file": typedict.Dict{
			"enabled":    true,
			"ask":        true,
			"size-limit": int64(1 << 30),
		},
	})
	data := []byte("will be denied")
	if err := end.handler.SendFile("deny.bin", "", data, int64(len(data)), false, false, nil); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	requests := end.rec.byType("send-data-request")
	if len(requests) != 1 {
		t.Fatalf("got %d send-data-request packets, want 1", len(requests))
	}
	sendID, _ := requests[0].parts[1].(string)
	dispatch(t, end.handler, sentPacket{
		ptype: "send-data-response",
		parts: []any{sendID, int64(Deny)},
	})
	if n := end.rec.count("send-file"); n != 0 {
		t.Errorf("got %d send-file packets after a denial, want 0", n)
	}
}

func TestPromptApprovesTransfer(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.Ask = true
	})
	end.handler.opts.Prompt = func(dtype, name string, filesize int64, printit, openit bool, answer func(bool)) {
		answer(true)
	}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-data-request",
		parts: []any{"file", "req-1", "approved.txt", "", int64(8), false, false, typedict.New()},
	})
	waitUntil(t, func() bool {
		return end.rec.count("send-data-response") == 1
	})
	resp := end.rec.byType("send-data-response")[0]
	if decision, _ := resp.parts[1].(int); decision != Accept {
		t.Fatalf("decision = %d, want %d", decision, Accept)
	}
	// the approved send ID bypasses the ask policy on the actual transfer
	data := []byte("approved")
	options := typedict.Dict{"sha256": sha256Hex(data)}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"approved.txt", "", false, false, int64(len(data)), data, options, "req-1"},
	})
	_, got := singleDownload(t, end.cfg.DownloadDir)
	if !bytes.Equal(got, data) {
		t.Errorf("downloaded content does not match")
	}
}

func TestPromptlessAskDenies(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.Ask = true
	})
	dispatch(t, end.handler, sentPacket{
		ptype: "send-data-request",
		parts: []any{"file", "req-2", "nope.txt", "", int64(8), false, false, typedict.New()},
	})
	waitUntil(t, func() bool {
		return end.rec.count("send-data-response") == 1
	})
	resp := end.rec.byType("send-data-response")[0]
	if decision, _ := resp.parts[1].(int); decision != Deny {
		t.Errorf("decision = %d, want %d", decision, Deny)
	}
}

func TestRequestFileAutoAccepted(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	if err := end.handler.SendRequestFile("report.txt", false); err != nil {
		t.Fatalf("SendRequestFile() failed: %v", err)
	}
	if n := end.rec.count("request-file"); n != 1 {
		t.Fatalf("got %d request-file packets, want 1", n)
	}
	// the peer's matching request is accepted without a prompt
	dispatch(t, end.handler, sentPacket{
		ptype: "send-data-request",
		parts: []any{"file", "req-3", "report.txt", "", int64(8), false, false, typedict.New()},
	})
	waitUntil(t, func() bool {
		return end.rec.count("send-data-response") == 1
	})
	resp := end.rec.byType("send-data-response")[0]
	if decision, _ := resp.parts[1].(int); decision != Accept {
		t.Errorf("decision = %d, want %d", decision, Accept)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	options := typedict.Dict{"file-chunk-id": "cleanup-1"}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"f.bin", "", false, false, int64(1000), []byte{}, options, "send-x"},
	})
	end.handler.Cleanup()
	end.handler.Cleanup()
	// packets arriving after cleanup are dropped without acks
	before := end.rec.count("ack-file-chunk")
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file-chunk",
		parts: []any{"cleanup-1", int64(1), make([]byte, 10), true},
	})
	if after := end.rec.count("ack-file-chunk"); after != before {
		t.Errorf("got acks after cleanup")
	}
}

func TestCancelDownloadTwice(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	options := typedict.Dict{"file-chunk-id": "cancel-1"}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"f.bin", "", false, false, int64(1000), []byte{}, options, "send-y"},
	})
	end.handler.CancelDownload("send-y", "user cancelled")
	// the cancelled state lingers, so the second cancel finds it again
	end.handler.CancelDownload("send-y", "user cancelled")
	// in-flight chunks after cancellation are ignored, not errors
	before := end.rec.count("ack-file-chunk")
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file-chunk",
		parts: []any{"cancel-1", int64(1), make([]byte, 10), true},
	})
	if after := end.rec.count("ack-file-chunk"); after != before {
		t.Errorf("cancelled transfer still acked a chunk")
	}
	assertNoDownloads(t, end.cfg.DownloadDir)
}

func TestSafeOpenDownloadFile(t *testing.T) {
	dir := t.TempDir()
	name1, f1, err := safeOpenDownloadFile(dir, "doc.txt", "")
	if err != nil {
		t.Fatalf("safeOpenDownloadFile() failed: %v", err)
	}
	f1.Close()
	if filepath.Base(name1) != "doc.txt" {
		t.Errorf("first file = %q, want doc.txt", name1)
	}
	// same name again: auto-suffix instead of overwrite
	name2, f2, err := safeOpenDownloadFile(dir, "doc.txt", "")
	if err != nil {
		t.Fatalf("safeOpenDownloadFile() failed: %v", err)
	}
	f2.Close()
	if filepath.Base(name2) != "doc-1.txt" {
		t.Errorf("second file = %q, want doc-1.txt", name2)
	}
	// path components from either separator style are stripped
	name3, f3, err := safeOpenDownloadFile(dir, "..\\..\\evil/..\\passwd", "")
	if err != nil {
		t.Fatalf("safeOpenDownloadFile() failed: %v", err)
	}
	f3.Close()
	if filepath.Base(name3) != "passwd" || filepath.Dir(name3) != dir {
		t.Errorf("stripped file = %q", name3)
	}
	// the mimetype can force an extension
	name4, f4, err := safeOpenDownloadFile(dir, "job", "application/pdf")
	if err != nil {
		t.Fatalf("safeOpenDownloadFile() failed: %v", err)
	}
	f4.Close()
	if filepath.Base(name4) != "job.pdf" {
		t.Errorf("pdf file = %q, want job.pdf", name4)
	}
}

type fakePrinter struct {
	mu      sync.Mutex
	printed []string
	title   string
}

func (p *fakePrinter) Printers() []string {
	return []string{"laser"}
}

func (p *fakePrinter) PrintFiles(printer string, filenames []string, title string, options typedict.Dict) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = append(p.printed, filenames...)
	p.title = title
	return 1, nil
}

func (p *fakePrinter) JobFinished(job int) bool {
	return true
}

func TestPrintJob(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	backend := &fakePrinter{}
	end.handler.opts.Printer = backend
	data := []byte("%PDF-1.4 fake document")
	options := typedict.Dict{
		"sha256":  sha256Hex(data),
		"printer": "laser",
		"title":   "report",
	}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"job", "application/pdf", true, false, int64(len(data)), data, options, "print-1"},
	})
	waitUntil(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.printed) == 1
	})
	if backend.title != "report" {
		t.Errorf("print title = %q, want report", backend.title)
	}
	// the spool file is deleted once the job is done
	waitUntil(t, func() bool {
		entries, err := os.ReadDir(end.cfg.DownloadDir)
		return err == nil && len(entries) == 0
	})
}

func TestPrintUnknownPrinter(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	backend := &fakePrinter{}
	end.handler.opts.Printer = backend
	data := []byte("spool data")
	options := typedict.Dict{"printer": "no-such-printer"}
	dispatch(t, end.handler, sentPacket{
		ptype: "send-file",
		parts: []any{"job", "raw", true, false, int64(len(data)), data, options, "print-2"},
	})
	// the spool file is deleted without reaching the backend
	waitUntil(t, func() bool {
		entries, err := os.ReadDir(end.cfg.DownloadDir)
		return err == nil && len(entries) == 0
	})
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.printed) != 0 {
		t.Errorf("backend printed %v for an unknown printer", backend.printed)
	}
}

func TestTransferDigestSelection(t *testing.T) {
	for _, tc := range []struct {
		options typedict.Dict
		want    string
	}{
		{typedict.Dict{"sha256": "aa"}, "sha256"},
		{typedict.Dict{"sha1": "aa", "sha512": "bb"}, "sha512"},
		{typedict.Dict{"sha1": "aa"}, "sha1"},
		{typedict.New(), ""},
	} {
		d := newTransferDigest(tc.options)
		if tc.want == "" {
			if d != nil {
				t.Errorf("newTransferDigest(%v) = %q, want nil", tc.options, d.name)
			}
			continue
		}
		if d == nil || d.name != tc.want {
			t.Errorf("newTransferDigest(%v) picked %v, want %q", tc.options, d, tc.want)
		}
	}
}

func TestSendFileDisabled(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.Enabled = false
	})
	err := end.handler.SendFile("f.bin", "", []byte("x"), 1, false, false, nil)
	if err == nil {
		t.Fatalf("SendFile() succeeded with file transfers disabled")
	}
}

func TestSendFileChecksRemoteLimit(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, nil)
	end.handler.ParsePeerCaps(typedict.Dict{
		"file": typedict.Dict{
			"enabled":    true,
			"size-limit": int64(10),
		},
	})
	data := randomData(100)
	err := end.handler.SendFile("f.bin", "", data, int64(len(data)), false, false, nil)
	if err == nil || !strings.Contains(err.Error(), "remote file size limit") {
		t.Fatalf("SendFile() = %v, want remote size limit error", err)
	}
}

func TestChunkedSendTimeout(t *testing.T) {
	sched := newScheduler(t)
	end := newTestEnd(t, sched, func(cfg *config.Config) {
		cfg.FileTransfer.ChunkTimeoutSeconds = 0
	})
	end.handler.ParsePeerCaps(typedict.Dict{
		"file": typedict.Dict{
			"enabled":    true,
			"size-limit": int64(1 << 30),
			"chunks":     1024,
		},
	})
	data := randomData(8192)
	if err := end.handler.SendFile("slow.bin", "", data, int64(len(data)), false, false, nil); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	// no ack ever arrives: the stalled transfer must be dropped
	waitUntil(t, func() bool {
		end.handler.mu.Lock()
		defer end.handler.mu.Unlock()
		return len(end.handler.sendChunks) == 0
	})
}
