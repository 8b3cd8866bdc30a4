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

package packet

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/scheduler"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
	"github.com/Xpra-org/xpra-sub019/pkg/wirecipher"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxPacketSize bounds the main payload of one packet.
	DefaultMaxPacketSize = 256 * 1024

	// AbsoluteMaxPacketSize bounds any single payload, including the
	// raw binary chunks of packet types on the large packets list.
	AbsoluteMaxPacketSize = 256 * 1024 * 1024

	// rawChunkThreshold is the part size above which a binary part is
	// framed as its own raw chunk instead of being bencoded inline.
	rawChunkThreshold = 4096

	sendQueueCapacity     = 64
	priorityQueueCapacity = 16

	// closeGraceTimeout force closes the socket if the peer never
	// drains our disconnect packet.
	closeGraceTimeout = 2 * time.Second
)

// Session states.
const (
	StateCreated int32 = iota
	StateStarted
	StateClosed
)

// ProcessFunc handles one inbound packet. It always runs on the
// session's dispatch goroutine.
type ProcessFunc func(*Packet)

type outPacket struct {
	packet *Packet
	// closeAfter closes the session once this packet is on the wire,
	// used for the disconnect packet.
	closeAfter bool
}

// Protocol is one packet session over one connection. It owns the
// reader and writer goroutines and the dispatch loop; all protocol
// state above it (hello, challenge, transfers) is mutated from the
// dispatch loop only.
type Protocol struct {
	connMu sync.RWMutex
	conn   bytestream.Connection

	process ProcessFunc
	onClose func(err error)
	sched   *scheduler.Scheduler

	sendQ     chan *outPacket
	priorityQ chan *outPacket

	encMu     sync.Mutex
	encryptor *wirecipher.Encryptor
	decMu     sync.Mutex
	decryptor *wirecipher.Decryptor

	largeMu      sync.Mutex
	largePackets map[string]struct{}

	MaxPacketSize int64
	CompressLevel int

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// TLS upgrade coordination, single use.
	upgrading    atomic.Bool
	upgraded     atomic.Bool
	upgradeStart chan struct{} // closed when the upgrade begins
	readerParked chan struct{} // closed when the reader is parked
	writerParked chan struct{} // closed when the writer is parked
	resumeCh     chan struct{} // closed when the new connection is installed
	prereadMu    sync.Mutex
	preread      []byte // bytes the reader consumed that belong to the TLS handshake
}

// New creates a session over the connection. process receives every
// inbound packet on the dispatch goroutine. onClose may be nil.
func New(conn bytestream.Connection, process ProcessFunc, onClose func(err error)) *Protocol {
	p := &Protocol{
		conn:          conn,
		process:       process,
		onClose:       onClose,
		sched:         scheduler.New(),
		sendQ:         make(chan *outPacket, sendQueueCapacity),
		priorityQ:     make(chan *outPacket, priorityQueueCapacity),
		largePackets:  make(map[string]struct{}),
		MaxPacketSize: DefaultMaxPacketSize,
		CompressLevel: DefaultCompressLevel,
		done:          make(chan struct{}),
		upgradeStart:  make(chan struct{}),
		readerParked:  make(chan struct{}),
		writerParked:  make(chan struct{}),
		resumeCh:      make(chan struct{}),
	}
	// the packet types that may exceed MaxPacketSize once assembled
	for _, name := range []string{"hello", "send-file", "send-file-chunk", "challenge"} {
		p.largePackets[name] = struct{}{}
	}
	return p
}

// Scheduler returns the dispatch loop of this session. Subsystems use
// it for their timers so the callbacks run on the dispatch goroutine.
func (p *Protocol) Scheduler() *scheduler.Scheduler {
	return p.sched
}

// Connection returns the current connection.
func (p *Protocol) Connection() bytestream.Connection {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.conn
}

// Start launches the reader and writer goroutines.
func (p *Protocol) Start() error {
	if !p.state.CompareAndSwap(StateCreated, StateStarted) {
		return stderror.ErrAlreadyStarted
	}
	go p.readLoop()
	go p.writeLoop()
	return nil
}

// IsClosed returns true once the session is shut down.
func (p *Protocol) IsClosed() bool {
	return p.state.Load() == StateClosed
}

// AddLargePacketType allows the named packet type to exceed
// MaxPacketSize once its raw chunks are assembled.
func (p *Protocol) AddLargePacketType(name string) {
	p.largeMu.Lock()
	p.largePackets[name] = struct{}{}
	p.largeMu.Unlock()
}

func (p *Protocol) isLargePacketType(name string) bool {
	p.largeMu.Lock()
	defer p.largeMu.Unlock()
	_, ok := p.largePackets[name]
	return ok
}

// SetCipherOut installs or replaces outbound packet encryption.
// Packets already queued are encrypted with the new cipher: the swap
// is used right after the challenge response, before anything secret
// is sent.
func (p *Protocol) SetCipherOut(params wirecipher.Params) error {
	enc, err := wirecipher.NewEncryptor(params)
	if err != nil {
		return err
	}
	p.encMu.Lock()
	p.encryptor = enc
	p.encMu.Unlock()
	log.Infof("sending data using %s-%s encryption", params.Cipher, params.Mode)
	return nil
}

// SetCipherIn installs or replaces inbound packet decryption.
func (p *Protocol) SetCipherIn(params wirecipher.Params) error {
	dec, err := wirecipher.NewDecryptor(params)
	if err != nil {
		return err
	}
	p.decMu.Lock()
	p.decryptor = dec
	p.decMu.Unlock()
	log.Infof("receiving data using %s-%s encryption", params.Cipher, params.Mode)
	return nil
}

// IsSendingEncrypted returns true if outbound packets are protected,
// either by a negotiated cipher or by the transport itself.
func (p *Protocol) IsSendingEncrypted() bool {
	p.encMu.Lock()
	enc := p.encryptor
	p.encMu.Unlock()
	if enc != nil {
		return true
	}
	switch p.Connection().SocketType() {
	case bytestream.TypeSSL, bytestream.TypeWSS, bytestream.TypeSSH:
		return true
	}
	return false
}

// Send queues an ordinary packet.
func (p *Protocol) Send(ptype string, parts ...any) error {
	return p.queue(p.sendQ, &outPacket{packet: &Packet{Type: ptype, Parts: parts}})
}

// SendPriority queues an urgent control packet. The writer drains the
// priority queue before the ordinary queue.
func (p *Protocol) SendPriority(ptype string, parts ...any) error {
	return p.queue(p.priorityQ, &outPacket{packet: &Packet{Type: ptype, Parts: parts}})
}

// SendDisconnect sends a best effort disconnect packet with the given
// reason, then closes. A grace timer force closes the socket even if
// the writer never drains.
func (p *Protocol) SendDisconnect(reason error, info ...string) {
	parts := make([]any, 0, len(info)+1)
	parts = append(parts, reason.Error())
	for _, s := range info {
		parts = append(parts, s)
	}
	out := &outPacket{
		packet:     &Packet{Type: "disconnect", Parts: parts},
		closeAfter: true,
	}
	p.closeErr = reason
	if err := p.queue(p.priorityQ, out); err != nil {
		p.close(reason)
		return
	}
	time.AfterFunc(closeGraceTimeout, func() {
		p.close(reason)
	})
}

func (p *Protocol) queue(q chan *outPacket, out *outPacket) error {
	if p.IsClosed() {
		return stderror.ErrClosed
	}
	select {
	case q <- out:
		return nil
	case <-p.done:
		return stderror.ErrClosed
	}
}

// Close shuts the session down without a disconnect packet.
func (p *Protocol) Close() {
	p.close(nil)
}

func (p *Protocol) close(reason error) {
	p.closeOnce.Do(func() {
		p.state.Store(StateClosed)
		close(p.done)
		p.Connection().Close()
		// the scheduler may be running the very task that called
		// close, so it can't be shut down from here synchronously
		go p.sched.Close()
		if p.onClose != nil {
			if reason == nil {
				reason = p.closeErr
			}
			p.onClose(reason)
		}
	})
}

// ----- writer -----

func (p *Protocol) writeLoop() {
	upgradeCh := p.upgradeStart
	for {
		// the priority queue is always drained first
		select {
		case out := <-p.priorityQ:
			if !p.writeOne(out) {
				return
			}
			continue
		default:
		}
		select {
		case out := <-p.priorityQ:
			if !p.writeOne(out) {
				return
			}
		case out := <-p.sendQ:
			if !p.writeOne(out) {
				return
			}
		case <-upgradeCh:
			// drain urgent control packets, then park for the upgrade
			for {
				select {
				case out := <-p.priorityQ:
					if !p.writeOne(out) {
						return
					}
					continue
				default:
				}
				break
			}
			close(p.writerParked)
			select {
			case <-p.resumeCh:
				// single use: a closed channel would fire forever
				upgradeCh = nil
			case <-p.done:
				return
			}
		case <-p.done:
			// best effort: flush any disconnect packet still queued
			for {
				select {
				case out := <-p.priorityQ:
					p.writePacket(out.packet)
				default:
					return
				}
			}
		}
	}
}

// writeOne returns false when the write loop must exit.
func (p *Protocol) writeOne(out *outPacket) bool {
	if err := p.writePacket(out.packet); err != nil {
		if !p.IsClosed() {
			log.Errorf("failed to write %q packet: %v", out.packet.Type, err)
			p.close(err)
		}
		return false
	}
	if out.closeAfter {
		p.close(p.closeErr)
		return false
	}
	return true
}

func (p *Protocol) writePacket(pkt *Packet) error {
	// carve out the big binary parts as raw chunks
	main := &Packet{Type: pkt.Type, Parts: make([]any, len(pkt.Parts))}
	copy(main.Parts, pkt.Parts)
	type rawChunk struct {
		index byte
		data  []byte
	}
	var raws []rawChunk
	for i, part := range main.Parts {
		data, ok := part.([]byte)
		if !ok || len(data) < rawChunkThreshold || i >= 254 {
			continue
		}
		raws = append(raws, rawChunk{index: byte(i + 1), data: data})
		main.Parts[i] = ""
	}
	for _, raw := range raws {
		if err := p.writePayload(raw.data, raw.index, 0); err != nil {
			return err
		}
	}
	encoded, err := Encode(main)
	if err != nil {
		return err
	}
	if err := p.writePayload(encoded, 0, FlagFlush); err != nil {
		return err
	}
	p.Connection().Counters().OutPackets.Add(1)
	if log.IsLevelEnabled(logrus.DebugLevel) {
		log.Debugf("sent %q packet: %d bytes", pkt.Type, len(encoded))
	}
	return nil
}

func (p *Protocol) writePayload(payload []byte, chunkIndex byte, flags byte) error {
	payload, level := MayCompress(payload, p.CompressLevel)
	if level > 0 {
		flags |= FlagZlib
	}
	p.encMu.Lock()
	enc := p.encryptor
	p.encMu.Unlock()
	if enc != nil {
		encrypted, err := enc.Encrypt(payload)
		if err != nil {
			return err
		}
		payload = encrypted
		flags |= FlagCipher
	}
	header := Header{
		Flags:      flags,
		Level:      byte(level),
		ChunkIndex: chunkIndex,
		Size:       uint32(len(payload)),
	}
	buf := header.Pack()
	conn := p.Connection()
	if _, err := conn.Write(buf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// ----- reader -----

func (p *Protocol) readLoop() {
	raws := make(map[byte][]byte)
	for {
		if p.IsClosed() {
			return
		}
		pkt, parked, err := p.readPacket(raws)
		if err != nil {
			if !p.IsClosed() {
				log.Debugf("read error: %v", err)
				p.close(err)
			}
			return
		}
		if parked {
			select {
			case <-p.resumeCh:
				raws = make(map[byte][]byte)
				continue
			case <-p.done:
				return
			}
		}
		if pkt == nil {
			continue
		}
		p.Connection().Counters().InPackets.Add(1)
		delivered := p.sched.Post(func() {
			p.process(pkt)
		})
		if !delivered {
			return
		}
		if pkt.Type == "ssl-upgrade" && !p.upgraded.Load() {
			// the handler is about to steal the connection for the
			// TLS handshake: stop reading until it resumes us
			if p.upgrading.CompareAndSwap(false, true) {
				close(p.upgradeStart)
			}
			close(p.readerParked)
			select {
			case <-p.resumeCh:
				raws = make(map[byte][]byte)
			case <-p.done:
				return
			}
		}
	}
}

// readPacket reads one payload. It returns a complete packet when the
// main chunk arrives, nil while accumulating raw chunks, and
// parked=true when the reader must stop for a TLS upgrade.
func (p *Protocol) readPacket(raws map[byte][]byte) (*Packet, bool, error) {
	conn := p.Connection()

	// the first header byte is read on its own: if an upgrade began
	// while we were blocked here and the byte is not a packet header,
	// it belongs to the TLS handshake, not to us
	var first [1]byte
	if _, err := io.ReadFull(conn, first[:]); err != nil {
		return nil, false, err
	}
	if p.upgrading.Load() && !p.upgraded.Load() && first[0] != Magic {
		p.stashPreread(first[:])
		close(p.readerParked)
		return nil, true, nil
	}

	var rest [HeaderSize - 1]byte
	if _, err := io.ReadFull(conn, rest[:]); err != nil {
		return nil, false, err
	}
	header, err := UnpackHeader(append(first[:], rest[:]...))
	if err != nil {
		return nil, false, err
	}
	if header.Size == 0 {
		return nil, false, stderror.WrapErrorWithType(fmt.Errorf("empty payload"), stderror.PROTOCOL_ERROR)
	}
	limit := int64(AbsoluteMaxPacketSize)
	if header.ChunkIndex == 0 {
		limit = p.MaxPacketSize
	}
	if int64(header.Size) > limit {
		return nil, false, stderror.WrapErrorWithType(
			fmt.Errorf("packet chunk %d is too large: %d bytes", header.ChunkIndex, header.Size), stderror.PROTOCOL_ERROR)
	}
	payload := make([]byte, header.Size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, false, err
	}

	if header.Flags&FlagCipher != 0 {
		p.decMu.Lock()
		dec := p.decryptor
		p.decMu.Unlock()
		if dec == nil {
			return nil, false, stderror.WrapErrorWithType(
				fmt.Errorf("received an encrypted packet but no cipher is configured"), stderror.ENCRYPTION_ERROR)
		}
		payload, err = dec.Decrypt(payload)
		if err != nil {
			return nil, false, err
		}
	}
	if header.Flags&FlagZlib != 0 {
		payload, err = Decompress(payload, AbsoluteMaxPacketSize)
		if err != nil {
			return nil, false, err
		}
	}

	if header.ChunkIndex > 0 {
		raws[header.ChunkIndex] = payload
		return nil, false, nil
	}

	pkt, err := Decode(payload)
	if err != nil {
		return nil, false, err
	}
	totalSize := int64(len(payload))
	for i := range pkt.Parts {
		raw, ok := raws[byte(i+1)]
		if !ok {
			continue
		}
		pkt.Parts[i] = raw
		totalSize += int64(len(raw))
		delete(raws, byte(i+1))
	}
	if len(raws) > 0 {
		return nil, false, stderror.WrapErrorWithType(
			fmt.Errorf("%d stray raw chunks for %q packet", len(raws), pkt.Type), stderror.PROTOCOL_ERROR)
	}
	if totalSize > p.MaxPacketSize && !p.isLargePacketType(pkt.Type) {
		return nil, false, stderror.WrapErrorWithType(
			fmt.Errorf("%q packet is too large: %d bytes", pkt.Type, totalSize), stderror.PROTOCOL_ERROR)
	}
	return pkt, false, nil
}

func (p *Protocol) stashPreread(b []byte) {
	p.prereadMu.Lock()
	p.preread = append(p.preread, b...)
	p.prereadMu.Unlock()
}

// ----- TLS upgrade -----

// SendSSLUpgrade asks the peer to upgrade the connection to TLS,
// pushing our certificate data inline, and parks the I/O goroutines.
// The caller must follow up with StealConnection / ResumeWith.
func (p *Protocol) SendSSLUpgrade(certData []byte) error {
	if !p.upgrading.CompareAndSwap(false, true) {
		return stderror.ErrAlreadyStarted
	}
	close(p.upgradeStart)
	// the writer drains the priority queue and parks right after
	// putting this packet on the wire
	return p.queue(p.priorityQ, &outPacket{
		packet: &Packet{Type: "ssl-upgrade", Parts: []any{certData}},
	})
}

// AckSSLUpgrade writes an ssl-upgrade packet directly on a stolen
// connection. The responder sends it before starting its TLS
// handshake so the initiator parks its own I/O and becomes the TLS
// client; no TLS bytes flow until the initiator has read it.
func AckSSLUpgrade(conn net.Conn) error {
	payload, err := Encode(&Packet{Type: "ssl-upgrade"})
	if err != nil {
		return err
	}
	header := Header{Flags: FlagFlush, Size: uint32(len(payload))}
	buf := header.Pack()
	if _, err := conn.Write(buf[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

// StealConnection waits for the reader and writer goroutines to park,
// then returns the underlying net.Conn for the TLS handshake. Bytes
// the reader had already consumed are prepended.
func (p *Protocol) StealConnection(timeout time.Duration) (net.Conn, error) {
	if !p.upgrading.Load() {
		return nil, stderror.ErrInvalidOperation
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, parked := range []chan struct{}{p.readerParked, p.writerParked} {
		select {
		case <-parked:
		case <-deadline.C:
			return nil, stderror.ErrTimeout
		case <-p.done:
			return nil, stderror.ErrClosed
		}
	}
	sock, ok := p.Connection().(*bytestream.SocketConnection)
	if !ok {
		return nil, stderror.ErrUnsupported
	}
	p.prereadMu.Lock()
	pre := p.preread
	p.preread = nil
	p.prereadMu.Unlock()
	// bytes still sitting in the peek buffer also belong to the handshake
	if n := sock.Buffered(); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(sock, buf); err != nil {
			return nil, err
		}
		pre = append(pre, buf...)
	}
	return bytestream.NewPrefixedConn(sock.NetConn(), pre), nil
}

// ResumeWith restarts packet I/O over the upgraded connection.
func (p *Protocol) ResumeWith(conn bytestream.Connection) {
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	p.upgraded.Store(true)
	close(p.resumeCh)
}
