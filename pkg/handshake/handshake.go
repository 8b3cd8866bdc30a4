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

// Package handshake implements the hello, challenge and capability
// exchange that turns a raw packet session into an authenticated
// connection. The server side owns the challenge verification, the
// client side owns the challenge response; both install the subsystem
// packet handlers once the exchange completes.
package handshake

import (
	"fmt"
	"sync"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/auth"
	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
	"github.com/Xpra-org/xpra-sub019/pkg/wirecipher"
)

// State is the connection negotiation state.
type State int

const (
	StateConnected State = iota
	StateHelloSent
	StateHelloReceived
	StateChallengePending
	StateAuthenticated
	StateCapabilitiesExchanged
	StateRunning
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateHelloSent:
		return "HELLO_SENT"
	case StateHelloReceived:
		return "HELLO_RECEIVED"
	case StateChallengePending:
		return "CHALLENGE_PENDING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateCapabilitiesExchanged:
		return "CAPABILITIES_EXCHANGED"
	case StateRunning:
		return "RUNNING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// DefaultChallengeTimeout disconnects a peer that never answers the
// challenge.
const DefaultChallengeTimeout = 120 * time.Second

// authFailureGrace delays the disconnect after an authentication
// failure a little, which also throttles brute force attempts.
const authFailureGrace = time.Second

// Subsystem is a feature package plugged into the connection: it
// contributes capabilities to the hello, learns the peer's in return,
// and serves packet types once the handshake completes.
type Subsystem interface {
	Caps() typedict.Dict
	ParsePeerCaps(caps typedict.Dict)
	PacketHandlers() map[string]func(*packet.Packet)
	Cleanup()
}

// endpoint holds the negotiation state shared by both sides.
type endpoint struct {
	mu         sync.Mutex
	state      State
	proto      *packet.Protocol
	subsystems []Subsystem
	handlers   map[string]func(*packet.Packet)
	onRunning  func(peerCaps typedict.Dict)
}

func (e *endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *endpoint) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	log.Debugf("handshake state %v -> %v", old, s)
}

// Process dispatches one inbound packet. It is the ProcessFunc of the
// underlying packet session.
func (e *endpoint) Process(pkt *packet.Packet) {
	e.mu.Lock()
	handler := e.handlers[pkt.Type]
	e.mu.Unlock()
	if handler == nil {
		log.Warnf("unhandled packet type %q in state %v", pkt.Type, e.State())
		return
	}
	handler(pkt)
}

func (e *endpoint) setHandlers(handlers map[string]func(*packet.Packet)) {
	e.mu.Lock()
	e.handlers = handlers
	e.mu.Unlock()
}

// installSubsystems merges the post-auth packet handlers in and feeds
// the peer capabilities to every subsystem.
func (e *endpoint) installSubsystems(peerCaps typedict.Dict) {
	e.mu.Lock()
	for _, sub := range e.subsystems {
		sub.ParsePeerCaps(peerCaps)
		for ptype, fn := range sub.PacketHandlers() {
			e.handlers[ptype] = fn
		}
	}
	e.mu.Unlock()
}

// subsystemCaps merges the capabilities of every subsystem into one
// hello dictionary.
func (e *endpoint) subsystemCaps() typedict.Dict {
	caps := typedict.New()
	for _, sub := range e.subsystems {
		caps.Merge(sub.Caps())
	}
	return caps
}

// disconnect sends a best-effort disconnect packet with the reason and
// closes the connection after a short grace period.
func (e *endpoint) disconnect(reason error, info ...string) {
	e.setState(StateDisconnected)
	log.Warnf("disconnecting: %v", reason)
	e.proto.SendDisconnect(reason, info...)
}

// handleDisconnect processes the peer's disconnect packet.
func (e *endpoint) handleDisconnect(pkt *packet.Packet) {
	reason := pkt.StrPart(0)
	log.Infof("connection closed by peer: %s", reason)
	e.setState(StateDisconnected)
	e.proto.Close()
}

func (e *endpoint) cleanup() {
	e.mu.Lock()
	subs := e.subsystems
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Cleanup()
	}
}

// isEncrypted reports whether outbound packets cannot be read by a
// passive observer: either packet level encryption is active or the
// transport itself is encrypted.
func isEncrypted(proto *packet.Protocol) bool {
	if proto.IsSendingEncrypted() {
		return true
	}
	switch proto.Connection().SocketType() {
	case bytestream.TypeSSL, bytestream.TypeWSS, bytestream.TypeSSH:
		return true
	}
	return false
}

// isLocal reports whether the transport never leaves the machine.
func isLocal(proto *packet.Protocol) bool {
	switch proto.Connection().SocketType() {
	case bytestream.TypeSocket, bytestream.TypeNamedPipe, bytestream.TypeVsock:
		return true
	}
	return false
}

// cipherCaps advertises the parameters the sender must use for the
// advertiser's inbound direction.
func cipherCaps(p wirecipher.Params) typedict.Dict {
	return typedict.Dict{
		"cipher":                 p.Cipher,
		"mode":                   p.Mode,
		"mode.options":           wirecipher.Modes(),
		"iv":                     string(p.IV),
		"key_salt":               string(p.KeySalt),
		"key_hash":               p.KeyHash,
		"key_size":               p.KeySize,
		"key_stretch":            "PBKDF2",
		"key_stretch_iterations": p.Iterations,
		"padding":                p.Padding,
		"padding.options":        wirecipher.PaddingOptions(),
		"always-pad":             p.AlwaysPad,
		"stream":                 p.Stream,
	}
}

// parseCipherCaps builds the cipher parameters from the dictionary a
// peer advertised. key is the local shared secret, never the wire.
func parseCipherCaps(c typedict.Dict, key []byte) (wirecipher.Params, error) {
	p := wirecipher.Params{
		Cipher:     c.StrGet("cipher", ""),
		Mode:       c.StrGet("mode", wirecipher.DefaultMode),
		IV:         c.BytesGet("iv"),
		KeyData:    key,
		KeySalt:    c.BytesGet("key_salt"),
		KeyHash:    c.StrGet("key_hash", wirecipher.DefaultKeyHash),
		KeySize:    c.IntGet("key_size", wirecipher.DefaultKeySize),
		Iterations: c.IntGet("key_stretch_iterations", wirecipher.DefaultIterations),
		Padding:    c.StrGet("padding", wirecipher.PaddingPKCS7),
		AlwaysPad:  c.BoolGet("always-pad", false),
		Stream:     c.BoolGet("stream", false),
	}
	if stretch := c.StrGet("key_stretch", "PBKDF2"); stretch != "PBKDF2" {
		return p, fmt.Errorf("unsupported key stretching %q", stretch)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("Validate() failed: %w", err)
	}
	return p, nil
}

// newInboundCipher generates fresh parameters for our inbound
// direction, to be advertised to the peer.
func newInboundCipher(key []byte) (wirecipher.Params, error) {
	iv, err := wirecipher.NewIV()
	if err != nil {
		return wirecipher.Params{}, fmt.Errorf("NewIV() failed: %w", err)
	}
	keySalt, err := auth.GetSalt(auth.DefaultSaltLength)
	if err != nil {
		return wirecipher.Params{}, fmt.Errorf("GetSalt() failed: %w", err)
	}
	return wirecipher.Params{
		Cipher:     "AES",
		Mode:       wirecipher.DefaultMode,
		IV:         iv,
		KeyData:    key,
		KeySalt:    keySalt,
		KeyHash:    wirecipher.DefaultKeyHash,
		KeySize:    wirecipher.DefaultKeySize,
		Iterations: wirecipher.DefaultIterations,
		Padding:    wirecipher.PaddingPKCS7,
	}, nil
}

func protocolError(format string, args ...any) error {
	return stderror.WrapErrorWithType(fmt.Errorf(format, args...), stderror.PROTOCOL_ERROR)
}

func encryptionError(format string, args ...any) error {
	return stderror.WrapErrorWithType(fmt.Errorf(format, args...), stderror.ENCRYPTION_ERROR)
}
