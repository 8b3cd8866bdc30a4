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

package handshake

import (
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/auth"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/scheduler"
	"github.com/Xpra-org/xpra-sub019/pkg/tlsutil"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
	"github.com/Xpra-org/xpra-sub019/pkg/version"
)

// ServerOptions configures the server side of the handshake.
type ServerOptions struct {
	// Authenticator verifies the client. auth.AllowAuthenticator
	// accepts everyone.
	Authenticator auth.Authenticator

	// EncryptionKey enables packet level encryption when the client
	// requests it. Without a key, encryption requests are refused.
	EncryptionKey []byte

	// TLS, when set, lets a plaintext TCP client upgrade to TLS
	// in-band before the capability exchange.
	TLS *tlsutil.Config

	// Prompt is the human readable hint sent with the challenge.
	Prompt string

	// ChallengeTimeout disconnects a client that never answers.
	// Zero means DefaultChallengeTimeout.
	ChallengeTimeout time.Duration

	Subsystems []Subsystem

	// OnRunning fires once the capability exchange completes.
	OnRunning func(peerCaps typedict.Dict)
}

// Server drives the handshake for one accepted connection.
type Server struct {
	endpoint
	opts ServerOptions

	challengeTimer *scheduler.Handle
	challengeSent  bool
	authenticated  bool
}

// NewServer creates the handshake state machine for one accepted
// connection. The returned Server's Process method is the ProcessFunc
// for packet.New; call Attach once the session exists.
func NewServer(opts ServerOptions) *Server {
	if opts.Authenticator == nil {
		opts.Authenticator = auth.AllowAuthenticator{}
	}
	if opts.Prompt == "" {
		opts.Prompt = "password"
	}
	if opts.ChallengeTimeout <= 0 {
		opts.ChallengeTimeout = DefaultChallengeTimeout
	}
	s := &Server{opts: opts}
	s.subsystems = opts.Subsystems
	s.onRunning = opts.OnRunning
	s.state = StateConnected
	return s
}

// Attach binds the packet session and installs the pre-auth handlers.
// The server then waits for the client's hello.
func (s *Server) Attach(proto *packet.Protocol) {
	s.mu.Lock()
	s.proto = proto
	s.mu.Unlock()
	s.setHandlers(map[string]func(*packet.Packet){
		"hello":       s.handleHello,
		"disconnect":  s.handleDisconnect,
		"ssl-upgrade": s.handleSSLUpgrade,
	})
	// a client that never says hello is dropped like one that never
	// answers a challenge
	s.challengeTimer = proto.Scheduler().After(s.opts.ChallengeTimeout, func() {
		if s.State() != StateRunning {
			s.disconnect(protocolError("no response to challenge"))
		}
	})
}

// Cleanup cancels timers and tears down the subsystems.
func (s *Server) Cleanup() {
	s.challengeTimer.Cancel()
	s.cleanup()
}

func (s *Server) handleHello(pkt *packet.Packet) {
	caps := pkt.DictPart(0)
	s.setState(StateHelloReceived)

	// version compatibility comes before everything else
	if err := version.CompatCheck(caps.StrGet("version", "")); err != nil {
		s.disconnect(err)
		return
	}

	authCaps, err := s.setupEncryption(caps)
	if err != nil {
		s.disconnect(err)
		return
	}

	a := s.opts.Authenticator
	if a.RequiresChallenge() {
		if !s.challengeSent {
			if err := s.sendChallenge(caps, authCaps); err != nil {
				s.disconnect(err)
			}
			return
		}
		if err := a.Authenticate(caps); err != nil {
			s.authFailed(err)
			return
		}
	} else if err := a.Authenticate(caps); err != nil {
		s.authFailed(err)
		return
	}
	s.authenticated = true
	s.setState(StateAuthenticated)
	s.challengeTimer.Cancel()

	if err := s.sendHello(authCaps); err != nil {
		s.disconnect(protocolError("sendHello() failed: %v", err))
		return
	}
	s.setState(StateCapabilitiesExchanged)
	s.installSubsystems(caps)
	s.setState(StateRunning)
	if s.onRunning != nil {
		s.onRunning(caps)
	}
}

// sendChallenge picks the digests out of what the client offers and
// sends the challenge packet.
func (s *Server) sendChallenge(caps typedict.Dict, authCaps typedict.Dict) error {
	digests := caps.StrListGet("digest")
	if len(digests) == 0 {
		digests = []string{"hmac"}
	}
	saltDigests := caps.StrListGet("salt-digest")
	if len(saltDigests) == 0 {
		saltDigests = []string{auth.DigestXOR}
	}
	salt, digest, err := s.opts.Authenticator.GetChallenge(digests)
	if err != nil {
		return auth.ErrAuthenticationFailed
	}
	if !auth.IsSafeDigest(digest) && !isEncrypted(s.proto) && !isLocal(s.proto) {
		return encryptionError("refusing to use the %q digest without encryption", digest)
	}
	saltDigest, err := s.opts.Authenticator.ChooseSaltDigest(saltDigests)
	if err != nil {
		return auth.ErrAuthenticationFailed
	}
	if !auth.IsSafeDigest(saltDigest) && !isEncrypted(s.proto) && !isLocal(s.proto) {
		return encryptionError("insecure salt digest %q rejected", saltDigest)
	}
	s.challengeSent = true
	s.setState(StateChallengePending)
	log.Infof("authentication required, sending challenge using %q digest", digest)
	return s.proto.Send("challenge", salt, authCaps, digest, saltDigest, s.opts.Prompt)
}

// authFailed disconnects without revealing why the attempt failed.
func (s *Server) authFailed(err error) {
	log.Warnf("authentication failed: %v", err)
	s.setState(StateDisconnected)
	proto := s.proto
	proto.Scheduler().After(authFailureGrace, func() {
		proto.SendDisconnect(auth.ErrAuthenticationFailed)
	})
}

// setupEncryption applies the client's requested packet encryption:
// our outbound direction uses the parameters the client advertised,
// our inbound direction gets fresh parameters advertised back in the
// challenge and hello packets.
func (s *Server) setupEncryption(caps typedict.Dict) (typedict.Dict, error) {
	c := caps.DictGet("encryption")
	if c.StrGet("cipher", "") == "" {
		return typedict.New(), nil
	}
	if len(s.opts.EncryptionKey) == 0 {
		return nil, encryptionError("the server does not support encryption on this connection")
	}
	if s.proto.IsSendingEncrypted() {
		// already negotiated by a previous hello
		return typedict.New(), nil
	}
	outParams, err := parseCipherCaps(c, s.opts.EncryptionKey)
	if err != nil {
		return nil, encryptionError("invalid encryption parameters: %v", err)
	}
	if err := s.proto.SetCipherOut(outParams); err != nil {
		return nil, encryptionError("SetCipherOut() failed: %v", err)
	}
	inParams, err := newInboundCipher(s.opts.EncryptionKey)
	if err != nil {
		return nil, encryptionError("newInboundCipher() failed: %v", err)
	}
	if err := s.proto.SetCipherIn(inParams); err != nil {
		return nil, encryptionError("SetCipherIn() failed: %v", err)
	}
	log.Infof("packet encryption enabled: %v", outParams)
	return cipherCaps(inParams), nil
}

// sendHello replies with the server capabilities.
func (s *Server) sendHello(authCaps typedict.Dict) error {
	caps := typedict.Dict{
		"version":     version.Version,
		"digest":      auth.Digests(),
		"salt-digest": auth.Digests(),
		"compressors": []string{"zlib"},
	}
	if len(authCaps) > 0 {
		caps["encryption"] = authCaps
	}
	caps.Merge(s.subsystemCaps())
	return s.proto.Send("hello", caps)
}

// handleSSLUpgrade turns the plaintext socket into a TLS one in-band:
// packet I/O stops, the raw socket goes through the TLS handshake, and
// packet I/O resumes over the wrapped connection.
func (s *Server) handleSSLUpgrade(pkt *packet.Packet) {
	if s.opts.TLS == nil {
		s.disconnect(protocolError("ssl upgrade is not enabled"))
		return
	}
	socktype := s.proto.Connection().SocketType()
	if socktype != "tcp" && socktype != "ws" {
		s.disconnect(protocolError("cannot upgrade %s to ssl", socktype))
		return
	}
	// the reader parked itself when it saw the upgrade packet
	conn, err := s.proto.StealConnection(time.Second)
	if err != nil {
		s.disconnect(protocolError("StealConnection() failed: %v", err))
		return
	}
	// tell the initiator to start its TLS client handshake
	if err := packet.AckSSLUpgrade(conn); err != nil {
		s.disconnect(protocolError("AckSSLUpgrade() failed: %v", err))
		return
	}
	tlsConn, err := tlsutil.Wrap(conn, *s.opts.TLS)
	if err != nil {
		s.disconnect(encryptionError("ssl upgrade failed: %v", err))
		return
	}
	s.proto.ResumeWith(tlsConn)
	log.Infof("upgraded %s connection to ssl", socktype)
}
