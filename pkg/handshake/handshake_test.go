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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Xpra-org/xpra-sub019/pkg/auth"
	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/packet"
	"github.com/Xpra-org/xpra-sub019/pkg/testtool"
	"github.com/Xpra-org/xpra-sub019/pkg/tlsutil"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
	"github.com/Xpra-org/xpra-sub019/pkg/version"
)

// wireEnd is one side of a loopback connection: the packet session
// plus a tap on everything it receives.
type wireEnd struct {
	proto  *packet.Protocol
	seen   chan *packet.Packet
	closed chan error
}

// newWirePair builds two connected packet sessions. process may be
// nil for an end driven manually by the test.
func newWirePair(t *testing.T, socktype string, serverProc, clientProc func(*packet.Packet)) (*wireEnd, *wireEnd) {
	t.Helper()
	c1, c2 := testtool.BufPipe()
	server := &wireEnd{seen: make(chan *packet.Packet, 16), closed: make(chan error, 1)}
	client := &wireEnd{seen: make(chan *packet.Packet, 16), closed: make(chan error, 1)}
	tap := func(e *wireEnd, proc func(*packet.Packet)) func(*packet.Packet) {
		return func(p *packet.Packet) {
			select {
			case e.seen <- p:
			default:
			}
			if proc != nil {
				proc(p)
			}
		}
	}
	server.proto = packet.New(bytestream.NewSocketConnection(c1, socktype),
		tap(server, serverProc), func(err error) { server.closed <- err })
	client.proto = packet.New(bytestream.NewSocketConnection(c2, socktype),
		tap(client, clientProc), func(err error) { client.closed <- err })
	t.Cleanup(func() {
		server.proto.Close()
		client.proto.Close()
	})
	return server, client
}

func (e *wireEnd) start(t *testing.T) {
	t.Helper()
	if err := e.proto.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
}

// waitFor returns the first received packet of the given type,
// discarding others.
func (e *wireEnd) waitFor(t *testing.T, ptype string) *packet.Packet {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-e.seen:
			if p.Type == ptype {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %q packet", ptype)
			return nil
		}
	}
}

func waitState(t *testing.T, get func() State, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state is %v, want %v", get(), want)
}

// echoSubsystem is a minimal feature package: one capability flag and
// one packet type.
type echoSubsystem struct {
	mu       sync.Mutex
	peerCaps typedict.Dict
	pings    []string
}

func (s *echoSubsystem) Caps() typedict.Dict {
	return typedict.Dict{"echo": true}
}

func (s *echoSubsystem) ParsePeerCaps(caps typedict.Dict) {
	s.mu.Lock()
	s.peerCaps = caps
	s.mu.Unlock()
}

func (s *echoSubsystem) PacketHandlers() map[string]func(*packet.Packet) {
	return map[string]func(*packet.Packet){
		"echo-ping": func(p *packet.Packet) {
			s.mu.Lock()
			s.pings = append(s.pings, p.StrPart(0))
			s.mu.Unlock()
		},
	}
}

func (s *echoSubsystem) Cleanup() {}

func (s *echoSubsystem) peer() typedict.Dict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCaps
}

func (s *echoSubsystem) pinged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pings...)
}

var _ Subsystem = &echoSubsystem{}

// connect wires a Server and a Client over a loopback and starts the
// exchange.
func connect(t *testing.T, socktype string, sopts ServerOptions, copts ClientOptions) (*Server, *Client, *wireEnd, *wireEnd) {
	t.Helper()
	srv := NewServer(sopts)
	cl := NewClient(copts)
	se, ce := newWirePair(t, socktype, srv.Process, cl.Process)
	srv.Attach(se.proto)
	cl.Attach(ce.proto)
	t.Cleanup(srv.Cleanup)
	t.Cleanup(cl.Cleanup)
	se.start(t)
	ce.start(t)
	if err := cl.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return srv, cl, se, ce
}

func TestHandshakeNoAuth(t *testing.T) {
	ssub := &echoSubsystem{}
	csub := &echoSubsystem{}
	srv, cl, _, ce := connect(t, bytestream.TypeTCP,
		ServerOptions{Subsystems: []Subsystem{ssub}},
		ClientOptions{Subsystems: []Subsystem{csub}})
	waitState(t, srv.State, StateRunning)
	waitState(t, cl.State, StateRunning)

	if caps := ssub.peer(); !caps.BoolGet("echo", false) {
		t.Errorf("the server subsystem did not see the client capabilities: %v", caps)
	}
	if caps := csub.peer(); caps.StrGet("version", "") != version.Version {
		t.Errorf("the client subsystem did not see the server version: %v", caps)
	}

	// subsystem packets are dispatched once the handshake completes
	if err := ce.proto.Send("echo-ping", "hi"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(ssub.pinged()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := ssub.pinged(); len(got) != 1 || got[0] != "hi" {
		t.Errorf("got pings %v, want [hi]", got)
	}
}

func TestHandshakePassword(t *testing.T) {
	srv, cl, _, ce := connect(t, bytestream.TypeSocket,
		ServerOptions{Authenticator: &auth.PasswordAuthenticator{Username: "user", Password: "sesame"}},
		ClientOptions{Username: "user", Password: "sesame"})
	ce.waitFor(t, "challenge")
	waitState(t, srv.State, StateRunning)
	waitState(t, cl.State, StateRunning)
}

func TestHandshakeWrongPassword(t *testing.T) {
	_, _, _, ce := connect(t, bytestream.TypeSocket,
		ServerOptions{Authenticator: &auth.PasswordAuthenticator{Username: "user", Password: "sesame"}},
		ClientOptions{Username: "user", Password: "wrong"})
	pkt := ce.waitFor(t, "disconnect")
	// the reason must not leak what went wrong
	if got := pkt.StrPart(0); got != "authentication failed" {
		t.Errorf("got disconnect reason %q, want %q", got, "authentication failed")
	}
}

func TestHandshakeClientHasNoPassword(t *testing.T) {
	_, cl, se, _ := connect(t, bytestream.TypeSocket,
		ServerOptions{Authenticator: &auth.PasswordAuthenticator{Password: "sesame"}},
		ClientOptions{})
	se.waitFor(t, "disconnect")
	waitState(t, cl.State, StateDisconnected)
}

func TestServerRejectsInsecureDigestOverTCP(t *testing.T) {
	srv := NewServer(ServerOptions{Authenticator: &auth.PasswordAuthenticator{Password: "sesame"}})
	se, ce := newWirePair(t, bytestream.TypeTCP, srv.Process, nil)
	srv.Attach(se.proto)
	t.Cleanup(srv.Cleanup)
	se.start(t)
	ce.start(t)

	// a client that only supports the xor digest over plain tcp
	caps := typedict.Dict{
		"version":     version.Version,
		"challenge":   true,
		"digest":      []string{auth.DigestXOR},
		"salt-digest": []string{auth.DigestXOR},
	}
	if err := ce.proto.Send("hello", caps); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	pkt := ce.waitFor(t, "disconnect")
	if got := pkt.StrPart(0); !strings.Contains(got, "refusing") {
		t.Errorf("got disconnect reason %q, want an insecure digest refusal", got)
	}
}

func TestClientRejectsInsecureDigestOverTCP(t *testing.T) {
	cl := NewClient(ClientOptions{Password: "sesame"})
	se, ce := newWirePair(t, bytestream.TypeTCP, nil, cl.Process)
	cl.Attach(ce.proto)
	t.Cleanup(cl.Cleanup)
	se.start(t)
	ce.start(t)
	if err := cl.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	se.waitFor(t, "hello")

	salt, err := auth.GetSalt(auth.DefaultSaltLength)
	if err != nil {
		t.Fatalf("GetSalt() failed: %v", err)
	}
	if err := se.proto.Send("challenge", salt, typedict.New(), auth.DigestXOR, auth.DigestXOR, "password"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	pkt := se.waitFor(t, "disconnect")
	if got := pkt.StrPart(0); !strings.Contains(got, "cowardly") {
		t.Errorf("got disconnect reason %q, want a refusal to answer", got)
	}
}

func TestClientAnswersInsecureDigestOverLocalSocket(t *testing.T) {
	srv, cl, _, ce := connect(t, bytestream.TypeSocket,
		ServerOptions{Authenticator: &auth.PasswordAuthenticator{Password: "sesame"}},
		ClientOptions{Password: "sesame"})
	// the server picks the strongest digest, so assert only that the
	// local transport completes the exchange
	ce.waitFor(t, "challenge")
	waitState(t, srv.State, StateRunning)
	waitState(t, cl.State, StateRunning)
}

func TestVersionTooOldRejected(t *testing.T) {
	srv := NewServer(ServerOptions{})
	se, ce := newWirePair(t, bytestream.TypeSocket, srv.Process, nil)
	srv.Attach(se.proto)
	t.Cleanup(srv.Cleanup)
	se.start(t)
	ce.start(t)

	if err := ce.proto.Send("hello", typedict.Dict{"version": "1.0"}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	pkt := ce.waitFor(t, "disconnect")
	if got := pkt.StrPart(0); !strings.Contains(got, "too old") {
		t.Errorf("got disconnect reason %q, want a version rejection", got)
	}
}

func TestChallengeTimeout(t *testing.T) {
	srv := NewServer(ServerOptions{
		Authenticator:    &auth.PasswordAuthenticator{Password: "sesame"},
		ChallengeTimeout: 50 * time.Millisecond,
	})
	se, ce := newWirePair(t, bytestream.TypeSocket, srv.Process, nil)
	srv.Attach(se.proto)
	t.Cleanup(srv.Cleanup)
	se.start(t)
	ce.start(t)

	// never say hello
	pkt := ce.waitFor(t, "disconnect")
	if got := pkt.StrPart(0); !strings.Contains(got, "no response") {
		t.Errorf("got disconnect reason %q, want a challenge timeout", got)
	}
}

func TestEncryptedHandshake(t *testing.T) {
	key := []byte("a shared secret")
	ssub := &echoSubsystem{}
	srv, cl, se, ce := connect(t, bytestream.TypeTCP,
		ServerOptions{EncryptionKey: key, Subsystems: []Subsystem{ssub}},
		ClientOptions{EncryptionKey: key})
	waitState(t, srv.State, StateRunning)
	waitState(t, cl.State, StateRunning)
	if !se.proto.IsSendingEncrypted() {
		t.Errorf("the server should be sending encrypted packets")
	}
	if !ce.proto.IsSendingEncrypted() {
		t.Errorf("the client should be sending encrypted packets")
	}
	// traffic still flows once both directions are encrypted
	if err := ce.proto.Send("echo-ping", "secret hi"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(ssub.pinged()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := ssub.pinged(); len(got) != 1 || got[0] != "secret hi" {
		t.Errorf("got pings %v, want [secret hi]", got)
	}
}

func TestEncryptedPasswordHandshake(t *testing.T) {
	key := []byte("a shared secret")
	srv, cl, se, ce := connect(t, bytestream.TypeTCP,
		ServerOptions{
			EncryptionKey: key,
			Authenticator: &auth.PasswordAuthenticator{Password: "sesame"},
		},
		ClientOptions{EncryptionKey: key, Password: "sesame"})
	waitState(t, srv.State, StateRunning)
	waitState(t, cl.State, StateRunning)
	if !se.proto.IsSendingEncrypted() || !ce.proto.IsSendingEncrypted() {
		t.Errorf("both directions should be encrypted")
	}
}

func TestEncryptionRequiredByClient(t *testing.T) {
	// the server has no key, the client insists on encryption
	_, cl, _, _ := connect(t, bytestream.TypeTCP,
		ServerOptions{},
		ClientOptions{EncryptionKey: []byte("a shared secret")})
	waitState(t, cl.State, StateDisconnected)
}

// writeSelfSigned generates a certificate and key pair on disk and
// returns the paths with the parsed certificate.
func writeSelfSigned(t *testing.T) (certFile, keyFile string, cert *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() failed: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() failed: %v", err)
	}
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate() failed: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("x509.MarshalECPrivateKey() failed: %v", err)
	}
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return certFile, keyFile, cert
}

func TestSSLUpgradeThenHandshake(t *testing.T) {
	certFile, keyFile, cert := writeSelfSigned(t)
	srv := NewServer(ServerOptions{
		TLS: &tlsutil.Config{CertFile: certFile, KeyFile: keyFile},
	})
	cl := NewClient(ClientOptions{
		TLS: &tlsutil.Config{PinnedCert: cert, ServerName: "localhost"},
	})
	se, ce := newWirePair(t, bytestream.TypeTCP, srv.Process, cl.Process)
	srv.Attach(se.proto)
	cl.Attach(ce.proto)
	t.Cleanup(srv.Cleanup)
	t.Cleanup(cl.Cleanup)
	se.start(t)
	ce.start(t)

	// the client initiates the upgrade before saying hello
	if err := cl.RequestSSLUpgrade(); err != nil {
		t.Fatalf("RequestSSLUpgrade() failed: %v", err)
	}
	if err := cl.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitState(t, srv.State, StateRunning)
	waitState(t, cl.State, StateRunning)
	if got := se.proto.Connection().SocketType(); got != bytestream.TypeSSL {
		t.Errorf("got server socket type %q, want %q", got, bytestream.TypeSSL)
	}
	if got := ce.proto.Connection().SocketType(); got != bytestream.TypeSSL {
		t.Errorf("got client socket type %q, want %q", got, bytestream.TypeSSL)
	}
}

func TestStateString(t *testing.T) {
	if got := StateChallengePending.String(); got != "CHALLENGE_PENDING" {
		t.Errorf("got %q", got)
	}
	if got := State(99).String(); !strings.Contains(got, "UNKNOWN") {
		t.Errorf("got %q", got)
	}
}
