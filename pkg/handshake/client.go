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
	"github.com/Xpra-org/xpra-sub019/pkg/tlsutil"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
	"github.com/Xpra-org/xpra-sub019/pkg/version"
)

// ClientOptions configures the client side of the handshake.
type ClientOptions struct {
	// Username and Password answer the server's challenge.
	Username string
	Password string

	// EncryptionKey requests packet level encryption.
	EncryptionKey []byte

	// TLS lets the client follow an in-band ssl-upgrade request.
	TLS *tlsutil.Config

	// AllowUnencryptedPassword permits the xor digest over a
	// connection that is neither encrypted nor local.
	AllowUnencryptedPassword bool

	Subsystems []Subsystem

	// OnRunning fires once the capability exchange completes.
	OnRunning func(peerCaps typedict.Dict)
}

// Client drives the handshake of an outbound connection.
type Client struct {
	endpoint
	opts ClientOptions

	passwordSent bool
}

// NewClient creates the handshake state machine for one outbound
// connection. The returned Client's Process method is the ProcessFunc
// for packet.New; call Attach once the session exists, then Start.
func NewClient(opts ClientOptions) *Client {
	c := &Client{opts: opts}
	c.subsystems = opts.Subsystems
	c.onRunning = opts.OnRunning
	c.state = StateConnected
	return c
}

// Attach binds the packet session and installs the pre-auth handlers.
func (c *Client) Attach(proto *packet.Protocol) {
	c.mu.Lock()
	c.proto = proto
	c.mu.Unlock()
	c.setHandlers(map[string]func(*packet.Packet){
		"hello":       c.handleHello,
		"challenge":   c.handleChallenge,
		"ssl-upgrade": c.handleSSLUpgrade,
		"disconnect":  c.handleDisconnect,
	})
}

// Cleanup tears down the subsystems.
func (c *Client) Cleanup() {
	c.cleanup()
}

// Start sends the first hello. With credentials configured, a reduced
// hello announces that a challenge is expected; the full capability
// hello follows with the challenge response.
func (c *Client) Start() error {
	caps := typedict.Dict{
		"version":     version.Version,
		"digest":      auth.Digests(),
		"salt-digest": auth.Digests(),
	}
	if c.opts.Username != "" {
		caps["username"] = c.opts.Username
	}
	if c.opts.Password != "" {
		caps["challenge"] = true
	} else {
		caps.Merge(c.subsystemCaps())
	}
	if err := c.setupEncryption(caps); err != nil {
		return err
	}
	c.setState(StateHelloSent)
	return c.proto.Send("hello", caps)
}

// setupEncryption generates our inbound cipher parameters and
// advertises them in the hello.
func (c *Client) setupEncryption(caps typedict.Dict) error {
	if len(c.opts.EncryptionKey) == 0 {
		return nil
	}
	if c.proto.IsSendingEncrypted() {
		return nil
	}
	inParams, err := newInboundCipher(c.opts.EncryptionKey)
	if err != nil {
		return encryptionError("newInboundCipher() failed: %v", err)
	}
	if err := c.proto.SetCipherIn(inParams); err != nil {
		return encryptionError("SetCipherIn() failed: %v", err)
	}
	caps["encryption"] = cipherCaps(inParams)
	return nil
}

// enableOutboundCipher applies the parameters the server advertised
// for its inbound direction.
func (c *Client) enableOutboundCipher(serverCaps typedict.Dict) error {
	if len(c.opts.EncryptionKey) == 0 || c.proto.IsSendingEncrypted() {
		return nil
	}
	if serverCaps.StrGet("cipher", "") == "" {
		return encryptionError("the server does not use or support encryption, cannot continue")
	}
	params, err := parseCipherCaps(serverCaps, c.opts.EncryptionKey)
	if err != nil {
		return encryptionError("invalid server encryption parameters: %v", err)
	}
	if err := c.proto.SetCipherOut(params); err != nil {
		return encryptionError("SetCipherOut() failed: %v", err)
	}
	log.Infof("packet encryption enabled: %v", params)
	return nil
}

// handleChallenge answers the server's challenge: combine the salts,
// digest the password, and send the full hello with the response.
func (c *Client) handleChallenge(pkt *packet.Packet) {
	serverSalt := pkt.BytesPart(0)
	authCaps := pkt.DictPart(1)
	digest := pkt.StrPart(2)
	saltDigest := pkt.StrPart(3)
	if saltDigest == "" {
		saltDigest = auth.DigestXOR
	}
	c.setState(StateChallengePending)

	if c.opts.Password == "" {
		c.disconnect(auth.ErrAuthenticationFailed, "this server requires authentication and no password is available")
		return
	}
	// never send a xor'ed password where it could be observed
	if !auth.IsSafeDigest(digest) && !isEncrypted(c.proto) {
		if !(isLocal(c.proto) || c.opts.AllowUnencryptedPassword) {
			c.disconnect(encryptionError("server requested the %q digest, cowardly refusing to use it without encryption", digest))
			return
		}
	}
	if !auth.IsSafeDigest(saltDigest) {
		// xor salt combination needs a salt length match
		if len(serverSalt) < 16 || len(serverSalt) > 256 {
			c.disconnect(protocolError("server salt length %d is invalid", len(serverSalt)))
			return
		}
	}
	saltLen := len(serverSalt)
	if auth.IsSafeDigest(saltDigest) {
		saltLen = 32
	}
	clientSalt, err := auth.GetSalt(saltLen)
	if err != nil {
		c.disconnect(protocolError("GetSalt() failed: %v", err))
		return
	}
	response, err := auth.ComputeResponse(digest, saltDigest, []byte(c.opts.Password), clientSalt, serverSalt)
	if err != nil {
		c.disconnect(protocolError("server requested the %q digest but it is not supported", digest))
		return
	}

	// the challenge may carry the server's cipher parameters
	if err := c.enableOutboundCipher(authCaps); err != nil {
		c.disconnect(err)
		return
	}

	caps := typedict.Dict{
		"version":               version.Version,
		"digest":                auth.Digests(),
		"salt-digest":           auth.Digests(),
		"challenge_response":    response,
		"challenge_client_salt": clientSalt,
	}
	if c.opts.Username != "" {
		caps["username"] = c.opts.Username
	}
	caps.Merge(c.subsystemCaps())
	c.passwordSent = true
	c.setState(StateHelloSent)
	if err := c.proto.Send("hello", caps); err != nil {
		c.disconnect(protocolError("Send() failed: %v", err))
	}
}

// handleHello processes the server's capability hello, the last step
// of the exchange.
func (c *Client) handleHello(pkt *packet.Packet) {
	caps := pkt.DictPart(0)
	c.setState(StateHelloReceived)
	if c.opts.Password != "" && !c.passwordSent {
		c.disconnect(auth.ErrAuthenticationFailed, "the server did not request our password")
		return
	}
	if err := version.CompatCheck(caps.StrGet("version", "")); err != nil {
		c.disconnect(err)
		return
	}
	if err := c.enableOutboundCipher(caps.DictGet("encryption")); err != nil {
		c.disconnect(err)
		return
	}
	c.setState(StateCapabilitiesExchanged)
	c.installSubsystems(caps)
	c.setState(StateRunning)
	if c.onRunning != nil {
		c.onRunning(caps)
	}
}

// RequestSSLUpgrade asks the server to upgrade the plaintext socket
// to TLS. Call it before Start; the server's acknowledgment triggers
// the TLS client handshake.
func (c *Client) RequestSSLUpgrade() error {
	if c.opts.TLS == nil {
		return protocolError("tls is not configured")
	}
	return c.proto.SendSSLUpgrade(nil)
}

// handleSSLUpgrade reacts to the server's upgrade acknowledgment:
// steal the parked socket, run the TLS handshake, resume packet I/O
// over the wrapped connection.
func (c *Client) handleSSLUpgrade(pkt *packet.Packet) {
	if c.opts.TLS == nil {
		c.disconnect(protocolError("server requested an ssl upgrade but tls is not configured"))
		return
	}
	conn, err := c.proto.StealConnection(time.Second)
	if err != nil {
		c.disconnect(protocolError("StealConnection() failed: %v", err))
		return
	}
	tlsConn, _, err := tlsutil.WrapClient(conn, *c.opts.TLS)
	if err != nil {
		c.disconnect(encryptionError("ssl upgrade failed: %v", err))
		return
	}
	c.proto.ResumeWith(tlsConn)
	log.Infof("upgraded connection to ssl")
}
