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

// Package tlsutil wraps sockets with TLS. Certificate verification
// failures that a user can legitimately override (a self signed
// server, a hostname mismatch, an unknown CA) are reported as a
// Confirmation carrying a retry configuration that pins exactly the
// offending certificate, never one that disables verification
// wholesale.
package tlsutil

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// Client certificate verification modes for the server side.
const (
	VerifyNone     = "none"
	VerifyOptional = "optional"
	VerifyRequired = "required"
)

// Reasons a client side handshake may need user confirmation.
const (
	ReasonSelfSigned       = "self-signed"
	ReasonHostnameMismatch = "hostname-mismatch"
	ReasonUnknownCA        = "unknown-ca"
)

// Config describes one side of a TLS endpoint.
type Config struct {
	// server side: certificate and key
	CertFile string
	KeyFile  string

	// trust anchors, added to the system pool
	CAFile string
	CADir  string

	// server side client certificate policy
	VerifyMode string

	// ie: "1.2". Empty means the crypto/tls defaults.
	MinVersion string
	MaxVersion string

	// cipher suite names, ie: "TLS_AES_128_GCM_SHA256"
	Ciphers []string

	// client side: the name verified against the server certificate,
	// defaults to the host part of the address
	ServerName string

	// SkipHostnameCheck disables only the hostname verification,
	// the chain is still verified.
	SkipHostnameCheck bool

	// PinnedCert accepts exactly this certificate in place of chain
	// verification. Set by the retry configuration of a Confirmation.
	PinnedCert *x509.Certificate
}

// Confirmation describes a certificate problem the user may override,
// with the configuration to retry with once they do.
type Confirmation struct {
	Reason      string
	ServerName  string
	Cert        *x509.Certificate
	Fingerprint string

	// Retry is the original configuration plus exactly the exemption
	// this problem needs.
	Retry Config
}

func (c *Confirmation) String() string {
	return fmt.Sprintf("Confirmation{reason=%s, server=%s, fingerprint=%s}", c.Reason, c.ServerName, c.Fingerprint)
}

// Fingerprint returns the sha256 fingerprint of the certificate in
// the usual colon separated hex form.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

func tlsVersion(s string) (uint16, error) {
	switch s {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, stderror.WrapErrorWithType(fmt.Errorf("unsupported TLS version %q", s), stderror.TLS_VERIFICATION_ERROR)
}

func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}
	var ids []uint16
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, stderror.WrapErrorWithType(fmt.Errorf("unknown cipher suite %q", name), stderror.TLS_VERIFICATION_ERROR)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// certPool builds the trust anchors: the system pool plus the
// configured CA file and directory.
func certPool(cfg Config) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile() failed: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, stderror.WrapErrorWithType(fmt.Errorf("no certificate found in %s", cfg.CAFile), stderror.TLS_VERIFICATION_ERROR)
		}
	}
	if cfg.CADir != "" {
		entries, err := os.ReadDir(cfg.CADir)
		if err != nil {
			return nil, fmt.Errorf("os.ReadDir() failed: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(cfg.CADir, entry.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(pem)
		}
	}
	return pool, nil
}

func baseTLSConfig(cfg Config) (*tls.Config, error) {
	minVersion, err := tlsVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	maxVersion, err := tlsVersion(cfg.MaxVersion)
	if err != nil {
		return nil, err
	}
	suites, err := cipherSuites(cfg.Ciphers)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		CipherSuites: suites,
	}, nil
}

// Wrap performs the server side handshake.
func Wrap(conn net.Conn, cfg Config) (*bytestream.SocketConnection, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("missing TLS certificate or key file"), stderror.TLS_VERIFICATION_ERROR)
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("tls.LoadX509KeyPair() failed: %w", err), stderror.TLS_VERIFICATION_ERROR)
	}
	tlsConfig, err := baseTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{cert}
	switch cfg.VerifyMode {
	case "", VerifyNone:
		tlsConfig.ClientAuth = tls.NoClientCert
	case VerifyOptional:
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyRequired:
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, stderror.WrapErrorWithType(fmt.Errorf("invalid client verification mode %q", cfg.VerifyMode), stderror.TLS_VERIFICATION_ERROR)
	}
	if tlsConfig.ClientAuth != tls.NoClientCert {
		pool, err := certPool(cfg)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
	}
	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("TLS handshake failed: %w", err), stderror.TLS_VERIFICATION_ERROR)
	}
	logNegotiated(tlsConn)
	return bytestream.NewSocketConnection(tlsConn, bytestream.TypeSSL), nil
}

// WrapClient performs the client side handshake. When verification
// fails for a reason the user may override, the returned Confirmation
// is not nil and carries the configuration to retry with; any other
// failure is fatal.
func WrapClient(conn net.Conn, cfg Config) (*bytestream.SocketConnection, *Confirmation, error) {
	serverName := cfg.ServerName
	if serverName == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			serverName = host
		}
	}
	tlsConfig, err := baseTLSConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	pool, err := certPool(cfg)
	if err != nil {
		return nil, nil, err
	}
	// verification runs in verifyServerCert so that failures can be
	// classified and the offending certificate captured
	tlsConfig.InsecureSkipVerify = true
	tlsConfig.ServerName = serverName

	var verifyErr *verifyError
	tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		err := verifyServerCert(rawCerts, pool, serverName, cfg)
		if err != nil {
			errors.As(err, &verifyErr)
		}
		return err
	}
	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		if verifyErr != nil {
			confirm := &Confirmation{
				Reason:      verifyErr.reason,
				ServerName:  serverName,
				Cert:        verifyErr.cert,
				Fingerprint: Fingerprint(verifyErr.cert),
				Retry:       cfg,
			}
			if verifyErr.reason == ReasonHostnameMismatch {
				confirm.Retry.SkipHostnameCheck = true
			} else {
				confirm.Retry.PinnedCert = verifyErr.cert
			}
			return nil, confirm, stderror.WrapErrorWithType(err, stderror.TLS_VERIFICATION_ERROR)
		}
		return nil, nil, stderror.WrapErrorWithType(fmt.Errorf("TLS handshake failed: %w", err), stderror.TLS_VERIFICATION_ERROR)
	}
	logNegotiated(tlsConn)
	return bytestream.NewSocketConnection(tlsConn, bytestream.TypeSSL), nil, nil
}

// verifyError classifies a verification failure and keeps the
// certificate that caused it.
type verifyError struct {
	reason string
	cert   *x509.Certificate
	cause  error
}

func (e *verifyError) Error() string {
	return fmt.Sprintf("certificate verification failed (%s): %v", e.reason, e.cause)
}

func (e *verifyError) Unwrap() error {
	return e.cause
}

func verifyServerCert(rawCerts [][]byte, pool *x509.CertPool, serverName string, cfg Config) error {
	if len(rawCerts) == 0 {
		return stderror.WrapErrorWithType(fmt.Errorf("the server sent no certificate"), stderror.TLS_VERIFICATION_ERROR)
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("x509.ParseCertificate() failed: %w", err)
		}
		certs = append(certs, cert)
	}
	leaf := certs[0]

	if cfg.PinnedCert != nil {
		if leaf.Equal(cfg.PinnedCert) {
			log.Infof("server certificate matches the pinned certificate %s", Fingerprint(leaf))
			return nil
		}
		return &verifyError{
			reason: ReasonSelfSigned,
			cert:   leaf,
			cause:  fmt.Errorf("the server certificate does not match the pinned certificate"),
		}
	}

	opts := x509.VerifyOptions{
		Roots:         pool,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		reason := ReasonUnknownCA
		var unknownAuthority x509.UnknownAuthorityError
		if errors.As(err, &unknownAuthority) && len(certs) == 1 && isSelfSigned(leaf) {
			reason = ReasonSelfSigned
		}
		return &verifyError{reason: reason, cert: leaf, cause: err}
	}
	if !cfg.SkipHostnameCheck {
		if err := leaf.VerifyHostname(serverName); err != nil {
			return &verifyError{reason: ReasonHostnameMismatch, cert: leaf, cause: err}
		}
	}
	return nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func logNegotiated(conn *tls.Conn) {
	state := conn.ConnectionState()
	suite := tls.CipherSuiteName(state.CipherSuite)
	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		log.Infof("TLS established with %s: subject=%q fingerprint=%s", suite, leaf.Subject.String(), Fingerprint(leaf))
	} else {
		log.Infof("TLS established with %s", suite)
	}
}
