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

package tlsutil

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// CertStore persists accepted server certificates per host and port,
// one PEM file each, so the user is only asked once.
type CertStore struct {
	mu  sync.Mutex
	dir string
}

func NewCertStore(dir string) *CertStore {
	return &CertStore{dir: dir}
}

func (s *CertStore) path(host, port string) string {
	// colons are not portable in file names
	name := strings.ReplaceAll(net.JoinHostPort(host, port), ":", "_")
	return filepath.Join(s.dir, name+".pem")
}

// Lookup returns the certificate previously accepted for this
// endpoint, or nil.
func (s *CertStore) Lookup(host, port string) *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(host, port))
	if err != nil {
		return nil
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		log.Debugf("discarding unparseable stored certificate for %s:%s: %v", host, port, err)
		return nil
	}
	return cert
}

// Save records the certificate as accepted for this endpoint.
func (s *CertStore) Save(host, port string, cert *x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("os.MkdirAll() failed: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(s.path(host, port), data, 0o600); err != nil {
		return fmt.Errorf("os.WriteFile() failed: %w", err)
	}
	return nil
}

// ConfirmCallback decides whether to accept the certificate problem
// described by the confirmation. It may block on user input.
type ConfirmCallback func(*Confirmation) bool

// Establish wraps the connection as a TLS client, consulting the
// store and the confirmation callback when verification fails:
//   - a certificate already accepted for this host and port is pinned
//     without asking again;
//   - otherwise the callback decides, and an accepted certificate is
//     persisted in the store.
//
// store and confirm may both be nil, in which case any verification
// failure is fatal. redial returns a fresh connection for the retry
// handshake: the failed handshake left the original socket unusable.
func Establish(conn net.Conn, host, port string, cfg Config,
	store *CertStore, confirm ConfirmCallback,
	redial func() (net.Conn, error)) (*bytestream.SocketConnection, error) {
	if store != nil && cfg.PinnedCert == nil {
		if pinned := store.Lookup(host, port); pinned != nil {
			log.Debugf("using the stored certificate for %s:%s", host, port)
			cfg.PinnedCert = pinned
		}
	}
	// a hostname mismatch on top of a self signed certificate takes
	// two confirmations, there is nothing to ask beyond that
	const maxAttempts = 3
	for attempt := 0; ; attempt++ {
		sock, confirmation, err := WrapClient(conn, cfg)
		if err == nil {
			return sock, nil
		}
		if confirmation == nil || confirm == nil || attempt >= maxAttempts-1 {
			return nil, err
		}
		log.Infof("certificate verification failed for %s:%s: %s", host, port, confirmation.Reason)
		if !confirm(confirmation) {
			return nil, stderror.WrapErrorWithType(
				fmt.Errorf("server certificate rejected (%s)", confirmation.Reason), stderror.TLS_VERIFICATION_ERROR)
		}
		if store != nil && confirmation.Reason != ReasonHostnameMismatch {
			if err := store.Save(host, port, confirmation.Cert); err != nil {
				log.Errorf("failed to store the accepted certificate for %s:%s: %v", host, port, err)
			}
		}
		cfg = confirmation.Retry
		conn, err = redial()
		if err != nil {
			return nil, stderror.WrapErrorWithType(fmt.Errorf("reconnect failed: %w", err), stderror.TRANSPORT_ERROR)
		}
	}
}
