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

package sshtun

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// Authentication methods for EmbeddedOptions.AuthOrder.
const (
	AuthNone      = "none"
	AuthAgent     = "agent"
	AuthPublicKey = "key"
	AuthPassword  = "password"
)

// DefaultAuthOrder is the order authentication methods are attempted
// in, first success wins.
var DefaultAuthOrder = []string{AuthNone, AuthAgent, AuthPublicKey, AuthPassword}

// maxPasswordAttempts bounds the password re-prompts.
const maxPasswordAttempts = 3

// DefaultConnectTimeout is the tcp + ssh handshake timeout.
const DefaultConnectTimeout = 10 * time.Second

// HostKeyPrompt decides whether to trust a server key that known
// hosts could not verify. It may block on user input.
type HostKeyPrompt func(host string, fingerprint string, mismatch bool) bool

// EmbeddedOptions describes an embedded mode tunnel.
type EmbeddedOptions struct {
	Host string
	Port int // 0 means 22
	User string

	// Password seeds the password method; when the server keeps
	// refusing it, PasswordPrompt is asked up to maxPasswordAttempts
	// times. A nil prompt means a single attempt.
	Password       string
	PasswordPrompt func() (string, bool)

	// IdentityFiles are candidate private keys. Encrypted keys ask
	// Passphrase, a nil callback skips them.
	IdentityFiles []string
	Passphrase    func(file string) (string, bool)

	// AgentSocket overrides $SSH_AUTH_SOCK.
	AgentSocket string

	// AuthOrder defaults to DefaultAuthOrder.
	AuthOrder []string

	// KnownHostsFiles defaults to ~/.ssh/known_hosts.
	KnownHostsFiles []string

	// StrictHostKey refuses any key that known hosts cannot verify.
	// Otherwise HostKeyPrompt decides, and a nil prompt rejects.
	StrictHostKey bool
	HostKeyPrompt HostKeyPrompt

	// PersistAcceptedKeys appends keys accepted by the prompt to the
	// first known hosts file.
	PersistAcceptedKeys bool

	ConnectTimeout time.Duration

	// the remote command, probed the same way as exec mode
	RemoteCommands []string
	ProxyArgs      []string
}

func sshKeyError(format string, args ...any) error {
	return stderror.WrapErrorWithType(fmt.Errorf(format, args...), stderror.SSH_KEY_ERROR)
}

func sshError(format string, args ...any) error {
	return stderror.WrapErrorWithType(fmt.Errorf(format, args...), stderror.SSH_ERROR)
}

// ConnectEmbedded establishes the tunnel with the built in ssh stack
// and returns a connection over the remote command's stdio.
func ConnectEmbedded(opts EmbeddedOptions) (*bytestream.PipeConnection, error) {
	port := opts.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(port))
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	hostKeyCB, hostKeyErr := hostKeyCallback(opts)
	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            authMethods(opts),
		HostKeyCallback: hostKeyCB,
		Timeout:         timeout,
	}

	rawConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("connection to %s failed: %w", addr, err), stderror.TRANSPORT_ERROR)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, config)
	if err != nil {
		rawConn.Close()
		// the host key callback's verdict is more precise than the
		// wrapped handshake error
		if *hostKeyErr != nil {
			return nil, *hostKeyErr
		}
		return nil, sshError("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	log.Infof("ssh connection to %s established", addr)

	conn, err := startRemoteCommand(client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	return conn, nil
}

// commandProbeDelay is how long a freshly started remote command gets
// to fail before we trust it, long enough to catch "command not
// found" exits.
const commandProbeDelay = 200 * time.Millisecond

// startRemoteCommand tries the candidate server commands one by one,
// each in its own exec session, and keeps the first one that starts
// and stays alive.
func startRemoteCommand(client *ssh.Client, opts EmbeddedOptions) (*bytestream.PipeConnection, error) {
	candidates := opts.RemoteCommands
	if len(candidates) == 0 {
		candidates = DefaultRemoteCommands
	}
	var lastErr error
	for _, candidate := range candidates {
		parts := []string{candidate}
		for _, arg := range opts.ProxyArgs {
			parts = append(parts, shellQuote(arg))
		}
		command := strings.Join(parts, " ")
		conn, err := startSession(client, command)
		if err != nil {
			log.Debugf("remote command %q failed: %v", command, err)
			lastErr = err
			continue
		}
		log.Infof("running remote command %q", command)
		return conn, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate commands")
	}
	return nil, sshError("no usable xpra command on the remote host: %w", lastErr)
}

func startSession(client *ssh.Client, command string) (*bytestream.PipeConnection, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, sshError("failed to open an ssh session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("session.StdinPipe() failed: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("session.StdoutPipe() failed: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("session.StderrPipe() failed: %w", err)
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Infof("ssh: %s", scanner.Text())
		}
	}()

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, sshError("failed to run the remote command: %w", err)
	}
	exited := make(chan error, 1)
	go func() {
		exited <- session.Wait()
	}()
	// a wrong candidate exits right away, give it a moment to do so
	select {
	case err := <-exited:
		session.Close()
		if err == nil {
			err = fmt.Errorf("exited immediately")
		}
		return nil, sshError("remote command failed: %w", err)
	case <-time.After(commandProbeDelay):
	}
	abortTest := func() error {
		select {
		case err := <-exited:
			exited <- err
			if err == nil {
				err = fmt.Errorf("the remote command has terminated")
			}
			return stderror.WrapErrorWithType(err, stderror.SSH_ERROR)
		default:
			return nil
		}
	}
	writer := &sessionCloser{WriteCloser: stdin, session: session, client: client}
	return bytestream.NewPipeConnection(writer, io.NopCloser(stdout), bytestream.TypeSSH, abortTest), nil
}

// sessionCloser tears the whole tunnel down when the connection is
// closed, not just the stdin stream.
type sessionCloser struct {
	io.WriteCloser
	session *ssh.Session
	client  *ssh.Client
}

func (s *sessionCloser) Close() error {
	err := s.WriteCloser.Close()
	s.session.Close()
	s.client.Close()
	return err
}

func authMethods(opts EmbeddedOptions) []ssh.AuthMethod {
	order := opts.AuthOrder
	if len(order) == 0 {
		order = DefaultAuthOrder
	}
	var methods []ssh.AuthMethod
	for _, mode := range order {
		switch mode {
		case AuthNone:
			// always attempted first by the transport itself
		case AuthAgent:
			if m := agentAuth(opts); m != nil {
				methods = append(methods, m)
			}
		case AuthPublicKey:
			if m := publicKeyAuth(opts); m != nil {
				methods = append(methods, m)
			}
		case AuthPassword:
			methods = append(methods, passwordAuth(opts))
		default:
			log.Errorf("ignoring unknown ssh authentication mode %q", mode)
		}
	}
	return methods
}

func agentAuth(opts EmbeddedOptions) ssh.AuthMethod {
	socket := opts.AgentSocket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		log.Debugf("ssh agent is not reachable at %s: %v", socket, err)
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func publicKeyAuth(opts EmbeddedOptions) ssh.AuthMethod {
	var signers []ssh.Signer
	for _, file := range opts.IdentityFiles {
		pem, err := os.ReadFile(file)
		if err != nil {
			log.Debugf("cannot read identity file %s: %v", file, err)
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err == nil {
			signers = append(signers, signer)
			continue
		}
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && opts.Passphrase != nil {
			passphrase, ok := opts.Passphrase(file)
			if !ok {
				continue
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
			if err == nil {
				signers = append(signers, signer)
				continue
			}
		}
		log.Errorf("cannot parse identity file %s: %v", file, err)
	}
	if len(signers) == 0 {
		return nil
	}
	return ssh.PublicKeys(signers...)
}

func passwordAuth(opts EmbeddedOptions) ssh.AuthMethod {
	first := true
	callback := func() (string, error) {
		if first {
			first = false
			if opts.Password != "" {
				return opts.Password, nil
			}
		}
		if opts.PasswordPrompt == nil {
			return "", fmt.Errorf("no password available")
		}
		password, ok := opts.PasswordPrompt()
		if !ok {
			return "", fmt.Errorf("password prompt cancelled")
		}
		return password, nil
	}
	return ssh.RetryableAuthMethod(ssh.PasswordCallback(callback), maxPasswordAttempts)
}

// hostKeyCallback builds the verification callback. The returned
// error pointer carries the precise verdict out of the handshake.
func hostKeyCallback(opts EmbeddedOptions) (ssh.HostKeyCallback, *error) {
	verdict := new(error)
	files := opts.KnownHostsFiles
	if len(files) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			files = []string{filepath.Join(home, ".ssh", "known_hosts")}
		}
	}
	var existing []string
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	var verify ssh.HostKeyCallback
	if len(existing) > 0 {
		cb, err := knownhosts.New(existing...)
		if err != nil {
			log.Errorf("cannot load known hosts files %v: %v", existing, err)
		} else {
			verify = cb
		}
	}

	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		mismatch := false
		if verify != nil {
			err := verify(hostname, remote, key)
			if err == nil {
				log.Debugf("host key %s verified for %s", fingerprint, hostname)
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) {
				*verdict = sshKeyError("host key verification for %s failed: %w", hostname, err)
				return *verdict
			}
			mismatch = len(keyErr.Want) > 0
		}
		if mismatch {
			log.Errorf("HOST KEY MISMATCH for %s: the server presented %s", hostname, fingerprint)
		}
		if opts.StrictHostKey {
			reason := "is not in known hosts"
			if mismatch {
				reason = "does not match known hosts"
			}
			*verdict = sshKeyError("the host key of %s %s", hostname, reason)
			return *verdict
		}
		if opts.HostKeyPrompt == nil || !opts.HostKeyPrompt(hostname, fingerprint, mismatch) {
			*verdict = sshKeyError("the host key %s of %s was rejected", fingerprint, hostname)
			return *verdict
		}
		if opts.PersistAcceptedKeys && !mismatch && len(files) > 0 {
			if err := appendKnownHost(files[0], hostname, key); err != nil {
				log.Errorf("cannot record the host key of %s: %v", hostname, err)
			}
		}
		return nil
	}
	return callback, verdict
}

func appendKnownHost(file, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("os.MkdirAll() failed: %w", err)
	}
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("os.OpenFile() failed: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{hostname}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("f.WriteString() failed: %w", err)
	}
	return nil
}
