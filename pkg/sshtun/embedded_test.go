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
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// testServer runs an embedded ssh server on the loopback interface.
type testServer struct {
	addr     *net.TCPAddr
	commands chan string
}

func startTestServer(t *testing.T, opts ServerOptions) *testServer {
	t.Helper()
	if opts.HostKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("ed25519.GenerateKey() failed: %v", err)
		}
		signer, err := ssh.NewSignerFromKey(priv)
		if err != nil {
			t.Fatalf("ssh.NewSignerFromKey() failed: %v", err)
		}
		opts.HostKey = signer
	}
	ts := &testServer{commands: make(chan string, 4)}
	if opts.Handle == nil {
		// record the command, then echo 5 bytes
		opts.Handle = func(command string, conn bytestream.Connection) {
			ts.commands <- command
			defer conn.Close()
			buf := make([]byte, 5)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			conn.Write(buf)
		}
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	ts.addr = listener.Addr().(*net.TCPAddr)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go ServeConn(conn, opts)
		}
	}()
	return ts
}

func clientOptions(ts *testServer, knownHosts string) EmbeddedOptions {
	return EmbeddedOptions{
		Host:            "127.0.0.1",
		Port:            ts.addr.Port,
		User:            "tester",
		Password:        "sesame",
		AuthOrder:       []string{AuthPassword},
		KnownHostsFiles: []string{knownHosts},
		HostKeyPrompt: func(host, fingerprint string, mismatch bool) bool {
			return !mismatch
		},
		PersistAcceptedKeys: true,
		RemoteCommands:      []string{"xpra"},
		ProxyArgs:           []string{"_proxy", ":10"},
	}
}

func TestEmbeddedTunnel(t *testing.T) {
	ts := startTestServer(t, ServerOptions{
		PasswordAuth: func(user string, password []byte) bool {
			return user == "tester" && string(password) == "sesame"
		},
	})
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	conn, err := ConnectEmbedded(clientOptions(ts, knownHosts))
	if err != nil {
		t.Fatalf("ConnectEmbedded() failed: %v", err)
	}
	defer conn.Close()

	if got := <-ts.commands; got != "xpra _proxy :10" {
		t.Errorf("the server ran %q, want %q", got, "xpra _proxy :10")
	}
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want %q", buf, "hello")
	}

	// the accepted host key was persisted: a strict reconnection
	// must succeed without any prompt
	data, err := os.ReadFile(knownHosts)
	if err != nil || !strings.Contains(string(data), "ssh-ed25519") {
		t.Fatalf("the host key was not persisted: %v", err)
	}
	opts := clientOptions(ts, knownHosts)
	opts.StrictHostKey = true
	opts.HostKeyPrompt = nil
	conn2, err := ConnectEmbedded(opts)
	if err != nil {
		t.Fatalf("strict reconnection failed: %v", err)
	}
	conn2.Close()
	<-ts.commands
}

func TestEmbeddedStrictUnknownHostKey(t *testing.T) {
	ts := startTestServer(t, ServerOptions{
		PasswordAuth: func(string, []byte) bool { return true },
	})
	opts := clientOptions(ts, filepath.Join(t.TempDir(), "known_hosts"))
	opts.StrictHostKey = true
	opts.HostKeyPrompt = nil
	_, err := ConnectEmbedded(opts)
	if err == nil {
		t.Fatalf("ConnectEmbedded() should fail on an unknown host key in strict mode")
	}
	if got := stderror.GetErrorType(err); got != stderror.SSH_KEY_ERROR {
		t.Errorf("got error type %v, want SSH_KEY_ERROR", got)
	}
}

func TestEmbeddedRejectedHostKey(t *testing.T) {
	ts := startTestServer(t, ServerOptions{
		PasswordAuth: func(string, []byte) bool { return true },
	})
	opts := clientOptions(ts, filepath.Join(t.TempDir(), "known_hosts"))
	opts.HostKeyPrompt = func(string, string, bool) bool { return false }
	_, err := ConnectEmbedded(opts)
	if err == nil {
		t.Fatalf("ConnectEmbedded() should fail when the prompt rejects the key")
	}
	if got := stderror.GetErrorType(err); got != stderror.SSH_KEY_ERROR {
		t.Errorf("got error type %v, want SSH_KEY_ERROR", got)
	}
}

func TestEmbeddedWrongPassword(t *testing.T) {
	ts := startTestServer(t, ServerOptions{
		PasswordAuth: func(user string, password []byte) bool { return false },
	})
	opts := clientOptions(ts, filepath.Join(t.TempDir(), "known_hosts"))
	opts.Password = "wrong"
	_, err := ConnectEmbedded(opts)
	if err == nil {
		t.Fatalf("ConnectEmbedded() should fail with a rejected password")
	}
	if got := stderror.GetErrorType(err); got != stderror.SSH_ERROR {
		t.Errorf("got error type %v, want SSH_ERROR", got)
	}
}

func TestEmbeddedDisallowedCommand(t *testing.T) {
	ts := startTestServer(t, ServerOptions{
		PasswordAuth: func(string, []byte) bool { return true },
	})
	opts := clientOptions(ts, filepath.Join(t.TempDir(), "known_hosts"))
	opts.RemoteCommands = []string{"rm"}
	opts.ProxyArgs = []string{"-rf", "/tmp/x"}
	if _, err := ConnectEmbedded(opts); err == nil {
		t.Fatalf("ConnectEmbedded() should fail when the command is not allowed")
	}
}

func TestEmbeddedConnectionRefused(t *testing.T) {
	// grab a port and close it again, nothing is listening there
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	opts := EmbeddedOptions{Host: "127.0.0.1", Port: port, User: "tester"}
	_, err = ConnectEmbedded(opts)
	if err == nil {
		t.Fatalf("ConnectEmbedded() should fail when nothing is listening")
	}
	if got := stderror.GetErrorType(err); got != stderror.TRANSPORT_ERROR {
		t.Errorf("got error type %v, want TRANSPORT_ERROR", got)
	}
}
