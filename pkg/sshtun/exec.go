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

// Package sshtun establishes the connection to a server that sits
// behind ssh. Two flavors: exec mode spawns the system ssh client and
// talks over its stdio, embedded mode runs its own ssh stack.
package sshtun

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Xpra-org/xpra-sub019/pkg/bytestream"
	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/reaper"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// DefaultRemoteCommands are the server binary candidates probed on
// the remote host, in order.
var DefaultRemoteCommands = []string{
	"xpra",
	"/usr/bin/xpra",
	"/usr/local/bin/xpra",
	"$XDG_RUNTIME_DIR/xpra/run-xpra",
}

// ExecOptions describes an exec mode tunnel.
type ExecOptions struct {
	Host string
	Port int // 0 means the ssh default
	User string

	// SSHCommand is the local client binary, "ssh" by default.
	SSHCommand string

	// IdentityFile is passed through as -i.
	IdentityFile string

	// RemoteCommands are the candidate server binaries, tried in
	// order on the remote host. DefaultRemoteCommands by default.
	RemoteCommands []string

	// ProxyArgs are appended to the matched remote binary,
	// ie: ["_proxy", ":10"].
	ProxyArgs []string
}

// BuildCommand returns the local ssh argv, without the remote command.
func (o ExecOptions) BuildCommand() []string {
	sshCmd := o.SSHCommand
	if sshCmd == "" {
		sshCmd = "ssh"
	}
	// -x: no X11 forwarding, -T: the remote command needs no pty
	args := []string{sshCmd, "-x", "-T"}
	if o.Port > 0 {
		args = append(args, "-p", strconv.Itoa(o.Port))
	}
	if o.User != "" {
		args = append(args, "-l", o.User)
	}
	if o.IdentityFile != "" {
		args = append(args, "-i", o.IdentityFile)
	}
	return append(args, o.Host)
}

// RemoteCommand builds the shell snippet that probes the candidate
// server binaries and runs the first one found. Bare names are
// checked with "command -v", absolute paths with a test for the
// executable bit.
func (o ExecOptions) RemoteCommand() string {
	candidates := o.RemoteCommands
	if len(candidates) == 0 {
		candidates = DefaultRemoteCommands
	}
	var b strings.Builder
	for i, candidate := range candidates {
		check := "if"
		if i > 0 {
			check = "elif"
		}
		if strings.ContainsAny(candidate, "/$") {
			fmt.Fprintf(&b, "%s [ -x %s ]; then ", check, candidate)
		} else {
			fmt.Fprintf(&b, "%s command -v %q > /dev/null 2>&1; then ", check, candidate)
		}
		b.WriteString(candidate)
		for _, arg := range o.ProxyArgs {
			b.WriteString(" ")
			b.WriteString(shellQuote(arg))
		}
		b.WriteString(";")
	}
	b.WriteString(`else echo "no run-xpra command found"; exit 1; fi`)
	return fmt.Sprintf("sh -c '%s'", b.String())
}

func shellQuote(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"'$`\\&|;<>()*?[]#~") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`").Replace(s) + `"`
}

// ConnectExec spawns the ssh client and returns a connection over its
// stdio. The child is registered with the reaper, and its death turns
// pending reads and writes into a connection-closed error that
// distinguishes "never connected" from "connection dropped".
func ConnectExec(opts ExecOptions, procs *reaper.Reaper) (*bytestream.PipeConnection, error) {
	argv := append(opts.BuildCommand(), opts.RemoteCommand())
	log.Debugf("executing ssh command: %s", strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("cmd.StdinPipe() failed: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cmd.StdoutPipe() failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("cmd.StderrPipe() failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("failed to run %q: %w", argv[0], err), stderror.SSH_ERROR)
	}

	// the ssh client chats on stderr, keep it out of the data stream
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Infof("ssh: %s", scanner.Text())
		}
	}()

	exited := make(chan error, 1)
	if _, err := procs.AddProcess(cmd, "ssh", true, false, func(_ string, err error) {
		exited <- err
	}); err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	abortTest := func() error {
		select {
		case err := <-exited:
			exited <- err
			if err == nil {
				err = fmt.Errorf("the ssh process has terminated")
			}
			return stderror.WrapErrorWithType(err, stderror.SSH_ERROR)
		default:
			return nil
		}
	}
	return bytestream.NewPipeConnection(stdin, stdout, bytestream.TypeSSH, abortTest), nil
}
