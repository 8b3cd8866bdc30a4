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

package filexfer

import (
	"os"
	"os/exec"
	"strings"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
)

// openFile opens a downloaded file with the configured open command.
func (h *Handler) openFile(path string) {
	h.execOpenCommand(path)
}

// openURL opens a URL with the configured open command rather than
// the platform URL dispatcher, which could point back to us.
func (h *Handler) openURL(url string) {
	h.execOpenCommand(url)
}

// execOpenCommand runs the allow-listed open command on the target.
// The child is tracked by the reaper, exit status is logged only.
func (h *Handler) execOpenCommand(target string) {
	command := h.cfg.Open.Command
	if command == "" {
		log.Warnf("cannot open %q: no open command configured", target)
		return
	}
	args := append(strings.Fields(command), target)
	cmd := exec.Command(args[0], args[1:]...)
	// marker to prevent open command loops
	cmd.Env = append(os.Environ(), "XPRA_XDG_OPEN=1")
	if h.opts.Reaper == nil {
		log.Warnf("cannot open %q: no process reaper", target)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Errorf("cannot open %q: %v", target, err)
		return
	}
	_, err := h.opts.Reaper.AddProcess(cmd, "open "+target, true, true, func(name string, exitErr error) {
		if exitErr != nil {
			log.Warnf("failed to open the downloaded content: %q returned %v", strings.Join(args, " "), exitErr)
		}
	})
	if err != nil {
		log.Errorf("cannot open %q: %v", target, err)
	}
}
