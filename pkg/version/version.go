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

// Package version knows how to parse and compare the dotted protocol
// versions exchanged in the hello packet.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// Version is the version we advertise in the hello packet.
const Version = "6.4"

// Numeric is Version, parsed.
var Numeric = []int{6, 4}

// minimum is the oldest peer version still supported.
var minimum = []int{3, 0}

// Parse converts a dotted version string into its numeric parts.
// Anything after a non numeric character is ignored, so "4.1-r2"
// parses as [4, 1].
func Parse(v string) ([]int, error) {
	var parts []int
	for _, field := range strings.Split(v, ".") {
		digits := field
		for i, r := range field {
			if r < '0' || r > '9' {
				digits = field[:i]
				break
			}
		}
		if digits == "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", v, err)
		}
		parts = append(parts, n)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("invalid version %q", v)
	}
	return parts, nil
}

// Compare returns -1, 0 or 1 comparing part by part, with missing
// parts counting as zero.
func Compare(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompatCheck verifies that a peer version can talk to us. The error
// carries the version error type, so the disconnect uses the
// incompatible-version reason.
func CompatCheck(remote string) error {
	if remote == "" {
		return stderror.WrapErrorWithType(fmt.Errorf("the remote version is not available"), stderror.VERSION_ERROR)
	}
	rv, err := Parse(remote)
	if err != nil {
		// unparseable versions are tolerated, the peer may be newer
		// than us with a scheme we don't know about
		return nil
	}
	if Compare(rv, minimum) < 0 {
		return stderror.WrapErrorWithType(fmt.Errorf("the remote version %q is too old, sorry", remote), stderror.VERSION_ERROR)
	}
	return nil
}
