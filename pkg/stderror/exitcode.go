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

package stderror

// ExitCode is the process exit status that a connection failure maps to.
// The CLI layer prints an actionable message for each value, so every
// distinct failure stage must keep its own code.
type ExitCode int

const (
	ExitOK                   ExitCode = 0
	ExitConnectionLost       ExitCode = 1
	ExitTimeout              ExitCode = 2
	ExitEncryption           ExitCode = 5
	ExitSSLFailure           ExitCode = 8
	ExitSSLCertVerifyFailure ExitCode = 9
	ExitIncompatibleVersion  ExitCode = 10
	ExitConnectionFailed     ExitCode = 11
	ExitAuthenticationFailed ExitCode = 13
	ExitSSHKeyFailure        ExitCode = 16
	ExitSSHFailure           ExitCode = 17
	ExitFileTransferFailed   ExitCode = 18
)

// ExitCodeOf maps an error to the exit code of the process.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	switch GetErrorType(err) {
	case NO_ERROR:
		return ExitOK
	case VERSION_ERROR:
		return ExitIncompatibleVersion
	case AUTHENTICATION_ERROR:
		return ExitAuthenticationFailed
	case ENCRYPTION_ERROR:
		return ExitEncryption
	case TLS_VERIFICATION_ERROR:
		return ExitSSLCertVerifyFailure
	case TRANSFER_ERROR:
		return ExitFileTransferFailed
	case SSH_ERROR:
		return ExitSSHFailure
	case SSH_KEY_ERROR:
		return ExitSSHKeyFailure
	case TRANSPORT_ERROR:
		if IsConnRefused(err) {
			return ExitConnectionFailed
		}
		return ExitConnectionLost
	default:
		return ExitConnectionLost
	}
}
