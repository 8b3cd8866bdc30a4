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

package auth

import (
	"fmt"

	"github.com/Xpra-org/xpra-sub019/pkg/log"
	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

// ErrAuthenticationFailed is the only failure detail ever shared with
// the peer: revealing whether the username, password or digest choice
// was wrong would create an oracle.
var ErrAuthenticationFailed = stderror.WrapErrorWithType(fmt.Errorf("authentication failed"), stderror.AUTHENTICATION_ERROR)

// Authenticator verifies one authentication attempt.
// The challenge state is single use: it is created by GetChallenge and
// destroyed by the first Authenticate call, successful or not.
type Authenticator interface {
	// RequiresChallenge returns false for authenticators that accept
	// any peer (ie the "allow" and socket-peer-credential modules).
	RequiresChallenge() bool

	// GetChallenge creates the per attempt challenge state and returns
	// the server salt and the chosen digest. The digests argument
	// lists what the client supports.
	GetChallenge(digests []string) (salt []byte, digest string, err error)

	// ChooseSaltDigest picks the salt combination digest out of what
	// the client offers.
	ChooseSaltDigest(options []string) (string, error)

	// Authenticate verifies the challenge response carried in the
	// client hello. On any mismatch it returns
	// ErrAuthenticationFailed and the connection must be torn down.
	Authenticate(caps typedict.Dict) error
}

// PasswordAuthenticator verifies a shared password with the digest
// scheme. One instance serves one authentication attempt.
type PasswordAuthenticator struct {
	Username string
	Password string

	serverSalt []byte
	digest     string
	saltDigest string
	used       bool
}

var _ Authenticator = &PasswordAuthenticator{}

func (a *PasswordAuthenticator) RequiresChallenge() bool {
	return true
}

func (a *PasswordAuthenticator) GetChallenge(digests []string) ([]byte, string, error) {
	if a.serverSalt != nil {
		return nil, "", stderror.ErrAlreadyExist
	}
	digest, err := ChooseDigest(digests)
	if err != nil {
		return nil, "", err
	}
	salt, err := GetSalt(DefaultSaltLength)
	if err != nil {
		return nil, "", err
	}
	a.serverSalt = salt
	a.digest = digest
	return salt, digest, nil
}

func (a *PasswordAuthenticator) ChooseSaltDigest(options []string) (string, error) {
	saltDigest, err := ChooseDigest(options)
	if err != nil {
		return "", err
	}
	a.saltDigest = saltDigest
	return saltDigest, nil
}

func (a *PasswordAuthenticator) Authenticate(caps typedict.Dict) error {
	if a.used || a.serverSalt == nil {
		return ErrAuthenticationFailed
	}
	a.used = true
	serverSalt := a.serverSalt
	a.serverSalt = nil

	response := caps.BytesGet("challenge_response")
	clientSalt := caps.BytesGet("challenge_client_salt")
	if len(response) == 0 || len(clientSalt) == 0 {
		log.Debugf("missing challenge response or client salt")
		return ErrAuthenticationFailed
	}
	saltDigest := a.saltDigest
	if saltDigest == "" {
		saltDigest = DigestXOR
	}
	combined, err := CombineSalts(saltDigest, clientSalt, serverSalt)
	if err != nil {
		return ErrAuthenticationFailed
	}
	if !VerifyDigest(a.digest, []byte(a.Password), combined, response) {
		log.Warnf("%s challenge for %q does not match", a.digest, a.Username)
		return ErrAuthenticationFailed
	}
	return nil
}

// AllowAuthenticator accepts every connection. Used when the server
// has no credential requirement.
type AllowAuthenticator struct{}

var _ Authenticator = AllowAuthenticator{}

func (AllowAuthenticator) RequiresChallenge() bool {
	return false
}

func (AllowAuthenticator) GetChallenge(digests []string) ([]byte, string, error) {
	return nil, "", stderror.ErrInvalidOperation
}

func (AllowAuthenticator) ChooseSaltDigest(options []string) (string, error) {
	return "", stderror.ErrInvalidOperation
}

func (AllowAuthenticator) Authenticate(caps typedict.Dict) error {
	return nil
}

// ComputeResponse is the client side of the digest exchange: combine
// the salts, then digest the password with the combined salt.
func ComputeResponse(authDigest, saltDigest string, password, clientSalt, serverSalt []byte) ([]byte, error) {
	combined, err := CombineSalts(saltDigest, clientSalt, serverSalt)
	if err != nil {
		return nil, err
	}
	return GenDigest(authDigest, password, combined)
}
