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

// Package auth implements the challenge digest scheme used to prove
// credential knowledge without transmitting the password: the server
// issues a salt, both sides combine it with a client salt using the
// negotiated salt digest, and the password is run through the main
// digest keyed with the combined salt.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// DefaultSaltLength is the size of a generated server or client salt.
const DefaultSaltLength = 64

// DigestXOR is the legacy plain xor digest. It leaks the password to
// anyone who can read the channel, so it is only ever allowed on
// encrypted or provably local connections.
const DigestXOR = "xor"

// digestPreference lists the supported digests, strongest first.
var digestPreference = []string{
	"hmac+sha512",
	"hmac+sha384",
	"hmac+sha256",
	"hmac+sha224",
	"hmac+sha1",
	"hmac",
	DigestXOR,
}

// Digests returns all the digests this implementation supports.
func Digests() []string {
	out := make([]string, len(digestPreference))
	copy(out, digestPreference)
	return out
}

// IsSafeDigest returns false for digests that expose the password on
// an unencrypted channel.
func IsSafeDigest(digest string) bool {
	return digest != DigestXOR
}

// ChooseDigest picks the strongest supported digest out of the
// options offered by the peer. It returns an error if none of the
// options is supported.
func ChooseDigest(options []string) (string, error) {
	for _, candidate := range digestPreference {
		for _, offered := range options {
			if offered == candidate {
				return candidate, nil
			}
		}
	}
	return "", stderror.WrapErrorWithType(fmt.Errorf("no supported digest in %v", options), stderror.AUTHENTICATION_ERROR)
}

// GetSalt generates a new random salt of the given length.
func GetSalt(length int) ([]byte, error) {
	if length <= 0 {
		length = DefaultSaltLength
	}
	salt := make([]byte, length)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand.Read() failed: %w", err)
	}
	return salt, nil
}

func hmacHash(digest string) (func() hash.Hash, error) {
	switch digest {
	case "hmac", "hmac+md5":
		// plain "hmac" historically meant md5; map it to sha1,
		// which every peer that offers "hmac" also offers
		return sha1.New, nil
	case "hmac+sha1":
		return sha1.New, nil
	case "hmac+sha224":
		return sha256.New224, nil
	case "hmac+sha256":
		return sha256.New, nil
	case "hmac+sha384":
		return sha512.New384, nil
	case "hmac+sha512":
		return sha512.New, nil
	default:
		return nil, stderror.WrapErrorWithType(fmt.Errorf("unsupported digest %q", digest), stderror.AUTHENTICATION_ERROR)
	}
}

// GenDigest computes the digest of the password keyed with the salt.
// For the hmac family the result is the lowercase hex encoding of the
// MAC. For xor, the salt is zero padded or truncated to the password
// length and combined bytewise.
func GenDigest(digest string, password, salt []byte) ([]byte, error) {
	if len(password) == 0 || len(salt) == 0 {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("empty password or salt"), stderror.AUTHENTICATION_ERROR)
	}
	if digest == DigestXOR {
		out := make([]byte, len(password))
		for i := range password {
			var s byte
			if i < len(salt) {
				s = salt[i]
			}
			out[i] = password[i] ^ s
		}
		return out, nil
	}
	h, err := hmacHash(digest)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h, password)
	mac.Write(salt)
	return []byte(hex.EncodeToString(mac.Sum(nil))), nil
}

// VerifyDigest recomputes the response and compares it in constant
// time. Any error during recomputation counts as a mismatch.
func VerifyDigest(digest string, password, salt, response []byte) bool {
	if len(response) == 0 {
		return false
	}
	expected, err := GenDigest(digest, password, salt)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, response)
}

// CombineSalts combines the client and server salts with the
// negotiated salt digest. The result keys the main auth digest.
func CombineSalts(saltDigest string, clientSalt, serverSalt []byte) ([]byte, error) {
	return GenDigest(saltDigest, clientSalt, serverSalt)
}
