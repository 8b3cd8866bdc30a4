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

// Package wirecipher implements the per direction packet encryption
// negotiated during the hello exchange: AES in CBC or CTR mode, with
// the key stretched from the shared secret using PBKDF2.
package wirecipher

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

const (
	// DefaultIterations is the default PBKDF2 iteration count.
	DefaultIterations = 10000

	// MinIterations and MaxIterations bound what a peer may request,
	// so a hostile hello can't make us burn CPU on key stretching.
	MinIterations = 1000
	MaxIterations = 1000000

	// DefaultKeySize is the default AES key size in bytes.
	DefaultKeySize = 32

	DefaultMode    = "CBC"
	DefaultKeyHash = "SHA1"
	PaddingPKCS7   = "PKCS#7"
)

// Ciphers returns the supported cipher names.
func Ciphers() []string {
	return []string{"AES"}
}

// Modes returns the supported cipher modes.
func Modes() []string {
	return []string{"CBC", "CTR"}
}

// KeyHashes returns the supported key stretching hashes.
func KeyHashes() []string {
	return []string{"SHA1", "SHA256", "SHA384", "SHA512"}
}

// PaddingOptions returns the supported padding modes.
func PaddingOptions() []string {
	return []string{PaddingPKCS7}
}

// Params describes one direction of packet encryption, as negotiated
// in the "encryption" capability sub dictionary.
type Params struct {
	Cipher     string // ie: "AES"
	Mode       string // "CBC" or "CTR"
	IV         []byte
	KeyData    []byte // the shared secret the key is derived from
	KeySalt    []byte
	KeyHash    string
	KeySize    int
	Iterations int
	Padding    string
	AlwaysPad  bool
	Stream     bool
}

func (p Params) String() string {
	return fmt.Sprintf("Params{cipher=%s-%s, keyhash=%s, keysize=%d, iterations=%d, padding=%s, stream=%v}",
		p.Cipher, p.Mode, p.KeyHash, p.KeySize, p.Iterations, p.Padding, p.Stream)
}

// Validate checks the parameters without deriving a key.
func (p Params) Validate() error {
	if p.Cipher != "AES" {
		return stderror.WrapErrorWithType(fmt.Errorf("unsupported cipher %q", p.Cipher), stderror.ENCRYPTION_ERROR)
	}
	switch p.Mode {
	case "CBC", "CTR":
	default:
		return stderror.WrapErrorWithType(fmt.Errorf("unsupported cipher mode %q", p.Mode), stderror.ENCRYPTION_ERROR)
	}
	if len(p.KeyData) == 0 {
		return stderror.WrapErrorWithType(fmt.Errorf("missing encryption key data"), stderror.ENCRYPTION_ERROR)
	}
	switch p.KeySize {
	case 16, 24, 32:
	default:
		return stderror.WrapErrorWithType(fmt.Errorf("invalid key size %d", p.KeySize), stderror.ENCRYPTION_ERROR)
	}
	if p.Iterations < MinIterations || p.Iterations > MaxIterations {
		return stderror.WrapErrorWithType(fmt.Errorf("invalid iteration count %d", p.Iterations), stderror.ENCRYPTION_ERROR)
	}
	if p.Padding != "" && p.Padding != PaddingPKCS7 {
		return stderror.WrapErrorWithType(fmt.Errorf("unsupported padding %q", p.Padding), stderror.ENCRYPTION_ERROR)
	}
	if len(p.IV) != aes.BlockSize {
		return stderror.WrapErrorWithType(fmt.Errorf("invalid IV length %d", len(p.IV)), stderror.ENCRYPTION_ERROR)
	}
	return nil
}

// GetKey stretches the key data into an AES key using PBKDF2.
func GetKey(keyData, keySalt []byte, keyHash string, keySize, iterations int) ([]byte, error) {
	var h func() hash.Hash
	switch keyHash {
	case "", "SHA1":
		h = sha1.New
	case "SHA256":
		h = sha256.New
	case "SHA384":
		h = sha512.New384
	case "SHA512":
		h = sha512.New
	default:
		return nil, stderror.WrapErrorWithType(fmt.Errorf("unsupported key hash %q", keyHash), stderror.ENCRYPTION_ERROR)
	}
	return pbkdf2.Key(keyData, keySalt, iterations, keySize, h), nil
}

// NewIV generates a random initialization vector.
func NewIV() ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := crand.Read(iv); err != nil {
		return nil, fmt.Errorf("crand.Read() failed: %w", err)
	}
	return iv, nil
}

// Encryptor encrypts packet payloads for one direction.
// In stream mode the cipher state carries over from packet to packet,
// so packets must be encrypted in the order they are framed.
type Encryptor struct {
	params    Params
	key       []byte
	blockMode cipher.BlockMode // CBC
	stream    cipher.Stream    // CTR
}

// Decryptor decrypts packet payloads for one direction.
type Decryptor struct {
	params    Params
	key       []byte
	blockMode cipher.BlockMode
	stream    cipher.Stream
}

// NewEncryptor derives the key and prepares the outbound cipher state.
func NewEncryptor(p Params) (*Encryptor, error) {
	key, block, err := setup(p)
	if err != nil {
		return nil, err
	}
	e := &Encryptor{params: p, key: key}
	if p.Mode == "CTR" {
		e.stream = cipher.NewCTR(block, p.IV)
	} else {
		e.blockMode = cipher.NewCBCEncrypter(block, p.IV)
	}
	return e, nil
}

// NewDecryptor derives the key and prepares the inbound cipher state.
func NewDecryptor(p Params) (*Decryptor, error) {
	key, block, err := setup(p)
	if err != nil {
		return nil, err
	}
	d := &Decryptor{params: p, key: key}
	if p.Mode == "CTR" {
		d.stream = cipher.NewCTR(block, p.IV)
	} else {
		d.blockMode = cipher.NewCBCDecrypter(block, p.IV)
	}
	return d, nil
}

func setup(p Params) ([]byte, cipher.Block, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	key, err := GetKey(p.KeyData, p.KeySalt, p.KeyHash, p.KeySize, p.Iterations)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes.NewCipher() failed: %w", err)
	}
	return key, block, nil
}

// BlockSize returns the cipher block size in bytes.
func (e *Encryptor) BlockSize() int {
	return aes.BlockSize
}

// Encrypt encrypts the payload, applying PKCS#7 padding in CBC mode.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if e.stream != nil {
		out := make([]byte, len(plaintext))
		e.stream.XORKeyStream(out, plaintext)
		return out, nil
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	e.blockMode.CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts the payload, stripping PKCS#7 padding in CBC mode.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if d.stream != nil {
		out := make([]byte, len(ciphertext))
		d.stream.XORKeyStream(out, ciphertext)
		return out, nil
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("encrypted payload size %d is not a multiple of the block size", len(ciphertext)), stderror.ENCRYPTION_ERROR)
	}
	out := make([]byte, len(ciphertext))
	d.blockMode.CryptBlocks(out, ciphertext)
	return unpadPKCS7(out, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("empty padded payload"), stderror.ENCRYPTION_ERROR)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("invalid padding size %d", padLen), stderror.ENCRYPTION_ERROR)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, stderror.WrapErrorWithType(fmt.Errorf("corrupted padding"), stderror.ENCRYPTION_ERROR)
		}
	}
	return data[:len(data)-padLen], nil
}
