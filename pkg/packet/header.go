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

// Package packet frames, serializes, optionally compresses and
// optionally encrypts discrete application packets over a byte stream
// connection, and runs the reader / writer / dispatch goroutines of
// one protocol session.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// HeaderSize is the size of the fixed packet header:
// magic, flags, compression level, chunk index, 32 bit payload size.
const HeaderSize = 8

// Magic is the first byte of every packet header.
const Magic = byte('P')

// Header flag bits.
const (
	FlagCipher = 0x2  // payload is encrypted
	FlagFlush  = 0x8  // no more chunks follow for this packet
	FlagZlib   = 0x10 // payload is zlib compressed
)

// Header describes one framed payload. A logical packet is the
// bencoded main payload at chunk index 0, optionally preceded by raw
// binary chunks at higher indexes that the receiver splices back into
// the decoded packet.
type Header struct {
	Flags      byte
	Level      byte // compression level, non zero only with FlagZlib
	ChunkIndex byte
	Size       uint32
}

// Pack writes the header into an 8 byte buffer.
func (h Header) Pack() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = Magic
	buf[1] = h.Flags
	buf[2] = h.Level
	buf[3] = h.ChunkIndex
	binary.BigEndian.PutUint32(buf[4:], h.Size)
	return buf
}

// UnpackHeader parses an 8 byte packet header.
func UnpackHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, stderror.ErrNoEnoughData
	}
	if buf[0] != Magic {
		return Header{}, stderror.WrapErrorWithType(
			fmt.Errorf("invalid packet header: 0x%02x", buf[0]), stderror.PROTOCOL_ERROR)
	}
	return Header{
		Flags:      buf[1],
		Level:      buf[2],
		ChunkIndex: buf[3],
		Size:       binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}
