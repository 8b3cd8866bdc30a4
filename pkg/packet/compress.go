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

package packet

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
)

// MinCompressSize is the smallest payload worth compressing.
// Below this the zlib header overhead usually wins.
const MinCompressSize = 378

// DefaultCompressLevel balances ratio against the cost of compressing
// every packet on the wire.
const DefaultCompressLevel = 3

// MayCompress compresses the payload if it is big enough and
// compression actually shrinks it. It returns the payload to send and
// the compression level to advertise in the header (0 for raw).
func MayCompress(data []byte, level int) ([]byte, int) {
	if level <= 0 || len(data) < MinCompressSize {
		return data, 0
	}
	if level > zlib.BestCompression {
		level = zlib.BestCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return data, 0
	}
	if _, err := w.Write(data); err != nil {
		return data, 0
	}
	if err := w.Close(); err != nil {
		return data, 0
	}
	if buf.Len() >= len(data) {
		// compression did not help, send raw
		return data, 0
	}
	return buf.Bytes(), level
}

// Decompress inflates a zlib compressed payload, refusing to inflate
// past the limit so a crafted small packet can't balloon in memory.
func Decompress(data []byte, limit int64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("zlib.NewReader() failed: %w", err), stderror.PROTOCOL_ERROR)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("decompression failed: %w", err), stderror.PROTOCOL_ERROR)
	}
	if int64(len(out)) > limit {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("decompressed payload exceeds %d bytes", limit), stderror.PROTOCOL_ERROR)
	}
	return out, nil
}
