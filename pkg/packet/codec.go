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
	"fmt"

	"github.com/zeebo/bencode"

	"github.com/Xpra-org/xpra-sub019/pkg/stderror"
	"github.com/Xpra-org/xpra-sub019/pkg/typedict"
)

// Packet is one decoded application packet: a type string followed by
// heterogeneous parts.
type Packet struct {
	Type  string
	Parts []any
}

// Part returns the nth part after the type string, or nil.
func (p *Packet) Part(n int) any {
	if n < 0 || n >= len(p.Parts) {
		return nil
	}
	return p.Parts[n]
}

// StrPart returns the nth part as a string.
func (p *Packet) StrPart(n int) string {
	switch v := p.Part(n).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// BytesPart returns the nth part as a byte slice.
func (p *Packet) BytesPart(n int) []byte {
	switch v := p.Part(n).(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// IntPart returns the nth part as an int64.
func (p *Packet) IntPart(n int) int64 {
	switch v := p.Part(n).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// BoolPart returns the nth part as a boolean.
func (p *Packet) BoolPart(n int) bool {
	return p.IntPart(n) != 0
}

// DictPart returns the nth part as a typed dictionary.
func (p *Packet) DictPart(n int) typedict.Dict {
	return typedict.FromAny(p.Part(n))
}

// Encode serializes a packet as a bencoded list. Booleans become
// integers because bencode has no boolean type, and nil parts become
// empty strings.
func Encode(p *Packet) ([]byte, error) {
	list := make([]any, 0, len(p.Parts)+1)
	list = append(list, p.Type)
	for _, part := range p.Parts {
		list = append(list, sanitize(part))
	}
	data, err := bencode.EncodeBytes(list)
	if err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("bencode.EncodeBytes() failed: %w", err), stderror.PROTOCOL_ERROR)
	}
	return data, nil
}

// Decode parses a bencoded packet payload.
func Decode(data []byte) (*Packet, error) {
	var list []any
	if err := bencode.DecodeBytes(data, &list); err != nil {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("bencode.DecodeBytes() failed: %w", err), stderror.PROTOCOL_ERROR)
	}
	if len(list) == 0 {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("empty packet"), stderror.PROTOCOL_ERROR)
	}
	ptype, ok := list[0].(string)
	if !ok || ptype == "" {
		return nil, stderror.WrapErrorWithType(fmt.Errorf("packet type is not a string"), stderror.PROTOCOL_ERROR)
	}
	return &Packet{Type: ptype, Parts: list[1:]}, nil
}

func sanitize(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case typedict.Dict:
		return sanitizeMap(map[string]any(t))
	case map[string]any:
		return sanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitize(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitize(v)
	}
	return out
}
