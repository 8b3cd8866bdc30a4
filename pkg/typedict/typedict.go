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

// Package typedict implements the loosely typed capability dictionaries
// exchanged in hello packets. Accessors apply defaults and never fail on
// missing or mistyped keys, so peers with unknown capability keys remain
// compatible in both directions.
package typedict

import (
	"strconv"
	"strings"
)

// Dict is a string keyed map with heterogeneous values.
// The zero value is an empty dictionary.
type Dict map[string]any

// New returns an empty dictionary.
func New() Dict {
	return make(Dict)
}

// FromAny converts a decoded wire value into a Dict.
// It returns an empty dictionary if the value is not a map.
func FromAny(v any) Dict {
	switch m := v.(type) {
	case Dict:
		return m
	case map[string]any:
		return Dict(m)
	default:
		return New()
	}
}

// Has returns true if the key is present.
func (d Dict) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Keys returns all the keys of the dictionary.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}

// lookup resolves a possibly namespaced key. "file.enabled" is found
// either as a flat key or as key "enabled" inside the nested "file" dict.
func (d Dict) lookup(key string) (any, bool) {
	if v, ok := d[key]; ok {
		return v, true
	}
	prefix, rest, found := strings.Cut(key, ".")
	if !found {
		return nil, false
	}
	nested, ok := d[prefix]
	if !ok {
		return nil, false
	}
	return FromAny(nested).lookup(rest)
}

// BoolGet returns the boolean value of the key,
// or the default value if the key is missing or mistyped.
func (d Dict) BoolGet(key string, defaultValue bool) bool {
	v, ok := d.lookup(key)
	if !ok {
		return defaultValue
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return defaultValue
		}
		return b
	case []byte:
		b, err := strconv.ParseBool(string(t))
		if err != nil {
			return defaultValue
		}
		return b
	default:
		return defaultValue
	}
}

// IntGet returns the integer value of the key,
// or the default value if the key is missing or mistyped.
func (d Dict) IntGet(key string, defaultValue int) int {
	return int(d.Int64Get(key, int64(defaultValue)))
}

// Int64Get returns the 64 bit integer value of the key,
// or the default value if the key is missing or mistyped.
func (d Dict) Int64Get(key string, defaultValue int64) int64 {
	v, ok := d.lookup(key)
	if !ok {
		return defaultValue
	}
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case uint64:
		return int64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return defaultValue
		}
		return n
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return defaultValue
		}
		return n
	default:
		return defaultValue
	}
}

// StrGet returns the string value of the key,
// or the default value if the key is missing or mistyped.
func (d Dict) StrGet(key string, defaultValue string) string {
	v, ok := d.lookup(key)
	if !ok {
		return defaultValue
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return defaultValue
	}
}

// BytesGet returns the byte value of the key,
// or nil if the key is missing or mistyped.
func (d Dict) BytesGet(key string) []byte {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return nil
	}
}

// DictGet returns the nested dictionary value of the key,
// or an empty dictionary if the key is missing or mistyped.
func (d Dict) DictGet(key string) Dict {
	v, ok := d.lookup(key)
	if !ok {
		return New()
	}
	return FromAny(v)
}

// ListGet returns the list value of the key,
// or nil if the key is missing or mistyped.
func (d Dict) ListGet(key string) []any {
	v, ok := d.lookup(key)
	if !ok {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

// StrListGet returns the list value of the key with every element
// converted to a string. Elements that can't be converted are skipped.
func (d Dict) StrListGet(key string) []string {
	var out []string
	for _, v := range d.ListGet(key) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case []byte:
			out = append(out, string(t))
		}
	}
	return out
}

// Merge copies all the entries of other into this dictionary,
// overwriting existing keys.
func (d Dict) Merge(other Dict) {
	for k, v := range other {
		d[k] = v
	}
}
