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

package typedict

import (
	"testing"
)

func TestTypedAccessors(t *testing.T) {
	d := Dict{
		"enabled":    int64(1),
		"size-limit": "1000",
		"name":       []byte("hello"),
		"chunks":     int64(65536),
	}
	if got := d.BoolGet("enabled", false); got != true {
		t.Errorf("BoolGet(enabled) = %v, want true", got)
	}
	if got := d.IntGet("size-limit", 0); got != 1000 {
		t.Errorf("IntGet(size-limit) = %d, want 1000", got)
	}
	if got := d.StrGet("name", ""); got != "hello" {
		t.Errorf("StrGet(name) = %q, want %q", got, "hello")
	}
	if got := d.Int64Get("chunks", 0); got != 65536 {
		t.Errorf("Int64Get(chunks) = %d, want 65536", got)
	}
}

func TestDefaultsOnMissingOrMistyped(t *testing.T) {
	d := Dict{
		"weird": []any{int64(1), int64(2)},
	}
	if got := d.BoolGet("missing", true); got != true {
		t.Errorf("BoolGet(missing) = %v, want the default", got)
	}
	if got := d.IntGet("weird", 42); got != 42 {
		t.Errorf("IntGet(weird) = %d, want the default 42", got)
	}
	if got := d.StrGet("weird", "fallback"); got != "fallback" {
		t.Errorf("StrGet(weird) = %q, want the default", got)
	}
	if got := d.BytesGet("missing"); got != nil {
		t.Errorf("BytesGet(missing) = %v, want nil", got)
	}
	if got := d.DictGet("missing"); len(got) != 0 {
		t.Errorf("DictGet(missing) = %v, want empty dict", got)
	}
}

func TestNamespacedLookup(t *testing.T) {
	d := Dict{
		"file": map[string]any{
			"enabled": int64(1),
			"chunks":  int64(32768),
		},
		"file.ask": int64(1),
	}
	if got := d.BoolGet("file.enabled", false); got != true {
		t.Errorf("BoolGet(file.enabled) = %v, want true", got)
	}
	if got := d.IntGet("file.chunks", 0); got != 32768 {
		t.Errorf("IntGet(file.chunks) = %d, want 32768", got)
	}
	// flat key wins when both forms are present
	if got := d.BoolGet("file.ask", false); got != true {
		t.Errorf("BoolGet(file.ask) = %v, want true", got)
	}
}

func TestStrListGet(t *testing.T) {
	d := Dict{
		"digests": []any{"hmac+sha256", []byte("xor"), int64(3)},
	}
	got := d.StrListGet("digests")
	want := []string{"hmac+sha256", "xor"}
	if len(got) != len(want) {
		t.Fatalf("StrListGet() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("StrListGet()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMerge(t *testing.T) {
	d := Dict{"a": int64(1), "b": int64(2)}
	d.Merge(Dict{"b": int64(3), "c": int64(4)})
	if got := d.IntGet("b", 0); got != 3 {
		t.Errorf("IntGet(b) after Merge = %d, want 3", got)
	}
	if got := d.IntGet("c", 0); got != 4 {
		t.Errorf("IntGet(c) after Merge = %d, want 4", got)
	}
}
