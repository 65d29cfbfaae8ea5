// Copyright © 2021 Joel Baranick <jbaranick@gmail.com>
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
// 	  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package value holds the tagged value used throughout the aggregation
// engine: an int, a double, a text, or absent. Absent never compares equal
// to any concrete value.
package value

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind tags the concrete type carried by a Value.
type Kind uint8

const (
	Absent Kind = iota
	Int
	Double
	Text
)

// Value is an immutable tagged union of {int, double, text, absent}.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// None is the absent value.
var None = Value{kind: Absent}

func Int64(v int64) Value   { return Value{kind: Int, i: v} }
func Float64(v float64) Value { return Value{kind: Double, f: v} }
func Str(v string) Value    { return Value{kind: Text, s: v} }

// IsAbsent reports whether v carries no value.
func (v Value) IsAbsent() bool { return v.kind == Absent }

// Kind returns the tag of v.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer form of v, truncating doubles toward zero, and
// ok=false if v is absent or text.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case Int:
		return v.i, true
	case Double:
		return int64(v.f), true
	default:
		return 0, false
	}
}

// Float returns the floating-point form of v, and ok=false if v is absent or
// text.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case Int:
		return float64(v.i), true
	case Double:
		return v.f, true
	default:
		return 0, false
	}
}

// Text returns the string form of v, and ok=false if not a text value.
func (v Value) Text() (string, bool) {
	if v.kind != Text {
		return "", false
	}
	return v.s, true
}

// Truthy reports whether v is present and non-zero (for text, non-empty).
func (v Value) Truthy() bool {
	switch v.kind {
	case Int:
		return v.i != 0
	case Double:
		return v.f != 0
	case Text:
		return v.s != ""
	default:
		return false
	}
}

// Equal reports whether v and other carry the same content: values of the
// same tag compare by content, and an int and a double compare by numeric
// value. Absent never equals anything, including another absent value, matching
// spec.md §3's "absent never compares equal" rule.
func (v Value) Equal(other Value) bool {
	if v.kind == Absent || other.kind == Absent {
		return false
	}
	if v.kind != other.kind {
		// An int and a double with the same numeric value are considered
		// equal; this is how a leader item published as Double compares
		// against a member's Int reading of the same path.
		vf, vok := v.Float()
		of, ook := other.Float()
		return vok && ook && vf == of
	}
	switch v.kind {
	case Int:
		return v.i == other.i
	case Double:
		return v.f == other.f
	case Text:
		return v.s == other.s
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case Int:
		return fmt.Sprintf("%d", v.i)
	case Double:
		return fmt.Sprintf("%g", v.f)
	case Text:
		return v.s
	default:
		return "<absent>"
	}
}

// Variant converts v to a dbus.Variant, or nil if v is absent.
func (v Value) Variant() *dbus.Variant {
	switch v.kind {
	case Int:
		variant := dbus.MakeVariant(int32(v.i))
		return &variant
	case Double:
		variant := dbus.MakeVariant(v.f)
		return &variant
	case Text:
		variant := dbus.MakeVariant(v.s)
		return &variant
	default:
		return nil
	}
}

// FromVariant converts a dbus.Variant (as delivered by godbus) into a Value.
// A nil input, or a variant wrapping an empty interface, yields None.
func FromVariant(variant *dbus.Variant) Value {
	if variant == nil {
		return None
	}
	switch x := variant.Value().(type) {
	case int16:
		return Int64(int64(x))
	case int32:
		return Int64(int64(x))
	case int64:
		return Int64(x)
	case uint16:
		return Int64(int64(x))
	case uint32:
		return Int64(int64(x))
	case uint64:
		return Int64(int64(x))
	case float32:
		return Float64(float64(x))
	case float64:
		return Float64(x)
	case string:
		return Str(x)
	default:
		return None
	}
}

// SafeAdd implements the "sum of None-free values" rule from spec.md §4.3:
// if every operand is absent the result is absent, otherwise the present
// operands are summed with absent treated as zero.
func SafeAdd(values ...Value) Value {
	var sum float64
	anyPresent := false
	allInt := true
	for _, v := range values {
		f, ok := v.Float()
		if !ok {
			continue
		}
		anyPresent = true
		sum += f
		if v.kind != Int {
			allInt = false
		}
	}
	if !anyPresent {
		return None
	}
	if allInt {
		return Int64(int64(sum))
	}
	return Float64(sum)
}

// SafeFirst returns the first non-absent value in values, or None.
func SafeFirst(values ...Value) Value {
	for _, v := range values {
		if !v.IsAbsent() {
			return v
		}
	}
	return None
}

// Max returns the maximum of the non-absent values in values, or None if
// none are present.
func Max(values ...Value) Value {
	var best Value
	found := false
	for _, v := range values {
		if v.IsAbsent() {
			continue
		}
		if !found {
			best = v
			found = true
			continue
		}
		bf, _ := best.Float()
		vf, _ := v.Float()
		if vf > bf {
			best = v
		}
	}
	if !found {
		return None
	}
	return best
}
