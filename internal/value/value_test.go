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

package value

import "testing"

func TestAbsentNeverEqual(t *testing.T) {
	if None.Equal(None) {
		t.Error("None.Equal(None) = true, want false")
	}
	if None.Equal(Int64(0)) {
		t.Error("None.Equal(Int64(0)) = true, want false")
	}
	if Int64(0).Equal(None) {
		t.Error("Int64(0).Equal(None) = true, want false")
	}
}

func TestEqualAcrossIntAndDouble(t *testing.T) {
	if !Int64(3).Equal(Float64(3)) {
		t.Error("Int64(3).Equal(Float64(3)) = false, want true")
	}
	if Int64(3).Equal(Float64(3.5)) {
		t.Error("Int64(3).Equal(Float64(3.5)) = true, want false")
	}
}

func TestSafeAddAllAbsentYieldsAbsent(t *testing.T) {
	got := SafeAdd(None, None, None)
	if !got.IsAbsent() {
		t.Errorf("SafeAdd(all absent) = %v, want absent", got)
	}
}

func TestSafeAddTreatsAbsentAsZero(t *testing.T) {
	got := SafeAdd(Int64(2), None, Int64(3))
	i, ok := got.Int()
	if !ok || i != 5 {
		t.Errorf("SafeAdd(2, absent, 3) = %v, want 5", got)
	}
}

func TestSafeAddPromotesToDouble(t *testing.T) {
	got := SafeAdd(Int64(2), Float64(1.5))
	f, ok := got.Float()
	if !ok || f != 3.5 {
		t.Errorf("SafeAdd(2, 1.5) = %v, want 3.5", got)
	}
	if got.Kind() != Double {
		t.Errorf("SafeAdd(2, 1.5).Kind() = %v, want Double", got.Kind())
	}
}

func TestSafeFirst(t *testing.T) {
	got := SafeFirst(None, None, Int64(7), Int64(8))
	i, ok := got.Int()
	if !ok || i != 7 {
		t.Errorf("SafeFirst = %v, want 7", got)
	}
	if !SafeFirst(None, None).IsAbsent() {
		t.Error("SafeFirst(all absent) is not absent")
	}
}

func TestMax(t *testing.T) {
	got := Max(None, Int64(4), Int64(9), Int64(2))
	i, _ := got.Int()
	if i != 9 {
		t.Errorf("Max = %v, want 9", got)
	}
	if !Max().IsAbsent() {
		t.Error("Max() of nothing is not absent")
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Int64(0), false},
		{Int64(1), true},
		{Float64(0), false},
		{Str(""), false},
		{Str("x"), true},
		{None, false},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("%v.Truthy() = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestFromVariantRoundTrip(t *testing.T) {
	v := Int64(42)
	variant := v.Variant()
	if variant == nil {
		t.Fatal("Variant() returned nil for present value")
	}
	got := FromVariant(variant)
	if !got.Equal(v) {
		t.Errorf("FromVariant(Variant(42)) = %v, want 42", got)
	}
}

func TestNoneHasNilVariant(t *testing.T) {
	if None.Variant() != nil {
		t.Error("None.Variant() is not nil")
	}
}
