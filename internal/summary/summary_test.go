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

package summary

import (
	"testing"

	"github.com/victronenergy/dbus-acsystem/internal/value"
)

func samples(vals ...value.Value) []Sample {
	out := make([]Sample, len(vals))
	for i, v := range vals {
		out[i] = Sample{DeviceInstance: int32(i), Value: v}
	}
	return out
}

func TestAll(t *testing.T) {
	if got := All(samples(value.Int64(1), value.Int64(1))); got != value.Int64(1) {
		t.Errorf("All(1,1) = %v, want 1", got)
	}
	if got := All(samples(value.Int64(1), value.Int64(0))); got != value.Int64(0) {
		t.Errorf("All(1,0) = %v, want 0", got)
	}
	if got := All(nil); got != value.Int64(1) {
		t.Errorf("All(empty) = %v, want 1", got)
	}
}

func TestAny(t *testing.T) {
	if got := Any(samples(value.Int64(0), value.Int64(0))); got != value.Int64(0) {
		t.Errorf("Any(0,0) = %v, want 0", got)
	}
	if got := Any(samples(value.Int64(0), value.Int64(1))); got != value.Int64(1) {
		t.Errorf("Any(0,1) = %v, want 1", got)
	}
}

func TestMaxReducer(t *testing.T) {
	got := Max(samples(value.Int64(2), value.None, value.Int64(5)))
	if i, _ := got.Int(); i != 5 {
		t.Errorf("Max = %v, want 5", got)
	}
	if !Max(samples(value.None, value.None)).IsAbsent() {
		t.Error("Max(all absent) is not absent")
	}
}

func TestFirstPicksLowestDeviceInstance(t *testing.T) {
	ss := []Sample{
		{DeviceInstance: 5, Value: value.Float64(99)},
		{DeviceInstance: 1, Value: value.Float64(42)},
		{DeviceInstance: 3, Value: value.Float64(7)},
	}
	got := First(ss)
	if f, _ := got.Float(); f != 42 {
		t.Errorf("First = %v, want 42 (lowest device instance)", got)
	}
	if !First(nil).IsAbsent() {
		t.Error("First(empty) is not absent")
	}
}

func TestDeviceStateAllAgree(t *testing.T) {
	got := DeviceState(samples(value.Int64(9), value.Int64(9)))
	if i, _ := got.Int(); i != 9 {
		t.Errorf("DeviceState(agree) = %v, want 9", got)
	}
}

func TestDeviceStatePriorityFold(t *testing.T) {
	// FAULT (2) outranks INVERTING (9) per spec.md's priority order.
	got := DeviceState(samples(value.Int64(9), value.Int64(2)))
	if i, _ := got.Int(); i != 2 {
		t.Errorf("DeviceState(9,2) = %v, want 2 (FAULT)", got)
	}
}

func TestDeviceStateFallsBackToMinimum(t *testing.T) {
	// Neither 3 nor 1 is in the priority list, so the minimum wins.
	got := DeviceState(samples(value.Int64(3), value.Int64(1)))
	if i, _ := got.Int(); i != 1 {
		t.Errorf("DeviceState(3,1) = %v, want 1 (minimum, no priority match)", got)
	}
}

func TestDeviceStateEmpty(t *testing.T) {
	if !DeviceState(nil).IsAbsent() {
		t.Error("DeviceState(empty) is not absent")
	}
}

func TestOptionalAlarmGating(t *testing.T) {
	ss := samples(value.Int64(2))
	if got := OptionalAlarm(false, ss); got != value.Int64(0) {
		t.Errorf("OptionalAlarm(disabled) = %v, want 0", got)
	}
	if got := OptionalAlarm(true, ss); got != value.Int64(2) {
		t.Errorf("OptionalAlarm(enabled) = %v, want 2", got)
	}
}
