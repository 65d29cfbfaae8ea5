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

// Package summary holds the pure, stateless reducers that fold a set of
// member readings for one path down to a single aggregate value. Grounded
// on original_source/summary.py's Summary/SummaryAll/SummaryAny/SummaryMax/
// SummaryFirst/SettingMixin hierarchy, re-expressed as plain functions
// (there is no per-instance state to hang a type on in Go).
package summary

import "github.com/victronenergy/dbus-acsystem/internal/value"

// Sample is one member's reading of a path, tagged with the device instance
// so First and DeviceState can be deterministic (spec.md §4.1 calls for
// "iteration order is not specified... pick lowest device instance").
type Sample struct {
	DeviceInstance int32
	Value          value.Value
}

// sortedByInstance returns samples ordered by ascending device instance
// without mutating the input.
func sortedByInstance(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DeviceInstance < out[j-1].DeviceInstance; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// All is 1 if every member's value is truthy, else 0. An empty member set
// yields 1, matching Python's all() over an empty iterable.
func All(samples []Sample) value.Value {
	for _, s := range samples {
		if !s.Value.Truthy() {
			return value.Int64(0)
		}
	}
	return value.Int64(1)
}

// Any is 1 if at least one member's value is truthy, else 0.
func Any(samples []Sample) value.Value {
	for _, s := range samples {
		if s.Value.Truthy() {
			return value.Int64(1)
		}
	}
	return value.Int64(0)
}

// Max is the maximum of the non-absent values, or absent if none.
func Max(samples []Sample) value.Value {
	values := make([]value.Value, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	return value.Max(values...)
}

// First returns the value reported by the member with the lowest device
// instance, or absent if there are no members. The value keeps the kind the
// member reported; a caller that publishes it as another kind converts it.
func First(samples []Sample) value.Value {
	if len(samples) == 0 {
		return value.None
	}
	ordered := sortedByInstance(samples)
	return ordered[0].Value
}

// State priority order for DeviceState, highest priority first.
var statePriority = []int64{
	2,    // FAULT
	0xFA, // BLOCKED
	9,    // INVERTING
	8,    // PASSTHRU
	10,   // ASSISTING
}

// DeviceState folds /State across members: if they all agree, that value;
// otherwise the first of statePriority that any member reports; otherwise
// the minimum of the non-absent states; absent if no member reports a state.
func DeviceState(samples []Sample) value.Value {
	var states []int64
	for _, s := range samples {
		if i, ok := s.Value.Int(); ok {
			states = append(states, i)
		}
	}
	if len(states) == 0 {
		return value.None
	}

	allSame := true
	for _, s := range states[1:] {
		if s != states[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return value.Int64(states[0])
	}

	present := make(map[int64]bool, len(states))
	for _, s := range states {
		present[s] = true
	}
	for _, p := range statePriority {
		if present[p] {
			return value.Int64(p)
		}
	}

	min := states[0]
	for _, s := range states[1:] {
		if s < min {
			min = s
		}
	}
	return value.Int64(min)
}

// OptionalAlarm behaves as Max when enabled is true, else always returns 0
// regardless of the member samples — spec.md §4.1's "initial value is 0
// regardless of members" falls out of this for an empty/disabled gate.
func OptionalAlarm(enabled bool, samples []Sample) value.Value {
	if !enabled {
		return value.Int64(0)
	}
	return Max(samples)
}
