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

package leader

import (
	"testing"

	"github.com/victronenergy/dbus-acsystem/internal/member"
	"github.com/victronenergy/dbus-acsystem/internal/value"
)

func newTestMember(name string) *member.Proxy {
	return member.New(nil, name)
}

func TestIsSynchronisedPath(t *testing.T) {
	if !IsSynchronisedPath("/Ac/In/1/CurrentLimit") {
		t.Error("/Ac/In/1/CurrentLimit should be synchronised")
	}
	if !IsSynchronisedPath("/Settings/AlarmLevel/LowSoc") {
		t.Error("alarm level settings should be synchronised")
	}
	if IsSynchronisedPath("/Mode") {
		t.Error("/Mode is a leader-validated write, not a synchronised path")
	}
}

func TestIsSummaryPath(t *testing.T) {
	if !IsSummaryPath("/Ess/Sustain") {
		t.Error("/Ess/Sustain should be a summary path")
	}
	if IsSummaryPath("/Ac/Out/P") {
		t.Error("/Ac/Out/P is a tick-recomputed aggregate, not a registered summary reducer")
	}
}

func TestSumAcrossAllAbsentYieldsAbsent(t *testing.T) {
	m1 := newTestMember("com.victronenergy.multi.a")
	m2 := newTestMember("com.victronenergy.multi.b")
	got := sumAcross([]*member.Proxy{m1, m2}, "/Ac/Out/L1/P")
	if !got.IsAbsent() {
		t.Errorf("sumAcross(no values observed) = %v, want absent", got)
	}
}

func TestSumAcrossSumsObservedValues(t *testing.T) {
	m1 := newTestMember("com.victronenergy.multi.a")
	m2 := newTestMember("com.victronenergy.multi.b")
	m1.ApplyChange("/Ac/Out/L1/P", value.Float64(600))
	m2.ApplyChange("/Ac/Out/L1/P", value.Float64(400))
	got := sumAcross([]*member.Proxy{m1, m2}, "/Ac/Out/L1/P")
	f, ok := got.Float()
	if !ok || f != 1000 {
		t.Errorf("sumAcross = %v, want 1000", got)
	}
}

func TestFirstAcrossUsesSliceOrder(t *testing.T) {
	m1 := newTestMember("com.victronenergy.multi.a")
	m2 := newTestMember("com.victronenergy.multi.b")
	m1.ApplyChange("/DeviceInstance", value.Int64(5))
	m1.ApplyChange("/Ac/Out/L1/V", value.Float64(230))
	m2.ApplyChange("/DeviceInstance", value.Int64(1))
	m2.ApplyChange("/Ac/Out/L1/V", value.Float64(231))
	got := firstAcross([]*member.Proxy{m1, m2}, "/Ac/Out/L1/V")
	// firstAcross is order-of-slice, not device-instance order: it is used
	// after membersSlice() has already sorted by device instance.
	f, _ := got.Float()
	if f != 230 {
		t.Errorf("firstAcross = %v, want the first element's value (230)", got)
	}
}

func TestActiveInputDisconnectedWhenAnyMemberInvalid(t *testing.T) {
	a := &Aggregate{}
	m1 := newTestMember("com.victronenergy.multi.a")
	m1.ApplyChange("/Ac/ActiveIn/ActiveInput", value.Int64(1))
	m2 := newTestMember("com.victronenergy.multi.b")
	// m2 never reports a value: still absent.
	got := a.activeInput([]*member.Proxy{m1, m2})
	if i, _ := got.Int(); i != 0xF0 {
		t.Errorf("activeInput with one member absent = %v, want 0xF0", got)
	}
}

func TestActiveInputMaxOverMembers(t *testing.T) {
	a := &Aggregate{}
	m1 := newTestMember("com.victronenergy.multi.a")
	m1.ApplyChange("/Ac/ActiveIn/ActiveInput", value.Int64(0))
	m2 := newTestMember("com.victronenergy.multi.b")
	m2.ApplyChange("/Ac/ActiveIn/ActiveInput", value.Int64(1))
	got := a.activeInput([]*member.Proxy{m1, m2})
	if i, _ := got.Int(); i != 1 {
		t.Errorf("activeInput = %v, want 1 (max of 0 and 1)", got)
	}
}

func TestActiveInputNoMembers(t *testing.T) {
	a := &Aggregate{}
	got := a.activeInput(nil)
	if i, _ := got.Int(); i != 0xF0 {
		t.Errorf("activeInput(no members) = %v, want 0xF0", got)
	}
}

func TestNextControlTimeoutArmAndExpire(t *testing.T) {
	next, fire := nextControlTimeout(-1)
	if next != -1 || fire {
		t.Errorf("nextControlTimeout(idle) = (%d,%v), want (-1,false)", next, fire)
	}

	next, fire = nextControlTimeout(ControlTimeout)
	if next != ControlTimeout-1 || fire {
		t.Errorf("nextControlTimeout(armed) = (%d,%v), want (%d,false)", next, fire, ControlTimeout-1)
	}

	next, fire = nextControlTimeout(1)
	if next != 0 || !fire {
		t.Errorf("nextControlTimeout(1) = (%d,%v), want (0,true)", next, fire)
	}

	next, fire = nextControlTimeout(0)
	if next != -1 || fire {
		t.Errorf("nextControlTimeout(expiring) = (%d,%v), want (-1,false)", next, fire)
	}
}

func TestValidIntSet(t *testing.T) {
	if !validIntSet(value.Int64(251), 1, 2, 3, 4, 251) {
		t.Error("251 should be a valid /Mode value")
	}
	if validIntSet(value.Int64(5), 1, 2, 3, 4, 251) {
		t.Error("5 should not be a valid /Mode value")
	}
	if validIntSet(value.Str("x"), 1) {
		t.Error("a text value should never satisfy validIntSet")
	}
}

func TestValidFloatRange(t *testing.T) {
	if !validFloatRange(value.Float64(50), 0, 100) {
		t.Error("50 should be within [0,100]")
	}
	if validFloatRange(value.Float64(150), 0, 100) {
		t.Error("150 should be outside [0,100]")
	}
}
