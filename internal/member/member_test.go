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

package member

import (
	"context"
	"testing"
	"time"

	"github.com/victronenergy/dbus-acsystem/internal/value"
)

func TestApplyChangeReportsActualChange(t *testing.T) {
	p := New(nil, "com.victronenergy.multi.test")
	if changed := p.ApplyChange("/Mode", value.Int64(3)); !changed {
		t.Error("first ApplyChange with a new value reported no change")
	}
	if changed := p.ApplyChange("/Mode", value.Int64(3)); changed {
		t.Error("ApplyChange with the same value reported a change")
	}
	if changed := p.ApplyChange("/Mode", value.Int64(4)); !changed {
		t.Error("ApplyChange with a different value reported no change")
	}
}

func TestWaitForValidUnblocksOnFirstValue(t *testing.T) {
	p := New(nil, "com.victronenergy.multi.test")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.WaitForValid(ctx, "/Mode") }()

	time.Sleep(10 * time.Millisecond)
	p.ApplyChange("/Mode", value.Int64(3))

	if err := <-done; err != nil {
		t.Errorf("WaitForValid returned %v after value became valid", err)
	}
}

func TestWaitForValidRespectsContextCancellation(t *testing.T) {
	p := New(nil, "com.victronenergy.multi.test")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := p.WaitForValid(ctx, "/Mode"); err == nil {
		t.Error("WaitForValid returned nil for a path that never became valid")
	}
}

func TestHasDynamicEss(t *testing.T) {
	p := New(nil, "com.victronenergy.multi.test")
	p.ApplyChange("/FirmwareVersion", value.Int64(DynamicEssFirmware-1))
	if p.HasDynamicEss() {
		t.Error("HasDynamicEss() = true below the threshold firmware version")
	}
	p.ApplyChange("/FirmwareVersion", value.Int64(DynamicEssFirmware))
	if !p.HasDynamicEss() {
		t.Error("HasDynamicEss() = false at the threshold firmware version")
	}
}

func TestCurrentLimitAdjustable(t *testing.T) {
	p := New(nil, "com.victronenergy.multi.test")
	if p.CurrentLimitAdjustable(1) {
		t.Error("CurrentLimitAdjustable(1) = true before any value observed")
	}
	p.ApplyChange("/Ac/In/1/CurrentLimitIsAdjustable", value.Int64(1))
	if !p.CurrentLimitAdjustable(1) {
		t.Error("CurrentLimitAdjustable(1) = false after observing 1")
	}
}
