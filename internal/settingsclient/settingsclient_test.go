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

package settingsclient

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/victronenergy/dbus-acsystem/internal/value"
)

func TestGetUnregisteredPathReturnsZeroValue(t *testing.T) {
	c := &Client{values: make(map[string]value.Value)}
	got := c.Get("/Settings/Unknown")
	if !got.IsAbsent() {
		t.Errorf("Get(unregistered) = %v, want absent (zero value.Value)", got)
	}
}

func TestGetReturnsCachedValue(t *testing.T) {
	c := &Client{values: map[string]value.Value{"/Settings/CustomName": value.Str("living room")}}
	got := c.Get("/Settings/CustomName")
	if s, ok := got.Text(); !ok || s != "living room" {
		t.Errorf("Get(/Settings/CustomName) = %v, want \"living room\"", got)
	}
}

func TestToVariantArgPreservesPresentValue(t *testing.T) {
	arg := toVariantArg(value.Int64(42))
	variant, ok := arg.(dbus.Variant)
	if !ok {
		t.Fatalf("toVariantArg returned %T, want dbus.Variant", arg)
	}
	got := value.FromVariant(&variant)
	if i, ok := got.Int(); !ok || i != 42 {
		t.Errorf("FromVariant(toVariantArg(42)) = %v, want 42", got)
	}
}

func TestToVariantArgAbsentBecomesEmptyString(t *testing.T) {
	arg := toVariantArg(value.None)
	variant, ok := arg.(dbus.Variant)
	if !ok {
		t.Fatalf("toVariantArg returned %T, want dbus.Variant", arg)
	}
	if s, ok := variant.Value().(string); !ok || s != "" {
		t.Errorf("toVariantArg(None) = %v, want empty string variant", variant)
	}
}
