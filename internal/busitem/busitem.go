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

// Package busitem implements the com.victronenergy.BusItem object model
// used by every service on the Victron D-Bus: each published path is its
// own object exposing GetValue/GetText/SetValue and a PropertiesChanged
// signal. Generalised from other_examples' mitchese-shm-et340, which
// exports exactly this interface for a single-service grid meter; here a
// whole Table of items is exported under one connection on behalf of a
// leader aggregate.
package busitem

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/pkg/errors"

	"github.com/victronenergy/dbus-acsystem/internal/value"
)

const interfaceName = "com.victronenergy.BusItem"

const introspectXML = `
<node>
  <interface name="com.victronenergy.BusItem">
    <signal name="PropertiesChanged">
      <arg type="a{sv}" name="properties" />
    </signal>
    <method name="SetValue">
      <arg direction="in"  type="v" name="value" />
      <arg direction="out" type="i" />
    </method>
    <method name="GetText">
      <arg direction="out" type="s" />
    </method>
    <method name="GetValue">
      <arg direction="out" type="v" />
    </method>
  </interface>` + introspect.IntrospectDataString + `</node>`

// SetFunc validates and applies an incoming write. It returns false to
// reject the write (the bus-visible value is left unchanged, per spec.md
// §7.2). A nil SetFunc means the item is read-only.
type SetFunc func(v value.Value) bool

type item struct {
	mu        sync.Mutex
	value     value.Value
	writeable bool
	onSet     SetFunc
}

// Table is the set of items exported on one D-Bus connection under one
// service name — one per leader aggregate.
type Table struct {
	conn  *dbus.Conn
	mu    sync.RWMutex
	items map[dbus.ObjectPath]*item
}

// NewTable creates an (unexported) item table bound to conn. Call
// RequestName once all items are added.
func NewTable(conn *dbus.Conn) *Table {
	return &Table{conn: conn, items: make(map[dbus.ObjectPath]*item)}
}

// Add registers path with an initial value. If onSet is non-nil the path is
// writeable and incoming SetValue calls are routed through it. Re-adding an
// existing path updates its initial value and handler in place (used for
// the dynamically-keyed /Devices/<nad>/* entries).
func (t *Table) Add(path dbus.ObjectPath, initial value.Value, onSet SetFunc) error {
	t.mu.Lock()
	it, exists := t.items[path]
	if !exists {
		it = &item{}
		t.items[path] = it
	}
	it.value = initial
	it.writeable = onSet != nil
	it.onSet = onSet
	t.mu.Unlock()

	if exists {
		return nil
	}
	exported := &exportedItem{table: t, path: path}
	if err := t.conn.Export(exported, path, interfaceName); err != nil {
		return errors.Wrapf(err, "export %s", path)
	}
	if err := t.conn.Export(introspect.Introspectable(introspectXML), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return errors.Wrapf(err, "export introspection for %s", path)
	}
	return nil
}

// Get returns the currently published value of path, or value.None if path
// is not known.
func (t *Table) Get(path dbus.ObjectPath) value.Value {
	t.mu.RLock()
	it, ok := t.items[path]
	t.mu.RUnlock()
	if !ok {
		return value.None
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.value
}

// Set publishes a new value for path and emits PropertiesChanged. It is
// called from the monitor's dispatcher goroutine, from D-Bus write handlers
// and from a leader's settings watcher, so the cache is guarded by a mutex,
// which also keeps concurrent GetValue/GetText bus calls race-free.
func (t *Table) Set(path dbus.ObjectPath, v value.Value) {
	t.mu.RLock()
	it, ok := t.items[path]
	t.mu.RUnlock()
	if !ok {
		return
	}
	it.mu.Lock()
	it.value = v
	it.mu.Unlock()

	variant := v.Variant()
	props := map[string]dbus.Variant{"Value": {}}
	if variant != nil {
		props["Value"] = *variant
	}
	_ = t.conn.Emit(path, interfaceName+".PropertiesChanged", props)
}

// RequestName requests ownership of name on the table's connection,
// failing if it is already taken — the published leader name must be
// unique (spec.md §3's "published bus name" invariant).
func (t *Table) RequestName(name string) error {
	reply, err := t.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return errors.Wrapf(err, "request name %s", name)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", name)
	}
	return nil
}

// Close releases the underlying connection, and with it the leader's bus
// name (spec.md I6: "the last remove_service deletes the leader and
// releases its bus name").
func (t *Table) Close() error {
	return t.conn.Close()
}

type exportedItem struct {
	table *Table
	path  dbus.ObjectPath
}

func (e *exportedItem) GetValue() (dbus.Variant, *dbus.Error) {
	v := e.table.Get(e.path)
	variant := v.Variant()
	if variant == nil {
		return dbus.MakeVariant(""), nil
	}
	return *variant, nil
}

func (e *exportedItem) GetText() (string, *dbus.Error) {
	return e.table.Get(e.path).String(), nil
}

func (e *exportedItem) SetValue(v dbus.Variant) (int32, *dbus.Error) {
	e.table.mu.RLock()
	it, ok := e.table.items[e.path]
	e.table.mu.RUnlock()
	if !ok || !it.writeable {
		return 1, nil
	}
	accepted := it.onSet(value.FromVariant(&v))
	if !accepted {
		return 1, nil
	}
	return 0, nil
}
