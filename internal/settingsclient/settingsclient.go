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

// Package settingsclient is the collaborator described in spec.md §4.5: a
// client of the persisted-settings service that can add a named setting
// (with default/min/max), read and write it, and be notified of changes.
// Grounded on original_source/settings.py and dbus-acsystem.py's
// wait_for_settings/add_settings/SettingsMonitor, which wrap aiovelib's
// localsettings client.
package settingsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/victronenergy/dbus-acsystem/internal/value"
)

// ServiceType is the well-known name of the persisted-settings service.
const ServiceType = "com.victronenergy.settings"

// Setting describes one setting to register, per spec.md §6 ("add
// setting (key, default, optional min, optional max, alias)").
type Setting struct {
	Path    string
	Default value.Value
	Min     *value.Value
	Max     *value.Value
}

// Change is a notification that a registered setting's value changed.
type Change struct {
	Path  string
	Value value.Value
}

// Client talks to the settings service on behalf of one leader.
type Client struct {
	conn  *dbus.Conn
	owner string

	mu     sync.Mutex
	values map[string]value.Value

	changes chan Change
	sigCh   chan *dbus.Signal
}

// Connect waits for the settings service to appear on conn's bus, up to
// the deadline carried by ctx (spec.md §5: "leader init awaits
// SETTINGS_SERVICE with a 5-second wall-clock timeout").
func Connect(ctx context.Context, conn *dbus.Conn) (*Client, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		var owner string
		bus := conn.BusObject()
		if err := bus.Call("org.freedesktop.DBus.GetNameOwner", 0, ServiceType).Store(&owner); err == nil && owner != "" {
			c := &Client{conn: conn, owner: owner, values: make(map[string]value.Value)}
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for settings service")
		case <-ticker.C:
		}
	}
}

// Add registers settings with the service and records their initial
// values, keyed by path.
func (c *Client) Add(settings ...Setting) error {
	obj := c.conn.Object(ServiceType, "/Settings")
	for _, s := range settings {
		args := []interface{}{s.Path, toVariantArg(s.Default)}
		if s.Min != nil {
			args = append(args, toVariantArg(*s.Min))
		}
		if s.Max != nil {
			args = append(args, toVariantArg(*s.Max))
		}
		var result int32
		if err := obj.Call("com.victronenergy.Settings.AddSetting", 0, args...).Store(&result); err != nil {
			return errors.Wrapf(err, "add setting %s", s.Path)
		}

		v, err := c.readValue(s.Path)
		if err != nil {
			v = s.Default
		}
		c.mu.Lock()
		c.values[s.Path] = v
		c.mu.Unlock()
	}
	return nil
}

func toVariantArg(v value.Value) interface{} {
	if variant := v.Variant(); variant != nil {
		return *variant
	}
	return dbus.MakeVariant("")
}

func (c *Client) readValue(path string) (value.Value, error) {
	obj := c.conn.Object(ServiceType, dbus.ObjectPath(path))
	var variant dbus.Variant
	if err := obj.Call("com.victronenergy.BusItem.GetValue", 0).Store(&variant); err != nil {
		return value.None, err
	}
	return value.FromVariant(&variant), nil
}

// Get returns the locally cached value of a registered setting.
func (c *Client) Get(path string) value.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[path]
}

// Set writes a registered setting back to the settings service and updates
// the local cache. Unlike member writes, this call blocks for its reply:
// settings writes are rare (custom name, alarm gates) and the leader can
// afford the round trip.
func (c *Client) Set(path string, v value.Value) error {
	variant := v.Variant()
	if variant == nil {
		return fmt.Errorf("cannot write absent value to setting %s", path)
	}
	obj := c.conn.Object(ServiceType, dbus.ObjectPath(path))
	var result int32
	if err := obj.Call("com.victronenergy.BusItem.SetValue", 0, *variant).Store(&result); err != nil {
		return errors.Wrapf(err, "set setting %s", path)
	}
	c.mu.Lock()
	c.values[path] = v
	c.mu.Unlock()
	return nil
}

// Watch subscribes to PropertiesChanged for every path added via Add, and
// returns a channel of Change notifications. The channel is fed by a
// dedicated goroutine that translates bus signals into Change values and
// updates the local cache; applying the changes is left to the receiver.
func (c *Client) Watch(ctx context.Context) (<-chan Change, error) {
	c.mu.Lock()
	paths := make([]string, 0, len(c.values))
	for p := range c.values {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	for _, p := range paths {
		rule := fmt.Sprintf("type='signal',interface='com.victronenergy.BusItem',member='PropertiesChanged',path='%s'", p)
		if call := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return nil, errors.Wrapf(call.Err, "watch setting %s", p)
		}
	}

	c.sigCh = make(chan *dbus.Signal, 16)
	c.conn.Signal(c.sigCh)
	c.changes = make(chan Change, 16)

	go func() {
		defer close(c.changes)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-c.sigCh:
				if !ok {
					return
				}
				if sig.Name != "com.victronenergy.BusItem.PropertiesChanged" {
					continue
				}
				path := string(sig.Path)
				if len(sig.Body) == 0 {
					continue
				}
				props, ok := sig.Body[0].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				variant, ok := props["Value"]
				if !ok {
					continue
				}
				v := value.FromVariant(&variant)
				c.mu.Lock()
				c.values[path] = v
				c.mu.Unlock()
				select {
				case c.changes <- Change{Path: path, Value: v}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return c.changes, nil
}
