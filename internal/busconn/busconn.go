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

// Package busconn bootstraps a connection to the local object bus. It is
// generalised from the teacher's systemd.newDbus/newUserConnection/
// dbusAuthConnection trio: there, a flag picked between a private systemd
// connection, a user-session dbus connection, or the default system
// connection. Here the same shape picks between the system and session
// bus per spec.md §6's "--dbus {system|session}" flag.
package busconn

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// BusType identifies which of the two well-known buses to connect to.
type BusType string

const (
	System  BusType = "system"
	Session BusType = "session"
)

// ParseBusType parses the --dbus flag value, defaulting to System for any
// unrecognised value (spec.md §6: "default system").
func ParseBusType(s string) BusType {
	switch BusType(s) {
	case Session:
		return Session
	default:
		return System
	}
}

// Dial opens a fresh, authenticated connection to the named bus type and
// sends the Hello message so the connection is ready to request names and
// export objects. Each leader gets its own connection, mirroring the
// Python original's `make_bus().connect()` per leader.
func Dial(busType BusType) (*dbus.Conn, error) {
	var conn *dbus.Conn
	var err error
	switch busType {
	case Session:
		conn, err = dbus.SessionBusPrivate()
	default:
		conn, err = dbus.SystemBusPrivate()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s bus: %w", busType, err)
	}

	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate on %s bus: %w", busType, err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello on %s bus: %w", busType, err)
	}
	return conn, nil
}
