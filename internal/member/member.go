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

// Package member is the client-side view of one RS multi unit on the bus.
// Grounded on original_source/rsservice.py's RsService/RsItem: a fixed set
// of watched paths, a per-path "first valid" latch, and non-blocking
// writes.
package member

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/common/log"

	"github.com/victronenergy/dbus-acsystem/internal/value"
)

// ServiceType is the D-Bus service-name prefix for an RS multi unit.
const ServiceType = "com.victronenergy.multi"

// EssentialPaths must all be valid before a member is admitted into a
// leader, per spec.md §4.2.
var EssentialPaths = []string{
	"/N2kSystemInstance",
	"/FirmwareVersion",
	"/Mode",
	"/Ac/In/1/CurrentLimit",
	"/Settings/Ess/MinimumSocLimit",
	"/Settings/Ess/Mode",
	"/Ess/DisableFeedIn",
}

// WatchedPaths is the full set of paths a member is subscribed to, per
// spec.md §3's MemberProxy field list and §4.2/§9's synchronised paths.
var WatchedPaths = buildWatchedPaths()

func buildWatchedPaths() []string {
	paths := append([]string{}, EssentialPaths...)
	paths = append(paths,
		"/ProductId",
		"/DeviceInstance",
		"/Devices/0/Gateway",
		"/Devices/0/Nad",
		"/State",
		"/Ac/ActiveIn/ActiveInput",
		"/Ac/In/1/CurrentLimitIsAdjustable",
		"/Ac/In/2/CurrentLimitIsAdjustable",
		"/Ac/In/1/Type", "/Ac/In/2/Type",
		"/Ac/Control/IgnoreAcIn1",
		"/Settings/Ac/In/CurrentLimitEnergyMeter",
		"/Ess/AcPowerSetpoint", "/Ess/InverterPowerSetpoint",
		"/Ess/UseInverterPowerSetpoint",
		"/Capabilities/HasAcPassthroughSupport",
		"/Ess/Sustain",
		"/Ess/ActiveSocLimit",
		"/Alarms/PhaseRotation", "/Alarms/HighTemperature", "/Alarms/Overload",
		"/Alarms/GridLost",
		"/Dc/0/Voltage", "/Dc/0/Current", "/Dc/0/Power",
		"/Soc",
	)
	for p := 1; p <= 3; p++ {
		for i := 1; i <= 2; i++ {
			paths = append(paths,
				fmt.Sprintf("/Ac/In/%d/L%d/P", i, p),
				fmt.Sprintf("/Ac/In/%d/L%d/I", i, p),
				fmt.Sprintf("/Ac/In/%d/L%d/V", i, p),
				fmt.Sprintf("/Ac/In/%d/L%d/F", i, p),
			)
		}
		paths = append(paths,
			fmt.Sprintf("/Ac/Out/L%d/P", p),
			fmt.Sprintf("/Ac/Out/L%d/I", p),
			fmt.Sprintf("/Ac/Out/L%d/V", p),
			fmt.Sprintf("/Ac/Out/L%d/F", p),
		)
	}
	for _, p := range AlarmSettings {
		paths = append(paths, p)
	}
	return paths
}

// AlarmSettings are the nine synchronised alarm-level settings, per
// spec.md §4.3.
var AlarmSettings = []string{
	"/Settings/AlarmLevel/HighTemperature",
	"/Settings/AlarmLevel/HighVoltage",
	"/Settings/AlarmLevel/HighVoltageAcOut",
	"/Settings/AlarmLevel/LowSoc",
	"/Settings/AlarmLevel/LowVoltage",
	"/Settings/AlarmLevel/LowVoltageAcOut",
	"/Settings/AlarmLevel/Overload",
	"/Settings/AlarmLevel/Ripple",
	"/Settings/AlarmLevel/ShortCircuit",
}

// DynamicEssFirmware is the minimum /FirmwareVersion that indicates a unit
// supports dynamic ESS control (spec.md §4.2).
const DynamicEssFirmware = 0x11713

// Proxy is the client view of one RS unit. ApplyChange is called both by
// the monitor's dispatcher goroutine and by FetchInitial on an admission
// goroutine, and WaitForValid and the accessor methods may be called
// concurrently with it, hence the mutex.
type Proxy struct {
	Name string // D-Bus bus name, e.g. com.victronenergy.multi.ttyUSB0_di30
	conn *dbus.Conn

	mu      sync.Mutex
	cache   map[string]value.Value
	latches map[string]chan struct{}

	maxCurrentLimit [2]value.Value
}

// New creates a proxy for busName on conn, with all watched paths absent
// until first observed.
func New(conn *dbus.Conn, busName string) *Proxy {
	p := &Proxy{
		Name:    busName,
		conn:    conn,
		cache:   make(map[string]value.Value, len(WatchedPaths)),
		latches: make(map[string]chan struct{}),
	}
	for _, path := range WatchedPaths {
		p.cache[path] = value.None
		p.latches[path] = make(chan struct{})
	}
	p.maxCurrentLimit[0] = value.None
	p.maxCurrentLimit[1] = value.None
	return p
}

// FetchInitial calls GetValue on every watched path and seeds the cache.
// Errors for individual paths are logged and leave that path absent —
// transient absence is never fatal (spec.md §7.1).
func (p *Proxy) FetchInitial() {
	for _, path := range WatchedPaths {
		v, err := p.getValue(path)
		if err != nil {
			log.With("member", p.Name).With("path", path).Debugf("initial GetValue failed: %v", err)
			continue
		}
		p.ApplyChange(path, v)
	}
}

func (p *Proxy) getValue(path string) (value.Value, error) {
	obj := p.conn.Object(p.Name, dbus.ObjectPath(path))
	var variant dbus.Variant
	if err := obj.Call("com.victronenergy.BusItem.GetValue", 0).Store(&variant); err != nil {
		return value.None, err
	}
	return value.FromVariant(&variant), nil
}

// ApplyChange updates path's cached value and, the first time it becomes
// non-absent, closes its "first valid" latch. Returns whether the cached
// value actually changed. Called by the monitor's dispatcher goroutine and
// by FetchInitial.
func (p *Proxy) ApplyChange(path string, v value.Value) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, known := p.cache[path]
	if known && (old.Equal(v) || (old.IsAbsent() && v.IsAbsent())) {
		return false
	}
	p.cache[path] = v
	if !v.IsAbsent() {
		if ch, ok := p.latches[path]; ok {
			select {
			case <-ch:
				// already closed
			default:
				close(ch)
			}
		}
	}
	return true
}

// Value returns the cached value of path.
func (p *Proxy) Value(path string) value.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache[path]
}

// WaitForValid blocks until every named path has first observed a
// non-absent value, or ctx is cancelled.
func (p *Proxy) WaitForValid(ctx context.Context, paths ...string) error {
	p.mu.Lock()
	chans := make([]chan struct{}, 0, len(paths))
	for _, path := range paths {
		ch, ok := p.latches[path]
		if !ok {
			ch = make(chan struct{})
			p.latches[path] = ch
		}
		chans = append(chans, ch)
	}
	p.mu.Unlock()

	for _, ch := range chans {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitForEssentialPaths waits on EssentialPaths, per spec.md §4.4 step 2.
func (p *Proxy) WaitForEssentialPaths(ctx context.Context) error {
	return p.WaitForValid(ctx, EssentialPaths...)
}

// FetchAcMaxLimits queries, once, the maximum permitted current limit for
// each AC input. Units that do not implement the companion GetMax method
// simply leave that input's limit absent.
func (p *Proxy) FetchAcMaxLimits() {
	for i := 0; i < 2; i++ {
		path := fmt.Sprintf("/Ac/In/%d/CurrentLimit", i+1)
		obj := p.conn.Object(p.Name, dbus.ObjectPath(path))
		var variant dbus.Variant
		if err := obj.Call("com.victronenergy.BusItem.GetMax", 0).Store(&variant); err != nil {
			continue
		}
		p.mu.Lock()
		p.maxCurrentLimit[i] = value.FromVariant(&variant)
		p.mu.Unlock()
	}
}

// MaxAcCurrentLimit returns the cached maximum current limit for input i
// (1 or 2).
func (p *Proxy) MaxAcCurrentLimit(i int) value.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCurrentLimit[i-1]
}

// Set writes v to path on the remote unit. The call is fire-and-forget:
// it does not block on the bus reply, matching spec.md §4.2's "writes to
// observed paths are non-blocking".
func (p *Proxy) Set(path string, v value.Value) {
	variant := v.Variant()
	if variant == nil {
		return
	}
	obj := p.conn.Object(p.Name, dbus.ObjectPath(path))
	call := obj.Go("com.victronenergy.BusItem.SetValue", 0, nil, *variant)
	go func() {
		if call == nil {
			return
		}
		if resp := <-call.Done; resp.Err != nil {
			log.With("member", p.Name).With("path", path).Debugf("write rejected: %v", resp.Err)
		}
	}()
}

// Typed accessors, per spec.md §4.2.

func (p *Proxy) SystemInstance() (int32, bool) {
	i, ok := p.Value("/N2kSystemInstance").Int()
	return int32(i), ok
}

func (p *Proxy) FirmwareVersion() (int64, bool) { return p.Value("/FirmwareVersion").Int() }

func (p *Proxy) HasDynamicEss() bool {
	v, ok := p.FirmwareVersion()
	return ok && v >= DynamicEssFirmware
}

func (p *Proxy) Gateway() string {
	s, ok := p.Value("/Devices/0/Gateway").Text()
	if !ok {
		return ""
	}
	return s
}

func (p *Proxy) NAD() (int64, bool) { return p.Value("/Devices/0/Nad").Int() }

func (p *Proxy) DeviceInstance() (int32, bool) {
	i, ok := p.Value("/DeviceInstance").Int()
	return int32(i), ok
}

func (p *Proxy) ProductID() value.Value { return p.Value("/ProductId") }

func (p *Proxy) Mode() value.Value { return p.Value("/Mode") }

func (p *Proxy) MinSoc() value.Value { return p.Value("/Settings/Ess/MinimumSocLimit") }

func (p *Proxy) EssMode() value.Value { return p.Value("/Settings/Ess/Mode") }

func (p *Proxy) DisableFeedIn() value.Value { return p.Value("/Ess/DisableFeedIn") }

func (p *Proxy) UseInverterSetpoint() value.Value { return p.Value("/Ess/UseInverterPowerSetpoint") }

func (p *Proxy) Setpoint() value.Value { return p.Value("/Ess/AcPowerSetpoint") }

func (p *Proxy) InverterSetpoint() value.Value { return p.Value("/Ess/InverterPowerSetpoint") }

func (p *Proxy) IgnoreAcIn1() value.Value { return p.Value("/Ac/Control/IgnoreAcIn1") }

func (p *Proxy) AcCurrentLimit(i int) value.Value {
	return p.Value(fmt.Sprintf("/Ac/In/%d/CurrentLimit", i))
}

func (p *Proxy) InputType(i int) value.Value {
	return p.Value(fmt.Sprintf("/Ac/In/%d/Type", i))
}

func (p *Proxy) CurrentLimitAdjustable(i int) bool {
	return p.Value(fmt.Sprintf("/Ac/In/%d/CurrentLimitIsAdjustable", i)).Truthy()
}
