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

// Package leader is the per-system-instance aggregate published on the bus.
// Grounded on original_source/dbus-acsystem.py's Service class: the
// published item table, the write-contract validation/fan-out table, the
// control-timeout state machine and the per-tick aggregation.
package leader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"

	"github.com/victronenergy/dbus-acsystem/internal/busitem"
	"github.com/victronenergy/dbus-acsystem/internal/member"
	"github.com/victronenergy/dbus-acsystem/internal/settingsclient"
	"github.com/victronenergy/dbus-acsystem/internal/summary"
	"github.com/victronenergy/dbus-acsystem/internal/value"
)

// ControlTimeout is the number of seconds ESS control points stay armed
// after the last write before being forced back to zero (spec.md §4.3).
const ControlTimeout = 60

const gridLostSetting = "/Settings/Alarm/System/GridLost"

// SynchronisedPaths must be kept identical across all members of a leader,
// per spec.md §4.3/§9 and the supplemented entries from rsservice.py's
// synchronised_paths (Type, IgnoreAcIn1, CurrentLimitEnergyMeter).
var SynchronisedPaths = buildSynchronisedPaths()

func buildSynchronisedPaths() []string {
	paths := []string{
		"/Ac/In/1/CurrentLimit", "/Ac/In/2/CurrentLimit",
		"/Settings/Ess/MinimumSocLimit", "/Settings/Ess/Mode",
		"/Ac/In/1/Type", "/Ac/In/2/Type",
		"/Settings/Ac/In/CurrentLimitEnergyMeter",
		"/Ac/Control/IgnoreAcIn1",
	}
	return append(paths, member.AlarmSettings...)
}

var synchronisedSet = func() map[string]bool {
	m := make(map[string]bool, len(SynchronisedPaths))
	for _, p := range SynchronisedPaths {
		m[p] = true
	}
	return m
}()

// IsSynchronisedPath reports whether path must be kept equal across members.
func IsSynchronisedPath(path string) bool { return synchronisedSet[path] }

// Aggregate is one leader: the published object tree for a system instance
// and the set of member units it aggregates.
type Aggregate struct {
	mu                sync.Mutex
	systemInstance    int32
	hasSystemInstance bool
	gateway           string
	busName           string
	timeout           int

	table    *busitem.Table
	settings *settingsclient.Client
	cancel   context.CancelFunc

	members map[int32]*member.Proxy
}

// New creates and registers the leader for the system instance reported by
// first, dials its own bus connection via dial, registers its published
// items, requests its bus name, and connects to the settings service
// (failing, per spec.md §5, if that does not complete within 5 seconds).
func New(ctx context.Context, dial func() (*dbus.Conn, error), first *member.Proxy, processVersion string) (*Aggregate, error) {
	instance, hasInstance := first.SystemInstance()
	gateway := strings.ReplaceAll(first.Gateway(), ":", "_")
	suffix := "sys"
	if hasInstance {
		suffix = fmt.Sprintf("sys%d", instance)
	}
	busName := fmt.Sprintf("com.victronenergy.acsystem.%s_%s", gateway, suffix)

	conn, err := dial()
	if err != nil {
		return nil, errors.Wrap(err, "dial leader bus connection")
	}

	leaderCtx, cancel := context.WithCancel(ctx)
	a := &Aggregate{
		systemInstance:    instance,
		hasSystemInstance: hasInstance,
		gateway:           gateway,
		busName:           busName,
		timeout:           -1,
		table:             busitem.NewTable(conn),
		members:           make(map[int32]*member.Proxy),
		cancel:            cancel,
	}

	a.registerItems(processVersion)

	if err := a.table.RequestName(busName); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	settingsCtx, settingsCancel := context.WithTimeout(leaderCtx, 5*time.Second)
	defer settingsCancel()
	settings, err := settingsclient.Connect(settingsCtx, conn)
	if err != nil {
		cancel()
		conn.Close()
		return nil, errors.Wrap(err, "connect to settings service")
	}
	a.settings = settings

	customNameDefault := value.Str("")
	if err := settings.Add(
		settingsclient.Setting{Path: a.customNamePath(), Default: customNameDefault},
		settingsclient.Setting{Path: gridLostSetting, Default: value.Int64(0)},
	); err != nil {
		cancel()
		conn.Close()
		return nil, errors.Wrap(err, "register settings")
	}
	a.applyCustomName(settings.Get(a.customNamePath()))

	changes, err := settings.Watch(leaderCtx)
	if err != nil {
		log.With("leader", busName).Warnf("could not watch settings changes: %v", err)
	} else {
		go a.watchSettings(changes)
	}

	return a, nil
}

func (a *Aggregate) customNamePath() string {
	return fmt.Sprintf("/Settings/AcSystem/%d/CustomName", a.systemInstance)
}

func (a *Aggregate) watchSettings(changes <-chan settingsclient.Change) {
	for ch := range changes {
		switch ch.Path {
		case a.customNamePath():
			a.applyCustomName(ch.Value)
		case gridLostSetting:
			a.UpdateSummary("/Alarms/GridLost")
		}
	}
}

func (a *Aggregate) applyCustomName(v value.Value) {
	a.table.Set("/CustomName", a.displayCustomName(v))
}

func (a *Aggregate) displayCustomName(v value.Value) value.Value {
	s, ok := v.Text()
	if !ok || s == "" {
		return value.Str(fmt.Sprintf("RS system (%d)", a.systemInstance))
	}
	return v
}

// BusName returns the published D-Bus name of this leader.
func (a *Aggregate) BusName() string { return a.busName }

// SystemInstance returns the system instance this leader aggregates, and
// whether it is known (it always is, by construction: §4.4 admission drops
// members with no system instance before a leader can be created for them).
func (a *Aggregate) SystemInstance() (int32, bool) {
	return a.systemInstance, a.hasSystemInstance
}

// MemberCount returns the number of members currently aggregated.
func (a *Aggregate) MemberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members)
}

// ControlTimeoutRemaining returns the current value of T, per spec.md §4.3.
func (a *Aggregate) ControlTimeoutRemaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

func (a *Aggregate) membersSlice() []*member.Proxy {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*member.Proxy, 0, len(a.members))
	for _, m := range a.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		di, _ := out[i].DeviceInstance()
		dj, _ := out[j].DeviceInstance()
		return di < dj
	})
	return out
}

// HasMember reports whether p is currently a member of this leader.
func (a *Aggregate) HasMember(p *member.Proxy) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	di, ok := p.DeviceInstance()
	if !ok {
		return false
	}
	return a.members[di] == p
}

// AddMember adds p to the aggregate, refreshing its per-device info items
// and the summaries it can now influence (spec.md §4.4 step 6).
func (a *Aggregate) AddMember(p *member.Proxy) {
	di, _ := p.DeviceInstance()
	a.mu.Lock()
	a.members[di] = p
	a.mu.Unlock()
	a.addDeviceInfo(p)
	a.refreshAllSummaries()
}

// RemoveMember removes p from the aggregate and reports whether the
// aggregate is now empty (in which case the caller must destroy it,
// spec.md I6).
func (a *Aggregate) RemoveMember(p *member.Proxy) bool {
	di, _ := p.DeviceInstance()
	a.mu.Lock()
	delete(a.members, di)
	empty := len(a.members) == 0
	a.mu.Unlock()
	if empty {
		return true
	}
	a.removeDeviceInfo(p)
	a.refreshAllSummaries()
	return false
}

func (a *Aggregate) addDeviceInfo(p *member.Proxy) {
	nad, _ := p.NAD()
	di, _ := p.DeviceInstance()
	serviceName := p.Name
	if p.HasDynamicEss() {
		serviceName += " (dynamic ESS)"
	}
	_ = a.table.Add(dbus.ObjectPath(fmt.Sprintf("/Devices/%d/Service", nad)), value.Str(serviceName), nil)
	_ = a.table.Add(dbus.ObjectPath(fmt.Sprintf("/Devices/%d/Instance", nad)), value.Int64(int64(di)), nil)
}

func (a *Aggregate) removeDeviceInfo(p *member.Proxy) {
	nad, _ := p.NAD()
	a.table.Set(dbus.ObjectPath(fmt.Sprintf("/Devices/%d/Service", nad)), value.None)
	a.table.Set(dbus.ObjectPath(fmt.Sprintf("/Devices/%d/Instance", nad)), value.None)
}

// Close tears the leader down: releases its bus name and connection.
func (a *Aggregate) Close() error {
	a.cancel()
	return a.table.Close()
}

// SynchronisedValue returns the leader's currently published value for a
// synchronised path, used by the monitor to bring a newly admitted member
// into line before it formally joins (spec.md §4.4 step 5).
func (a *Aggregate) SynchronisedValue(path string) value.Value {
	return a.table.Get(dbus.ObjectPath(path))
}

// HandleSynchronisedChange implements spec.md §4.4's per-notification rule
// for synchronised paths: write the new value to every other member whose
// cached value differs, and publish it on the leader if it differs there.
func (a *Aggregate) HandleSynchronisedChange(source *member.Proxy, path string, v value.Value) {
	for _, m := range a.membersSlice() {
		if m == source {
			continue
		}
		if !m.Value(path).Equal(v) {
			m.Set(path, v)
		}
	}
	if !a.table.Get(dbus.ObjectPath(path)).Equal(v) {
		a.table.Set(dbus.ObjectPath(path), v)
	}
}

// armControlTimeout resets T to ControlTimeout, per spec.md §4.3: writes to
// DisableFeedIn, AcPowerSetpoint or InverterPowerSetpoint (re)arm it.
func (a *Aggregate) armControlTimeout() {
	a.mu.Lock()
	a.timeout = ControlTimeout
	a.mu.Unlock()
}

// nextControlTimeout is the pure transition function of the T state
// machine in spec.md §4.3: Idle is -1, Armed is any T > 0, Expiring is
// T == 0. fire reports the single tick where T first reaches 0.
func nextControlTimeout(prev int) (next int, fire bool) {
	next = prev
	if prev > -1 {
		next = prev - 1
		if next < -1 {
			next = -1
		}
	}
	return next, prev > 0 && next == 0
}

// TimeoutTick advances the control-timeout state machine by one second and,
// on the transition into Expiring, forces every ESS control point back to
// zero. Must be called once per second by the monitor's ticker.
func (a *Aggregate) TimeoutTick() {
	a.mu.Lock()
	next, fire := nextControlTimeout(a.timeout)
	a.timeout = next
	a.mu.Unlock()

	if fire {
		a.releaseEssControl()
	}
}

func (a *Aggregate) releaseEssControl() {
	for _, m := range a.membersSlice() {
		m.Set("/Ess/AcPowerSetpoint", value.Float64(0))
		m.Set("/Ess/InverterPowerSetpoint", value.Float64(0))
		m.Set("/Ess/DisableFeedIn", value.Int64(0))
		m.Set("/Ess/UseInverterPowerSetpoint", value.Int64(0))
	}
	a.table.Set("/Ess/AcPowerSetpoint", value.Float64(0))
	a.table.Set("/Ess/InverterPowerSetpoint", value.Float64(0))
}

// Write-contract command handlers, registered as SetFuncs at item-add time
// (spec.md §4.3's write-contract table).

func validIntSet(v value.Value, allowed ...int64) bool {
	iv, ok := v.Int()
	if !ok {
		return false
	}
	for _, a := range allowed {
		if iv == a {
			return true
		}
	}
	return false
}

func validIntRange(v value.Value, min, max int64) bool {
	iv, ok := v.Int()
	return ok && iv >= min && iv <= max
}

func validFloatRange(v value.Value, min, max float64) bool {
	fv, ok := v.Float()
	return ok && fv >= min && fv <= max
}

func (a *Aggregate) setMode(v value.Value) bool {
	if !validIntSet(v, 1, 2, 3, 4, 251) {
		return false
	}
	for _, m := range a.membersSlice() {
		m.Set("/Mode", v)
	}
	a.table.Set("/Mode", v)
	return true
}

func (a *Aggregate) setCurrentLimit(input int) SetFunc {
	return func(v value.Value) bool {
		if _, ok := v.Float(); !ok {
			return false
		}
		for _, m := range a.membersSlice() {
			if !m.CurrentLimitAdjustable(input) {
				return false
			}
		}
		path := fmt.Sprintf("/Ac/In/%d/CurrentLimit", input)
		for _, m := range a.membersSlice() {
			m.Set(path, v)
		}
		a.table.Set(dbus.ObjectPath(path), v)
		return true
	}
}

func (a *Aggregate) setMinSoc(v value.Value) bool {
	if !validFloatRange(v, 0, 100) {
		return false
	}
	for _, m := range a.membersSlice() {
		m.Set("/Settings/Ess/MinimumSocLimit", v)
	}
	a.table.Set("/Settings/Ess/MinimumSocLimit", v)
	return true
}

func (a *Aggregate) setEssMode(v value.Value) bool {
	if !validIntRange(v, 0, 3) {
		return false
	}
	for _, m := range a.membersSlice() {
		m.Set("/Settings/Ess/Mode", v)
	}
	a.table.Set("/Settings/Ess/Mode", v)
	return true
}

func (a *Aggregate) setDisableFeedIn(v value.Value) bool {
	if !validIntRange(v, 0, 1) {
		return false
	}
	for _, m := range a.membersSlice() {
		m.Set("/Ess/DisableFeedIn", v)
	}
	a.armControlTimeout()
	a.table.Set("/Ess/DisableFeedIn", v)
	return true
}

func (a *Aggregate) setUseInverterSetpoint(v value.Value) bool {
	if _, ok := v.Int(); !ok {
		return false
	}
	for _, m := range a.membersSlice() {
		m.Set("/Ess/UseInverterPowerSetpoint", v)
	}
	a.table.Set("/Ess/UseInverterPowerSetpoint", v)
	return true
}

func (a *Aggregate) setAcPowerSetpoint(v value.Value) bool {
	fv, ok := v.Float()
	if !ok {
		return false
	}
	phases, ok := a.table.Get("/Ac/NumberOfPhases").Int()
	if !ok || phases == 0 {
		return false
	}
	per := value.Float64(fv / float64(phases))
	for _, m := range a.membersSlice() {
		m.Set("/Ess/AcPowerSetpoint", per)
	}
	a.armControlTimeout()
	a.table.Set("/Ess/AcPowerSetpoint", v)
	return true
}

func (a *Aggregate) setInverterPowerSetpoint(v value.Value) bool {
	fv, ok := v.Float()
	if !ok {
		return false
	}
	members := a.membersSlice()
	if len(members) == 0 {
		return false
	}
	per := value.Float64(fv / float64(len(members)))
	for _, m := range members {
		m.Set("/Ess/InverterPowerSetpoint", per)
	}
	a.armControlTimeout()
	a.table.Set("/Ess/InverterPowerSetpoint", v)
	return true
}

// setVerbatim builds a handler for writeable paths with no validation rule:
// the value is fanned out to every member and published as-is (spec.md
// §4.3's alarm levels, and the supplemented Type/IgnoreAcIn1/
// CurrentLimitEnergyMeter entries).
func (a *Aggregate) setVerbatim(path string) SetFunc {
	return func(v value.Value) bool {
		for _, m := range a.membersSlice() {
			m.Set(path, v)
		}
		a.table.Set(dbus.ObjectPath(path), v)
		return true
	}
}

func (a *Aggregate) setCustomName(v value.Value) bool {
	s, ok := v.Text()
	if !ok {
		return false
	}
	if err := a.settings.Set(a.customNamePath(), value.Str(s)); err != nil {
		log.With("leader", a.busName).Warnf("persist custom name failed: %v", err)
	}
	a.applyCustomName(value.Str(s))
	return true
}

// registerItems publishes the fixed item set of a leader: compulsory
// management items, the writeable control surface, and the read-only
// aggregates recomputed by RecomputeAggregates/UpdateSummary.
func (a *Aggregate) registerItems(processVersion string) {
	t := a.table

	_ = t.Add("/Mgmt/ProcessName", value.Str("dbus-acsystem"), nil)
	_ = t.Add("/Mgmt/ProcessVersion", value.Str(processVersion), nil)
	_ = t.Add("/Mgmt/Connection", value.Str("local"), nil)
	_ = t.Add("/Connected", value.Int64(1), nil)

	deviceInstance := int64(512)
	if a.hasSystemInstance {
		deviceInstance = int64(a.systemInstance)
	}
	_ = t.Add("/DeviceInstance", value.Int64(deviceInstance), nil)
	_ = t.Add("/ProductId", value.None, nil)
	_ = t.Add("/ProductName", value.Str("AC system"), nil)
	_ = t.Add("/CustomName", value.Str(fmt.Sprintf("RS system (%d)", a.systemInstance)), a.setCustomName)

	_ = t.Add("/Mode", value.None, a.setMode)
	_ = t.Add("/Ac/In/1/CurrentLimit", value.None, a.setCurrentLimit(1))
	_ = t.Add("/Ac/In/2/CurrentLimit", value.None, a.setCurrentLimit(2))
	_ = t.Add("/Ac/In/1/Type", value.None, a.setVerbatim("/Ac/In/1/Type"))
	_ = t.Add("/Ac/In/2/Type", value.None, a.setVerbatim("/Ac/In/2/Type"))
	_ = t.Add("/Ac/Control/IgnoreAcIn1", value.None, a.setVerbatim("/Ac/Control/IgnoreAcIn1"))
	_ = t.Add("/Settings/Ac/In/CurrentLimitEnergyMeter", value.None, a.setVerbatim("/Settings/Ac/In/CurrentLimitEnergyMeter"))
	_ = t.Add("/Settings/Ess/MinimumSocLimit", value.None, a.setMinSoc)
	_ = t.Add("/Settings/Ess/Mode", value.None, a.setEssMode)
	_ = t.Add("/Ess/DisableFeedIn", value.None, a.setDisableFeedIn)
	_ = t.Add("/Ess/AcPowerSetpoint", value.None, a.setAcPowerSetpoint)
	_ = t.Add("/Ess/InverterPowerSetpoint", value.None, a.setInverterPowerSetpoint)
	_ = t.Add("/Ess/UseInverterPowerSetpoint", value.None, a.setUseInverterSetpoint)

	for _, p := range member.AlarmSettings {
		_ = t.Add(dbus.ObjectPath(p), value.None, a.setVerbatim(p))
	}

	_ = t.Add("/Ac/NumberOfAcInputs", value.None, nil)
	_ = t.Add("/Ac/NumberOfPhases", value.None, nil)
	_ = t.Add("/Ac/In/1/P", value.None, nil)
	_ = t.Add("/Ac/In/2/P", value.None, nil)
	_ = t.Add("/Ac/Out/P", value.None, nil)
	for k := 1; k <= 3; k++ {
		for i := 1; i <= 2; i++ {
			_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/In/%d/L%d/P", i, k)), value.None, nil)
			_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/In/%d/L%d/I", i, k)), value.None, nil)
			_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/In/%d/L%d/V", i, k)), value.None, nil)
			_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/In/%d/L%d/F", i, k)), value.None, nil)
		}
		_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/Out/L%d/P", k)), value.None, nil)
		_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/Out/L%d/I", k)), value.None, nil)
		_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/Out/L%d/V", k)), value.None, nil)
		_ = t.Add(dbus.ObjectPath(fmt.Sprintf("/Ac/Out/L%d/F", k)), value.None, nil)
	}
	_ = t.Add("/State", value.None, nil)
	_ = t.Add("/Ac/ActiveIn/ActiveInput", value.Int64(0xF0), nil)

	for path := range summaryPaths {
		_ = t.Add(dbus.ObjectPath(path), value.None, nil)
	}
}

// summaryPaths maps each read-only summary path to the reducer that
// recomputes it from the current member set, per spec.md §4.1 and the
// supplemented entries from SPEC_FULL.md's SUPPLEMENTED FEATURES section.
var summaryPaths = map[string]func(a *Aggregate) value.Value{
	"/Capabilities/HasAcPassthroughSupport": func(a *Aggregate) value.Value {
		return summary.All(a.samples("/Capabilities/HasAcPassthroughSupport"))
	},
	"/Ac/In/1/CurrentLimitIsAdjustable": func(a *Aggregate) value.Value {
		return summary.All(a.samples("/Ac/In/1/CurrentLimitIsAdjustable"))
	},
	"/Ac/In/2/CurrentLimitIsAdjustable": func(a *Aggregate) value.Value {
		return summary.All(a.samples("/Ac/In/2/CurrentLimitIsAdjustable"))
	},
	"/Ess/Sustain": func(a *Aggregate) value.Value {
		return summary.Any(a.samples("/Ess/Sustain"))
	},
	"/Alarms/PhaseRotation": func(a *Aggregate) value.Value {
		return summary.Max(a.samples("/Alarms/PhaseRotation"))
	},
	"/Alarms/HighTemperature": func(a *Aggregate) value.Value {
		return summary.Max(a.samples("/Alarms/HighTemperature"))
	},
	"/Alarms/Overload": func(a *Aggregate) value.Value {
		return summary.Max(a.samples("/Alarms/Overload"))
	},
	"/Ess/ActiveSocLimit": func(a *Aggregate) value.Value {
		v := summary.First(a.samples("/Ess/ActiveSocLimit"))
		if f, ok := v.Float(); ok {
			return value.Float64(f)
		}
		return v
	},
	"/Alarms/GridLost": func(a *Aggregate) value.Value {
		gated := a.settings.Get(gridLostSetting).Truthy()
		return summary.OptionalAlarm(gated, a.samples("/Alarms/GridLost"))
	},
}

// samples builds the per-member Sample slice a summary reducer needs.
func (a *Aggregate) samples(path string) []summary.Sample {
	members := a.membersSlice()
	out := make([]summary.Sample, len(members))
	for i, m := range members {
		di, _ := m.DeviceInstance()
		out[i] = summary.Sample{DeviceInstance: di, Value: m.Value(path)}
	}
	return out
}

// UpdateSummary recomputes and republishes a single summary path, called
// by the monitor whenever a member notification touches that path.
func (a *Aggregate) UpdateSummary(path string) {
	fn, ok := summaryPaths[path]
	if !ok {
		return
	}
	a.table.Set(dbus.ObjectPath(path), fn(a))
}

// IsSummaryPath reports whether path is recomputed from the member set on
// notification, as opposed to passed through verbatim.
func IsSummaryPath(path string) bool {
	_, ok := summaryPaths[path]
	return ok
}

func (a *Aggregate) refreshAllSummaries() {
	for path, fn := range summaryPaths {
		a.table.Set(dbus.ObjectPath(path), fn(a))
	}
	a.table.Set("/State", summary.DeviceState(a.samples("/State")))
}

func sumAcross(members []*member.Proxy, path string) value.Value {
	vals := make([]value.Value, len(members))
	for i, m := range members {
		vals[i] = m.Value(path)
	}
	return value.SafeAdd(vals...)
}

func firstAcross(members []*member.Proxy, path string) value.Value {
	vals := make([]value.Value, len(members))
	for i, m := range members {
		vals[i] = m.Value(path)
	}
	return value.SafeFirst(vals...)
}

// RecomputeAggregates rebuilds every derived AC measurement, /State and
// /Ac/ActiveIn/ActiveInput from the current member set, per spec.md §4.3.
// /Ac/Out/P sums each phase's output power exactly once (the Open Question
// resolved in SPEC_FULL.md: the original implementation double-counted it).
func (a *Aggregate) RecomputeAggregates() {
	members := a.membersSlice()
	updates := make(map[string]value.Value)

	var inputTotalP [2]value.Value
	inputTotalP[0], inputTotalP[1] = value.None, value.None
	var inputPresent [2]bool
	var outTotalP value.Value = value.None
	var phasePresent [3]bool

	for k := 1; k <= 3; k++ {
		for i := 1; i <= 2; i++ {
			pPath := fmt.Sprintf("/Ac/In/%d/L%d/P", i, k)
			iPath := fmt.Sprintf("/Ac/In/%d/L%d/I", i, k)
			vPath := fmt.Sprintf("/Ac/In/%d/L%d/V", i, k)
			fPath := fmt.Sprintf("/Ac/In/%d/L%d/F", i, k)

			p := sumAcross(members, pPath)
			updates[pPath] = p
			updates[iPath] = sumAcross(members, iPath)
			updates[vPath] = firstAcross(members, vPath)
			updates[fPath] = firstAcross(members, fPath)

			inputTotalP[i-1] = value.SafeAdd(inputTotalP[i-1], p)
			if !p.IsAbsent() {
				inputPresent[i-1] = true
			}
		}

		outPPath := fmt.Sprintf("/Ac/Out/L%d/P", k)
		outIPath := fmt.Sprintf("/Ac/Out/L%d/I", k)
		outVPath := fmt.Sprintf("/Ac/Out/L%d/V", k)
		outFPath := fmt.Sprintf("/Ac/Out/L%d/F", k)

		outP := sumAcross(members, outPPath)
		updates[outPPath] = outP
		updates[outIPath] = sumAcross(members, outIPath)
		updates[outVPath] = firstAcross(members, outVPath)
		updates[outFPath] = firstAcross(members, outFPath)

		if !outP.IsAbsent() {
			phasePresent[k-1] = true
		}
		outTotalP = value.SafeAdd(outTotalP, outP)
	}

	updates["/Ac/In/1/P"] = inputTotalP[0]
	updates["/Ac/In/2/P"] = inputTotalP[1]
	updates["/Ac/Out/P"] = outTotalP

	numInputs := int64(0)
	for _, present := range inputPresent {
		if present {
			numInputs++
		}
	}
	updates["/Ac/NumberOfAcInputs"] = value.Int64(numInputs)

	numPhases := int64(0)
	for _, present := range phasePresent {
		if present {
			numPhases++
		}
	}
	updates["/Ac/NumberOfPhases"] = value.Int64(numPhases)

	updates["/State"] = summary.DeviceState(a.samples("/State"))
	updates["/Ac/ActiveIn/ActiveInput"] = a.activeInput(members)

	for path, v := range updates {
		a.table.Set(dbus.ObjectPath(path), v)
	}
}

func (a *Aggregate) activeInput(members []*member.Proxy) value.Value {
	if len(members) == 0 {
		return value.Int64(0xF0)
	}
	max := int64(-1)
	for _, m := range members {
		v, ok := m.Value("/Ac/ActiveIn/ActiveInput").Int()
		if !ok || (v != 0 && v != 1 && v != 240) {
			return value.Int64(0xF0)
		}
		if v > max {
			max = v
		}
	}
	return value.Int64(max)
}
