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

// Package monitor is the SystemMonitor of spec.md §4.4: it watches the bus
// for RS multi units, admits and retires them, routes change notifications
// to the right leader, and drives the 1Hz calculation tick. Grounded on
// original_source/dbus-acsystem.py's AcSystemMonitor, translated from a
// single asyncio event loop into a single dispatcher goroutine: every
// closure sent on events is the only thing allowed to mutate members/
// leaders, so there is exactly one mutator even though admission's
// suspension points (wait_for_essential_paths, leader settings connect)
// run concurrently on their own goroutines.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"

	"github.com/victronenergy/dbus-acsystem/internal/leader"
	"github.com/victronenergy/dbus-acsystem/internal/member"
	"github.com/victronenergy/dbus-acsystem/internal/value"
)

// Stats is a point-in-time snapshot for the metrics collector.
type Stats struct {
	Leaders                 int
	MembersPerLeader        map[int32]int
	ControlTimeoutPerLeader map[int32]int
}

type memberEntry struct {
	proxy *member.Proxy

	full           bool
	hasLeader      bool
	leaderInstance int32

	cancel context.CancelFunc
}

type leaderSlot struct {
	ready chan struct{}
	agg   *leader.Aggregate
	err   error
}

// Monitor is the single aggregation-and-coherence engine for one bus
// connection: it owns every member and leader and is the sole mutator of
// both, per spec.md §5's "shared resources" paragraph.
type Monitor struct {
	conn           *dbus.Conn
	dial           func() (*dbus.Conn, error)
	processVersion string

	sigCh  chan *dbus.Signal
	events chan func()
	done   chan struct{}
	runCtx context.Context

	members        map[string]*memberEntry
	uniqueToMember map[string]*memberEntry
	leaders        map[int32]*leaderSlot

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Monitor that discovers and subscribes to members over conn
// and creates each leader's own connection via dial.
func New(conn *dbus.Conn, dial func() (*dbus.Conn, error), processVersion string) *Monitor {
	return &Monitor{
		conn:           conn,
		dial:           dial,
		processVersion: processVersion,
		events:         make(chan func(), 64),
		done:           make(chan struct{}),
		members:        make(map[string]*memberEntry),
		uniqueToMember: make(map[string]*memberEntry),
		leaders:        make(map[int32]*leaderSlot),
	}
}

// Start subscribes to bus membership and property-change signals and
// queues the admission of any members already present on the bus, which
// Run's dispatcher goroutine then carries out. Call once, before Run.
func (m *Monitor) Start() error {
	rules := []string{
		"type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged'",
		"type='signal',interface='com.victronenergy.BusItem',member='PropertiesChanged'",
	}
	for _, rule := range rules {
		if call := m.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return errors.Wrapf(call.Err, "add match %q", rule)
		}
	}
	m.sigCh = make(chan *dbus.Signal, 64)
	m.conn.Signal(m.sigCh)

	m.post(m.discoverExisting)
	return nil
}

func (m *Monitor) discoverExisting() {
	var names []string
	if err := m.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		log.Warnf("list bus names: %v", err)
		return
	}
	prefix := member.ServiceType + "."
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var owner string
		if err := m.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner); err != nil {
			continue
		}
		m.arrival(name, owner)
	}
}

// Run drives the dispatcher loop until ctx is cancelled or the bus signal
// channel closes (the connection was lost).
func (m *Monitor) Run(ctx context.Context) error {
	m.runCtx = ctx
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		case sig, ok := <-m.sigCh:
			if !ok {
				close(m.done)
				m.shutdown()
				return errors.New("bus signal channel closed")
			}
			m.handleSignal(sig)
		case fn := <-m.events:
			fn()
		}
	}
}

func (m *Monitor) shutdown() {
	for instance, slot := range m.leaders {
		if slot.agg != nil {
			_ = slot.agg.Close()
		}
		delete(m.leaders, instance)
	}
}

// post schedules fn to run on the dispatcher goroutine, dropping it if the
// monitor has already shut down.
func (m *Monitor) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

func (m *Monitor) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case "org.freedesktop.DBus.NameOwnerChanged":
		if len(sig.Body) != 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, member.ServiceType+".") {
			return
		}
		if oldOwner == "" && newOwner != "" {
			m.arrival(name, newOwner)
		} else if oldOwner != "" && newOwner == "" {
			m.departure(name, oldOwner)
		}
	case "com.victronenergy.BusItem.PropertiesChanged":
		entry, ok := m.uniqueToMember[sig.Sender]
		if !ok || len(sig.Body) == 0 {
			return
		}
		props, ok := sig.Body[0].(map[string]dbus.Variant)
		if !ok {
			return
		}
		variant, ok := props["Value"]
		if !ok {
			return
		}
		m.onMemberPropertyChanged(entry, string(sig.Path), value.FromVariant(&variant))
	}
}

// arrival implements admission step 1: construct the proxy and subscribe
// (the match rule added in Start already covers every member), then hand
// the remaining suspension points to a dedicated goroutine.
func (m *Monitor) arrival(busName, owner string) {
	if _, exists := m.members[busName]; exists {
		return
	}
	proxy := member.New(m.conn, busName)
	entryCtx, cancel := context.WithCancel(m.runCtx)
	entry := &memberEntry{proxy: proxy, cancel: cancel}
	m.members[busName] = entry
	m.uniqueToMember[owner] = entry

	go m.admit(entryCtx, entry)
}

// admit runs admission steps 2-6. Steps 2 (wait_for_essential_paths) and 4
// (leader lookup/create) are suspension points and run off the dispatcher
// goroutine; the final mutation (finishAdmission) is posted back.
func (m *Monitor) admit(ctx context.Context, entry *memberEntry) {
	entry.proxy.FetchInitial()
	if err := entry.proxy.WaitForEssentialPaths(ctx); err != nil {
		return
	}
	entry.proxy.FetchAcMaxLimits()

	instance, ok := entry.proxy.SystemInstance()
	if !ok {
		log.With("member", entry.proxy.Name).Debug("no system instance, dropping silently")
		return
	}

	agg, err := m.leaderFor(ctx, instance, entry.proxy)
	if err != nil {
		log.With("member", entry.proxy.Name).Warnf("leader creation failed: %v", err)
		return
	}

	m.post(func() {
		m.finishAdmission(entry, instance, agg)
	})
}

// leaderFor implements the in-flight/coalescing leader lookup of spec.md
// §4.4 step 4: the first admission for an instance creates the leader
// slot and populates it; concurrent admissions for the same instance find
// the slot already present and simply wait on its completion channel.
func (m *Monitor) leaderFor(ctx context.Context, instance int32, first *member.Proxy) (*leader.Aggregate, error) {
	type lookup struct {
		slot    *leaderSlot
		created bool
	}
	resCh := make(chan lookup, 1)
	m.post(func() {
		slot, ok := m.leaders[instance]
		if ok {
			resCh <- lookup{slot, false}
			return
		}
		slot = &leaderSlot{ready: make(chan struct{})}
		m.leaders[instance] = slot
		resCh <- lookup{slot, true}
	})

	var r lookup
	select {
	case r = <-resCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if r.created {
		agg, err := leader.New(ctx, m.dial, first, m.processVersion)
		m.post(func() {
			r.slot.agg, r.slot.err = agg, err
			close(r.slot.ready)
			if err != nil && m.leaders[instance] == r.slot {
				delete(m.leaders, instance)
			}
		})
		return agg, err
	}

	select {
	case <-r.slot.ready:
		return r.slot.agg, r.slot.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishAdmission implements admission steps 5 and 6, on the dispatcher
// goroutine: pre-sync synchronised paths onto the new member, then add it.
func (m *Monitor) finishAdmission(entry *memberEntry, instance int32, agg *leader.Aggregate) {
	if agg == nil {
		return
	}
	if _, stillPresent := m.members[entry.proxy.Name]; !stillPresent {
		return
	}

	for _, path := range leader.SynchronisedPaths {
		v := agg.SynchronisedValue(path)
		if !v.IsAbsent() {
			entry.proxy.Set(path, v)
		}
	}

	agg.AddMember(entry.proxy)
	entry.full = true
	entry.hasLeader = true
	entry.leaderInstance = instance
	m.refreshStats()
}

// departure implements spec.md §4.4's "Departure": on name loss, remove the
// member from whichever leader owns it, destroying an emptied leader.
func (m *Monitor) departure(busName, oldOwner string) {
	entry, ok := m.members[busName]
	if !ok {
		return
	}
	entry.cancel()
	delete(m.members, busName)
	delete(m.uniqueToMember, oldOwner)
	m.retireFromLeader(entry)
	m.refreshStats()
}

func (m *Monitor) retireFromLeader(entry *memberEntry) {
	if !entry.hasLeader {
		return
	}
	slot := m.leaders[entry.leaderInstance]
	entry.hasLeader = false
	entry.full = false
	if slot == nil || slot.agg == nil {
		return
	}
	if empty := slot.agg.RemoveMember(entry.proxy); empty {
		_ = slot.agg.Close()
		delete(m.leaders, entry.leaderInstance)
	}
}

// onMemberPropertyChanged implements spec.md §4.4's "Notification dispatch".
func (m *Monitor) onMemberPropertyChanged(entry *memberEntry, path string, v value.Value) {
	changed := entry.proxy.ApplyChange(path, v)
	if !changed {
		return
	}

	if path == "/N2kSystemInstance" {
		m.scheduleReinstate(entry)
		return
	}

	if !entry.full {
		return
	}
	slot := m.leaders[entry.leaderInstance]
	if slot == nil || slot.agg == nil {
		return
	}

	switch {
	case leader.IsSummaryPath(path):
		slot.agg.UpdateSummary(path)
	case leader.IsSynchronisedPath(path):
		slot.agg.HandleSynchronisedChange(entry.proxy, path, v)
	}
}

// scheduleReinstate implements spec.md §4.4's "System-instance change": the
// member leaves its current leader (if any) and is re-admitted, which may
// place it under a different leader.
func (m *Monitor) scheduleReinstate(entry *memberEntry) {
	m.retireFromLeader(entry)
	m.refreshStats()

	ctx, cancel := context.WithCancel(m.runCtx)
	entry.cancel = cancel
	go m.admit(ctx, entry)
}

func (m *Monitor) tick() {
	for _, slot := range m.leaders {
		if slot.agg == nil {
			continue
		}
		slot.agg.RecomputeAggregates()
		slot.agg.TimeoutTick()
	}
	m.refreshStats()
}

func (m *Monitor) refreshStats() {
	s := Stats{
		MembersPerLeader:        make(map[int32]int, len(m.leaders)),
		ControlTimeoutPerLeader: make(map[int32]int, len(m.leaders)),
	}
	for instance, slot := range m.leaders {
		if slot.agg == nil {
			continue
		}
		s.Leaders++
		s.MembersPerLeader[instance] = slot.agg.MemberCount()
		s.ControlTimeoutPerLeader[instance] = slot.agg.ControlTimeoutRemaining()
	}
	m.statsMu.Lock()
	m.stats = s
	m.statsMu.Unlock()
}

// Snapshot returns the most recently computed Stats, safe to call from any
// goroutine (the metrics collector's Collect runs on its own goroutine).
func (m *Monitor) Snapshot() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}
