// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the thread-safe, in-memory overlay
// store: per-user, per-target priority-ordered lists of overlay
// records, with rules-checked mutation and post-unlock change
// notification.
//
// Grounded on original_source's State.java for the operation shapes
// (insertOverlay/reorder/removeOverlay/changePriority) and on
// bureau's lib/authorization/index.go for the Go idiom: one mutex
// guarding a nested map, deep-copy-on-read accessors, and listeners
// invoked only after the lock is released.
package registry

import (
	"fmt"
	"sync"

	"github.com/haldane-systems/overlaymgr/internal/model"
	"github.com/haldane-systems/overlaymgr/internal/rules"
)

// EventKind identifies the kind of change a Listener is notified of.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventChanged
	EventReordered
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	case EventReordered:
		return "reordered"
	default:
		return "unknown"
	}
}

// Event describes one committed registry change. New and Old are
// populated according to Kind: EventAdded carries only New,
// EventRemoved only Old, EventChanged both, EventReordered neither
// (TargetPackage and UserID identify the affected list).
type Event struct {
	Kind          EventKind
	New           model.Record
	Old           model.Record
	TargetPackage string
	UserID        int
}

// Listener receives registry change notifications. Listeners are
// invoked after the registry's lock has been released and must not
// call back into a Registry mutator synchronously — doing so from
// within a Listener risks deadlock with the caller that triggered the
// notification under concurrent use; queue the follow-up work instead.
type Listener func(Event)

// Registry is the thread-safe overlay store. The zero value is not
// usable; construct with New.
//
// Registry depends on no collaborator: InsertIndex and VerifyOrder
// (package rules) are pure functions over the records already held
// here, so every mutation completes without blocking on package
// database or other external I/O while r.mu is held.
type Registry struct {
	mu        sync.Mutex
	byUser    map[int]map[string][]model.Record
	listeners []Listener
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[int]map[string][]model.Record),
	}
}

// AddListener registers l to receive every future change event.
// Listeners are expected to be registered once at startup; there is
// no corresponding remove.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) fire(events ...Event) {
	r.mu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, event := range events {
		for _, listener := range listeners {
			listener(event)
		}
	}
}

// targetsForUserLocked returns (creating if absent) the target map
// for userID. Caller must hold r.mu.
func (r *Registry) targetsForUserLocked(userID int) map[string][]model.Record {
	targets, ok := r.byUser[userID]
	if !ok {
		targets = make(map[string][]model.Record)
		r.byUser[userID] = targets
	}
	return targets
}

// Insert adds or replaces the overlay record identified by
// (record.UserID, record.OverlayPackage) within record.TargetPackage's
// list. record.IsSystem and record.RequestedOverlayPriority (set by
// the caller from the overlay's current Facts) determine where a new
// entry is placed; an existing entry is replaced in place regardless
// of those fields.
//
// Mirrors State.insertOverlay: an existing entry with the same
// overlay package is replaced in place (preserving its position) and
// fires EventChanged; a new entry is placed via Rules.InsertIndex and
// fires EventAdded. InsertIndex is a pure function, so this entire
// mutation completes without releasing r.mu for any I/O.
func (r *Registry) Insert(record model.Record) error {
	r.mu.Lock()
	targets := r.targetsForUserLocked(record.UserID)
	list := targets[record.TargetPackage]

	for i, existing := range list {
		if existing.OverlayPackage == record.OverlayPackage {
			old := existing
			list[i] = record
			targets[record.TargetPackage] = list
			r.mu.Unlock()
			r.fire(Event{Kind: EventChanged, New: record, Old: old, TargetPackage: record.TargetPackage, UserID: record.UserID})
			return nil
		}
	}

	index, err := rules.InsertIndex(record, list)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: insert: %w", err)
	}
	list = insertRecordAt(list, index, record)
	targets[record.TargetPackage] = list
	r.mu.Unlock()

	r.fire(Event{Kind: EventAdded, New: record, TargetPackage: record.TargetPackage, UserID: record.UserID})
	return nil
}

func insertRecordAt(list []model.Record, index int, record model.Record) []model.Record {
	list = append(list, model.Record{})
	copy(list[index+1:], list[index:])
	list[index] = record
	return list
}

// Restore replaces userID's entire set of target lists with targets
// verbatim, bypassing Rules.InsertIndex — the persisted document was
// already in valid order when it was written, and re-deriving
// placement from scratch would require facts for overlays that may no
// longer be installed. No events are fired; this is boot-time load,
// not a runtime change. Callers own targets after this call returns
// (Registry keeps no reference to the map itself, but the slices are
// kept as given).
func (r *Registry) Restore(userID int, targets map[string][]model.Record) {
	copied := make(map[string][]model.Record, len(targets))
	for target, list := range targets {
		copied[target] = list
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = copied
}

// Remove deletes the record for overlayPackage under userID, if any,
// collapsing the target's list if it becomes empty. Returns false iff
// no such record existed.
func (r *Registry) Remove(overlayPackage string, userID int) bool {
	r.mu.Lock()
	targets, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	var removed model.Record
	var targetName string
	found := false
	for t, list := range targets {
		for _, record := range list {
			if record.OverlayPackage == overlayPackage {
				removed = record
				targetName = t
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return false
	}

	list := targets[targetName]
	filtered := make([]model.Record, 0, len(list)-1)
	for _, record := range list {
		if record.OverlayPackage != overlayPackage {
			filtered = append(filtered, record)
		}
	}
	if len(filtered) == 0 {
		delete(targets, targetName)
	} else {
		targets[targetName] = filtered
	}
	r.mu.Unlock()

	r.fire(Event{Kind: EventRemoved, Old: removed, TargetPackage: targetName, UserID: userID})
	return true
}

// RemoveAllForUser drops every record for userID. No per-record events
// are fired, mirroring State.removeOverlays (used on full account
// deletion, where per-record notification would be pure noise).
func (r *Registry) RemoveAllForUser(userID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, userID)
}

// ChangePriority repositions record so that it sits immediately after
// parentOverlayPackage, or at the front of its target's list when
// parentOverlayPackage is empty. It returns false without making any
// change if record or the requested parent is not present in the
// list, if the move is identical to record itself, or if the
// resulting order would violate Rules.VerifyOrder.
//
// Mirrors State.reorder, with one deliberate correction: the no-op
// check compares the candidate list to the current list directly,
// not a candidate insertion index against the index of an unrelated
// map key, which the source this was translated from compared.
// VerifyOrder is a pure function, so this entire
// mutation completes without releasing r.mu for any I/O.
func (r *Registry) ChangePriority(record model.Record, parentOverlayPackage string) (bool, error) {
	if record.OverlayPackage == parentOverlayPackage && parentOverlayPackage != "" {
		return false, nil
	}

	r.mu.Lock()
	targets := r.targetsForUserLocked(record.UserID)
	list := targets[record.TargetPackage]

	currentIndex := indexOfPackage(list, record.OverlayPackage)
	if currentIndex == -1 {
		r.mu.Unlock()
		return false, nil
	}
	if parentOverlayPackage != "" && indexOfPackage(list, parentOverlayPackage) == -1 {
		r.mu.Unlock()
		return false, nil
	}
	if parentOverlayPackage == "" && currentIndex == 0 {
		r.mu.Unlock()
		return true, nil
	}

	candidate := make([]model.Record, 0, len(list))
	candidate = append(candidate, list[:currentIndex]...)
	candidate = append(candidate, list[currentIndex+1:]...)

	insertAt := 0
	if parentOverlayPackage != "" {
		insertAt = indexOfPackage(candidate, parentOverlayPackage) + 1
	}
	candidate = insertRecordAt(candidate, insertAt, record)

	if sameOrder(list, candidate) {
		r.mu.Unlock()
		return true, nil
	}

	ok, err := rules.VerifyOrder(candidate)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("registry: change priority: %w", err)
	}
	if !ok {
		r.mu.Unlock()
		return false, nil
	}

	targets[record.TargetPackage] = candidate
	r.mu.Unlock()

	r.fire(Event{Kind: EventReordered, TargetPackage: record.TargetPackage, UserID: record.UserID})
	return true, nil
}

// SetHighestPriority moves record to the tail of its target's list —
// the position of highest effective priority. A no-op when record is
// already there.
func (r *Registry) SetHighestPriority(record model.Record) (bool, error) {
	r.mu.Lock()
	list := r.targetsForUserLocked(record.UserID)[record.TargetPackage]
	if len(list) == 0 {
		r.mu.Unlock()
		return false, nil
	}
	tail := list[len(list)-1]
	r.mu.Unlock()

	if tail.OverlayPackage == record.OverlayPackage {
		return true, nil
	}
	return r.ChangePriority(record, tail.OverlayPackage)
}

// SetLowestPriority moves record to the front of its target's list.
func (r *Registry) SetLowestPriority(record model.Record) (bool, error) {
	return r.ChangePriority(record, "")
}

// Get returns the record for overlayPackage under userID, if any.
func (r *Registry) Get(overlayPackage string, userID int) (model.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.byUser[userID] {
		for _, record := range list {
			if record.OverlayPackage == overlayPackage {
				return record, true
			}
		}
	}
	return model.Record{}, false
}

// GetByTarget returns a defensive copy of the ordered list of records
// for targetPackage under userID. When enabledOnly is true, only
// records whose state is Enabled are included.
func (r *Registry) GetByTarget(targetPackage string, enabledOnly bool, userID int) []model.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byUser[userID][targetPackage]
	if len(list) == 0 {
		return nil
	}
	out := make([]model.Record, 0, len(list))
	for _, record := range list {
		if enabledOnly && !record.State.Enabled() {
			continue
		}
		out = append(out, record)
	}
	return out
}

// GetAll returns a defensive deep copy of every target's list for
// userID, keyed by target package.
func (r *Registry) GetAll(userID int) map[string][]model.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]model.Record, len(r.byUser[userID]))
	for target, list := range r.byUser[userID] {
		copied := make([]model.Record, len(list))
		copy(copied, list)
		out[target] = copied
	}
	return out
}

// TargetsForUser returns the set of target package names with at
// least one record for userID.
func (r *Registry) TargetsForUser(userID int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := r.byUser[userID]
	out := make([]string, 0, len(targets))
	for target := range targets {
		out = append(out, target)
	}
	return out
}

func indexOfPackage(list []model.Record, overlayPackage string) int {
	for i, record := range list {
		if record.OverlayPackage == overlayPackage {
			return i
		}
	}
	return -1
}

func sameOrder(a, b []model.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].OverlayPackage != b[i].OverlayPackage {
			return false
		}
	}
	return true
}
