// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package facade is the operation surface overlaymgrd exposes to
// callers: read the registry, toggle an overlay's enabled bit, and
// reprioritize it, each gated by an authorization check. Each
// committed mutation queues a persistence snapshot that is written in
// the background, after the call has returned.
//
// Grounded on original_source's OverlayManagerService.java for the
// operation shapes and their precondition order (argument validation,
// then authorization, then the registry call), and on bureau's
// facade-over-a-lock-guarded-store idiom for wiring a single
// persistence worker off the critical path of the registry's own
// lock.
package facade

import (
	"context"
	"fmt"
	"sync"

	"github.com/haldane-systems/overlaymgr/internal/authorization"
	"github.com/haldane-systems/overlaymgr/internal/model"
	"github.com/haldane-systems/overlaymgr/internal/registry"
	"github.com/haldane-systems/overlaymgr/internal/rules"
	"github.com/haldane-systems/overlaymgr/internal/statecodec"
)

// BadArgument reports a caller-supplied value outside its valid
// range, such as a negative userId.
type BadArgument struct {
	Reason string
}

func (e *BadArgument) Error() string {
	return "facade: bad argument: " + e.Reason
}

// PermissionDenied reports that Authorize refused the request.
type PermissionDenied struct {
	Reason authorization.DenyReason
}

func (e *PermissionDenied) Error() string {
	return "facade: permission denied: " + e.Reason.String()
}

// Facade is the authorized, persisted view of the registry. The zero
// value is not usable; construct with New.
type Facade struct {
	registry *registry.Registry
	index    *authorization.Index
	worker   *statecodec.Worker

	knownUsersMu sync.Mutex
	knownUsers   map[int]bool
}

// New builds a Facade serving reg, authorizing callers against index,
// and enqueueing a persistence snapshot onto worker after every
// mutation. worker persists asynchronously off the caller's
// goroutine; Facade methods return as soon as the registry mutation
// itself has committed. seedUsers pre-populates the set of user ids
// the facade persists on every write (typically every live user at
// startup); an id first seen through a later request is added
// automatically.
func New(reg *registry.Registry, index *authorization.Index, worker *statecodec.Worker, seedUsers []int) *Facade {
	known := make(map[int]bool, len(seedUsers))
	for _, userID := range seedUsers {
		known[userID] = true
	}
	return &Facade{registry: reg, index: index, worker: worker, knownUsers: known}
}

func (f *Facade) authorize(callerID string, targetUserID int, mutating bool) error {
	if targetUserID < 0 {
		return &BadArgument{Reason: fmt.Sprintf("userId %d is negative", targetUserID)}
	}
	identity, _ := f.index.Lookup(callerID)
	result := authorization.Authorize(identity, targetUserID, mutating)
	if !result.Allowed() {
		return &PermissionDenied{Reason: result.Reason}
	}
	return nil
}

// enqueueSnapshot builds a full persistence snapshot across every
// user id this facade has ever served a mutation for and hands it to
// the worker. The registry itself has no notion of "every user ever
// seen" — GetAll takes one userID at a time — so the facade tracks
// that set and re-snapshots all of it on every write; persisting only
// the just-mutated user would silently drop every other user's state
// from the next written generation.
func (f *Facade) enqueueSnapshot(userID int) {
	f.knownUsersMu.Lock()
	if f.knownUsers == nil {
		f.knownUsers = make(map[int]bool)
	}
	f.knownUsers[userID] = true
	users := make([]int, 0, len(f.knownUsers))
	for id := range f.knownUsers {
		users = append(users, id)
	}
	f.knownUsersMu.Unlock()

	snapshot := statecodec.Snapshot{Users: make(map[int]map[string][]model.Record, len(users))}
	for _, id := range users {
		snapshot.Users[id] = f.registry.GetAll(id)
	}
	f.worker.Enqueue(snapshot)
}

// GetAllOverlays returns a copy of every target's overlay list for
// userID.
func (f *Facade) GetAllOverlays(ctx context.Context, callerID string, userID int) (map[string][]model.Record, error) {
	if err := f.authorize(callerID, userID, false); err != nil {
		return nil, err
	}
	return f.registry.GetAll(userID), nil
}

// GetOverlaysForTarget returns a copy of target's overlay list for
// userID, in priority order.
func (f *Facade) GetOverlaysForTarget(ctx context.Context, callerID, target string, userID int) ([]model.Record, error) {
	if err := f.authorize(callerID, userID, false); err != nil {
		return nil, err
	}
	return f.registry.GetByTarget(target, false, userID), nil
}

// GetOverlayInfo returns the record for overlayPackage under userID,
// if any.
func (f *Facade) GetOverlayInfo(ctx context.Context, callerID, overlayPackage string, userID int) (model.Record, bool, error) {
	if err := f.authorize(callerID, userID, false); err != nil {
		return model.Record{}, false, err
	}
	record, ok := f.registry.Get(overlayPackage, userID)
	return record, ok, nil
}

// SetEnabled requests that overlayPackage's enabled bit be set to
// enable for userID. It returns true iff the resulting state's
// enabled bit matches the request — a NotApproved* record or an
// always-enabled system overlay report false for any request that
// does not already hold, mirroring Rules.Toggle's no-op behavior on
// states it does not control.
func (f *Facade) SetEnabled(ctx context.Context, callerID, overlayPackage string, enable bool, userID int) (bool, error) {
	if err := f.authorize(callerID, userID, true); err != nil {
		return false, err
	}

	record, ok := f.registry.Get(overlayPackage, userID)
	if !ok {
		return false, nil
	}

	next := record.WithState(rules.Toggle(record.State, enable))
	if err := f.registry.Insert(next); err != nil {
		return false, fmt.Errorf("facade: set enabled: %w", err)
	}
	f.enqueueSnapshot(userID)
	return next.State.Enabled() == enable, nil
}

// SetPriority repositions record so it sits immediately after
// parentOverlayPackage (or at the front, when parentOverlayPackage is
// empty). Returns false without persisting anything if the move is
// rejected.
func (f *Facade) SetPriority(ctx context.Context, callerID string, record model.Record, parentOverlayPackage string) (bool, error) {
	if err := f.authorize(callerID, record.UserID, true); err != nil {
		return false, err
	}
	ok, err := f.registry.ChangePriority(record, parentOverlayPackage)
	if err != nil {
		return false, fmt.Errorf("facade: set priority: %w", err)
	}
	if ok {
		f.enqueueSnapshot(record.UserID)
	}
	return ok, nil
}

// SetHighestPriority moves record to the tail of its target's list.
func (f *Facade) SetHighestPriority(ctx context.Context, callerID string, record model.Record) (bool, error) {
	if err := f.authorize(callerID, record.UserID, true); err != nil {
		return false, err
	}
	ok, err := f.registry.SetHighestPriority(record)
	if err != nil {
		return false, fmt.Errorf("facade: set highest priority: %w", err)
	}
	if ok {
		f.enqueueSnapshot(record.UserID)
	}
	return ok, nil
}

// SetLowestPriority moves record to the front of its target's list.
func (f *Facade) SetLowestPriority(ctx context.Context, callerID string, record model.Record) (bool, error) {
	if err := f.authorize(callerID, record.UserID, true); err != nil {
		return false, err
	}
	ok, err := f.registry.SetLowestPriority(record)
	if err != nil {
		return false, fmt.Errorf("facade: set lowest priority: %w", err)
	}
	if ok {
		f.enqueueSnapshot(record.UserID)
	}
	return ok, nil
}
