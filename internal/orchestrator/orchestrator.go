// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator wires the other packages into the boot and
// user-switch sequences described by the overall design: restore
// persisted state, reconcile against the live package set, publish
// asset paths, and keep everything in sync as the registry changes
// underneath.
//
// Grounded on original_source's OverlayManagerService.java's
// onStart/onSwitchUser sequencing, expressed here as an explicit Go
// type instead of a handful of scattered lifecycle callbacks.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
	"github.com/haldane-systems/overlaymgr/internal/model"
	"github.com/haldane-systems/overlaymgr/internal/packagedriver"
	"github.com/haldane-systems/overlaymgr/internal/registry"
	"github.com/haldane-systems/overlaymgr/internal/statecodec"
)

// Orchestrator drives the registry's lifecycle: restoring its
// persisted contents at boot, reconciling it against the live package
// set, and keeping asset paths and host broadcasts in step with every
// subsequent change.
type Orchestrator struct {
	registry *registry.Registry
	driver   *packagedriver.Driver
	codec    *statecodec.Codec
	worker   *statecodec.Worker
	users    collaborators.UserRegistry
	publish  collaborators.AssetPathPublisher
	bus      collaborators.BroadcastBus
	logger   *slog.Logger

	knownUsersMu sync.Mutex
	knownUsers   []int

	publishedMu sync.Mutex
	published   map[int]map[string][]string
}

// New builds an Orchestrator. Call Boot once at startup, then
// OnUserSwitch whenever the host's foreground user changes.
func New(
	reg *registry.Registry,
	driver *packagedriver.Driver,
	codec *statecodec.Codec,
	worker *statecodec.Worker,
	users collaborators.UserRegistry,
	publish collaborators.AssetPathPublisher,
	bus collaborators.BroadcastBus,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		driver:    driver,
		codec:     codec,
		worker:    worker,
		users:     users,
		publish:   publish,
		bus:       bus,
		logger:    logger,
		published: make(map[int]map[string][]string),
	}
	reg.AddListener(o.onChange)
	return o
}

// Boot runs the startup sequence: restore the persisted document
// (dropping any user no longer live), reconcile user 0 against the
// current package set, publish its asset paths, and persist the
// reconciled result. Subsequent changes are kept in sync by the
// listener registered in New.
func (o *Orchestrator) Boot(ctx context.Context) error {
	liveUsers, err := o.users.LiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: boot: list live users: %w", err)
	}
	live := make(map[int]bool, len(liveUsers))
	for _, id := range liveUsers {
		live[id] = true
	}

	snapshot, err := o.codec.Read(live)
	if err != nil {
		o.logger.Warn("discarding unreadable persisted state, starting empty", "error", err)
		snapshot = statecodec.Snapshot{Users: map[int]map[string][]model.Record{}}
	}
	o.knownUsersMu.Lock()
	for userID, targets := range snapshot.Users {
		o.registry.Restore(userID, targets)
		o.knownUsers = append(o.knownUsers, userID)
	}
	o.knownUsersMu.Unlock()

	if err := o.driver.ReconcileAll(ctx, 0); err != nil {
		return fmt.Errorf("orchestrator: boot: reconcile user 0: %w", err)
	}
	if err := o.publishUser(ctx, 0); err != nil {
		return fmt.Errorf("orchestrator: boot: publish user 0: %w", err)
	}
	o.persist(0)
	return nil
}

// OnUserSwitch reconciles and republishes userID's overlay state. The
// host calls this when userID becomes the foreground user; overlays
// for background users are reconciled lazily the next time they come
// to the foreground, matching the source's single-foreground-user
// reconciliation scope.
func (o *Orchestrator) OnUserSwitch(ctx context.Context, userID int) error {
	if err := o.driver.ReconcileAll(ctx, userID); err != nil {
		return fmt.Errorf("orchestrator: user switch %d: reconcile: %w", userID, err)
	}
	if err := o.publishUser(ctx, userID); err != nil {
		return fmt.Errorf("orchestrator: user switch %d: publish: %w", userID, err)
	}
	o.persist(userID)
	return nil
}

// onChange is the registry listener: every committed change is
// republished (if the enabled asset-path set actually changed),
// persisted, and broadcast, in that order, all after the registry's
// own lock has already been released.
func (o *Orchestrator) onChange(event registry.Event) {
	ctx := context.Background()
	if err := o.publishUserIfChanged(ctx, event.UserID); err != nil {
		o.logger.Error("failed to publish asset paths after change", "error", err, "userId", event.UserID)
	}
	o.persist(event.UserID)

	action, name := broadcastFor(event)
	if action != "" {
		o.bus.Send(ctx, action, name, event.UserID)
	}
}

func broadcastFor(event registry.Event) (action, name string) {
	switch event.Kind {
	case registry.EventAdded:
		return "OverlayAdded", event.New.OverlayPackage
	case registry.EventRemoved:
		return "OverlayRemoved", event.Old.OverlayPackage
	case registry.EventChanged:
		return "OverlayChanged", event.New.OverlayPackage
	case registry.EventReordered:
		return "OverlaysReordered", event.TargetPackage
	default:
		return "", ""
	}
}

// publishUser pushes the enabled-overlay asset path list for every
// target in userID's registry to the asset-path publisher,
// unconditionally. Used by Boot and OnUserSwitch, where a fresh push
// is wanted regardless of what (if anything) was previously published.
func (o *Orchestrator) publishUser(ctx context.Context, userID int) error {
	paths := o.assetPaths(userID)
	o.rememberPublished(userID, paths)
	return o.publish.Publish(ctx, userID, paths)
}

// publishUserIfChanged re-derives userID's enabled-overlay asset paths
// and publishes only when they differ from what was last published for
// userID, so a registry event that leaves every target's enabled set
// untouched (e.g. a disabled overlay's priority move) does not trigger
// a redundant publish.
func (o *Orchestrator) publishUserIfChanged(ctx context.Context, userID int) error {
	paths := o.assetPaths(userID)

	o.publishedMu.Lock()
	unchanged := assetPathsEqual(o.published[userID], paths)
	o.publishedMu.Unlock()
	if unchanged {
		return nil
	}

	o.rememberPublished(userID, paths)
	return o.publish.Publish(ctx, userID, paths)
}

func (o *Orchestrator) rememberPublished(userID int, paths map[string][]string) {
	o.publishedMu.Lock()
	o.published[userID] = paths
	o.publishedMu.Unlock()
}

// assetPaths derives the enabled-overlay asset path list for every
// target in userID's registry.
func (o *Orchestrator) assetPaths(userID int) map[string][]string {
	all := o.registry.GetAll(userID)
	paths := make(map[string][]string, len(all))
	for target, records := range all {
		list := make([]string, 0, len(records))
		for _, record := range records {
			if record.State.Enabled() {
				list = append(list, record.BaseCodePath)
			}
		}
		paths[target] = list
	}
	return paths
}

// assetPathsEqual compares two target->asset-path-list maps, treating
// an absent target and a target with an empty list as equivalent (both
// mean "nothing enabled for this target") so a new target appearing
// with no enabled overlays is not reported as a change. Lists present
// on both sides compare in order: GetAll returns each target's records
// in priority order, so a reorder that changes which paths are enabled
// still surfaces as a difference here.
func assetPathsEqual(a, b map[string][]string) bool {
	for target, list := range a {
		if len(list) > 0 && !stringsEqual(list, b[target]) {
			return false
		}
	}
	for target, list := range b {
		if len(list) > 0 && !stringsEqual(list, a[target]) {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// persist enqueues a full snapshot of userID's current registry
// contents onto the background worker. Orchestrator, like Facade,
// tracks every user id it has ever touched so a persisted write never
// drops another user's state; unlike Facade it learns that set from
// the users restored at boot plus every subsequent persist call's
// userID, so no separate seed list is needed.
func (o *Orchestrator) persist(userID int) {
	o.knownUsersMu.Lock()
	found := false
	for _, id := range o.knownUsers {
		if id == userID {
			found = true
			break
		}
	}
	if !found {
		o.knownUsers = append(o.knownUsers, userID)
	}
	users := make([]int, len(o.knownUsers))
	copy(users, o.knownUsers)
	o.knownUsersMu.Unlock()

	snapshot := statecodec.Snapshot{Users: make(map[int]map[string][]model.Record, len(users))}
	for _, id := range users {
		snapshot.Users[id] = o.registry.GetAll(id)
	}
	o.worker.Enqueue(snapshot)
}
