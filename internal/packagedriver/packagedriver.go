// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package packagedriver reconciles the registry against the host
// package database in response to install/change/replace/remove
// events, and performs full reconciliation on boot and user switch.
// The driver holds no persistent state of its own beyond a small
// in-memory pending-upgrades map used to carry the enabled bit across
// a package replacement.
//
// Grounded on original_source's OverlayManagerService.java
// (PackageReceiver.onReceive, reconcileOverlay, the pending-upgrades
// map, and the boot/user-switch full-reconciliation path). Per-user
// reconciliation fan-out uses golang.org/x/sync/errgroup, following
// fingon-go-tfhfs's use of the same package for concurrent workers.
package packagedriver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
	"github.com/haldane-systems/overlaymgr/internal/idmap"
	"github.com/haldane-systems/overlaymgr/internal/model"
	"github.com/haldane-systems/overlaymgr/internal/registry"
	"github.com/haldane-systems/overlaymgr/internal/rules"
)

// defaultSharedGid is passed to the idmap tool as the shared group id
// under which generated mapping files are owned. A production
// deployment overrides this via SetSharedGid.
const defaultSharedGid = 1000

// Driver is the package-event reconciler. Its only state is the
// in-memory pending-upgrades map; nothing is persisted.
type Driver struct {
	registry *registry.Registry
	engine   *rules.Engine
	idmaps   *idmap.Lifecycle
	packages  collaborators.PackageDatabase
	users     collaborators.UserRegistry
	logger    *slog.Logger
	sharedGid int

	mu              sync.Mutex
	pendingUpgrades map[string]model.Record
}

// NewDriver builds a Driver wired to the given collaborators.
func NewDriver(
	reg *registry.Registry,
	engine *rules.Engine,
	idmaps *idmap.Lifecycle,
	packages collaborators.PackageDatabase,
	users collaborators.UserRegistry,
	logger *slog.Logger,
) *Driver {
	return &Driver{
		registry:        reg,
		engine:          engine,
		idmaps:          idmaps,
		packages:        packages,
		users:           users,
		logger:          logger,
		sharedGid:       defaultSharedGid,
		pendingUpgrades: make(map[string]model.Record),
	}
}

// SetSharedGid overrides the group id passed to the idmap tool for
// every subsequent id-map creation. Must be called before the driver
// starts handling events; it is not safe for concurrent use with
// reconciliation.
func (d *Driver) SetSharedGid(gid int) {
	d.sharedGid = gid
}

// OnPackageChanged handles PACKAGE_ADDED, PACKAGE_CHANGED, and
// PACKAGE_REPLACED for packageName, across every known user.
func (d *Driver) OnPackageChanged(ctx context.Context, packageName string) error {
	userIDs, err := d.users.UserIDs(ctx)
	if err != nil {
		return fmt.Errorf("packagedriver: list users: %w", err)
	}
	for _, userID := range userIDs {
		if err := d.reconcilePackageChange(ctx, packageName, userID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) reconcilePackageChange(ctx context.Context, packageName string, userID int) error {
	facts, found, err := d.packages.GetPackageInfo(ctx, packageName, userID)
	if err != nil {
		d.logger.Warn("package lookup failed during reconciliation", "package", packageName, "user", userID, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	if facts.IsOverlay() {
		if targetFacts, targetFound, err := d.packages.GetPackageInfo(ctx, facts.OverlayTarget, userID); err == nil && targetFound {
			if err := d.idmaps.Create(ctx, targetFacts.BaseCodePath, facts.BaseCodePath, d.sharedGid); err != nil {
				d.logger.Warn("idmap create failed", "overlay", packageName, "target", facts.OverlayTarget, "error", err)
			}
		}
		return d.reconcileOverlay(ctx, facts, userID)
	}

	// packageName might be a target whose facts changed; re-derive
	// every overlay currently pointed at it.
	return d.reconcileOverlaysForTarget(ctx, packageName, userID)
}

func (d *Driver) reconcileOverlaysForTarget(ctx context.Context, targetName string, userID int) error {
	for _, record := range d.registry.GetByTarget(targetName, false, userID) {
		facts, found, err := d.packages.GetPackageInfo(ctx, record.OverlayPackage, userID)
		if err != nil {
			d.logger.Warn("overlay lookup failed during target reconciliation", "overlay", record.OverlayPackage, "error", err)
			continue
		}
		if !found {
			continue
		}
		if err := d.reconcileOverlay(ctx, facts, userID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileOverlay derives the current state for an overlay described
// by facts and commits it to the registry. A pending-upgrade entry,
// if present, stands in for the registry's own prior record so a
// replace-in-progress carries its enabled bit forward.
func (d *Driver) reconcileOverlay(ctx context.Context, facts model.Facts, userID int) error {
	d.mu.Lock()
	pending, hasPending := d.pendingUpgrades[facts.PackageName]
	if hasPending {
		delete(d.pendingUpgrades, facts.PackageName)
	}
	d.mu.Unlock()

	var prev *model.Record
	switch {
	case hasPending:
		prev = &pending
	default:
		if existing, ok := d.registry.Get(facts.PackageName, userID); ok {
			prev = &existing
		}
	}

	state, err := d.engine.DeriveState(ctx, prev, facts, userID)
	if err != nil {
		return fmt.Errorf("packagedriver: derive state for %s: %w", facts.PackageName, err)
	}

	record := model.Record{
		OverlayPackage:           facts.PackageName,
		TargetPackage:            facts.OverlayTarget,
		BaseCodePath:             facts.BaseCodePath,
		State:                    state,
		UserID:                   userID,
		IsSystem:                 facts.IsSystem,
		RequestedOverlayPriority: facts.RequestedOverlayPriority,
	}
	return d.registry.Insert(record)
}

// OnPackageRemoved handles PACKAGE_REMOVED for packageName, scoped to
// userIDs (every known user for an all-users removal, or a single
// user for a per-user uninstall). When replacing is true, an existing
// record's state is stashed in the pending-upgrades map so the
// follow-up PACKAGE_ADDED can restore its enabled bit.
func (d *Driver) OnPackageRemoved(ctx context.Context, packageName string, userIDs []int, replacing bool) error {
	for _, userID := range userIDs {
		existing, hadRecord := d.registry.Get(packageName, userID)
		if hadRecord {
			d.registry.Remove(packageName, userID)
			if replacing {
				d.mu.Lock()
				d.pendingUpgrades[packageName] = existing
				d.mu.Unlock()
			}
		}

		stillInstalled, err := d.existsForAnyUser(ctx, packageName)
		if err != nil {
			return err
		}
		if !stillInstalled && hadRecord {
			if err := d.idmaps.Remove(ctx, existing.BaseCodePath); err != nil {
				d.logger.Warn("idmap remove failed", "overlay", packageName, "error", err)
			}
		}

		if !hadRecord {
			// packageName may have been a target package; some
			// overlay may now be missing it.
			if err := d.reconcileOverlaysForTarget(ctx, packageName, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) existsForAnyUser(ctx context.Context, overlayPackage string) (bool, error) {
	userIDs, err := d.users.UserIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("packagedriver: list users: %w", err)
	}
	for _, userID := range userIDs {
		if _, ok := d.registry.Get(overlayPackage, userID); ok {
			return true, nil
		}
	}
	return false, nil
}

// ReconcileAll performs missed-event recovery for userID: it lists
// every overlay package currently installed for the user, derives and
// commits state for each, then removes any registry record for that
// user whose overlay package is no longer installed. This converges
// the registry from any prior persisted state, independent of which
// package events (if any) were actually observed.
func (d *Driver) ReconcileAll(ctx context.Context, userID int) error {
	installed, err := d.packages.ListOverlayPackages(ctx, userID)
	if err != nil {
		return fmt.Errorf("packagedriver: list overlay packages for user %d: %w", userID, err)
	}

	seen := make(map[string]bool, len(installed))
	group, groupCtx := errgroup.WithContext(ctx)
	for _, facts := range installed {
		facts := facts
		seen[facts.PackageName] = true
		group.Go(func() error {
			return d.reconcileOverlay(groupCtx, facts, userID)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for _, list := range d.registry.GetAll(userID) {
		for _, record := range list {
			if !seen[record.OverlayPackage] {
				d.registry.Remove(record.OverlayPackage, userID)
			}
		}
	}
	return nil
}

// ReconcileAllUsers runs ReconcileAll concurrently for every user in
// userIDs, for a broader multi-user resync than the single-user
// reconciliation the boot sequence performs for user 0. The boot and
// user-switch sequences do not call it.
func (d *Driver) ReconcileAllUsers(ctx context.Context, userIDs []int) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, userID := range userIDs {
		userID := userID
		group.Go(func() error {
			return d.ReconcileAll(groupCtx, userID)
		})
	}
	return group.Wait()
}
