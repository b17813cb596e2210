// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package rules implements the pure decision logic that keeps the
// registry from reaching an illegal state: approval-state derivation,
// enable/disable toggling, insertion-index placement, and the ordering
// invariant that every operation on a target's overlay list must
// preserve.
//
// Grounded on original_source's Rules.java; every function here is a
// direct translation of one method there, kept free of locking or
// persistence concerns so it can be tested with plain table cases.
package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
	"github.com/haldane-systems/overlaymgr/internal/idmap"
	"github.com/haldane-systems/overlaymgr/internal/model"
)

// InvariantViolation reports that a list of records passed to
// AssertConsistent or VerifyOrder mixed targets or users that must
// never appear in the same list.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "rules: invariant violation: " + e.Reason
}

// ArgumentMismatch reports that a prior record passed to DeriveState
// does not describe the same overlay/user pair as the fresh facts.
type ArgumentMismatch struct {
	Reason string
}

func (e *ArgumentMismatch) Error() string {
	return "rules: argument mismatch: " + e.Reason
}

// Engine derives approval states by consulting the package database
// and the idmap lifecycle. It holds no mutable state of its own.
// InsertIndex, VerifyOrder, AssertConsistent, and Toggle need no
// collaborators at all — they are plain functions over the ordering
// rule's own inputs, never touching a collaborator from inside a
// registry lock.
type Engine struct {
	packages collaborators.PackageDatabase
	idmaps   *idmap.Lifecycle
	logger   *slog.Logger
}

// NewEngine builds an Engine backed by the given collaborators. A nil
// logger is replaced with slog.Default().
func NewEngine(packages collaborators.PackageDatabase, idmaps *idmap.Lifecycle, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{packages: packages, idmaps: idmaps, logger: logger}
}

// DeriveState computes the approval state that an overlay's record
// should carry right now, given its current facts. prev is the
// record's prior value, or nil when deriving the initial state for a
// newly discovered overlay.
//
// Mirrors Rules.getUpdatedState(OverlayInfo, PackageInfo, int): the
// seven checks run in the same order, because later checks assume
// earlier ones passed (e.g. isDangerous is only meaningful once an
// idmap is known to exist). Because that seven-step ladder can only
// ever yield ApprovedDisabled for an approved, non-system overlay
// (never ApprovedEnabled — only Toggle produces that), an overlay the
// caller had already enabled would otherwise appear to silently
// revert to disabled on every reconciliation pass. DeriveState
// guards against that: if prev was ApprovedEnabled and the freshly
// computed state is ApprovedDisabled, the enabled bit is preserved.
func (e *Engine) DeriveState(ctx context.Context, prev *model.Record, overlay model.Facts, userID int) (model.ApprovalState, error) {
	if prev != nil {
		if prev.OverlayPackage != overlay.PackageName {
			return 0, &ArgumentMismatch{Reason: fmt.Sprintf(
				"prior record package %q does not match facts package %q", prev.OverlayPackage, overlay.PackageName)}
		}
		if prev.UserID != userID {
			return 0, &ArgumentMismatch{Reason: fmt.Sprintf(
				"prior record user %d does not match requested user %d", prev.UserID, userID)}
		}
	}

	state, err := e.deriveRaw(ctx, overlay, userID)
	if err != nil {
		return 0, err
	}

	if prev != nil && prev.State == model.ApprovedEnabled && state == model.ApprovedDisabled {
		return model.ApprovedEnabled, nil
	}
	return state, nil
}

// deriveRaw runs the seven-step ladder with no knowledge of any prior
// record.
func (e *Engine) deriveRaw(ctx context.Context, overlay model.Facts, userID int) (model.ApprovalState, error) {
	if !overlay.ComponentEnabled {
		return model.NotApprovedComponentDisabled, nil
	}

	_, found, err := e.packages.GetPackageInfo(ctx, overlay.OverlayTarget, userID)
	if err != nil {
		return 0, fmt.Errorf("rules: derive state: look up target %s: %w", overlay.OverlayTarget, err)
	}
	if !found {
		return model.NotApprovedMissingTarget, nil
	}

	if !e.idmaps.Exists(overlay.BaseCodePath) {
		return model.NotApprovedNoIdmap, nil
	}

	if overlay.IsSystem {
		return model.ApprovedAlwaysEnabled, nil
	}

	if e.signatureMatches(ctx, overlay, userID) {
		return model.ApprovedDisabled, nil
	}

	if !e.idmaps.IsDangerous(overlay.BaseCodePath) {
		return model.ApprovedDisabled, nil
	}

	return model.NotApprovedDangerousOverlay, nil
}

// signatureMatches asks the package database whether overlay's
// certificate matches its target's. A failed remote call is treated
// as a match (fail-open): the next reconciliation pass will correct
// the state once the package database is reachable again, mirroring
// the original's isSignatureMatching catching its remote exception
// and returning true rather than blocking approval on a transient
// failure.
func (e *Engine) signatureMatches(ctx context.Context, overlay model.Facts, userID int) bool {
	result, err := e.packages.CheckSignatures(ctx, overlay.OverlayTarget, overlay.PackageName, userID)
	if err != nil {
		e.logger.Warn("signature check failed, treating as matching",
			"overlay", overlay.PackageName, "target", overlay.OverlayTarget, "error", err)
		return true
	}
	return result == collaborators.SignatureMatch
}

// Toggle returns the state that results from requesting enable/disable
// on a record currently in state current. Requests that do not apply
// to the current state (the overlay is not in an approved, toggleable
// state) are no-ops: the current state is returned unchanged.
//
// Mirrors Rules.getUpdatedState(OverlayInfo, boolean).
func Toggle(current model.ApprovalState, enable bool) model.ApprovalState {
	switch current {
	case model.ApprovedDisabled, model.ApprovedEnabled:
		if enable {
			return model.ApprovedEnabled
		}
		return model.ApprovedDisabled
	default:
		return current
	}
}

// InsertIndex returns the index at which newRecord should be inserted
// into existing, a list already ordered for a single target and user.
// Returning len(existing) means append at the end.
//
// A pure function over the records themselves: newRecord and every
// entry of existing already carry IsSystem and
// RequestedOverlayPriority (denormalized onto model.Record at
// construction time), so placement never needs to consult the package
// database — this runs under the registry's lock and must not block
// on a collaborator call. System overlays are kept in a
// priority-sorted prefix; everything else is appended after them in
// arrival order. Mirrors Rules.getInsertIndex.
func InsertIndex(newRecord model.Record, existing []model.Record) (int, error) {
	if err := AssertConsistent(existing); err != nil {
		return 0, err
	}
	if !newRecord.IsSystem {
		return len(existing), nil
	}

	for index, record := range existing {
		if !record.IsSystem {
			return index, nil
		}
		if newRecord.RequestedOverlayPriority < record.RequestedOverlayPriority {
			return index, nil
		}
	}
	return len(existing), nil
}

// VerifyOrder reports whether records, the overlay list for one
// target and user, is correctly ordered: every system overlay
// precedes every non-system overlay, and system overlays are sorted
// by ascending requested priority.
//
// A pure function over the records' own IsSystem/
// RequestedOverlayPriority fields for the same reason as InsertIndex:
// it runs under the registry's lock during ChangePriority and must
// not block on the package database. Mirrors Rules.verifyOverlayOrder.
func VerifyOrder(records []model.Record) (bool, error) {
	if len(records) < 2 {
		return true, nil
	}
	if err := AssertConsistent(records); err != nil {
		return false, err
	}

	previousPriority := minInt
	previousSystem := true
	for _, record := range records {
		if record.IsSystem && !previousSystem {
			return false, nil
		}
		if record.IsSystem && record.RequestedOverlayPriority < previousPriority {
			return false, nil
		}
		previousPriority = record.RequestedOverlayPriority
		previousSystem = record.IsSystem
	}
	return true, nil
}

const minInt = -int(^uint(0)>>1) - 1

// AssertConsistent returns an *InvariantViolation if records mixes
// more than one target package or more than one user. A single
// per-target-per-user list is the only shape every other rule
// function assumes. Mirrors Rules.assertOverlaysAreConsistent.
func AssertConsistent(records []model.Record) error {
	if len(records) < 2 {
		return nil
	}
	target := records[0].TargetPackage
	userID := records[0].UserID
	for _, record := range records {
		if record.TargetPackage != target {
			return &InvariantViolation{Reason: fmt.Sprintf(
				"overlay list mixes target packages %q and %q", target, record.TargetPackage)}
		}
		if record.UserID != userID {
			return &InvariantViolation{Reason: fmt.Sprintf(
				"overlay list mixes user IDs %d and %d", userID, record.UserID)}
		}
	}
	return nil
}
