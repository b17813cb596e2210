// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package model holds the value types shared by the rules engine, the
// registry, and the persistence codec: overlay records, their
// approval states, and the package facts the rules engine consults.
package model

// ApprovalState is the tagged state of an overlay record. Wire values
// are frozen on first release (see statecodec) and must never be
// renumbered.
type ApprovalState int

const (
	// ApprovedAlwaysEnabled is a system-supplied overlay; always
	// active; cannot be disabled.
	ApprovedAlwaysEnabled ApprovalState = iota

	// ApprovedEnabled is a user-controlled overlay, currently active.
	ApprovedEnabled

	// ApprovedDisabled is a user-controlled overlay, currently
	// inactive.
	ApprovedDisabled

	// NotApprovedComponentDisabled means the overlay package is
	// disabled at the package level.
	NotApprovedComponentDisabled

	// NotApprovedMissingTarget means the target package is not
	// installed for this user.
	NotApprovedMissingTarget

	// NotApprovedNoIdmap means the id-map file does not exist (no
	// overlapping resources).
	NotApprovedNoIdmap

	// NotApprovedDangerousOverlay means the id-map exists but the
	// overlay touches resources the target did not mark overlayable,
	// and signatures do not match.
	NotApprovedDangerousOverlay
)

func (s ApprovalState) String() string {
	switch s {
	case ApprovedAlwaysEnabled:
		return "approved-always-enabled"
	case ApprovedEnabled:
		return "approved-enabled"
	case ApprovedDisabled:
		return "approved-disabled"
	case NotApprovedComponentDisabled:
		return "not-approved-component-disabled"
	case NotApprovedMissingTarget:
		return "not-approved-missing-target"
	case NotApprovedNoIdmap:
		return "not-approved-no-idmap"
	case NotApprovedDangerousOverlay:
		return "not-approved-dangerous-overlay"
	default:
		return "unknown"
	}
}

// Enabled reports whether an overlay in this state currently
// participates in resource lookup.
func (s ApprovalState) Enabled() bool {
	return s == ApprovedAlwaysEnabled || s == ApprovedEnabled
}

// Approved reports whether the overlay passed all preconditions to be
// usable, independent of whether it is currently toggled on.
func (s ApprovalState) Approved() bool {
	switch s {
	case ApprovedAlwaysEnabled, ApprovedEnabled, ApprovedDisabled:
		return true
	default:
		return false
	}
}

// Record is an immutable overlay record: one overlay package's
// relationship to its target for one end-user account. Callers never
// mutate a Record in place — every state transition produces a new
// value via WithState.
//
// IsSystem and RequestedOverlayPriority are carried on the record
// itself, denormalized from the Facts that were current when the
// record was constructed, so that the ordering rules (InsertIndex,
// VerifyOrder) never need to query the package database per record
// while the registry's lock is held.
type Record struct {
	OverlayPackage           string
	TargetPackage            string
	BaseCodePath             string
	State                    ApprovalState
	UserID                   int
	IsSystem                 bool
	RequestedOverlayPriority int
}

// WithState returns a copy of r with State replaced. Used instead of
// mutation so Registry readers can safely alias returned records.
func (r Record) WithState(state ApprovalState) Record {
	r.State = state
	return r
}

// Key identifies a record within one user's registry: overlay package
// name is unique per user (see Registry uniqueness invariant).
type Key struct {
	UserID         int
	OverlayPackage string
}

// Facts is the read-only view of a package fetched from the external
// package database, as consulted by the rules engine.
type Facts struct {
	PackageName              string
	OverlayTarget            string // empty if this package is not an overlay
	BaseCodePath             string
	ComponentEnabled         bool
	IsSystem                 bool
	RequestedOverlayPriority int
}

// IsOverlay reports whether these facts describe an overlay package
// (as opposed to an ordinary package, or a target package whose own
// facts changed).
func (f Facts) IsOverlay() bool {
	return f.OverlayTarget != ""
}
