// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package collaborators declares the narrow interfaces the core
// consumes from subsystems this module does not implement: the host
// package database, the user account registry, the id-map generator
// binary, the asset-path publisher, and the broadcast bus. Production
// binaries wire real implementations; tests wire fakes.
package collaborators

import (
	"context"

	"github.com/haldane-systems/overlaymgr/internal/model"
)

// SignatureResult is the outcome of a signature comparison between two
// packages.
type SignatureResult int

const (
	// SignatureUnknown means the comparison could not be made (one of
	// the packages is not installed for the user, or the caller
	// passed empty names).
	SignatureUnknown SignatureResult = iota

	// SignatureMatch means the two packages were signed by the same
	// certificate.
	SignatureMatch

	// SignatureMismatch means the two packages were signed by
	// different certificates.
	SignatureMismatch
)

// PackageDatabase is the host's package manager, queried for the
// facts the rules engine needs. All methods may return
// RemoteCallFailed-shaped errors; callers treat failures as "not
// installed" / "no data" per §7.
type PackageDatabase interface {
	// GetPackageInfo returns facts for a single package as installed
	// for userID. The second return value is false if the package is
	// not installed for that user (this is not an error).
	GetPackageInfo(ctx context.Context, packageName string, userID int) (model.Facts, bool, error)

	// CheckSignatures compares the signing certificates of two
	// packages for the given user.
	CheckSignatures(ctx context.Context, packageA, packageB string, userID int) (SignatureResult, error)

	// ListOverlayPackages returns the facts of every installed
	// package that declares an overlay target, for userID.
	ListOverlayPackages(ctx context.Context, userID int) ([]model.Facts, error)
}

// UserRegistry enumerates end-user accounts on the host.
type UserRegistry interface {
	// LiveUsers returns the IDs of users that currently exist. Used
	// to gate StateCodec.Restore against orphaned records.
	LiveUsers(ctx context.Context) ([]int, error)

	// UserIDs returns every known user ID, live or not, for
	// broadcast-scope package events that touch "all users".
	UserIDs(ctx context.Context) ([]int, error)

	// HasRestriction reports whether the named restriction is set for
	// the given user (e.g. a debugging restriction). No package in
	// this module calls it.
	HasRestriction(ctx context.Context, userID int, key string) (bool, error)
}

// IdmapTool is the external id-map generator binary, invoked via a
// subprocess call.
type IdmapTool interface {
	// Idmap invokes the id-map generator for the given target and
	// overlay code paths under the given shared group id. Returns the
	// tool's exit code; non-zero means failure.
	Idmap(ctx context.Context, targetPath, overlayPath string, sharedGid int) (exitCode int, err error)

	// RemoveIdmap invokes the id-map remover for the given overlay
	// base code path. Returns the tool's exit code.
	RemoveIdmap(ctx context.Context, baseCodePath string) (exitCode int, err error)
}

// AssetPathPublisher pushes computed per-target search paths into
// running target processes. Called by the orchestrator after any
// change that affects a target's enabled-overlay set.
type AssetPathPublisher interface {
	Publish(ctx context.Context, userID int, paths map[string][]string) error
}

// BroadcastBus announces registry changes to the rest of the host.
type BroadcastBus interface {
	// Send emits a host broadcast with the given action
	// (OverlayAdded, OverlayRemoved, OverlayChanged,
	// OverlaysReordered) for the given package or target name, scoped
	// to userID.
	Send(ctx context.Context, action, packageOrTargetName string, userID int)
}
