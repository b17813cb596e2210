// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package authorization decides whether a caller may read or mutate
// another user's overlay state, and holds the registry of known
// caller identities and their granted capabilities.
//
// Grounded on original_source's OverlayManagerService.java
// (enforceCrossUserPermission / enforceChangeConfigurationPermission,
// both bypassed for the trusted system identity) for the decision
// logic, and on bureau's lib/authorization/index.go for the Go idiom:
// an RWMutex-guarded map with single-writer updates. Lookup returns
// the Identity by value, but its Capabilities map is shared with the
// stored entry, not copied.
package authorization

import "sync"

// Capability names a permission a caller identity may hold.
type Capability string

const (
	// CapabilityInteractAcrossUsersFull lets a caller read another
	// user's overlay state.
	CapabilityInteractAcrossUsersFull Capability = "interact_across_users_full"

	// CapabilityChangeConfiguration lets a caller mutate overlay
	// state (enable/disable, reprioritize) for any user it may read.
	CapabilityChangeConfiguration Capability = "change_configuration"
)

// Identity describes one caller: the user account it is acting as,
// its granted capabilities, and whether it is the trusted system
// identity that bypasses every check below.
type Identity struct {
	UserID       int
	Capabilities map[Capability]bool
	System       bool
}

func (id Identity) has(capability Capability) bool {
	return id.Capabilities[capability]
}

// Decision is the outcome of an authorization check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DenyReason explains a Deny decision. Zero value is used for Allow.
type DenyReason int

const (
	DenyReasonNone DenyReason = iota
	DenyReasonCrossUserNotPermitted
	DenyReasonChangeConfigurationNotPermitted
)

func (r DenyReason) String() string {
	switch r {
	case DenyReasonNone:
		return "none"
	case DenyReasonCrossUserNotPermitted:
		return "cross-user access not permitted"
	case DenyReasonChangeConfigurationNotPermitted:
		return "change-configuration not permitted"
	default:
		return "unknown"
	}
}

// Result is the outcome of an Authorize call.
type Result struct {
	Decision Decision
	Reason   DenyReason
}

// Allowed reports whether r permits the operation.
func (r Result) Allowed() bool { return r.Decision == Allow }

// Authorize decides whether identity may act on targetUserID. mutating
// distinguishes the two capability checks the facade must apply: a
// read against a different user requires
// CapabilityInteractAcrossUsersFull; any mutation additionally
// requires CapabilityChangeConfiguration. The trusted system identity
// bypasses both checks, mirroring the source's SYSTEM_UID/root
// bypass.
func Authorize(identity Identity, targetUserID int, mutating bool) Result {
	if identity.System {
		return Result{Decision: Allow}
	}
	if identity.UserID != targetUserID && !identity.has(CapabilityInteractAcrossUsersFull) {
		return Result{Decision: Deny, Reason: DenyReasonCrossUserNotPermitted}
	}
	if mutating && !identity.has(CapabilityChangeConfiguration) {
		return Result{Decision: Deny, Reason: DenyReasonChangeConfigurationNotPermitted}
	}
	return Result{Decision: Allow}
}

// Index holds the known caller identities, keyed by an opaque caller
// id (the facade's transport supplies this — e.g. a peer credential
// or an authenticated token subject). Safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{identities: make(map[string]Identity)}
}

// SetIdentity replaces the identity registered for callerID.
func (idx *Index) SetIdentity(callerID string, identity Identity) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.identities[callerID] = identity
}

// RemoveIdentity forgets callerID.
func (idx *Index) RemoveIdentity(callerID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.identities, callerID)
}

// Lookup returns the identity registered for callerID, if any.
func (idx *Index) Lookup(callerID string) (Identity, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	identity, ok := idx.identities[callerID]
	return identity, ok
}
