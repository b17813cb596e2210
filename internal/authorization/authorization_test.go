// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

package authorization

import "testing"

func TestAuthorizeOwnUserReadAllowed(t *testing.T) {
	identity := Identity{UserID: 5, Capabilities: map[Capability]bool{}}
	result := Authorize(identity, 5, false)
	if !result.Allowed() {
		t.Fatalf("expected allow, got %v (%v)", result.Decision, result.Reason)
	}
}

func TestAuthorizeCrossUserReadDeniedWithoutCapability(t *testing.T) {
	identity := Identity{UserID: 5, Capabilities: map[Capability]bool{}}
	result := Authorize(identity, 6, false)
	if result.Allowed() {
		t.Fatal("expected deny for cross-user read without capability")
	}
	if result.Reason != DenyReasonCrossUserNotPermitted {
		t.Fatalf("reason = %v, want DenyReasonCrossUserNotPermitted", result.Reason)
	}
}

func TestAuthorizeCrossUserReadAllowedWithCapability(t *testing.T) {
	identity := Identity{UserID: 5, Capabilities: map[Capability]bool{CapabilityInteractAcrossUsersFull: true}}
	result := Authorize(identity, 6, false)
	if !result.Allowed() {
		t.Fatalf("expected allow, got %v", result.Reason)
	}
}

func TestAuthorizeMutationRequiresChangeConfiguration(t *testing.T) {
	identity := Identity{UserID: 5, Capabilities: map[Capability]bool{}}
	result := Authorize(identity, 5, true)
	if result.Allowed() {
		t.Fatal("expected deny for mutation without CapabilityChangeConfiguration")
	}
	if result.Reason != DenyReasonChangeConfigurationNotPermitted {
		t.Fatalf("reason = %v, want DenyReasonChangeConfigurationNotPermitted", result.Reason)
	}
}

func TestAuthorizeMutationAllowedWithCapability(t *testing.T) {
	identity := Identity{UserID: 5, Capabilities: map[Capability]bool{CapabilityChangeConfiguration: true}}
	result := Authorize(identity, 5, true)
	if !result.Allowed() {
		t.Fatalf("expected allow, got %v", result.Reason)
	}
}

func TestAuthorizeSystemIdentityBypassesEverything(t *testing.T) {
	identity := Identity{UserID: 0, System: true}
	result := Authorize(identity, 99, true)
	if !result.Allowed() {
		t.Fatal("expected system identity to bypass all checks")
	}
}

func TestIndexSetLookupRemove(t *testing.T) {
	idx := NewIndex()
	identity := Identity{UserID: 1, Capabilities: map[Capability]bool{CapabilityChangeConfiguration: true}}
	idx.SetIdentity("caller-a", identity)

	got, ok := idx.Lookup("caller-a")
	if !ok || got.UserID != 1 {
		t.Fatalf("Lookup() = %+v, %v", got, ok)
	}

	idx.RemoveIdentity("caller-a")
	if _, ok := idx.Lookup("caller-a"); ok {
		t.Fatal("expected identity to be removed")
	}
}
