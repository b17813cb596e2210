// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

package hostdb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
)

func writeManifest(t *testing.T, m manifest) string {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "host.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetPackageInfoFound(t *testing.T) {
	path := writeManifest(t, manifest{
		AllUsers: []int{0},
		Packages: map[string][]packageEntry{
			"0": {{PackageName: "com.target", IsSystem: true, ComponentEnabled: true}},
		},
	})
	db := NewDatabase(path)

	facts, ok, err := db.GetPackageInfo(context.Background(), "com.target", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !facts.IsSystem {
		t.Fatalf("facts = %+v, ok = %v", facts, ok)
	}
}

func TestGetPackageInfoMissingIsNotAnError(t *testing.T) {
	path := writeManifest(t, manifest{Packages: map[string][]packageEntry{}})
	db := NewDatabase(path)

	_, ok, err := db.GetPackageInfo(context.Background(), "com.nope", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok = false for a package absent from the manifest")
	}
}

func TestMissingManifestFileIsEmpty(t *testing.T) {
	db := NewDatabase(filepath.Join(t.TempDir(), "absent.json"))

	users, err := db.LiveUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Fatalf("LiveUsers() = %v, want empty", users)
	}
}

func TestCheckSignaturesComparesCertificates(t *testing.T) {
	path := writeManifest(t, manifest{
		AllUsers: []int{0},
		Packages: map[string][]packageEntry{
			"0": {
				{PackageName: "com.target", Certificate: "cert-a"},
				{PackageName: "com.overlay.same", Certificate: "cert-a"},
				{PackageName: "com.overlay.diff", Certificate: "cert-b"},
			},
		},
	})
	db := NewDatabase(path)
	ctx := context.Background()

	result, err := db.CheckSignatures(ctx, "com.target", "com.overlay.same", 0)
	if err != nil || result != collaborators.SignatureMatch {
		t.Fatalf("same-cert result = %v, err = %v", result, err)
	}
	result, err = db.CheckSignatures(ctx, "com.target", "com.overlay.diff", 0)
	if err != nil || result != collaborators.SignatureMismatch {
		t.Fatalf("diff-cert result = %v, err = %v", result, err)
	}
}

func TestListOverlayPackagesExcludesNonOverlays(t *testing.T) {
	path := writeManifest(t, manifest{
		AllUsers: []int{0},
		Packages: map[string][]packageEntry{
			"0": {
				{PackageName: "com.target", IsSystem: true},
				{PackageName: "com.overlay", OverlayTarget: "com.target"},
			},
		},
	})
	db := NewDatabase(path)

	overlays, err := db.ListOverlayPackages(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(overlays) != 1 || overlays[0].PackageName != "com.overlay" {
		t.Fatalf("overlays = %+v", overlays)
	}
}
