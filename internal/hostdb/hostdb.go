// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostdb is the reference host-platform glue: a JSON manifest
// on disk standing in for the real package manager and user account
// service a production deployment would query instead. It exists so
// cmd/overlaymgrd has something concrete to reconcile against; the
// core packages never import it directly.
//
// Grounded on danieljhkim-monodev's internal/stores/repo.go for the
// JSON-manifest-on-disk idiom (load whole, mutate, marshal-indent,
// atomic write).
package hostdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
	"github.com/haldane-systems/overlaymgr/internal/model"
)

// packageEntry is one package's manifest-file representation.
type packageEntry struct {
	PackageName              string `json:"packageName"`
	OverlayTarget            string `json:"overlayTarget,omitempty"`
	BaseCodePath             string `json:"baseCodePath"`
	ComponentEnabled         bool   `json:"componentEnabled"`
	IsSystem                 bool   `json:"isSystem"`
	RequestedOverlayPriority int    `json:"requestedOverlayPriority,omitempty"`
	Certificate              string `json:"certificate,omitempty"`
}

func (e packageEntry) facts() model.Facts {
	return model.Facts{
		PackageName:              e.PackageName,
		OverlayTarget:            e.OverlayTarget,
		BaseCodePath:             e.BaseCodePath,
		ComponentEnabled:         e.ComponentEnabled,
		IsSystem:                 e.IsSystem,
		RequestedOverlayPriority: e.RequestedOverlayPriority,
	}
}

// manifest is the on-disk shape: one package list per known user,
// plus the set of live user ids.
type manifest struct {
	LiveUsers []int                     `json:"liveUsers"`
	AllUsers  []int                     `json:"allUsers"`
	Packages  map[string][]packageEntry `json:"packages"` // keyed by decimal userID
}

// Database is a JSON-manifest-backed PackageDatabase and UserRegistry.
// Safe for concurrent use; every method re-reads the manifest file, so
// edits made by an operator between calls take effect without a
// restart.
type Database struct {
	mu   sync.Mutex
	path string
}

// NewDatabase builds a Database reading from path. A missing file is
// treated as an empty manifest (no users, no packages).
func NewDatabase(path string) *Database {
	return &Database{path: path}
}

func (d *Database) load() (manifest, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{Packages: map[string][]packageEntry{}}, nil
		}
		return manifest{}, fmt.Errorf("hostdb: reading %s: %w", d.path, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("hostdb: parsing %s: %w", d.path, err)
	}
	if m.Packages == nil {
		m.Packages = map[string][]packageEntry{}
	}
	return m, nil
}

// GetPackageInfo implements collaborators.PackageDatabase.
func (d *Database) GetPackageInfo(ctx context.Context, packageName string, userID int) (model.Facts, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return model.Facts{}, false, err
	}
	for _, entry := range m.Packages[userKey(userID)] {
		if entry.PackageName == packageName {
			return entry.facts(), true, nil
		}
	}
	return model.Facts{}, false, nil
}

// CheckSignatures implements collaborators.PackageDatabase.
func (d *Database) CheckSignatures(ctx context.Context, packageA, packageB string, userID int) (collaborators.SignatureResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return collaborators.SignatureUnknown, err
	}
	var certA, certB string
	var foundA, foundB bool
	for _, entry := range m.Packages[userKey(userID)] {
		if entry.PackageName == packageA {
			certA, foundA = entry.Certificate, true
		}
		if entry.PackageName == packageB {
			certB, foundB = entry.Certificate, true
		}
	}
	if !foundA || !foundB {
		return collaborators.SignatureUnknown, nil
	}
	if certA == certB {
		return collaborators.SignatureMatch, nil
	}
	return collaborators.SignatureMismatch, nil
}

// ListOverlayPackages implements collaborators.PackageDatabase.
func (d *Database) ListOverlayPackages(ctx context.Context, userID int) ([]model.Facts, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return nil, err
	}
	var out []model.Facts
	for _, entry := range m.Packages[userKey(userID)] {
		facts := entry.facts()
		if facts.IsOverlay() {
			out = append(out, facts)
		}
	}
	return out, nil
}

// LiveUsers implements collaborators.UserRegistry.
func (d *Database) LiveUsers(ctx context.Context) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return nil, err
	}
	return m.LiveUsers, nil
}

// UserIDs implements collaborators.UserRegistry.
func (d *Database) UserIDs(ctx context.Context) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load()
	if err != nil {
		return nil, err
	}
	return m.AllUsers, nil
}

// HasRestriction implements collaborators.UserRegistry. The reference
// manifest carries no restrictions; every check reports false.
func (d *Database) HasRestriction(ctx context.Context, userID int, key string) (bool, error) {
	return false, nil
}

func userKey(userID int) string {
	return fmt.Sprintf("%d", userID)
}
