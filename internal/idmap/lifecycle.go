// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package idmap manages the on-disk id-map files that map an
// overlay's resource ids onto its target's, and the fail-safe
// "dangerous" classification read back out of them.
//
// Grounded on original_source's IdmapManager.java: path construction,
// the create/remove/exists lifecycle, and the dangerous-by-default
// read failure behavior all mirror that file.
package idmap

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
)

// defaultCacheDir is the root under which generated idmap files are
// written. A production deployment overrides this via NewLifecycle.
const defaultCacheDir = "/data/resource-cache"

// The *Offset constants index into the big-endian uint32 header the
// idmap generator writes: magic, version, then the dangerous flag.
const (
	magicOffset     = 0
	versionOffset   = 4
	dangerousOffset = 8
	headerLength    = 12
)

// Lifecycle creates, removes, and inspects idmap files via an external
// IdmapTool.
type Lifecycle struct {
	tool     collaborators.IdmapTool
	cacheDir string
}

// NewLifecycle builds a Lifecycle that writes under cacheDir. An empty
// cacheDir selects the default location.
func NewLifecycle(tool collaborators.IdmapTool, cacheDir string) *Lifecycle {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	return &Lifecycle{tool: tool, cacheDir: cacheDir}
}

// Path deterministically derives the idmap file path for a given
// overlay base code path: the leading slash is stripped, every
// remaining slash becomes '@', and "@idmap" is appended.
//
// Mirrors IdmapManager.getIdmapPath exactly so that paths computed
// independently by Create, Exists, and Remove always agree.
func (l *Lifecycle) Path(baseCodePath string) string {
	trimmed := strings.TrimPrefix(baseCodePath, "/")
	escaped := strings.ReplaceAll(trimmed, "/", "@")
	return l.cacheDir + "/" + escaped + "@idmap"
}

// Create invokes the external idmap tool to generate the mapping
// between targetPath and overlayPath, owned by sharedGid.
func (l *Lifecycle) Create(ctx context.Context, targetPath, overlayPath string, sharedGid int) error {
	code, err := l.tool.Idmap(ctx, targetPath, overlayPath, sharedGid)
	if err != nil {
		return fmt.Errorf("idmap: create %s -> %s: %w", overlayPath, targetPath, err)
	}
	if code != 0 {
		return fmt.Errorf("idmap: create %s -> %s: tool exited %d", overlayPath, targetPath, code)
	}
	return nil
}

// Remove invokes the external idmap tool to delete the mapping for
// baseCodePath. Removing a nonexistent idmap is not an error: the
// caller (registry reconciliation) may race a prior removal.
func (l *Lifecycle) Remove(ctx context.Context, baseCodePath string) error {
	code, err := l.tool.RemoveIdmap(ctx, baseCodePath)
	if err != nil {
		return fmt.Errorf("idmap: remove %s: %w", baseCodePath, err)
	}
	if code != 0 {
		return fmt.Errorf("idmap: remove %s: tool exited %d", baseCodePath, code)
	}
	return nil
}

// Exists reports whether an idmap file is currently present for
// baseCodePath.
func (l *Lifecycle) Exists(baseCodePath string) bool {
	_, err := os.Stat(l.Path(baseCodePath))
	return err == nil
}

// IsDangerous reads the idmap file's header and reports whether the
// overlay was flagged dangerous at generation time: it overlaps
// resources the target did not mark overlayable.
//
// Any failure to open, read, or make sense of the header is treated
// as dangerous. An overlay we cannot prove safe is not safe: this
// fail-safe default is load-bearing and matches
// IdmapManager.isDangerous exactly.
func (l *Lifecycle) IsDangerous(baseCodePath string) bool {
	f, err := os.Open(l.Path(baseCodePath))
	if err != nil {
		return true
	}
	defer f.Close()

	header := make([]byte, headerLength)
	if _, err := readFull(f, header); err != nil {
		return true
	}
	dangerous := binary.BigEndian.Uint32(header[dangerousOffset:])
	return dangerous != 0
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
