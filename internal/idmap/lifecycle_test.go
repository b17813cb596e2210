// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

package idmap

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type fakeTool struct {
	idmapCalls  int
	removeCalls int
	idmapCode   int
	removeCode  int
}

func (t *fakeTool) Idmap(ctx context.Context, targetPath, overlayPath string, sharedGid int) (int, error) {
	t.idmapCalls++
	return t.idmapCode, nil
}

func (t *fakeTool) RemoveIdmap(ctx context.Context, baseCodePath string) (int, error) {
	t.removeCalls++
	return t.removeCode, nil
}

func TestPathConstruction(t *testing.T) {
	l := NewLifecycle(&fakeTool{}, "/data/resource-cache")
	got := l.Path("/vendor/overlay/Foo/Foo.apk")
	want := "/data/resource-cache/vendor@overlay@Foo@Foo.apk@idmap"
	if got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}

func TestCreateFailsOnNonZeroExit(t *testing.T) {
	tool := &fakeTool{idmapCode: 1}
	l := NewLifecycle(tool, "/data/resource-cache")
	err := l.Create(context.Background(), "/system/app/Target", "/vendor/overlay/Foo", 1000)
	if err == nil {
		t.Fatal("expected error for non-zero exit code")
	}
	if tool.idmapCalls != 1 {
		t.Fatalf("idmapCalls = %d, want 1", tool.idmapCalls)
	}
}

func TestRemoveSucceeds(t *testing.T) {
	tool := &fakeTool{removeCode: 0}
	l := NewLifecycle(tool, "/data/resource-cache")
	if err := l.Remove(context.Background(), "/vendor/overlay/Foo"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
}

func TestIsDangerousDefaultsTrueWhenMissing(t *testing.T) {
	dir := t.TempDir()
	l := NewLifecycle(&fakeTool{}, dir)
	if !l.IsDangerous("/vendor/overlay/Foo") {
		t.Fatal("IsDangerous() should default to true when the idmap file is absent")
	}
}

func TestIsDangerousReadsHeader(t *testing.T) {
	dir := t.TempDir()
	l := NewLifecycle(&fakeTool{}, dir)
	path := l.Path("/vendor/overlay/Foo")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	writeHeader := func(dangerous uint32) {
		header := make([]byte, headerLength)
		binary.BigEndian.PutUint32(header[magicOffset:], 0x504d4449)
		binary.BigEndian.PutUint32(header[versionOffset:], 1)
		binary.BigEndian.PutUint32(header[dangerousOffset:], dangerous)
		if err := os.WriteFile(path, header, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	writeHeader(0)
	if l.IsDangerous("/vendor/overlay/Foo") {
		t.Fatal("IsDangerous() = true, want false for dangerous=0 header")
	}

	writeHeader(1)
	if !l.IsDangerous("/vendor/overlay/Foo") {
		t.Fatal("IsDangerous() = false, want true for dangerous=1 header")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	l := NewLifecycle(&fakeTool{}, dir)
	if l.Exists("/vendor/overlay/Foo") {
		t.Fatal("Exists() = true before file is written")
	}
	path := l.Path("/vendor/overlay/Foo")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, headerLength), 0o644); err != nil {
		t.Fatal(err)
	}
	if !l.Exists("/vendor/overlay/Foo") {
		t.Fatal("Exists() = false after file is written")
	}
}
