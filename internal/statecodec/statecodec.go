// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Package statecodec serializes and deserializes the registry to and
// from a single structured document on stable storage, and runs the
// single-slot coalescing background worker that performs writes
// asynchronously.
//
// Grounded on original_source's StateSerializer.java for the document
// shape (overlays/user/target/overlay, FastXmlSerializer + AtomicFile)
// and on bureau's lib/artifact/metadata.go for the Go atomic-write
// idiom (CreateTemp in the target directory, write, close, rename).
package statecodec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/gzip"

	"github.com/haldane-systems/overlaymgr/internal/clock"
	"github.com/haldane-systems/overlaymgr/internal/model"
)

// documentVersion is the only version this codec can read or write.
// A persisted document carrying any other value fails with
// ReadFailedError.
const documentVersion = "1"

// Snapshot is the whole-registry contents as exchanged with the
// codec: every user's per-target ordered overlay lists.
type Snapshot struct {
	Users map[int]map[string][]model.Record
}

// ReadFailedError reports that a persisted document could not be
// parsed: unsupported version, malformed XML, or a missing required
// attribute. Per the error handling design, callers treat this as "no
// prior state" and proceed with an empty registry; they do not retry
// on their own.
type ReadFailedError struct {
	Reason string
}

func (e *ReadFailedError) Error() string {
	return "statecodec: read failed: " + e.Reason
}

// Codec reads and writes the canonical document at path, atomically.
type Codec struct {
	path string
}

// NewCodec builds a Codec whose canonical file lives at path.
func NewCodec(path string) *Codec {
	return &Codec{path: path}
}

// Write serializes snapshot and atomically replaces the canonical
// file: the document is written to a sibling temp file, flushed, and
// renamed into place in one step so a crash never observes a
// half-written document.
func (c *Codec) Write(snapshot Snapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		return fmt.Errorf("statecodec: encode: %w", err)
	}
	return atomicWriteFile(c.path, data)
}

// Read loads and parses the canonical file, keeping only records
// belonging to a user present in liveUserIDs. A missing file is not
// an error: it returns an empty Snapshot, matching first-boot
// behavior. Any other read or parse failure returns a
// *ReadFailedError.
func (c *Codec) Read(liveUserIDs map[int]bool) (Snapshot, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{Users: map[int]map[string][]model.Record{}}, nil
		}
		return Snapshot{}, &ReadFailedError{Reason: err.Error()}
	}
	return Decode(data, liveUserIDs)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".overlays-*.tmp")
	if err != nil {
		return fmt.Errorf("statecodec: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statecodec: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statecodec: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statecodec: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statecodec: rename into place: %w", err)
	}
	success = true
	return nil
}

// Encode renders snapshot as the XML-like document described in
// §6.2: overlays(version=1) > user(id) > target(name) >
// overlay(name, path, state). Users, targets, and the overlay order
// within a target are emitted in a stable order so Encode is
// deterministic — required for the round-trip law to be testable by
// byte comparison.
func Encode(snapshot Snapshot) ([]byte, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("overlays")
	root.CreateAttr("version", documentVersion)

	userIDs := make([]int, 0, len(snapshot.Users))
	for id := range snapshot.Users {
		userIDs = append(userIDs, id)
	}
	sort.Ints(userIDs)

	for _, userID := range userIDs {
		userElem := root.CreateElement("user")
		userElem.CreateAttr("id", strconv.Itoa(userID))

		targets := snapshot.Users[userID]
		targetNames := make([]string, 0, len(targets))
		for name := range targets {
			targetNames = append(targetNames, name)
		}
		sort.Strings(targetNames)

		for _, targetName := range targetNames {
			targetElem := userElem.CreateElement("target")
			targetElem.CreateAttr("name", targetName)

			for _, record := range targets[targetName] {
				overlayElem := targetElem.CreateElement("overlay")
				overlayElem.CreateAttr("name", record.OverlayPackage)
				overlayElem.CreateAttr("path", record.BaseCodePath)
				overlayElem.CreateAttr("state", strconv.Itoa(int(record.State)))
			}
		}
	}

	doc.Indent(2)
	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a document previously produced by Encode. When
// liveUserIDs is non-nil, users not present in it are silently
// dropped (the restore-only-live-users policy); pass nil to keep
// every user, e.g. when validating a document's own round-trip.
func Decode(data []byte, liveUserIDs map[int]bool) (Snapshot, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return Snapshot{}, &ReadFailedError{Reason: err.Error()}
	}

	root := doc.SelectElement("overlays")
	if root == nil {
		return Snapshot{}, &ReadFailedError{Reason: "missing overlays root element"}
	}
	if version := root.SelectAttrValue("version", ""); version != documentVersion {
		return Snapshot{}, &ReadFailedError{Reason: fmt.Sprintf("unsupported document version %q", version)}
	}

	snapshot := Snapshot{Users: map[int]map[string][]model.Record{}}
	for _, userElem := range root.SelectElements("user") {
		userID, err := strconv.Atoi(userElem.SelectAttrValue("id", ""))
		if err != nil {
			return Snapshot{}, &ReadFailedError{Reason: "malformed user id: " + err.Error()}
		}
		if liveUserIDs != nil && !liveUserIDs[userID] {
			continue
		}

		targets := map[string][]model.Record{}
		for _, targetElem := range userElem.SelectElements("target") {
			targetName := targetElem.SelectAttrValue("name", "")
			if targetName == "" {
				return Snapshot{}, &ReadFailedError{Reason: "target element missing name attribute"}
			}

			var records []model.Record
			for _, overlayElem := range targetElem.SelectElements("overlay") {
				overlayName := overlayElem.SelectAttrValue("name", "")
				if overlayName == "" {
					return Snapshot{}, &ReadFailedError{Reason: "overlay element missing name attribute"}
				}
				stateValue, err := strconv.Atoi(overlayElem.SelectAttrValue("state", ""))
				if err != nil {
					return Snapshot{}, &ReadFailedError{Reason: "malformed overlay state: " + err.Error()}
				}
				records = append(records, model.Record{
					OverlayPackage: overlayName,
					TargetPackage:  targetName,
					BaseCodePath:   overlayElem.SelectAttrValue("path", ""),
					State:          model.ApprovalState(stateValue),
					UserID:         userID,
				})
			}
			targets[targetName] = records
		}
		snapshot.Users[userID] = targets
	}
	return snapshot, nil
}

// Worker coalesces persistence: Enqueue replaces whatever snapshot is
// currently pending (last write wins), and Run's background loop
// writes the latest pending snapshot whenever one is waiting, capped
// at one write in flight. A write failure is logged and never
// propagated — the in-memory registry remains authoritative and the
// next successful write catches up.
type Worker struct {
	mu      sync.Mutex
	pending *Snapshot

	codec      *Codec
	logger     *slog.Logger
	notify     chan struct{}
	archiveDir string
	clock      clock.Clock
}

// NewWorker builds a Worker that writes through codec. archiveDir, if
// non-empty, receives a gzip-compressed copy of the previous
// generation's document before each write that replaces it.
func NewWorker(codec *Codec, logger *slog.Logger, archiveDir string) *Worker {
	return &Worker{
		codec:      codec,
		logger:     logger,
		notify:     make(chan struct{}, 1),
		archiveDir: archiveDir,
		clock:      clock.Real(),
	}
}

// Enqueue replaces the pending snapshot and wakes the worker. Calling
// it repeatedly before the worker drains coalesces to the last value.
func (w *Worker) Enqueue(snapshot Snapshot) {
	w.mu.Lock()
	w.pending = &snapshot
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run drains pending snapshots until ctx is canceled, performing one
// final drain on cancellation so a clean shutdown does not lose a
// queued write.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return
		case <-w.notify:
			w.Flush()
		}
	}
}

// Flush synchronously writes the currently pending snapshot, if any,
// and clears it. Exposed so tests can drive the worker deterministically
// without racing a background goroutine.
func (w *Worker) Flush() {
	w.mu.Lock()
	snapshot := w.pending
	w.pending = nil
	w.mu.Unlock()

	if snapshot == nil {
		return
	}

	if w.archiveDir != "" {
		if err := w.archivePrevious(); err != nil {
			w.logger.Warn("archive previous overlay state failed", "error", err)
		}
	}
	if err := w.codec.Write(*snapshot); err != nil {
		w.logger.Error("persist overlay state failed", "error", err)
	}
}

// archivePrevious gzip-compresses the current canonical file, if one
// exists, into archiveDir before it is overwritten.
func (w *Worker) archivePrevious() error {
	data, err := os.ReadFile(w.codec.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(w.archiveDir, 0o700); err != nil {
		return err
	}

	name := fmt.Sprintf("overlays-%d.xml.gz", w.clock.Now().UnixNano())
	archivePath := filepath.Join(w.archiveDir, name)

	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		return err
	}
	return gz.Close()
}
