// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/haldane-systems/overlaymgr/internal/collaborators"
	"github.com/haldane-systems/overlaymgr/internal/idmap"
	"github.com/haldane-systems/overlaymgr/internal/model"
	"github.com/haldane-systems/overlaymgr/internal/packagedriver"
	"github.com/haldane-systems/overlaymgr/internal/registry"
	"github.com/haldane-systems/overlaymgr/internal/rules"
	"github.com/haldane-systems/overlaymgr/internal/statecodec"
)

type fakePackages struct {
	byUser map[int]map[string]model.Facts
}

func (f *fakePackages) GetPackageInfo(ctx context.Context, packageName string, userID int) (model.Facts, bool, error) {
	facts, ok := f.byUser[userID][packageName]
	return facts, ok, nil
}
func (f *fakePackages) CheckSignatures(ctx context.Context, a, b string, userID int) (collaborators.SignatureResult, error) {
	return collaborators.SignatureUnknown, nil
}
func (f *fakePackages) ListOverlayPackages(ctx context.Context, userID int) ([]model.Facts, error) {
	var out []model.Facts
	for _, facts := range f.byUser[userID] {
		if facts.IsOverlay() {
			out = append(out, facts)
		}
	}
	return out, nil
}

type fakeTool struct{}

func (fakeTool) Idmap(ctx context.Context, targetPath, overlayPath string, sharedGid int) (int, error) {
	return 0, nil
}
func (fakeTool) RemoveIdmap(ctx context.Context, baseCodePath string) (int, error) { return 0, nil }

type fakeUsers struct{ ids []int }

func (u *fakeUsers) LiveUsers(ctx context.Context) ([]int, error) { return u.ids, nil }
func (u *fakeUsers) UserIDs(ctx context.Context) ([]int, error)   { return u.ids, nil }
func (u *fakeUsers) HasRestriction(ctx context.Context, userID int, key string) (bool, error) {
	return false, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	byUser map[int]map[string][]string
	calls  int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{byUser: map[int]map[string][]string{}}
}
func (p *fakePublisher) Publish(ctx context.Context, userID int, paths map[string][]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUser[userID] = paths
	p.calls++
	return nil
}

type fakeBus struct {
	mu   sync.Mutex
	sent []string
}

func (b *fakeBus) Send(ctx context.Context, action, name string, userID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, action+":"+name)
}

func newTestOrchestrator(t *testing.T, userIDs []int) (*Orchestrator, *fakePackages, *registry.Registry, *fakePublisher, *fakeBus) {
	t.Helper()
	pkgs := &fakePackages{byUser: map[int]map[string]model.Facts{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lifecycle := idmap.NewLifecycle(fakeTool{}, t.TempDir())
	engine := rules.NewEngine(pkgs, lifecycle, logger)
	reg := registry.New()
	users := &fakeUsers{ids: userIDs}
	driver := packagedriver.NewDriver(reg, engine, lifecycle, pkgs, users, logger)

	codec := statecodec.NewCodec(filepath.Join(t.TempDir(), "overlays.xml"))
	worker := statecodec.NewWorker(codec, logger, "")
	publisher := newFakePublisher()
	bus := &fakeBus{}

	o := New(reg, driver, codec, worker, users, publisher, bus, logger)
	return o, pkgs, reg, publisher, bus
}

func TestBootReconcilesAndPublishesUserZero(t *testing.T) {
	o, pkgs, reg, publisher, _ := newTestOrchestrator(t, []int{0})
	pkgs.byUser[0] = map[string]model.Facts{
		"com.target": {PackageName: "com.target", IsSystem: true},
		"com.overlay": {
			PackageName: "com.overlay", OverlayTarget: "com.target",
			ComponentEnabled: true,
		},
	}

	if err := o.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("com.overlay", 0); !ok {
		t.Fatal("expected boot to reconcile com.overlay for user 0")
	}

	publisher.mu.Lock()
	_, published := publisher.byUser[0]
	publisher.mu.Unlock()
	if !published {
		t.Fatal("expected boot to publish asset paths for user 0")
	}
}

func TestOnChangeBroadcastsAndPersists(t *testing.T) {
	o, pkgs, reg, _, bus := newTestOrchestrator(t, []int{0})
	pkgs.byUser[0] = map[string]model.Facts{
		"com.target": {PackageName: "com.target", IsSystem: true},
	}

	record := model.Record{OverlayPackage: "com.overlay", TargetPackage: "com.target", UserID: 0, State: model.ApprovedDisabled}
	if err := reg.Insert(record); err != nil {
		t.Fatal(err)
	}

	o.worker.Flush()
	snapshot, err := o.codec.Read(nil)
	if err != nil {
		t.Fatal(err)
	}
	if persisted := snapshot.Users[0]["com.target"]; len(persisted) != 1 || persisted[0].OverlayPackage != "com.overlay" {
		t.Fatalf("persisted = %+v, want [com.overlay]", persisted)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.sent) != 1 || bus.sent[0] != "OverlayAdded:com.overlay" {
		t.Fatalf("sent = %v, want [OverlayAdded:com.overlay]", bus.sent)
	}
}

func TestOnChangeSkipsRepublishWhenEnabledSetUnchanged(t *testing.T) {
	o, pkgs, reg, publisher, _ := newTestOrchestrator(t, []int{0})
	pkgs.byUser[0] = map[string]model.Facts{
		"com.target": {PackageName: "com.target", IsSystem: true},
	}

	if err := o.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}
	publisher.mu.Lock()
	callsAfterBoot := publisher.calls
	publisher.mu.Unlock()

	// Adding a disabled overlay changes the registry but not the set of
	// enabled asset paths (there are none, before or after).
	disabled := model.Record{OverlayPackage: "com.overlay", TargetPackage: "com.target", UserID: 0, State: model.ApprovedDisabled}
	if err := reg.Insert(disabled); err != nil {
		t.Fatal(err)
	}
	publisher.mu.Lock()
	callsAfterDisabledInsert := publisher.calls
	publisher.mu.Unlock()
	if callsAfterDisabledInsert != callsAfterBoot {
		t.Fatalf("Publish called %d times after a disabled-overlay insert, want %d (no enabled-set change)",
			callsAfterDisabledInsert, callsAfterBoot)
	}

	// Enabling it does change the enabled asset-path set.
	enabled := disabled.WithState(model.ApprovedEnabled)
	if err := reg.Insert(enabled); err != nil {
		t.Fatal(err)
	}
	publisher.mu.Lock()
	callsAfterEnable := publisher.calls
	publisher.mu.Unlock()
	if callsAfterEnable != callsAfterDisabledInsert+1 {
		t.Fatalf("Publish called %d times after enabling the overlay, want %d",
			callsAfterEnable, callsAfterDisabledInsert+1)
	}
}

func TestOnUserSwitchReconcilesNewUser(t *testing.T) {
	o, pkgs, reg, _, _ := newTestOrchestrator(t, []int{0, 1})
	pkgs.byUser[1] = map[string]model.Facts{
		"com.target": {PackageName: "com.target", IsSystem: true},
		"com.overlay": {
			PackageName: "com.overlay", OverlayTarget: "com.target",
			ComponentEnabled: true,
		},
	}

	if err := o.OnUserSwitch(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("com.overlay", 1); !ok {
		t.Fatal("expected user switch to reconcile the new foreground user")
	}
}
