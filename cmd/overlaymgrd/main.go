// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

// Command overlaymgrd runs the overlay manager daemon: it restores
// any persisted overlay registry, reconciles it against the host's
// current package set, and serves the read/mutate operation surface
// over a Unix domain socket until asked to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/haldane-systems/overlaymgr/internal/authorization"
	"github.com/haldane-systems/overlaymgr/internal/facade"
	"github.com/haldane-systems/overlaymgr/internal/hostdb"
	"github.com/haldane-systems/overlaymgr/internal/idmap"
	"github.com/haldane-systems/overlaymgr/internal/model"
	"github.com/haldane-systems/overlaymgr/internal/orchestrator"
	"github.com/haldane-systems/overlaymgr/internal/packagedriver"
	"github.com/haldane-systems/overlaymgr/internal/registry"
	"github.com/haldane-systems/overlaymgr/internal/rules"
	"github.com/haldane-systems/overlaymgr/internal/statecodec"
	"github.com/haldane-systems/overlaymgr/internal/transport"
	"github.com/haldane-systems/overlaymgr/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "overlaymgrd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath   string
		stateDir     string
		manifestPath string
		sharedGid    int
		logJSON      bool
	)
	flag.StringVar(&socketPath, "socket", "/run/overlaymgr/overlaymgr.sock", "facade RPC socket path")
	flag.StringVar(&stateDir, "state-dir", "/var/lib/overlaymgr", "directory holding the persisted registry document and its archives")
	flag.StringVar(&manifestPath, "host-manifest", "/etc/overlaymgr/host.json", "path to the reference host package/user manifest (see internal/hostdb)")
	flag.IntVar(&sharedGid, "shared-gid", 1000, "group id passed to the idmap tool for generated mapping files")
	flag.BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")
	flag.Parse()

	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}
	archiveDir := stateDir + "/archive"
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory %s: %w", archiveDir, err)
	}

	host := hostdb.NewDatabase(manifestPath)
	idmapTool := &execIdmapTool{logger: logger}
	lifecycle := idmap.NewLifecycle(idmapTool, stateDir+"/idmap-cache")

	engine := rules.NewEngine(host, lifecycle, logger)
	reg := registry.New()
	driver := packagedriver.NewDriver(reg, engine, lifecycle, host, host, logger)
	driver.SetSharedGid(sharedGid)

	codec := statecodec.NewCodec(stateDir + "/overlays.xml")
	worker := statecodec.NewWorker(codec, logger, archiveDir)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	publisher := &logAssetPathPublisher{logger: logger}
	bus := &logBroadcastBus{logger: logger}
	orch := orchestrator.New(reg, driver, codec, worker, host, publisher, bus, logger)

	if err := orch.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	authIndex := authorization.NewIndex()
	authIndex.SetIdentity("uid:0", authorization.Identity{System: true})
	liveUsers, err := host.LiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing live users: %w", err)
	}
	svc := facade.New(reg, authIndex, worker, liveUsers)

	server := buildServer(socketPath, svc, logger)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Serve(ctx)
	}()

	logger.Info("overlay manager daemon running", "socket", socketPath, "stateDir", stateDir)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-serverDone; err != nil {
		logger.Error("facade server error", "error", err)
	}
	<-workerDone
	return nil
}

// buildServer registers one transport action per ServiceFacade
// operation. Every request carries its own correlation id, generated
// here rather than trusted from the caller, so a log line can always
// be traced back to the request that produced it regardless of
// transport-level retries.
func buildServer(socketPath string, svc *facade.Facade, logger *slog.Logger) *transport.Server {
	server := transport.NewServer(socketPath, peerCredentialCallerID(logger), logger)

	server.Handle("getAllOverlays", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req struct {
			UserID int `cbor:"userId"`
		}
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		return svc.GetAllOverlays(ctx, callerID, req.UserID)
	})

	server.Handle("getOverlaysForTarget", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req struct {
			Target string `cbor:"target"`
			UserID int    `cbor:"userId"`
		}
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		return svc.GetOverlaysForTarget(ctx, callerID, req.Target, req.UserID)
	})

	server.Handle("getOverlayInfo", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req struct {
			OverlayPackage string `cbor:"overlayPackage"`
			UserID         int    `cbor:"userId"`
		}
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		record, ok, err := svc.GetOverlayInfo(ctx, callerID, req.OverlayPackage, req.UserID)
		if err != nil || !ok {
			return nil, err
		}
		return record, nil
	})

	server.Handle("setEnabled", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req struct {
			OverlayPackage string `cbor:"overlayPackage"`
			Enabled        bool   `cbor:"enabled"`
			UserID         int    `cbor:"userId"`
		}
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		return svc.SetEnabled(ctx, callerID, req.OverlayPackage, req.Enabled, req.UserID)
	})

	server.Handle("setPriority", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req priorityRequest
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		return svc.SetPriority(ctx, callerID, req.record(), req.ParentPackage)
	})

	server.Handle("setHighestPriority", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req priorityRequest
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		return svc.SetHighestPriority(ctx, callerID, req.record())
	})

	server.Handle("setLowestPriority", func(ctx context.Context, callerID string, raw []byte) (any, error) {
		var req priorityRequest
		if err := decodeRequest(raw, &req, logger); err != nil {
			return nil, err
		}
		return svc.SetLowestPriority(ctx, callerID, req.record())
	})

	return server
}

// priorityRequest carries just enough of an OverlayRecord to identify
// it within its target's list for the three reordering operations.
type priorityRequest struct {
	OverlayPackage string `cbor:"overlayPackage"`
	TargetPackage  string `cbor:"targetPackage"`
	UserID         int    `cbor:"userId"`
	ParentPackage  string `cbor:"parentPackage,omitempty"`
}

func (r priorityRequest) record() model.Record {
	return model.Record{OverlayPackage: r.OverlayPackage, TargetPackage: r.TargetPackage, UserID: r.UserID}
}

func decodeRequest(raw []byte, v any, logger *slog.Logger) error {
	correlationID := uuid.NewString()
	logger.Debug("handling request", "correlationId", correlationID)
	if err := wire.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding request %s: %w", correlationID, err)
	}
	return nil
}
