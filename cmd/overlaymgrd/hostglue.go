// Copyright 2026 The Haldane Systems Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/haldane-systems/overlaymgr/internal/transport"
)

// execIdmapTool invokes the host's idmap generator/remover binaries as
// subprocesses. Their exact arguments are host-platform glue this
// repository does not standardize; the default binary names below are
// a placeholder a real deployment overrides by replacing this type.
type execIdmapTool struct {
	logger       *slog.Logger
	idmapBinary  string
	removeBinary string
}

func (t *execIdmapTool) binary(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func (t *execIdmapTool) Idmap(ctx context.Context, targetPath, overlayPath string, sharedGid int) (int, error) {
	cmd := exec.CommandContext(ctx, t.binary(t.idmapBinary, "idmap2"), "create",
		"--target-path", targetPath,
		"--overlay-path", overlayPath,
		"--shared-gid", fmt.Sprintf("%d", sharedGid),
	)
	return runAndExitCode(cmd)
}

func (t *execIdmapTool) RemoveIdmap(ctx context.Context, baseCodePath string) (int, error) {
	cmd := exec.CommandContext(ctx, t.binary(t.removeBinary, "idmap2"), "remove", "--overlay-path", baseCodePath)
	return runAndExitCode(cmd)
}

func runAndExitCode(cmd *exec.Cmd) (int, error) {
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// peerCredentialCallerID derives a caller id from a Unix socket
// connection's SO_PEERCRED credentials (the connecting process's uid),
// so the facade's authorization index can be keyed by "uid:<n>"
// without trusting anything the caller sends in the request body
// itself. Returns "" for any non-Unix connection or on syscall
// failure, which transport.Server treats as an unidentified caller.
func peerCredentialCallerID(logger *slog.Logger) transport.CallerIDFunc {
	return func(conn net.Conn) string {
		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			return ""
		}
		raw, err := unixConn.SyscallConn()
		if err != nil {
			logger.Warn("peer credential: obtaining raw connection failed", "error", err)
			return ""
		}

		var cred *unix.Ucred
		var credErr error
		err = raw.Control(func(fd uintptr) {
			cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		})
		if err != nil {
			logger.Warn("peer credential: control call failed", "error", err)
			return ""
		}
		if credErr != nil {
			logger.Warn("peer credential: SO_PEERCRED lookup failed", "error", credErr)
			return ""
		}
		return "uid:" + strconv.Itoa(int(cred.Uid))
	}
}

// logAssetPathPublisher stands in for the host mechanism that pushes
// resolved asset search paths into running target processes. A real
// deployment replaces this with whatever IPC its runtime provides.
type logAssetPathPublisher struct {
	logger *slog.Logger
}

func (p *logAssetPathPublisher) Publish(ctx context.Context, userID int, paths map[string][]string) error {
	p.logger.Info("asset paths published", "userId", userID, "targets", len(paths))
	return nil
}

// logBroadcastBus stands in for the host's inter-process broadcast
// mechanism.
type logBroadcastBus struct {
	logger *slog.Logger
}

func (b *logBroadcastBus) Send(ctx context.Context, action, packageOrTargetName string, userID int) {
	b.logger.Info("broadcast", "action", action, "name", packageOrTargetName, "userId", userID)
}
