// Command fluxdld runs the download engine as a background process,
// exposing it over JSON-RPC and WebSocket for out-of-process clients.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fluxdl/fluxdl/internal/rpcserver"
	"github.com/fluxdl/fluxdl/pkg/dlcore"
	"github.com/fluxdl/fluxdl/pkg/logger"
)

func main() {
	addr := os.Getenv("FLUXDLD_ADDR")
	if addr == "" {
		addr = "127.0.0.1:7890"
	}
	outDir := os.Getenv("FLUXDLD_OUT_DIR")
	if outDir == "" {
		outDir = "."
	}

	lg := logger.NewStandardLogger(log.Default())

	pidPath, err := writePIDFile()
	if err != nil {
		lg.Warning("fluxdld: could not write pid file: %v", err)
	} else {
		defer os.Remove(pidPath)
	}

	// Shared between the engine's resolvers and the whole-file drivers so
	// credentials stored at resolve time are visible at download time.
	vault := dlcore.NewCredentialVault()

	registry := dlcore.NewPluginRegistry()
	registry.RegisterResolver(dlcore.NewGitHubResolver())
	registry.RegisterResolver(dlcore.NewHTTPResolver())
	registry.RegisterResolver(dlcore.NewFTPResolver())
	registry.RegisterDriver(dlcore.NewHTTPDriver(nil))

	registry.RegisterWholeFileDriver(dlcore.NewFTPWholeFileDriver(vault))
	registry.RegisterWholeFileDriver(dlcore.NewSFTPWholeFileDriver(vault))
	registry.RegisterWholeFileDriver(dlcore.NewBitTorrentStubDriver())
	registry.RegisterWholeFileDriver(dlcore.NewADBStubDriver())
	registry.RegisterWholeFileDriver(dlcore.NewEd2kStubDriver())

	engine, err := dlcore.New(dlcore.Config{OutDir: outDir, Concurrency: 8, ChunkSize: 4 * dlcore.MB, Vault: vault}, registry)
	if err != nil {
		fmt.Println("fluxdld:", err.Error())
		os.Exit(1)
	}
	defer engine.Close()

	rpc := rpcserver.New(engine, lg)
	defer rpc.Close()

	lg.Info("fluxdld: listening on %s", addr)
	if err := http.ListenAndServe(addr, rpc.Handler()); err != nil {
		fmt.Println("fluxdld:", err.Error())
		os.Exit(1)
	}
}

// writePIDFile records this process's PID under the ambient config
// directory (FLUXDL_CONFIG_DIR or its OS default), so a supervisor or CLI
// collaborator can locate a running daemon.
func writePIDFile() (string, error) {
	dir, err := dlcore.ConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "fluxdld.pid")
	if err := os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), dlcore.DefaultFileMode); err != nil {
		return "", err
	}
	return path, nil
}
