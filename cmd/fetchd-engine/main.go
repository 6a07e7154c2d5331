// Command fetchd-engine is the headless download engine process: it
// wires storage, the HTTP and BitTorrent subsystems, the controller,
// and the stdio RPC server, then blocks until stdin closes. It is
// meant to be spawned by fetchd-supervisor, not run directly by a
// user, mirroring the teacher's own split between a library (session)
// and a thin process entrypoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	btsession "github.com/fetchd/engine/internal/bittorrent/session"
	"github.com/fetchd/engine/internal/config"
	"github.com/fetchd/engine/internal/controller"
	"github.com/fetchd/engine/internal/events"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/rpc"
	"github.com/fetchd/engine/internal/storage"
)

func main() {
	configFile := flag.String("config", "", "path to the engine's YAML configuration file")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	logger.SetLevel(*logLevel)
	log := logger.New("main")

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0750); err != nil {
		log.Errorln("create download dir:", err.Error())
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Errorln("open database:", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	bus := events.NewBus()

	bt, err := btsession.New(cfg.Torrent, torrentDBPath(cfg.DatabasePath), cfg.DownloadDir, bus)
	if err != nil {
		log.Errorln("start bittorrent session:", err.Error())
		os.Exit(1)
	}
	defer bt.Close()

	ctrl := controller.New(cfg, store, bt, bus)
	if err := ctrl.LoadExisting(); err != nil {
		log.Errorln("load existing downloads:", err.Error())
		os.Exit(1)
	}
	defer ctrl.Close()

	server := rpc.NewServer(os.Stdin, os.Stdout, bus, rpc.Deps{
		Controller: ctrl,
		Bittorrent: bt,
		Store:      store,
		Config:     cfg,
	})

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	runErrC := make(chan error, 1)
	go func() { runErrC <- server.Run() }()

	select {
	case err := <-runErrC:
		if err != nil {
			log.Errorln("rpc server exited:", err.Error())
			os.Exit(1)
		}
	case sig := <-sigC:
		log.Infoln("received signal:", sig.String())
	}
}

// torrentDBPath derives the BitTorrent session's own bolt database
// path from the engine's main database path, keeping the two stores
// separate (spec §4.7's download catalog vs the teacher's per-torrent
// resume state have different lifecycles and access patterns).
func torrentDBPath(enginePath string) string {
	return enginePath + ".torrents"
}
