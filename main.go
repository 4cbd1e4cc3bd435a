// lanxfer sends files and directories between devices on a local network.
//
// Usage:
//
//	lanxfer listen  [-port N] [-dir D] [-bind ADDR] [-no-discovery] [-debug]
//	lanxfer send    (-to HOST:PORT | -peer NAME) [-debug] PATH...
//	lanxfer peers   [-timeout D]
//	lanxfer history [-limit N]
//	lanxfer certs   [-hosts H1,H2]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"lanxfer/config"
	"lanxfer/logging"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logging.Error("startup failed while loading config: %v", err)
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "listen":
		err = runListen(ctx, cfg, dataDir, args)
	case "send":
		err = runSend(ctx, cfg, dataDir, args)
	case "peers":
		err = runPeers(ctx, cfg, args)
	case "history":
		err = runHistory(cfg, dataDir, args)
	case "certs":
		err = runCerts(cfg, dataDir, args)
	case "version":
		pterm.Info.Println(fmt.Sprintf("lanxfer %s", version))
	case "help", "-h", "-help", "--help":
		usage()
	default:
		logging.Error("unknown command %q", command)
		usage()
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			logging.Error("%v", err)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: lanxfer <command> [flags]

commands:
  listen    receive transfers into the configured directory
  send      send files or directories to a receiver
  peers     list receivers discovered on the local network
  history   print recorded transfers
  certs     create TLS certificates for this device
  version   print the version`)
}
