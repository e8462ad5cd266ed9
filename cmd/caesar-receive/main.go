// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command caesar-receive is the receiver-side CLI: it
// joins a relay room under a transfer name and writes the incoming
// files into the configured destination directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/PatrykHegenberg/caesar-transfer/config"
	"github.com/PatrykHegenberg/caesar-transfer/internal/corelog"
	"github.com/PatrykHegenberg/caesar-transfer/session"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
)

func main() {
	var configFile, name string
	flag.StringVar(&configFile, "c", "", "configuration file")
	flag.StringVar(&name, "name", "", "transfer name announced by the sender")
	flag.Parse()

	if name == "" {
		fmt.Fprintln(os.Stderr, "usage: caesar-receive -name transfer-name [-c config]")
		os.Exit(2)
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFile(configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if cfg.DestinationDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg.DestinationDir = wd
	}

	logBackend, err := corelog.New(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logBackend.GetLogger("caesar-receive")

	ctx := context.Background()
	conn, err := transport.Dial(ctx, cfg.RelayURL)
	if err != nil {
		log.Errorf("dial %s: %v", cfg.RelayURL, err)
		os.Exit(1)
	}
	defer conn.Close()

	receiver := session.NewReceiver(cfg, log)
	progress := func(fileIndex int, bytesDone, bytesTotal uint64) {
		fmt.Printf("\rfile %d: %d/%d bytes", fileIndex, bytesDone, bytesTotal)
	}

	result, err := receiver.Receive(ctx, conn, name, progress)
	if err != nil {
		fmt.Println()
		log.Errorf("receive failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("\nreceived %d files, %d bytes into %s\n", result.FilesSent, result.BytesSent, cfg.DestinationDir)
}
