// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Command caesar-send is the sender-side CLI: it joins
// a relay room under a transfer name (generating one if none is given),
// negotiates with the receiver, and streams one or more files.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/PatrykHegenberg/caesar-transfer/config"
	"github.com/PatrykHegenberg/caesar-transfer/internal/corelog"
	"github.com/PatrykHegenberg/caesar-transfer/relay"
	"github.com/PatrykHegenberg/caesar-transfer/session"
	"github.com/PatrykHegenberg/caesar-transfer/transport"
	"github.com/PatrykHegenberg/caesar-transfer/wordlist"
)

func main() {
	var configFile, name string
	flag.StringVar(&configFile, "c", "", "configuration file")
	flag.StringVar(&name, "name", "", "transfer name to announce (default: generate one)")
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: caesar-send [-c config] [-name transfer-name] file [file...]")
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

	logBackend, err := corelog.New(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logBackend.GetLogger("caesar-send")

	autoName := name == ""
	ctx := context.Background()
	sender := session.NewSender(cfg, log)
	progress := func(fileIndex int, bytesDone, bytesTotal uint64) {
		fmt.Printf("\rfile %d: %d/%d bytes", fileIndex, bytesDone, bytesTotal)
	}

	// When the caller didn't pin a name, a NameInUse join failure is
	// not fatal: regenerate and retry, up to wordlist.DefaultAttempts
	// times, before giving up. Names the relay has already reported in
	// use feed wordlist.Generate's collision filter so they are never
	// proposed twice.
	taken := map[string]bool{}
	var result *session.Result
	for attempt := 1; ; attempt++ {
		if autoName {
			name, err = wordlist.Generate(rand.Reader, func(n string) bool { return taken[n] }, wordlist.DefaultAttempts)
			if err != nil {
				log.Errorf("generate transfer name: %v", err)
				os.Exit(1)
			}
		}
		fmt.Printf("transfer name: %s\n", name)

		conn, dialErr := transport.Dial(ctx, cfg.RelayURL)
		if dialErr != nil {
			log.Errorf("dial %s: %v", cfg.RelayURL, dialErr)
			os.Exit(1)
		}

		result, err = sender.Send(ctx, conn, name, paths, progress)
		conn.Close()
		if err == nil {
			break
		}
		if autoName && errors.Is(err, relay.ErrNameInUse) && attempt < wordlist.DefaultAttempts {
			taken[name] = true
			log.Warningf("name %q in use, regenerating (attempt %d/%d)", name, attempt, wordlist.DefaultAttempts)
			continue
		}
		if autoName && errors.Is(err, relay.ErrNameInUse) {
			err = fmt.Errorf("%w: %v", wordlist.ErrAllocationFailed, err)
		}
		fmt.Println()
		log.Errorf("send failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("\nsent %d files, %d bytes\n", result.FilesSent, result.BytesSent)
}
