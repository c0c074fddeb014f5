// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hotswap/services/hotswap/operator/scoreop"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string

	serveAddr  string
	serveDrive bool

	demoV1            string
	demoV2            string
	demoWorkers       int
	demoRounds        int
	demoInterval      time.Duration
	demoStatsInterval time.Duration
	demoQuiet         bool

	historyLimit int
	historyJSON  bool

	rootCmd = &cobra.Command{
		Use:   "hotswap",
		Short: "Load, swap and serve scoring modules without restarting",
		Long: `hotswap keeps one scoring module current and replaces it while
callers keep scoring. Old modules are destroyed and unloaded only after
their last caller has finished with them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run scoring workers while a script swaps v1 and v2 underneath them",
		Args:  cobra.NoArgs,
		RunE:  runDemoCommand, // Defined in cmd_demo.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API, watch the module directory and restore the last module",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand, // Defined in cmd_serve.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [locator]",
		Short: "Load a module, print its operator name and a sample score, then release it",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspectCommand, // Defined in cmd_inspect.go
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print recorded update outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistoryCommand, // Defined in cmd_history.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default ~/.hotswap/hotswap.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override logging.level: debug, info, warn or error")

	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&demoV1, "v1", scoreop.LocatorV1, "Locator of the first module")
	demoCmd.Flags().StringVar(&demoV2, "v2", scoreop.LocatorV2, "Locator of the second module")
	demoCmd.Flags().IntVar(&demoWorkers, "workers", 4, "Concurrent scoring workers")
	demoCmd.Flags().IntVar(&demoRounds, "rounds", 20, "Rounds per worker")
	demoCmd.Flags().DurationVar(&demoInterval, "interval", 300*time.Millisecond, "Pause between a worker's rounds")
	demoCmd.Flags().DurationVar(&demoStatsInterval, "stats-every", 2*time.Second, "How often to print statistics")
	demoCmd.Flags().BoolVarP(&demoQuiet, "quiet", "q", false, "Do not print every call")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override server.address")
	serveCmd.Flags().BoolVar(&serveDrive, "drive", false, "Run the scoring driver in the background")

	rootCmd.AddCommand(inspectCmd)

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum records to print (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print records as JSON lines")
}
