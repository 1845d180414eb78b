// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command quarry is a benchmarking tool for the quarry write path.
package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	concurrency int
	batchCount  int
	valueSize   int
	duration    time.Duration
	disableWAL  bool
	noSync      bool
	pipelined   bool
	wipe        bool
)

var rootCmd = &cobra.Command{
	Use:   "quarry [command] (flags)",
	Short: "quarry benchmarking tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(syncCmd)

	for _, cmd := range []*cobra.Command{syncCmd} {
		cmd.Flags().IntVarP(
			&concurrency, "concurrency", "c", 16, "number of concurrent writers")
		cmd.Flags().IntVar(
			&batchCount, "batch", 5, "entries per batch")
		cmd.Flags().IntVar(
			&valueSize, "value-size", 64, "size of each value in bytes")
		cmd.Flags().DurationVarP(
			&duration, "duration", "d", 10*time.Second, "the duration to run")
		cmd.Flags().BoolVar(
			&disableWAL, "disable-wal", false, "disable the WAL (voiding persistence guarantees)")
		cmd.Flags().BoolVar(
			&noSync, "no-sync", false, "do not sync the WAL on commit")
		cmd.Flags().BoolVar(
			&pipelined, "pipelined", false, "enable pipelined writes")
		cmd.Flags().BoolVarP(
			&wipe, "wipe", "w", false, "wipe the database before starting")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
