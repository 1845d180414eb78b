// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/quarrydb/quarry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

var syncCmd = &cobra.Command{
	Use:   "sync <dir>",
	Short: "run the concurrent write benchmark",
	Long: `
Run concurrent writers that commit small batches through the group-commit
pipeline, reporting throughput and commit latency percentiles.
`,
	Args: cobra.ExactArgs(1),
	Run:  runSync,
}

type latencyRecorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		hist: hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1),
	}
}

func (r *latencyRecorder) record(elapsed time.Duration) {
	if elapsed < minLatency {
		elapsed = minLatency
	} else if elapsed > maxLatency {
		elapsed = maxLatency
	}
	r.mu.Lock()
	_ = r.hist.RecordValue(elapsed.Nanoseconds())
	r.mu.Unlock()
}

func (r *latencyRecorder) tick() *hdrhistogram.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.hist
	r.hist = hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
	return h
}

func runSync(cmd *cobra.Command, args []string) {
	dir := args[0]
	if wipe {
		if err := os.RemoveAll(dir); err != nil {
			log.Fatal(err)
		}
	}

	opts := &quarry.Options{
		AllowConcurrentMemtableWrite:   true,
		EnableWriteThreadAdaptiveYield: true,
		EnablePipelinedWrite:           pipelined,
	}
	d, err := quarry.Open(dir, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Fatal(err)
		}
	}()

	wo := &quarry.WriteOptions{
		Sync:       !noSync,
		DisableWAL: disableWAL,
	}

	rec := newLatencyRecorder()
	cumulative := hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			value := make([]byte, valueSize)
			rng.Read(value)
			var key [12]byte

			for ctx.Err() == nil {
				start := time.Now()
				b := &quarry.Batch{}
				for j := 0; j < batchCount; j++ {
					binary.BigEndian.PutUint64(key[:8], rng.Uint64())
					binary.BigEndian.PutUint32(key[8:], rng.Uint32())
					b.Set(key[:], value)
				}
				if err := d.Apply(b, wo); err != nil {
					return err
				}
				rec.record(time.Since(start))
			}
			return nil
		})
	}

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	i := 0
	for {
		select {
		case <-ticker.C:
			if i%20 == 0 {
				fmt.Println("_elapsed____ops/sec__p50(ms)__p95(ms)__p99(ms)_pMax(ms)")
			}
			i++
			h := rec.tick()
			cumulative.Merge(h)
			fmt.Printf("%8s %10.1f %8.2f %8.2f %8.2f %8.2f\n",
				time.Duration(time.Since(start).Seconds()+0.5)*time.Second,
				float64(h.TotalCount()),
				float64(h.ValueAtQuantile(50))/1e6,
				float64(h.ValueAtQuantile(95))/1e6,
				float64(h.ValueAtQuantile(99))/1e6,
				float64(h.ValueAtQuantile(100))/1e6,
			)
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				log.Fatal(err)
			}
			cumulative.Merge(rec.tick())
			elapsed := time.Since(start)
			fmt.Println("\n_elapsed_____ops(total)___ops/sec(cum)__avg(ms)__p50(ms)__p99(ms)_pMax(ms)")
			fmt.Printf("%7.1fs %14d %14.1f %8.2f %8.2f %8.2f %8.2f\n\n",
				elapsed.Seconds(), cumulative.TotalCount(),
				float64(cumulative.TotalCount())/elapsed.Seconds(),
				cumulative.Mean()/1e6,
				float64(cumulative.ValueAtQuantile(50))/1e6,
				float64(cumulative.ValueAtQuantile(99))/1e6,
				float64(cumulative.ValueAtQuantile(100))/1e6)
			m := d.Metrics()
			fmt.Printf("%s\n", m)
			return
		}
	}
}
