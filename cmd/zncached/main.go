// Command zncached drives the cache described in spec.md §6 against a
// workload file with a worker pool, writing latency/hit-ratio metrics as it
// goes. Its flag handling follows
// calvinalkan-agent-task/create.go's pflag.FlagSet pattern; its worker pool
// follows calvinalkan-agent-task/seed-bench.go's fixed-worker-count,
// channel-fed fan-out.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel/trace"

	"github.com/NebulousLabs/zncache/modules"
	"github.com/NebulousLabs/zncache/modules/cache"
	"github.com/NebulousLabs/zncache/modules/device"
	"github.com/NebulousLabs/zncache/modules/eviction"
	"github.com/NebulousLabs/zncache/modules/hashutil"
	"github.com/NebulousLabs/zncache/modules/profiler"
	"github.com/NebulousLabs/zncache/modules/remote"
	"github.com/NebulousLabs/zncache/modules/tracing"
	"github.com/NebulousLabs/zncache/modules/workload"
	"github.com/NebulousLabs/zncache/persist"
)

// Exit codes, per spec.md §6: 0 success, negative on argument/device
// errors, 1 on runtime errors.
const (
	exitSuccess      = 0
	exitBadArgs      = -1
	exitDeviceError  = -2
	exitRuntimeError = 1
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage() string {
	return `Usage: zncached <device> <chunk_size> <threads> [options]

Options:
  -w, --workload         Workload file (raw little-endian uint32 DataIds)
  -i, --iterations       Cap the workload to this many requests (0 = unbounded)
  -m, --metrics          CSV metrics output file
      --metrics-realtime Flush every metrics row immediately instead of buffering
      --snapshot         JSON stats snapshot file, written once at the end of the run
      --log              Log file (default zncached.log)
      --policy           Eviction policy: "zone" or "chunk" (default chunk)
      --block            Force conventional-block mode instead of a real ZNS device
      --zone-size        Zone size in bytes, required with --block
      --num-zones        Zone count, required with --block
      --max-active-zones Active-zone limit for a ZNS device (0 = default of 14)
      --jaeger           Jaeger collector endpoint for tracing (disabled if empty)`
}

func run(args []string, stdout, stderr io.Writer) int {
	flagSet := flag.NewFlagSet("zncached", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	workloadPath := flagSet.StringP("workload", "w", "", "workload file")
	iterations := flagSet.IntP("iterations", "i", 0, "cap workload length")
	metricsPath := flagSet.StringP("metrics", "m", "", "CSV metrics file")
	metricsRealtime := flagSet.Bool("metrics-realtime", false, "flush every metrics row immediately")
	snapshotPath := flagSet.String("snapshot", "", "JSON snapshot file")
	logPath := flagSet.String("log", "zncached.log", "log file")
	policyName := flagSet.String("policy", "chunk", `eviction policy: "zone" or "chunk"`)
	block := flagSet.Bool("block", false, "force conventional-block mode")
	zoneSize := flagSet.Uint64("zone-size", 0, "zone size in bytes (block mode)")
	numZones := flagSet.Uint32("num-zones", 0, "zone count (block mode)")
	maxActiveZones := flagSet.Uint32("max-active-zones", 0, "override active-zone limit")
	jaegerEndpoint := flagSet.String("jaeger", "", "jaeger collector endpoint")

	if err := flagSet.Parse(args); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		fmt.Fprintln(stderr, usage())
		return exitBadArgs
	}

	if flagSet.NArg() != 3 {
		fmt.Fprintln(stderr, "error: expected <device> <chunk_size> <threads>")
		fmt.Fprintln(stderr, usage())
		return exitBadArgs
	}
	devicePath := flagSet.Arg(0)
	chunkSize, err := strconv.ParseUint(flagSet.Arg(1), 10, 64)
	if err != nil {
		fmt.Fprintln(stderr, "error: invalid chunk_size:", err)
		return exitBadArgs
	}
	threads, err := strconv.Atoi(flagSet.Arg(2))
	if err != nil || threads <= 0 {
		fmt.Fprintln(stderr, "error: invalid threads:", flagSet.Arg(2))
		return exitBadArgs
	}

	log, err := persist.NewLogger(*logPath)
	if err != nil {
		fmt.Fprintln(stderr, "error: could not open log file:", err)
		return exitBadArgs
	}
	defer log.Close()

	backend, err := openBackend(devicePath, chunkSize, *block, *zoneSize, *numZones, *maxActiveZones)
	if err != nil {
		fmt.Fprintln(stderr, "error: could not open device:", err)
		return exitDeviceError
	}

	newPolicy, err := policyFactory(*policyName)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		backend.Close()
		return exitBadArgs
	}

	c, err := cache.New(backend, chunkSize, newPolicy, cache.DefaultConfig, log)
	if err != nil {
		fmt.Fprintln(stderr, "error: could not build cache:", err)
		backend.Close()
		return exitDeviceError
	}
	defer c.Close()

	if err := c.StartEvictThread(); err != nil {
		fmt.Fprintln(stderr, "error: could not start evict thread:", err)
		return exitRuntimeError
	}

	var prof *profiler.Profiler
	if *metricsPath != "" {
		prof, err = profiler.New(*metricsPath, *snapshotPath, *metricsRealtime)
		if err != nil {
			fmt.Fprintln(stderr, "error: could not open metrics file:", err)
			return exitRuntimeError
		}
		defer prof.Close()
	}

	tracerProvider, err := tracing.Init(*jaegerEndpoint)
	if err != nil {
		fmt.Fprintln(stderr, "error: could not init tracing:", err)
		return exitRuntimeError
	}
	defer tracerProvider.Shutdown(context.Background())
	tracer := tracing.Tracer("cache")

	ids, err := loadWorkload(*workloadPath, *iterations)
	if err != nil {
		fmt.Fprintln(stderr, "error: could not load workload:", err)
		return exitBadArgs
	}

	if err := runWorkers(c, tracer, prof, ids, threads, chunkSize); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitRuntimeError
	}

	if prof != nil {
		prof.WriteSnapshot(profiler.Snapshot{
			LastHitRatio: c.HitRatio(),
		})
	}

	fmt.Fprintf(stdout, "completed %d requests, hit ratio %.4f\n", len(ids), c.HitRatio())
	return exitSuccess
}

func openBackend(path string, chunkSize uint64, block bool, zoneSize uint64, numZones, maxActiveZones uint32) (modules.Backend, error) {
	if !block {
		b, err := device.OpenZNS(path, maxActiveZones)
		if err == nil {
			return b, nil
		}
		if zoneSize == 0 || numZones == 0 {
			return nil, err
		}
	}
	if zoneSize == 0 || numZones == 0 {
		return nil, fmt.Errorf("--zone-size and --num-zones are required in block mode")
	}
	return device.OpenBlock(path, zoneSize, numZones)
}

func policyFactory(name string) (cache.PolicyFactory, error) {
	switch name {
	case "zone":
		return func(deps eviction.Deps) eviction.Policy {
			return eviction.NewZonePolicy(deps)
		}, nil
	case "chunk":
		return func(deps eviction.Deps) eviction.Policy {
			cfg := eviction.ChunkPolicyConfig{
				LowThresholdChunks:  12,
				HighThresholdChunks: 6,
				LowThresholdZones:   cache.DefaultConfig.LowThresholdZones,
				NumZones:            deps.Backend.Info().NumZones,
				MaxZoneChunks:       deps.ZoneManager.MaxZoneChunks(),
			}
			return eviction.NewChunkPolicy(deps, cfg)
		}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q, want \"zone\" or \"chunk\"", name)
	}
}

func loadWorkload(path string, iterations int) ([]modules.DataId, error) {
	var ids []modules.DataId
	if path == "" {
		ids = workload.Default()
	} else {
		var err error
		ids, err = workload.Load(path)
		if err != nil {
			return nil, err
		}
	}
	return workload.Cap(ids, iterations)
}

// runWorkers fans the workload out across a fixed pool of worker goroutines,
// the way calvinalkan-agent-task/seed-bench.go's seedTickets distributes
// work over a channel to a fixed number of workers. Each worker owns one
// thread-local scratch buffer, rendered once via modules/remote and reused
// across every Get call it makes, matching spec.md §6's "process-wide ...
// thread-local seed bytes" caller contract.
func runWorkers(c *cache.Cache, tracer trace.Tracer, prof *profiler.Profiler, ids []modules.DataId, threads int, chunkSize uint64) error {
	work := make(chan modules.DataId, threads*2)
	var wg sync.WaitGroup
	var failures uint64

	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			scratch := remote.Fetch(uint32(workerID), chunkSize)
			for id := range work {
				start := time.Now()
				buf := tracing.WrapGet(context.Background(), tracer, uint32(id), func() ([]byte, modules.ChunkRef, bool) {
					return c.Get(id, scratch)
				})
				elapsed := time.Since(start)

				if buf == nil {
					atomic.AddUint64(&failures, 1)
					continue
				}
				if prof != nil {
					prof.RecordGetLatency(elapsed)
					prof.RecordHitRatio(c.HitRatio())
					prof.RecordChecksum(uint32(id), hashutil.ChunkChecksum(buf))
				}
			}
		}(w)
	}

	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()

	if failures > 0 {
		return fmt.Errorf("%d of %d requests failed", failures, len(ids))
	}
	return nil
}
