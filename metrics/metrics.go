// Package metrics centralizes the node's in-process instrumentation: one
// shared go-metrics registry for protocol meters and runtime gauges. The
// registry is never exported over HTTP (the command surface is a closed
// endpoint set) but every counter is reachable by tests and debugging
// hooks through Registry().
package metrics

import (
	"runtime"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/dragoonfly-net/dragoonfly/logger"
)

var log = logger.New("metrics")

var reg = metrics.NewRegistry()

// Registry returns the shared registry, for components (the accountant,
// the swarm) that register their own gauges into it.
func Registry() metrics.Registry { return reg }

// Protocol meters: one pair per wire protocol direction.
var (
	BlockInfoIn  = metrics.NewRegisteredMeter("proto/blockinfo/in", reg)
	BlockInfoOut = metrics.NewRegisteredMeter("proto/blockinfo/out", reg)

	BlockFetchIn       = metrics.NewRegisteredMeter("proto/fetch/in", reg)
	BlockFetchInBytes  = metrics.NewRegisteredMeter("proto/fetch/in/bytes", reg)
	BlockFetchOut      = metrics.NewRegisteredMeter("proto/fetch/out", reg)
	BlockFetchOutBytes = metrics.NewRegisteredMeter("proto/fetch/out/bytes", reg)

	TransferOffersIn    = metrics.NewRegisteredMeter("proto/transfer/offer/in", reg)
	TransferOffersOut   = metrics.NewRegisteredMeter("proto/transfer/offer/out", reg)
	TransferAccepts     = metrics.NewRegisteredMeter("proto/transfer/accept", reg)
	TransferRejects     = metrics.NewRegisteredMeter("proto/transfer/reject", reg)
	TransferStoredBytes = metrics.NewRegisteredMeter("proto/transfer/stored/bytes", reg)

	DhtProvides      = metrics.NewRegisteredMeter("proto/dht/provide", reg)
	DhtFindProviders = metrics.NewRegisteredMeter("proto/dht/find-providers", reg)
)

// Runtime gauges, refreshed by CollectProcessMetrics.
var (
	MemAllocs = metrics.GetOrRegisterGauge("memory/allocs", reg)
	MemFrees  = metrics.GetOrRegisterGauge("memory/frees", reg)
	MemInuse  = metrics.GetOrRegisterGauge("memory/inuse", reg)
	MemPauses = metrics.GetOrRegisterGauge("memory/pauses", reg)

	DiskReads      = metrics.GetOrRegisterGauge("disk/readcount", reg)
	DiskReadBytes  = metrics.GetOrRegisterGauge("disk/readdata", reg)
	DiskWrites     = metrics.GetOrRegisterGauge("disk/writecount", reg)
	DiskWriteBytes = metrics.GetOrRegisterGauge("disk/writedata", reg)
)

// diskStats is the per process disk I/O statistics.
type diskStats struct {
	ReadCount  int64 // Number of read operations executed
	ReadBytes  int64 // Total number of bytes read
	WriteCount int64 // Number of write operations executed
	WriteBytes int64 // Total number of byte written
}

// CollectProcessMetrics periodically refreshes the memory and disk gauges.
// It never returns; run it on its own goroutine.
func CollectProcessMetrics(refresh time.Duration) {
	for range time.Tick(refresh) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		MemAllocs.Update(int64(mem.Mallocs))
		MemFrees.Update(int64(mem.Frees))
		MemInuse.Update(int64(mem.Alloc))
		MemPauses.Update(int64(mem.PauseTotalNs))

		var disk diskStats
		readDiskStats(&disk)
		DiskReads.Update(disk.ReadCount)
		DiskReadBytes.Update(disk.ReadBytes)
		DiskWrites.Update(disk.WriteCount)
		DiskWriteBytes.Update(disk.WriteBytes)
	}
}
