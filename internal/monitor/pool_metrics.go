package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/model"
)

// PoolSnapshotter provides the current worker pool state. The balancer
// satisfies this.
type PoolSnapshotter interface {
	Snapshot() []model.WorkerNode
}

// PoolMetricsCollector samples host CPU and memory together with the worker
// pool snapshot on an interval and publishes the sample as a pool:metrics
// event.
type PoolMetricsCollector struct {
	logger   *zap.Logger
	bus      event.Bus
	pool     PoolSnapshotter
	interval time.Duration

	mu   sync.RWMutex
	last event.PoolMetrics

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoolMetricsCollector creates a new collector. A nil pool is allowed;
// samples then carry only host metrics.
func NewPoolMetricsCollector(bus event.Bus, pool PoolSnapshotter, interval time.Duration, logger *zap.Logger) *PoolMetricsCollector {
	return &PoolMetricsCollector{
		logger:   logger.Named("pool-metrics"),
		bus:      bus,
		pool:     pool,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop.
func (c *PoolMetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting pool metrics collector",
		zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the collection loop.
func (c *PoolMetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping pool metrics collector")
		close(c.stop)
	})
}

func (c *PoolMetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *PoolMetricsCollector) collect() {
	// Non-blocking CPU sample: interval 0 reports usage since the last call.
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	sample := event.PoolMetrics{
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
		CollectedAt: time.Now(),
	}
	if c.pool != nil {
		sample.Workers = c.pool.Snapshot()
	}

	c.mu.Lock()
	c.last = sample
	c.mu.Unlock()

	c.bus.Publish(sample)

	c.logger.Debug("Pool metrics collected",
		zap.Float64("cpu_usage", sample.CPUUsage),
		zap.Float64("memory_usage", sample.MemoryUsage),
		zap.Int("worker_count", len(sample.Workers)))
}

// Last returns the most recent sample.
func (c *PoolMetricsCollector) Last() event.PoolMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
