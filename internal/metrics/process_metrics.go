package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Target is one subprocess of a stream to sample.
type Target struct {
	ID   string
	Kind string
	PID  int
}

// Sample holds CPU and memory usage of one subprocess.
type Sample struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures periodic subprocess sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

type targetKey struct{ id, kind string }

// ring is a fixed size circular buffer of samples.
type ring struct {
	buf   []Sample
	start int
	count int
}

func (r *ring) add(s Sample) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []Sample {
	out := make([]Sample, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// ResourceCollector samples the subprocesses recorded on stream states.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[targetKey]*ring

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subprocess",
			Name:      name,
			Help:      help,
		}, []string{"id", "kind"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    map[targetKey]*ring{},
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage of stream subprocesses."),
		memoryMB:   gauge("memory_mb", "Resident memory of stream subprocesses in MB."),
		numThreads: gauge("num_threads", "Threads of stream subprocesses."),
		numFDs:     gauge("num_fds", "Open file descriptors of stream subprocesses."),
	}
}

func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads, c.numFDs} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples targets every interval until ctx ends or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, targets func(context.Context) ([]Target, error)) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				ts, err := targets(ctx)
				if err != nil {
					slog.Debug("resource targets unavailable", "error", err)
					continue
				}
				c.Collect(ctx, ts)
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every target once and drops series of targets no longer
// present.
func (c *ResourceCollector) Collect(ctx context.Context, targets []Target) {
	now := time.Now()
	seen := map[targetKey]bool{}
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		s, err := sample(ctx, t, now)
		if err != nil {
			slog.Debug("sampling subprocess failed", "id", t.ID, "kind", t.Kind, "pid", t.PID, "error", err)
			continue
		}
		k := targetKey{t.ID, t.Kind}
		seen[k] = true
		c.cpuPercent.WithLabelValues(t.ID, t.Kind).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(t.ID, t.Kind).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(t.ID, t.Kind).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.numFDs.WithLabelValues(t.ID, t.Kind).Set(float64(s.NumFDs))
		}
		c.mu.Lock()
		r, ok := c.history[k]
		if !ok {
			r = &ring{buf: make([]Sample, c.maxHistory)}
			c.history[k] = r
		}
		r.add(s)
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.history {
		if seen[k] {
			continue
		}
		delete(c.history, k)
		c.cpuPercent.DeleteLabelValues(k.id, k.kind)
		c.memoryMB.DeleteLabelValues(k.id, k.kind)
		c.numThreads.DeleteLabelValues(k.id, k.kind)
		c.numFDs.DeleteLabelValues(k.id, k.kind)
	}
}

func sample(ctx context.Context, t Target, now time.Time) (Sample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(t.PID))
	if err != nil {
		return Sample{}, fmt.Errorf("open process: %w", err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, _ := p.CPUPercentWithContext(ctx)
	threads, _ := p.NumThreadsWithContext(ctx)
	fds, _ := p.NumFDsWithContext(ctx)
	return Sample{
		ID:         t.ID,
		Kind:       t.Kind,
		PID:        int32(t.PID),
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		NumFDs:     fds,
		Timestamp:  now,
	}, nil
}

// History returns the samples kept for every subprocess of id, oldest
// first, grouped by kind.
func (c *ResourceCollector) History(id string) map[string][]Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string][]Sample{}
	for k, r := range c.history {
		if k.id == id {
			out[k.kind] = r.items()
		}
	}
	return out
}

// Latest returns the newest sample of every tracked subprocess sorted by id
// and kind.
func (c *ResourceCollector) Latest() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Sample, 0, len(c.history))
	for _, r := range c.history {
		if items := r.items(); len(items) > 0 {
			out = append(out, items[len(items)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
