package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of a server process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

type sampleHistory struct {
	pid     int32
	proc    *process.Process
	samples []Sample
	// circular buffer bookkeeping
	startIdx int
	count    int
}

// Sampler reads CPU and memory of server processes through gopsutil and
// keeps a bounded history per server.
type Sampler struct {
	mu         sync.Mutex
	maxHistory int
	servers    map[string]*sampleHistory
}

func NewSampler(maxHistory int) *Sampler {
	if maxHistory <= 0 {
		maxHistory = 120
	}
	return &Sampler{maxHistory: maxHistory, servers: make(map[string]*sampleHistory)}
}

// Sample reads the process pid on behalf of server, records the reading in
// the history and the Prometheus gauges, and returns it. CPU is measured
// since the previous call for the same pid.
func (s *Sampler) Sample(server string, pid int32) (Sample, error) {
	if pid <= 0 {
		return Sample{}, fmt.Errorf("invalid pid %d", pid)
	}
	s.mu.Lock()
	h, ok := s.servers[server]
	if !ok || h.pid != pid {
		if h == nil {
			h = &sampleHistory{samples: make([]Sample, s.maxHistory)}
			s.servers[server] = h
		}
		proc, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		h.pid = pid
		h.proc = proc
	}
	proc := h.proc
	s.mu.Unlock()

	cpu, err := proc.Percent(0)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "server", server, "pid", pid, "error", err)
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	smp := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	SetResourceUsage(server, cpu, mem.RSS)

	s.mu.Lock()
	if cur, ok := s.servers[server]; ok && cur == h {
		if h.count < len(h.samples) {
			h.samples[h.count] = smp
			h.count++
		} else {
			h.samples[h.startIdx] = smp
			h.startIdx = (h.startIdx + 1) % len(h.samples)
		}
	}
	s.mu.Unlock()
	return smp, nil
}

// Latest returns the most recent sample of server.
func (s *Sampler) Latest(server string) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.servers[server]
	if !ok || h.count == 0 {
		return Sample{}, false
	}
	var idx int
	if h.count < len(h.samples) {
		idx = h.count - 1
	} else {
		idx = (h.startIdx - 1 + len(h.samples)) % len(h.samples)
	}
	return h.samples[idx], true
}

// History returns the samples of server in chronological order.
func (s *Sampler) History(server string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.servers[server]
	if !ok || h.count == 0 {
		return nil
	}
	out := make([]Sample, 0, h.count)
	if h.count < len(h.samples) {
		return append(out, h.samples[:h.count]...)
	}
	for i := 0; i < len(h.samples); i++ {
		out = append(out, h.samples[(h.startIdx+i)%len(h.samples)])
	}
	return out
}

// Forget drops the history of server.
func (s *Sampler) Forget(server string) {
	s.mu.Lock()
	delete(s.servers, server)
	s.mu.Unlock()
}
