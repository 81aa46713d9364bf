package monitor

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	iface "PeopleDetServer/interface"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

const sampleInterval = 500 * time.Millisecond

const (
	SurfaceHTTP = "http"
	SurfaceWS   = "ws"
	SurfaceGRPC = "grpc"
)

type Monitor struct {
	Registry  *prometheus.Registry
	memUsage  prometheus.Gauge
	cpuUsage  prometheus.Gauge
	requests  *prometheus.CounterVec
	inference prometheus.Histogram
	people    prometheus.Counter
	threats   *prometheus.CounterVec
	proc      *process.Process
}

func New() (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	m := &Monitor{
		Registry: prometheus.NewRegistry(),
		proc:     proc,
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peopledet_requests_total",
			Help: "Detection requests by surface and outcome",
		}, []string{"surface", "status"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peopledet_inference_seconds",
			Help:    "Wall time of a full detection pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		people: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peopledet_people_detected_total",
			Help: "People detected across all requests",
		}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peopledet_threat_level_total",
			Help: "Responses by threat level",
		}, []string{"level"}),
	}
	m.Registry.MustRegister(
		m.memUsage, m.cpuUsage, m.requests, m.inference, m.people, m.threats,
		collectors.NewGoCollector(),
	)
	return m, nil
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Monitor) ObserveRequest(surface, status string) {
	m.requests.WithLabelValues(surface, status).Inc()
}

func (m *Monitor) RequestCounter(surface, status string) prometheus.Counter {
	return m.requests.WithLabelValues(surface, status)
}

func (m *Monitor) ObserveResult(res *iface.DetectionResult, elapsed time.Duration) {
	m.inference.Observe(elapsed.Seconds())
	m.people.Add(float64(res.Count))
	m.threats.WithLabelValues(string(res.ThreatLevel)).Inc()
}

func (m *Monitor) CheckProcessInfo() {
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon samples process statistics until ctx is done.
func (m *Monitor) StartMon(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
}
