package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	if registry == nil {
		t.Fatal("Registry should not be nil")
	}
	if !registry.IsEnabled() {
		t.Error("Registry should be enabled by default")
	}
	if len(registry.GetMetrics()) != 0 {
		t.Error("New registry should be empty")
	}
}

func TestCounter(t *testing.T) {
	registry := NewRegistry()

	t.Run("multiple increments", func(t *testing.T) {
		labels := Labels{"port_status": "open"}

		registry.Counter("port_attempts_total", labels)
		registry.Counter("port_attempts_total", labels)
		registry.Counter("port_attempts_total", labels)

		metrics := registry.GetMetrics()
		if len(metrics) != 1 {
			t.Fatalf("Expected 1 metric, got %d", len(metrics))
		}
		for _, metric := range metrics {
			if metric.Type != TypeCounter {
				t.Errorf("Expected type %s, got %s", TypeCounter, metric.Type)
			}
			if metric.Value != 3 {
				t.Errorf("Expected value 3, got %f", metric.Value)
			}
		}
	})

	t.Run("different labels create different metrics", func(t *testing.T) {
		registry.Reset()

		registry.Counter("port_attempts_total", Labels{"port_status": "open"})
		registry.Counter("port_attempts_total", Labels{"port_status": "closed"})

		if got := len(registry.GetMetrics()); got != 2 {
			t.Errorf("Expected 2 metrics, got %d", got)
		}
	})

	t.Run("disabled registry", func(t *testing.T) {
		registry.Reset()
		registry.SetEnabled(false)
		defer registry.SetEnabled(true)

		registry.Counter("ignored", nil)

		if got := len(registry.GetMetrics()); got != 0 {
			t.Errorf("Expected 0 metrics when disabled, got %d", got)
		}
	})
}

func TestGaugeAndHistogram(t *testing.T) {
	registry := NewRegistry()

	registry.Gauge("queue_depth", 4, nil)
	registry.Gauge("queue_depth", 2, nil)
	registry.Histogram(MetricHTTPDuration, 0.5, Labels{LabelPath: "/api/v1/scans"})
	registry.Histogram(MetricHTTPDuration, 0.25, Labels{LabelPath: "/api/v1/scans"})

	metrics := registry.GetMetrics()
	gauge := metrics["queue_depth"]
	if gauge == nil || gauge.Value != 2 || gauge.Type != TypeGauge {
		t.Errorf("Unexpected gauge %+v", gauge)
	}

	hist := metrics[MetricHTTPDuration+":path=/api/v1/scans"]
	if hist == nil || hist.Value != 0.25 || hist.Type != TypeHistogram {
		t.Errorf("Unexpected histogram %+v", hist)
	}
}

func TestMakeKeyIsOrderIndependent(t *testing.T) {
	registry := NewRegistry()

	for i := 0; i < 20; i++ {
		registry.Counter(MetricHTTPRequests, Labels{
			LabelMethod: "GET",
			LabelPath:   "/api/v1/scans",
			LabelStatus: "200",
		})
	}

	metrics := registry.GetMetrics()
	if len(metrics) != 1 {
		t.Fatalf("Expected a single series, got %d", len(metrics))
	}
	key := MetricHTTPRequests + ":method=GET:path=/api/v1/scans:status=200"
	if metrics[key] == nil || metrics[key].Value != 20 {
		t.Errorf("Expected key %q with value 20, got %v", key, metrics)
	}
}

func TestGetMetricsReturnsCopies(t *testing.T) {
	registry := NewRegistry()
	registry.Counter("c", Labels{"a": "b"})

	snapshot := registry.GetMetrics()
	snapshot["c:a=b"].Labels["a"] = "mutated"
	snapshot["c:a=b"].Value = 99

	fresh := registry.GetMetrics()["c:a=b"]
	if fresh.Value != 1 || fresh.Labels["a"] != "b" {
		t.Errorf("Snapshot mutation leaked into registry: %+v", fresh)
	}
}

func TestConcurrentCounters(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.Counter("concurrent_counter", nil)
				_ = registry.GetMetrics()
			}
		}()
	}
	wg.Wait()

	if got := registry.GetMetrics()["concurrent_counter"].Value; got != 1000 {
		t.Errorf("Expected 1000, got %f", got)
	}
}

func TestGlobalHelpers(t *testing.T) {
	originalRegistry := Default()
	defer SetDefault(originalRegistry)
	SetDefault(NewRegistry())

	Counter(MetricScheduledRuns, Labels{LabelStatus: "completed"})
	Counter(MetricScheduledRuns, Labels{LabelStatus: "completed"})
	Histogram(MetricHTTPDuration, 0.15, Labels{LabelStatus: "200"})

	timer := NewTimer("timed", nil)
	time.Sleep(5 * time.Millisecond)
	timer.Stop()

	metrics := GetMetrics()
	if m := metrics[MetricScheduledRuns+":status=completed"]; m == nil || m.Value != 2 {
		t.Errorf("Unexpected scheduled runs %+v", m)
	}
	if m := metrics[MetricHTTPDuration+":status=200"]; m == nil || m.Value != 0.15 {
		t.Errorf("Unexpected request duration %+v", m)
	}
	if m := metrics["timed"]; m == nil || m.Value < 0.005 {
		t.Errorf("Timer should record at least 5ms, got %+v", m)
	}

	Default().Reset()
	if len(GetMetrics()) != 0 {
		t.Error("Reset should clear the default registry")
	}
}

func TestNopRecorder(t *testing.T) {
	var r ScanRecorder = NopRecorder{}
	r.ScanStarted()
	r.AttemptStarted()
	r.AttemptFinished("open")
	r.ScanFinished("completed", time.Second)
}
