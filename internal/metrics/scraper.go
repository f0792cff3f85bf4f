package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ServerMetrics is what the client reads back from a server's /metrics.
type ServerMetrics struct {
	TasksRegistered float64
	TasksLive       float64
	CancelRequests  float64
	LinesStreamed   float64
	UptimeSeconds   float64

	// Keyed by state, summed over commands.
	Outcomes map[string]float64

	// Keyed by command, summed over states.
	OutcomesByCommand map[string]float64

	DecodeErrors    map[string]float64
	ChildrenStopped map[string]float64

	// Rolling window over scraped live task counts.
	LiveP50       float64
	LiveMax       float64
	WindowSeconds int

	// Metadata
	LastUpdate time.Time
	Healthy    bool
	Error      string
}

type liveSample struct {
	value float64
	time  time.Time
}

// Scraper polls a server's metrics endpoint.
// Uses atomic.Value for lock-free metric reads.
type Scraper struct {
	url        string
	interval   time.Duration
	logger     *slog.Logger
	httpClient *http.Client

	metrics atomic.Value // *ServerMetrics

	liveDigest  *tdigest.TDigest
	liveSamples []liveSample
	liveMu      sync.Mutex
	windowSize  time.Duration
}

// NewScraper creates a scraper for url.
// Returns nil if url is empty (feature disabled).
func NewScraper(url string, interval, windowSize time.Duration, logger *slog.Logger) *Scraper {
	if url == "" {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	if windowSize < 10*time.Second {
		windowSize = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scraper{
		url:      url,
		interval: interval,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		liveDigest: tdigest.NewWithCompression(100),
		windowSize: windowSize,
	}

	s.metrics.Store(&ServerMetrics{
		Healthy: false,
		Error:   "Not yet scraped",
	})

	return s
}

// Run scrapes every interval until ctx is done.
func (s *Scraper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Scrape(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scrape(ctx)
		}
	}
}

// Scrape fetches the endpoint once and stores the result.
// The returned metrics are also what GetMetrics reports afterwards.
func (s *Scraper) Scrape(ctx context.Context) (*ServerMetrics, error) {
	now := time.Now()

	m, err := s.fetch(ctx)
	if err != nil {
		s.logger.Debug("metrics_scrape_error", "url", s.url, "error", err)

		var last ServerMetrics
		if prev, ok := s.metrics.Load().(*ServerMetrics); ok {
			last = *prev
		}
		last.Healthy = false
		last.Error = err.Error()
		last.LastUpdate = now
		s.metrics.Store(&last)
		return &last, err
	}

	m.LastUpdate = now
	m.Healthy = true

	s.liveMu.Lock()
	s.liveSamples = append(s.liveSamples, liveSample{value: m.TasksLive, time: now})
	s.liveDigest.Add(m.TasksLive, 1)
	s.liveMu.Unlock()

	s.metrics.Store(m)
	return s.GetMetrics(), nil
}

func (s *Scraper) fetch(ctx context.Context) (*ServerMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	families, err := ParseExposition(resp.Body)
	if err != nil {
		return nil, err
	}
	return ExtractServerMetrics(families), nil
}

// GetMetrics returns the current metrics (thread-safe, lock-free).
func (s *Scraper) GetMetrics() *ServerMetrics {
	if s == nil {
		return nil
	}

	m, ok := s.metrics.Load().(*ServerMetrics)
	if !ok {
		return nil
	}
	out := *m

	now := time.Now()
	s.liveMu.Lock()
	s.cleanupWindow(now)
	if len(s.liveSamples) > 0 {
		out.LiveP50 = s.liveDigest.Quantile(0.50)
		out.LiveMax = s.liveSamples[0].value
		for _, sample := range s.liveSamples {
			if sample.value > out.LiveMax {
				out.LiveMax = sample.value
			}
		}
	}
	s.liveMu.Unlock()
	out.WindowSeconds = int(s.windowSize.Seconds())

	return &out
}

// cleanupWindow removes samples older than the window and rebuilds the
// digest. Only rebuilds when samples actually expire. Caller holds liveMu.
func (s *Scraper) cleanupWindow(now time.Time) {
	cutoff := now.Add(-s.windowSize)

	valid := make([]liveSample, 0, len(s.liveSamples))
	expired := 0
	for _, sample := range s.liveSamples {
		if sample.time.After(cutoff) {
			valid = append(valid, sample)
		} else {
			expired++
		}
	}

	if expired > 0 {
		s.liveDigest = tdigest.NewWithCompression(100)
		for _, sample := range valid {
			s.liveDigest.Add(sample.value, 1)
		}
	}
	s.liveSamples = valid
}

// ParseExposition decodes Prometheus text format into metric families
// keyed by name.
func ParseExposition(r io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(r, expfmt.FmtText)
	families := make(map[string]*dto.MetricFamily)

	for {
		var mf dto.MetricFamily
		if err := decoder.Decode(&mf); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode error: %w", err)
		}
		families[mf.GetName()] = &mf
	}
	return families, nil
}

// ExtractServerMetrics pulls the mc_remote families out of a parsed
// exposition. Missing families read as zero.
func ExtractServerMetrics(families map[string]*dto.MetricFamily) *ServerMetrics {
	m := &ServerMetrics{
		TasksRegistered:   scalar(families[MetricTasksRegistered]),
		TasksLive:         scalar(families[MetricTasksLive]),
		CancelRequests:    scalar(families[MetricCancelRequests]),
		LinesStreamed:     scalar(families[MetricLinesStreamed]),
		UptimeSeconds:     scalar(families[MetricUptime]),
		Outcomes:          byLabel(families[MetricTaskOutcomes], "state"),
		OutcomesByCommand: byLabel(families[MetricTaskOutcomes], "command"),
		DecodeErrors:      byLabel(families[MetricDecodeErrors], "reason"),
		ChildrenStopped:   byLabel(families[MetricChildrenStopped], "result"),
	}
	return m
}

// scalar returns the value of the first sample of a counter or gauge.
func scalar(mf *dto.MetricFamily) float64 {
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0
	}
	return sampleValue(mf.GetMetric()[0])
}

// byLabel sums samples grouped by the value of label.
func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, metric := range mf.GetMetric() {
		key := ""
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
				break
			}
		}
		out[key] += sampleValue(metric)
	}
	return out
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}
