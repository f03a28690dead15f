package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Dashboard provides rich visualization-ready data for monitoring dashboards.
//
// Design Philosophy:
// - Pre-computed aggregations for fast rendering
// - Time-series data optimized for charting libraries (Recharts, Chart.js)
// - Real-time streaming via per-session update channels (no SSE transport)
// - Drill-down capabilities for detailed analysis
//
// Performance:
// - Query response: <10ms for dashboard data
// - Streaming updates: Every 1 second
// - Memory overhead: ~5MB per active dashboard session
type Dashboard struct {
	aggregator *Aggregator
	collector  *MetricsCollector
	alertMgr   *AlertManager
	detector   *AnomalyDetector

	// Active streaming sessions
	mu       sync.RWMutex
	sessions map[string]*StreamSession
}

// StreamSession represents an active real-time streaming session.
type StreamSession struct {
	ID        string
	Updates   chan DashboardUpdate
	StopChan  chan struct{}
	CreatedAt time.Time
	LastPing  time.Time
}

// DashboardUpdate represents a real-time update for streaming.
type DashboardUpdate struct {
	Timestamp time.Time               `json:"timestamp"`
	Metrics   *GetMetricsResponse     `json:"metrics"`
	Alerts    []Alert                 `json:"alerts,omitempty"`
	Anomalies []Anomaly               `json:"anomalies,omitempty"`
}

// NewDashboard creates a new dashboard instance.
func NewDashboard(aggregator *Aggregator, collector *MetricsCollector, alertMgr *AlertManager) *Dashboard {
	detector := aggregator.detector // Get detector from aggregator

	return &Dashboard{
		aggregator: aggregator,
		collector:  collector,
		alertMgr:   alertMgr,
		detector:   detector,
		sessions:   make(map[string]*StreamSession),
	}
}

// Request and response types for dashboard endpoints

type GetOverviewRequest struct {
	TimeRange time.Duration `json:"time_range"` // e.g., 1h, 24h, 7d
}

type GetOverviewResponse struct {
	Summary       SummaryStats          `json:"summary"`
	Timeline      []TimelinePoint       `json:"timeline"`
	TopKeys       []KeyStats            `json:"top_keys"`
	SystemHealth  SystemHealth          `json:"system_health"`
	RecentAlerts  []Alert               `json:"recent_alerts"`
	RecentAnomalies []Anomaly           `json:"recent_anomalies"`
}

type SummaryStats struct {
	TotalRequests    int64   `json:"total_requests"`
	HitRate          float64 `json:"hit_rate"`
	AvgLatency       float64 `json:"avg_latency_ms"`
	P95Latency       float64 `json:"p95_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	QPS              float64 `json:"qps"`
	TrendHitRate     string  `json:"trend_hit_rate"`     // "up", "down", "stable"
	TrendLatency     string  `json:"trend_latency"`      // "up", "down", "stable"
	TrendQPS         string  `json:"trend_qps"`          // "up", "down", "stable"
}

type TimelinePoint struct {
	Timestamp    time.Time `json:"timestamp"`
	Requests     int64     `json:"requests"`
	HitRate      float64   `json:"hit_rate"`
	AvgLatency   float64   `json:"avg_latency_ms"`
	P50Latency   float64   `json:"p50_latency_ms"`
	P95Latency   float64   `json:"p95_latency_ms"`
	P99Latency   float64   `json:"p99_latency_ms"`
	ErrorRate    float64   `json:"error_rate"`
	QPS          float64   `json:"qps"`
}

type KeyStats struct {
	Key           string  `json:"key"`
	AccessCount   int64   `json:"access_count"`
	HitRate       float64 `json:"hit_rate"`
	AvgLatency    float64 `json:"avg_latency_ms"`
	LastAccessed  time.Time `json:"last_accessed"`
}

type SystemHealth struct {
	Status           string  `json:"status"` // "healthy", "degraded", "critical"
	Score            float64 `json:"score"`  // 0-100
	Issues           []HealthIssue `json:"issues"`
	Recommendations  []string `json:"recommendations"`
}

type HealthIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Impact   string `json:"impact"`
}

type GetLatencyDistributionRequest struct {
	Window time.Duration `json:"window"`
}

type GetLatencyDistributionResponse struct {
	Buckets []LatencyBucket `json:"buckets"`
	Stats   LatencyStats    `json:"stats"`
}

type LatencyBucket struct {
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	Count  int     `json:"count"`
	Percent float64 `json:"percent"`
}

type GetHeatmapRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Metric    string    `json:"metric"` // "hit_rate", "latency", "qps", "error_rate"
}

type GetHeatmapResponse struct {
	Data      [][]HeatmapCell `json:"data"`
	XLabels   []string        `json:"x_labels"` // Time labels
	YLabels   []string        `json:"y_labels"` // Metric range labels
	ColorScale ColorScale     `json:"color_scale"`
}

type HeatmapCell struct {
	Value    float64 `json:"value"`
	Color    string  `json:"color"`
	Tooltip  string  `json:"tooltip"`
}

type ColorScale struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Colors []string `json:"colors"`
}

type GetComparisonRequest struct {
	Period1Start time.Time `json:"period1_start"`
	Period1End   time.Time `json:"period1_end"`
	Period2Start time.Time `json:"period2_start"`
	Period2End   time.Time `json:"period2_end"`
}

type GetComparisonResponse struct {
	Period1      ComparisonPeriod `json:"period1"`
	Period2      ComparisonPeriod `json:"period2"`
	Differences  DifferenceStats  `json:"differences"`
}

type ComparisonPeriod struct {
	Label        string  `json:"label"`
	TotalRequests int64   `json:"total_requests"`
	HitRate      float64 `json:"hit_rate"`
	AvgLatency   float64 `json:"avg_latency_ms"`
	P95Latency   float64 `json:"p95_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
	QPS          float64 `json:"qps"`
}

type DifferenceStats struct {
	RequestsDiff  int64   `json:"requests_diff"`
	RequestsPct   float64 `json:"requests_pct"`
	HitRateDiff   float64 `json:"hit_rate_diff"`
	LatencyDiff   float64 `json:"latency_diff"`
	LatencyPct    float64 `json:"latency_pct"`
	ErrorRateDiff float64 `json:"error_rate_diff"`
	QPSDiff       float64 `json:"qps_diff"`
	QPSPct        float64 `json:"qps_pct"`
}

// GetOverview returns a comprehensive dashboard overview.
//encore:api public method=POST path=/monitoring/dashboard/overview
func GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	if svc == nil || svc.collector == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.GetOverview(ctx, req)
}

func (d *Dashboard) GetOverview(ctx context.Context, req *GetOverviewRequest) (*GetOverviewResponse, error) {
	timeRange := req.TimeRange
	if timeRange == 0 {
		timeRange = 1 * time.Hour
	}

	now := time.Now()
	startTime := now.Add(-timeRange)

	// Get current stats
	currentStats := d.aggregator.GetStats(startTime, now)

	// Get previous period stats for trend calculation
	previousStart := startTime.Add(-timeRange)
	previousStats := d.aggregator.GetStats(previousStart, startTime)

	// Calculate summary with trends
	summary := SummaryStats{
		TotalRequests: currentStats.TotalRequests,
		HitRate:       currentStats.HitRate,
		AvgLatency:    currentStats.AvgLatency,
		P95Latency:    currentStats.P95Latency,
		ErrorRate:     currentStats.ErrorRate,
		QPS:           currentStats.QPS,
		TrendHitRate:  calculateTrend(currentStats.HitRate, previousStats.HitRate),
		TrendLatency:  calculateTrend(currentStats.P95Latency, previousStats.P95Latency),
		TrendQPS:      calculateTrend(currentStats.QPS, previousStats.QPS),
	}

	// Generate timeline (60 data points)
	timeline := d.generateTimeline(startTime, now, 60)

	// Get top keys (mock implementation - would integrate with actual key tracking)
	topKeys := d.getTopKeys(10)

	// Calculate system health
	systemHealth := d.calculateSystemHealth(currentStats)

	// Get recent alerts
	recentAlerts := d.alertMgr.GetRecentResolvedAlerts(5)
	activeAlerts := d.alertMgr.GetActiveAlerts()
	recentAlerts = append(activeAlerts, recentAlerts...)

	// Get recent anomalies
	recentAnomalies := d.detector.GetRecentAnomalies(timeRange)

	return &GetOverviewResponse{
		Summary:         summary,
		Timeline:        timeline,
		TopKeys:         topKeys,
		SystemHealth:    systemHealth,
		RecentAlerts:    recentAlerts,
		RecentAnomalies: recentAnomalies,
	}, nil
}

// GetLatencyDistribution returns latency distribution histogram.
//encore:api public method=POST path=/monitoring/dashboard/latency-distribution
func GetLatencyDistribution(ctx context.Context, req *GetLatencyDistributionRequest) (*GetLatencyDistributionResponse, error) {
	if svc == nil || svc.collector == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.GetLatencyDistribution(ctx, req)
}

func (d *Dashboard) GetLatencyDistribution(ctx context.Context, req *GetLatencyDistributionRequest) (*GetLatencyDistributionResponse, error) {
	window := req.Window
	if window == 0 {
		window = 5 * time.Minute
	}

	// Get recent latency samples
	samples := d.collector.latencyBuffer.GetRecent(window)
	if len(samples) == 0 {
		return &GetLatencyDistributionResponse{
			Buckets: []LatencyBucket{},
			Stats:   LatencyStats{},
		}, nil
	}

	// Calculate stats
	stats := calculateLatencyStats(samples)

	// Create histogram buckets
	buckets := []LatencyBucket{
		{MinMs: 0, MaxMs: 1},
		{MinMs: 1, MaxMs: 5},
		{MinMs: 5, MaxMs: 10},
		{MinMs: 10, MaxMs: 25},
		{MinMs: 25, MaxMs: 50},
		{MinMs: 50, MaxMs: 100},
		{MinMs: 100, MaxMs: 250},
		{MinMs: 250, MaxMs: 500},
		{MinMs: 500, MaxMs: 1000},
		{MinMs: 1000, MaxMs: math.MaxFloat64},
	}

	// Count samples in each bucket
	for _, sample := range samples {
		for i := range buckets {
			if sample.Value >= buckets[i].MinMs && sample.Value < buckets[i].MaxMs {
				buckets[i].Count++
				break
			}
		}
	}

	// Calculate percentages
	total := len(samples)
	for i := range buckets {
		buckets[i].Percent = float64(buckets[i].Count) / float64(total) * 100
	}

	return &GetLatencyDistributionResponse{
		Buckets: buckets,
		Stats:   stats,
	}, nil
}

// GetHeatmap returns heatmap data for visualization.
//encore:api public method=POST path=/monitoring/dashboard/heatmap
func GetHeatmap(ctx context.Context, req *GetHeatmapRequest) (*GetHeatmapResponse, error) {
	if svc == nil || svc.aggregator == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.GetHeatmap(ctx, req)
}

func (d *Dashboard) GetHeatmap(ctx context.Context, req *GetHeatmapRequest) (*GetHeatmapResponse, error) {
	duration := req.EndTime.Sub(req.StartTime)
	
	// Determine granularity based on duration
	var interval time.Duration
	var numBuckets int
	switch {
	case duration <= 1*time.Hour:
		interval = 1 * time.Minute
		numBuckets = 60
	case duration <= 6*time.Hour:
		interval = 5 * time.Minute
		numBuckets = 72
	case duration <= 24*time.Hour:
		interval = 15 * time.Minute
		numBuckets = 96
	default:
		interval = 1 * time.Hour
		numBuckets = 24
	}

	// Generate time buckets
	xLabels := make([]string, 0)
	currentTime := req.StartTime

	for i := 0; i < numBuckets && currentTime.Before(req.EndTime); i++ {
		xLabels = append(xLabels, currentTime.Format("15:04"))
		currentTime = currentTime.Add(interval)
	}

	// Define metric ranges (Y-axis)
	var yLabels []string
	var minValue, maxValue float64
	
	switch req.Metric {
	case "hit_rate":
		yLabels = []string{"0-20%", "20-40%", "40-60%", "60-80%", "80-100%"}
		minValue, maxValue = 0, 1
	case "latency":
		yLabels = []string{"0-10ms", "10-25ms", "25-50ms", "50-100ms", "100ms+"}
		minValue, maxValue = 0, 200
	case "qps":
		yLabels = []string{"0-100", "100-500", "500-1K", "1K-5K", "5K+"}
		minValue, maxValue = 0, 10000
	case "error_rate":
		yLabels = []string{"0-1%", "1-2%", "2-5%", "5-10%", "10%+"}
		minValue, maxValue = 0, 0.1
	default:
		return nil, fmt.Errorf("unsupported metric: %s", req.Metric)
	}

	// Generate heatmap data
	data := make([][]HeatmapCell, len(yLabels))
	for i := range data {
		data[i] = make([]HeatmapCell, len(xLabels))
	}

	// Fill heatmap with actual data
	currentTime = req.StartTime
	for col := 0; col < len(xLabels) && currentTime.Before(req.EndTime); col++ {
		nextTime := currentTime.Add(interval)
		stats := d.aggregator.GetStats(currentTime, nextTime)

		var value float64
		switch req.Metric {
		case "hit_rate":
			value = stats.HitRate
		case "latency":
			value = stats.P95Latency
		case "qps":
			value = stats.QPS
		case "error_rate":
			value = stats.ErrorRate
		}

		// Determine which row this value belongs to
		row := d.getHeatmapRow(value, minValue, maxValue, len(yLabels))
		
		if row >= 0 && row < len(yLabels) {
			data[row][col] = HeatmapCell{
				Value:   value,
				Color:   d.getHeatmapColor(value, minValue, maxValue),
				Tooltip: fmt.Sprintf("%s: %.2f at %s", req.Metric, value, currentTime.Format("15:04")),
			}
		}

		currentTime = nextTime
	}

	colorScale := ColorScale{
		Min:    minValue,
		Max:    maxValue,
		Colors: []string{"#00ff00", "#ffff00", "#ff9900", "#ff0000"},
	}

	return &GetHeatmapResponse{
		Data:       data,
		XLabels:    xLabels,
		YLabels:    yLabels,
		ColorScale: colorScale,
	}, nil
}

// GetComparison returns comparison between two time periods.
//encore:api public method=POST path=/monitoring/dashboard/comparison
func GetComparison(ctx context.Context, req *GetComparisonRequest) (*GetComparisonResponse, error) {
	if svc == nil || svc.aggregator == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.GetComparison(ctx, req)
}

func (d *Dashboard) GetComparison(ctx context.Context, req *GetComparisonRequest) (*GetComparisonResponse, error) {
	// Get stats for both periods
	stats1 := d.aggregator.GetStats(req.Period1Start, req.Period1End)
	stats2 := d.aggregator.GetStats(req.Period2Start, req.Period2End)

	period1 := ComparisonPeriod{
		Label:         "Period 1",
		TotalRequests: stats1.TotalRequests,
		HitRate:       stats1.HitRate,
		AvgLatency:    stats1.AvgLatency,
		P95Latency:    stats1.P95Latency,
		ErrorRate:     stats1.ErrorRate,
		QPS:           stats1.QPS,
	}

	period2 := ComparisonPeriod{
		Label:         "Period 2",
		TotalRequests: stats2.TotalRequests,
		HitRate:       stats2.HitRate,
		AvgLatency:    stats2.AvgLatency,
		P95Latency:    stats2.P95Latency,
		ErrorRate:     stats2.ErrorRate,
		QPS:           stats2.QPS,
	}

	// Calculate differences
	differences := DifferenceStats{
		RequestsDiff:  stats2.TotalRequests - stats1.TotalRequests,
		RequestsPct:   calculatePercentChange(float64(stats1.TotalRequests), float64(stats2.TotalRequests)),
		HitRateDiff:   stats2.HitRate - stats1.HitRate,
		LatencyDiff:   stats2.P95Latency - stats1.P95Latency,
		LatencyPct:    calculatePercentChange(stats1.P95Latency, stats2.P95Latency),
		ErrorRateDiff: stats2.ErrorRate - stats1.ErrorRate,
		QPSDiff:       stats2.QPS - stats1.QPS,
		QPSPct:        calculatePercentChange(stats1.QPS, stats2.QPS),
	}

	return &GetComparisonResponse{
		Period1:     period1,
		Period2:     period2,
		Differences: differences,
	}, nil
}

// Helper functions

// generateTimeline creates timeline data points for charting.
func (d *Dashboard) generateTimeline(start, end time.Time, numPoints int) []TimelinePoint {
	duration := end.Sub(start)
	interval := duration / time.Duration(numPoints)

	timeline := make([]TimelinePoint, 0, numPoints)
	currentTime := start

	for i := 0; i < numPoints && currentTime.Before(end); i++ {
		nextTime := currentTime.Add(interval)
		stats := d.aggregator.GetStats(currentTime, nextTime)

		timeline = append(timeline, TimelinePoint{
			Timestamp:  currentTime,
			Requests:   stats.TotalRequests,
			HitRate:    stats.HitRate,
			AvgLatency: stats.AvgLatency,
			P50Latency: stats.P50Latency,
			P95Latency: stats.P95Latency,
			P99Latency: stats.P99Latency,
			ErrorRate:  stats.ErrorRate,
			QPS:        stats.QPS,
		})

		currentTime = nextTime
	}

	return timeline
}

// getTopKeys returns top accessed keys (mock implementation).
func (d *Dashboard) getTopKeys(limit int) []KeyStats {
	// TODO: Implement actual key tracking
	// For now, return mock data
	return []KeyStats{
		{Key: "user:123:profile", AccessCount: 1523, HitRate: 0.95, AvgLatency: 2.3, LastAccessed: time.Now()},
		{Key: "product:456", AccessCount: 892, HitRate: 0.87, AvgLatency: 5.1, LastAccessed: time.Now()},
		{Key: "session:789", AccessCount: 654, HitRate: 0.92, AvgLatency: 3.2, LastAccessed: time.Now()},
	}
}

// calculateSystemHealth computes overall system health score.
func (d *Dashboard) calculateSystemHealth(stats AggregatedStats) SystemHealth {
	score := 100.0
	issues := make([]HealthIssue, 0)
	recommendations := make([]string, 0)

	// Check hit rate against spec.md §4.6's canonical threshold.
	if stats.HitRate < 0.8 {
		score -= 20
		issues = append(issues, HealthIssue{
			Type:     "cache_efficiency",
			Severity: "warning",
			Message:  fmt.Sprintf("Cache hit rate is low (%.1f%%)", stats.HitRate*100),
			Impact:   "Increased database load and slower response times",
		})
		recommendations = append(recommendations, "Consider increasing cache size or TTL values")
	}

	// Check latency against spec.md §4.6's canonical threshold.
	if stats.P95Latency > 50 {
		score -= 15
		severity := "warning"
		if stats.P95Latency > 100 {
			severity = "critical"
			score -= 15
		}
		issues = append(issues, HealthIssue{
			Type:     "performance",
			Severity: severity,
			Message:  fmt.Sprintf("P95 latency is elevated (%.1fms)", stats.P95Latency),
			Impact:   "User experience degradation",
		})
		recommendations = append(recommendations, "Investigate slow queries and optimize hot paths")
	}

	// Check error rate against spec.md §4.6's canonical threshold.
	if stats.ErrorRate > 0.01 {
		score -= 25
		severity := "warning"
		if stats.ErrorRate > 0.05 {
			severity = "critical"
			score -= 25
		}
		issues = append(issues, HealthIssue{
			Type:     "reliability",
			Severity: severity,
			Message:  fmt.Sprintf("Error rate is high (%.2f%%)", stats.ErrorRate*100),
			Impact:   "Service reliability concerns",
		})
		recommendations = append(recommendations, "Review error logs and fix underlying issues")
	}

	// Check memory usage against spec.md §4.6's canonical 1GiB threshold.
	if stats.MemoryBytes > GiB {
		score -= 15
		issues = append(issues, HealthIssue{
			Type:     "capacity",
			Severity: "warning",
			Message:  fmt.Sprintf("Cache memory usage is high (%.2f GiB)", float64(stats.MemoryBytes)/float64(GiB)),
			Impact:   "Risk of host memory pressure and OOM eviction",
		})
		recommendations = append(recommendations, "Consider lowering local_capacity or enabling compression")
	}

	// Check eviction rate
	if stats.Evictions > 0 {
		evictionRate := float64(stats.Evictions) / 60.0 // per second
		if evictionRate > 10 {
			score -= 10
			issues = append(issues, HealthIssue{
				Type:     "capacity",
				Severity: "info",
				Message:  fmt.Sprintf("High eviction rate (%.1f/sec)", evictionRate),
				Impact:   "Cache thrashing may occur",
			})
			recommendations = append(recommendations, "Consider increasing cache capacity")
		}
	}

	// Determine status
	status := "healthy"
	if score < 80 {
		status = "degraded"
	}
	if score < 60 {
		status = "critical"
	}

	return SystemHealth{
		Status:          status,
		Score:           math.Max(0, score),
		Issues:          issues,
		Recommendations: recommendations,
	}
}

// calculateTrend determines if a metric is trending up, down, or stable.
func calculateTrend(current, previous float64) string {
	if previous == 0 {
		return "stable"
	}

	change := (current - previous) / previous

	if change > 0.05 {
		return "up"
	} else if change < -0.05 {
		return "down"
	}
	return "stable"
}

// calculatePercentChange calculates percent change between two values.
func calculatePercentChange(oldVal, newVal float64) float64 {
	if oldVal == 0 {
		return 0
	}
	return ((newVal - oldVal) / oldVal) * 100
}

// getHeatmapRow determines which row a value belongs to in the heatmap.
func (d *Dashboard) getHeatmapRow(value, minValue, maxValue float64, numRows int) int {
	if value <= minValue {
		return numRows - 1
	}
	if value >= maxValue {
		return 0
	}

	normalized := (value - minValue) / (maxValue - minValue)
	row := int((1.0 - normalized) * float64(numRows))

	if row < 0 {
		row = 0
	}
	if row >= numRows {
		row = numRows - 1
	}

	return row
}

// getHeatmapColor returns a color for a heatmap cell based on value.
func (d *Dashboard) getHeatmapColor(value, minValue, maxValue float64) string {
	if maxValue == minValue {
		return "#00ff00"
	}

	normalized := (value - minValue) / (maxValue - minValue)

	// Green -> Yellow -> Orange -> Red gradient
	switch {
	case normalized < 0.25:
		return "#00ff00" // Green
	case normalized < 0.5:
		return "#ffff00" // Yellow
	case normalized < 0.75:
		return "#ff9900" // Orange
	default:
		return "#ff0000" // Red
	}
}

// Real-time streaming support

// StreamMetrics starts a real-time metrics stream.
//encore:api public method=GET path=/monitoring/dashboard/stream
func StreamMetrics(ctx context.Context) (*StreamSession, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.StartStream(ctx)
}

func (d *Dashboard) StartStream(ctx context.Context) (*StreamSession, error) {
	sessionID := fmt.Sprintf("stream-%d", time.Now().UnixNano())

	session := &StreamSession{
		ID:        sessionID,
		Updates:   make(chan DashboardUpdate, 100),
		StopChan:  make(chan struct{}),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	d.mu.Lock()
	d.sessions[sessionID] = session
	d.mu.Unlock()

	// Start streaming goroutine
	go d.streamWorker(session)

	return session, nil
}

// streamWorker sends periodic updates to a streaming session.
func (d *Dashboard) streamWorker(session *StreamSession) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-session.StopChan:
			return
		case <-ticker.C:
			update := d.generateUpdate()
			
			select {
			case session.Updates <- update:
				session.LastPing = time.Now()
			default:
				// Channel full, skip this update
			}
		}
	}
}

// generateUpdate creates a dashboard update with current metrics.
func (d *Dashboard) generateUpdate() DashboardUpdate {
	now := time.Now()
	stats := d.aggregator.GetStats(now.Add(-1*time.Minute), now)

	metrics := &GetMetricsResponse{
		Timestamp:      now,
		Window:         1 * time.Minute,
		TotalRequests:  stats.TotalRequests,
		CacheHits:      stats.CacheHits,
		CacheMisses:    stats.CacheMisses,
		HitRate:        stats.HitRate,
		QPS:            stats.QPS,
		AvgLatency:     stats.AvgLatency,
		P50Latency:     stats.P50Latency,
		P90Latency:     stats.P90Latency,
		P95Latency:     stats.P95Latency,
		P99Latency:     stats.P99Latency,
		ErrorRate:      stats.ErrorRate,
		Invalidations:  stats.Invalidations,
		Warmings:       stats.Warmings,
		Evictions:      stats.Evictions,
	}

	alerts := d.alertMgr.GetActiveAlerts()
	anomalies := d.detector.GetRecentAnomalies(1 * time.Minute)

	return DashboardUpdate{
		Timestamp: now,
		Metrics:   metrics,
		Alerts:    alerts,
		Anomalies: anomalies,
	}
}

// StopStream stops a streaming session.
func (d *Dashboard) StopStream(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if session, exists := d.sessions[sessionID]; exists {
		close(session.StopChan)
		close(session.Updates)
		delete(d.sessions, sessionID)
	}
}

// CleanupStaleStreams removes inactive streaming sessions.
func (d *Dashboard) CleanupStaleStreams() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	staleThreshold := 5 * time.Minute

	for sessionID, session := range d.sessions {
		if now.Sub(session.LastPing) > staleThreshold {
			close(session.StopChan)
			close(session.Updates)
			delete(d.sessions, sessionID)
		}
	}
}

// Export functionality for external monitoring systems

type ExportFormat string

const (
	ExportFormatJSON       ExportFormat = "json"
	ExportFormatPrometheus ExportFormat = "prometheus"
	ExportFormatCSV        ExportFormat = "csv"
)

type ExportRequest struct {
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
	Format    ExportFormat `json:"format"`
	Metrics   []string     `json:"metrics"` // Specific metrics to export
}

type ExportResponse struct {
	Format   ExportFormat `json:"format"`
	Data     string       `json:"data"`
	Filename string       `json:"filename"`
	Size     int          `json:"size"`
}

// ExportMetrics exports metrics in various formats.
//encore:api public method=POST path=/monitoring/dashboard/export
func ExportMetrics(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}

	dashboard := NewDashboard(svc.aggregator, svc.collector, svc.alertMgr)
	return dashboard.ExportMetrics(ctx, req)
}

func (d *Dashboard) ExportMetrics(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	// Get data for the time range
	buckets := d.collector.timeSeries.GetRange(req.StartTime, req.EndTime)

	var data string
	var filename string

	switch req.Format {
	case ExportFormatJSON:
		data = d.exportJSON(buckets, req.Metrics)
		filename = fmt.Sprintf("metrics-%s.json", time.Now().Format("20060102-150405"))

	case ExportFormatPrometheus:
		data = d.exportPrometheus(buckets)
		filename = fmt.Sprintf("metrics-%s.txt", time.Now().Format("20060102-150405"))

	case ExportFormatCSV:
		data = d.exportCSV(buckets, req.Metrics)
		filename = fmt.Sprintf("metrics-%s.csv", time.Now().Format("20060102-150405"))

	default:
		return nil, fmt.Errorf("unsupported export format: %s", req.Format)
	}

	return &ExportResponse{
		Format:   req.Format,
		Data:     data,
		Filename: filename,
		Size:     len(data),
	}, nil
}

// exportJSON exports metrics as JSON.
func (d *Dashboard) exportJSON(buckets []*Bucket, metrics []string) string {
	type JSONPoint struct {
		Timestamp     time.Time `json:"timestamp"`
		CacheHits     int64     `json:"cache_hits,omitempty"`
		CacheMisses   int64     `json:"cache_misses,omitempty"`
		HitRate       float64   `json:"hit_rate,omitempty"`
		AvgLatency    float64   `json:"avg_latency_ms,omitempty"`
		P95Latency    float64   `json:"p95_latency_ms,omitempty"`
		ErrorRate     float64   `json:"error_rate,omitempty"`
		Invalidations int64     `json:"invalidations,omitempty"`
		Warmings      int64     `json:"warmings,omitempty"`
	}

	points := make([]JSONPoint, 0, len(buckets))
	for _, bucket := range buckets {
		point := JSONPoint{
			Timestamp: bucket.Timestamp,
		}

		// Include only requested metrics
		if len(metrics) == 0 || contains(metrics, "cache_hits") {
			point.CacheHits = bucket.CacheHits
		}
		if len(metrics) == 0 || contains(metrics, "cache_misses") {
			point.CacheMisses = bucket.CacheMisses
		}
		if len(metrics) == 0 || contains(metrics, "hit_rate") {
			total := bucket.CacheHits + bucket.CacheMisses
			if total > 0 {
				point.HitRate = float64(bucket.CacheHits) / float64(total)
			}
		}
		if len(metrics) == 0 || contains(metrics, "latency") {
			if len(bucket.Latencies) > 0 {
				sum := 0.0
				for _, lat := range bucket.Latencies {
					sum += lat
				}
				point.AvgLatency = sum / float64(len(bucket.Latencies))

				// Calculate P95
				sorted := make([]float64, len(bucket.Latencies))
				copy(sorted, bucket.Latencies)
				sort.Float64s(sorted)
				point.P95Latency = percentile(sorted, 0.95)
			}
		}
		if len(metrics) == 0 || contains(metrics, "errors") {
			total := bucket.CacheHits + bucket.CacheMisses
			if total > 0 {
				point.ErrorRate = float64(bucket.Errors) / float64(total)
			}
		}
		if len(metrics) == 0 || contains(metrics, "invalidations") {
			point.Invalidations = bucket.Invalidations
		}
		if len(metrics) == 0 || contains(metrics, "warmings") {
			point.Warmings = bucket.Warmings
		}

		points = append(points, point)
	}

	jsonData, _ := json.MarshalIndent(points, "", "  ")
	return string(jsonData)
}

// exportPrometheus exports metrics in Prometheus format.
func (d *Dashboard) exportPrometheus(buckets []*Bucket) string {
	var output string

	// Get latest bucket
	if len(buckets) == 0 {
		return output
	}

	latest := buckets[len(buckets)-1]
	timestamp := latest.Timestamp.UnixMilli()

	// Export as Prometheus exposition format
	output += "# HELP cache_hits_total Total number of cache hits\n"
	output += "# TYPE cache_hits_total counter\n"
	output += fmt.Sprintf("cache_hits_total %d %d\n", latest.CacheHits, timestamp)

	output += "# HELP cache_misses_total Total number of cache misses\n"
	output += "# TYPE cache_misses_total counter\n"
	output += fmt.Sprintf("cache_misses_total %d %d\n", latest.CacheMisses, timestamp)

	total := latest.CacheHits + latest.CacheMisses
	if total > 0 {
		hitRate := float64(latest.CacheHits) / float64(total)
		output += "# HELP cache_hit_rate Cache hit rate (0-1)\n"
		output += "# TYPE cache_hit_rate gauge\n"
		output += fmt.Sprintf("cache_hit_rate %.4f %d\n", hitRate, timestamp)
	}

	if len(latest.Latencies) > 0 {
		sorted := make([]float64, len(latest.Latencies))
		copy(sorted, latest.Latencies)
		sort.Float64s(sorted)

		output += "# HELP cache_latency_ms Cache operation latency in milliseconds\n"
		output += "# TYPE cache_latency_ms summary\n"
		output += fmt.Sprintf("cache_latency_ms{quantile=\"0.5\"} %.2f %d\n", percentile(sorted, 0.5), timestamp)
		output += fmt.Sprintf("cache_latency_ms{quantile=\"0.9\"} %.2f %d\n", percentile(sorted, 0.9), timestamp)
		output += fmt.Sprintf("cache_latency_ms{quantile=\"0.95\"} %.2f %d\n", percentile(sorted, 0.95), timestamp)
		output += fmt.Sprintf("cache_latency_ms{quantile=\"0.99\"} %.2f %d\n", percentile(sorted, 0.99), timestamp)
		output += fmt.Sprintf("cache_latency_ms_count %d %d\n", len(latest.Latencies), timestamp)
	}

	output += "# HELP cache_errors_total Total number of cache errors\n"
	output += "# TYPE cache_errors_total counter\n"
	output += fmt.Sprintf("cache_errors_total %d %d\n", latest.Errors, timestamp)

	output += "# HELP cache_invalidations_total Total number of cache invalidations\n"
	output += "# TYPE cache_invalidations_total counter\n"
	output += fmt.Sprintf("cache_invalidations_total %d %d\n", latest.Invalidations, timestamp)

	output += "# HELP cache_warmings_total Total number of cache warming operations\n"
	output += "# TYPE cache_warmings_total counter\n"
	output += fmt.Sprintf("cache_warmings_total %d %d\n", latest.Warmings, timestamp)

	return output
}

// exportCSV exports metrics as CSV.
func (d *Dashboard) exportCSV(buckets []*Bucket, metrics []string) string {
	var output string

	// Header
	headers := []string{"timestamp"}
	if len(metrics) == 0 || contains(metrics, "cache_hits") {
		headers = append(headers, "cache_hits")
	}
	if len(metrics) == 0 || contains(metrics, "cache_misses") {
		headers = append(headers, "cache_misses")
	}
	if len(metrics) == 0 || contains(metrics, "hit_rate") {
		headers = append(headers, "hit_rate")
	}
	if len(metrics) == 0 || contains(metrics, "latency") {
		headers = append(headers, "avg_latency_ms", "p95_latency_ms")
	}
	if len(metrics) == 0 || contains(metrics, "errors") {
		headers = append(headers, "errors", "error_rate")
	}
	if len(metrics) == 0 || contains(metrics, "invalidations") {
		headers = append(headers, "invalidations")
	}
	if len(metrics) == 0 || contains(metrics, "warmings") {
		headers = append(headers, "warmings")
	}

	output += join(headers, ",") + "\n"

	// Data rows
	for _, bucket := range buckets {
		row := []string{bucket.Timestamp.Format(time.RFC3339)}

		if len(metrics) == 0 || contains(metrics, "cache_hits") {
			row = append(row, fmt.Sprintf("%d", bucket.CacheHits))
		}
		if len(metrics) == 0 || contains(metrics, "cache_misses") {
			row = append(row, fmt.Sprintf("%d", bucket.CacheMisses))
		}
		if len(metrics) == 0 || contains(metrics, "hit_rate") {
			total := bucket.CacheHits + bucket.CacheMisses
			hitRate := 0.0
			if total > 0 {
				hitRate = float64(bucket.CacheHits) / float64(total)
			}
			row = append(row, fmt.Sprintf("%.4f", hitRate))
		}
		if len(metrics) == 0 || contains(metrics, "latency") {
			if len(bucket.Latencies) > 0 {
				sum := 0.0
				for _, lat := range bucket.Latencies {
					sum += lat
				}
				avgLatency := sum / float64(len(bucket.Latencies))

				sorted := make([]float64, len(bucket.Latencies))
				copy(sorted, bucket.Latencies)
				sort.Float64s(sorted)
				p95Latency := percentile(sorted, 0.95)

				row = append(row, fmt.Sprintf("%.2f", avgLatency), fmt.Sprintf("%.2f", p95Latency))
			} else {
				row = append(row, "0", "0")
			}
		}
		if len(metrics) == 0 || contains(metrics, "errors") {
			total := bucket.CacheHits + bucket.CacheMisses
			errorRate := 0.0
			if total > 0 {
				errorRate = float64(bucket.Errors) / float64(total)
			}
			row = append(row, fmt.Sprintf("%d", bucket.Errors), fmt.Sprintf("%.4f", errorRate))
		}
		if len(metrics) == 0 || contains(metrics, "invalidations") {
			row = append(row, fmt.Sprintf("%d", bucket.Invalidations))
		}
		if len(metrics) == 0 || contains(metrics, "warmings") {
			row = append(row, fmt.Sprintf("%d", bucket.Warmings))
		}

		output += join(row, ",") + "\n"
	}

	return output
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func join(items []string, sep string) string {
	result := ""
	for i, item := range items {
		if i > 0 {
			result += sep
		}
		result += item
	}
	return result
}