// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// 配信ワーカー（delivery.MetricsRecorder, delivery.TickRecorder）とAPIから利用する。
type Collector struct {
	dispatchOutcome  *prometheus.CounterVec
	transportLatency *prometheus.HistogramVec
	tickDuration     prometheus.Histogram
	settingsInvalid  prometheus.Counter
	interactions     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteday_dispatch_total",
			Help: "配信試行の結果別の合計数",
		}, []string{"outcome"}),
		transportLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quoteday_push_latency_seconds",
			Help:    "プッシュ送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoteday_dispatch_tick_duration_seconds",
			Help:    "配信ティック1回の所要時間（秒）",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		settingsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteday_settings_invalid_total",
			Help: "読み込めなかった通知設定の検出数",
		}),
		interactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteday_interactions_total",
			Help: "閲覧・スターの記録数",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteday_today_cache_lookups_total",
			Help: "「今日の名言」キャッシュの参照数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.dispatchOutcome,
		c.transportLatency,
		c.tickDuration,
		c.settingsInvalid,
		c.interactions,
		c.cacheLookups,
	)

	return c
}

// RecordDispatchOutcome は配信試行の結果（succeeded, skipped, retrying, failed）を記録する。
func (c *Collector) RecordDispatchOutcome(outcome string) {
	c.dispatchOutcome.WithLabelValues(outcome).Inc()
}

// RecordTransportLatency はプッシュ送信のレイテンシを記録する。
func (c *Collector) RecordTransportLatency(transport, result string, duration time.Duration) {
	c.transportLatency.WithLabelValues(transport, result).Observe(duration.Seconds())
}

// RecordTickDuration は配信ティックの所要時間を記録する。
func (c *Collector) RecordTickDuration(duration time.Duration) {
	c.tickDuration.Observe(duration.Seconds())
}

// RecordSettingsInvalid は不正な通知設定の検出を記録する。
func (c *Collector) RecordSettingsInvalid() {
	c.settingsInvalid.Inc()
}

// RecordInteraction は閲覧（viewed）・スター（starred）の記録を数える。
func (c *Collector) RecordInteraction(kind string) {
	c.interactions.WithLabelValues(kind).Inc()
}

// RecordCacheLookup はキャッシュ参照の結果（hit, miss, error）を記録する。
func (c *Collector) RecordCacheLookup(result string) {
	c.cacheLookups.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
