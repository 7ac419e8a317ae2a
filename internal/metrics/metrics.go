// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// ジョブランナーとスケジューラから利用する。
type Recorder interface {
	RecordFetchDuration(feedID int64, host string, statusCode int, duration time.Duration)
	RecordFetchError(host, reason string)
	RecordNewItems(feedID int64, count int)
}

// GaugeSources はスクレイプ時に評価されるゲージ値の供給元。
// nilのフィールドは0として公開される。
type GaugeSources struct {
	QueueDepth  func() float64
	DBSizeBytes func() float64
	TotalFeeds  func() float64
	TotalItems  func() float64
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	start         time.Time
	fetchErrors   *prometheus.CounterVec
	itemsNew      *prometheus.CounterVec
	fetchDuration *prometheus.SummaryVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer, sources GaugeSources) *Collector {
	c := &Collector{
		start: time.Now(),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_fetch_errors_total",
			Help: "フェッチエラーのホスト別・種別別の合計数",
		}, []string{"host", "reason"}),
		itemsNew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feeder_items_new_total",
			Help: "新規取り込み記事のフィード別の合計数",
		}, []string{"feed_id"}),
		fetchDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "feeder_fetch_duration_seconds",
			Help:       "フィードフェッチの所要時間（秒）",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
			BufCap:     1000,
		}, []string{"feed_id", "host", "status"}),
	}

	reg.MustRegister(
		c.fetchErrors,
		c.itemsNew,
		c.fetchDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feeder_scheduler_queue_depth",
			Help: "スケジューラのディスパッチ待ちジョブ数",
		}, gaugeOrZero(sources.QueueDepth)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feeder_uptime_seconds",
			Help: "プロセス起動からの経過秒数",
		}, func() float64 { return time.Since(c.start).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feeder_db_size_bytes",
			Help: "データベースファイルのサイズ（バイト）",
		}, gaugeOrZero(sources.DBSizeBytes)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feeder_total_feeds",
			Help: "登録済みフィードの総数",
		}, gaugeOrZero(sources.TotalFeeds)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feeder_total_items",
			Help: "保存済み記事の総数",
		}, gaugeOrZero(sources.TotalItems)),
	)

	return c
}

// RecordFetchDuration はフェッチ1回の所要時間を記録する。
func (c *Collector) RecordFetchDuration(feedID int64, host string, statusCode int, duration time.Duration) {
	c.fetchDuration.WithLabelValues(
		strconv.FormatInt(feedID, 10),
		host,
		strconv.Itoa(statusCode),
	).Observe(duration.Seconds())
}

// RecordFetchError はフェッチエラーをホストと種別のラベル付きで記録する。
func (c *Collector) RecordFetchError(host, reason string) {
	c.fetchErrors.WithLabelValues(host, reason).Inc()
}

// RecordNewItems は新規取り込み記事数を記録する。
func (c *Collector) RecordNewItems(feedID int64, count int) {
	if count <= 0 {
		return
	}
	c.itemsNew.WithLabelValues(strconv.FormatInt(feedID, 10)).Add(float64(count))
}

func gaugeOrZero(f func() float64) func() float64 {
	if f == nil {
		return func() float64 { return 0 }
	}
	return f
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ Recorder = (*Collector)(nil)
