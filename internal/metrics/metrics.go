// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuthRecorder は認証・委任フローのメトリクス記録インターフェース。
type AuthRecorder interface {
	RecordLogin(result string)
	RecordRegistration(result string)
	RecordDelegationStarted()
	RecordDelegationCompleted(result string)
	RecordFlowsSwept(count int)
	ObserveExchangeDuration(duration time.Duration)
}

// ArchiveRecorder はメディアアーカイブのメトリクス記録インターフェース。
type ArchiveRecorder interface {
	RecordDownload(result string, bytes int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins            *prometheus.CounterVec
	registrations     *prometheus.CounterVec
	delegationStarted prometheus.Counter
	delegationDone    *prometheus.CounterVec
	flowsSwept        prometheus.Counter
	exchangeDuration  prometheus.Histogram
	downloads         *prometheus.CounterVec
	downloadBytes     prometheus.Counter

	reg prometheus.Registerer
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoarchive_logins_total",
			Help: "ログイン試行の合計数（結果別）",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoarchive_registrations_total",
			Help: "ユーザー登録試行の合計数（結果別）",
		}, []string{"result"}),
		delegationStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoarchive_delegations_started_total",
			Help: "開始された委任フローの合計数",
		}),
		delegationDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoarchive_delegations_completed_total",
			Help: "コールバックで処理された委任フローの合計数（結果別）",
		}, []string{"result"}),
		flowsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoarchive_delegation_flows_swept_total",
			Help: "期限切れで削除された保留中フローの合計数",
		}),
		exchangeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "photoarchive_delegation_exchange_duration_seconds",
			Help:    "認可コード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photoarchive_media_downloads_total",
			Help: "メディアダウンロードの合計数（結果別）",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photoarchive_media_download_bytes_total",
			Help: "ダウンロードしたメディアの合計バイト数",
		}),
		reg: reg,
	}

	reg.MustRegister(
		c.logins,
		c.registrations,
		c.delegationStarted,
		c.delegationDone,
		c.flowsSwept,
		c.exchangeDuration,
		c.downloads,
		c.downloadBytes,
	)

	return c
}

// RegisterStateGauges はアクティブセッション数と保留中フロー数をスクレイプ時に読むゲージを登録する。
func (c *Collector) RegisterStateGauges(activeSessions, pendingFlows func() int) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "photoarchive_active_sessions",
			Help: "アクティブセッション数",
		}, func() float64 { return float64(activeSessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "photoarchive_pending_delegation_flows",
			Help: "保留中の委任フロー数",
		}, func() float64 { return float64(pendingFlows()) }),
	)
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordRegistration はユーザー登録結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordDelegationStarted は委任フローの開始を記録する。
func (c *Collector) RecordDelegationStarted() {
	c.delegationStarted.Inc()
}

// RecordDelegationCompleted は委任フローの完了結果を記録する。
func (c *Collector) RecordDelegationCompleted(result string) {
	c.delegationDone.WithLabelValues(result).Inc()
}

// RecordFlowsSwept は期限切れで削除されたフロー数を記録する。
func (c *Collector) RecordFlowsSwept(count int) {
	c.flowsSwept.Add(float64(count))
}

// ObserveExchangeDuration は認可コード交換の所要時間を記録する。
func (c *Collector) ObserveExchangeDuration(duration time.Duration) {
	c.exchangeDuration.Observe(duration.Seconds())
}

// RecordDownload はメディアダウンロード結果とバイト数を記録する。
func (c *Collector) RecordDownload(result string, bytes int64) {
	c.downloads.WithLabelValues(result).Inc()
	if bytes > 0 {
		c.downloadBytes.Add(float64(bytes))
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string)                    {}
func (Nop) RecordRegistration(string)             {}
func (Nop) RecordDelegationStarted()              {}
func (Nop) RecordDelegationCompleted(string)      {}
func (Nop) RecordFlowsSwept(int)                  {}
func (Nop) ObserveExchangeDuration(time.Duration) {}
func (Nop) RecordDownload(string, int64)          {}

var (
	_ AuthRecorder    = (*Collector)(nil)
	_ ArchiveRecorder = (*Collector)(nil)
	_ AuthRecorder    = Nop{}
	_ ArchiveRecorder = Nop{}
)
