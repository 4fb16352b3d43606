// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

// Recorder はメトリクス収集のインターフェース。
// サービス層とミドルウェアから利用する。
type Recorder interface {
	RecordSignup()
	RecordLogin(result string)
	RecordEntitlementGranted()
	RecordEntitlementDenied()
	RecordLocationReport(result string)
	SetActiveUsers(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signups            prometheus.Counter
	logins             *prometheus.CounterVec
	entitlementGranted prometheus.Counter
	entitlementDenied  prometheus.Counter
	locationReports    *prometheus.CounterVec
	activeUsers        prometheus.Gauge
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_signups_total",
			Help: "サインアップ成功の合計数",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bubbles_logins_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		entitlementGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_entitlements_granted_total",
			Help: "付与された利用権の合計数",
		}),
		entitlementDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bubbles_entitlement_denied_total",
			Help: "利用権がないため拒否されたリクエストの合計数",
		}),
		locationReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bubbles_location_reports_total",
			Help: "結果別の位置情報報告数",
		}, []string{"result"}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bubbles_active_users",
			Help: "直近に算出された可視ユーザー数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bubbles_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.signups,
		c.logins,
		c.entitlementGranted,
		c.entitlementDenied,
		c.locationReports,
		c.activeUsers,
		c.httpStatus,
	)

	return c
}

// RecordSignup はサインアップ成功を記録する。
func (c *Collector) RecordSignup() {
	c.signups.Inc()
}

// RecordLogin はログイン試行を結果別に記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordEntitlementGranted は利用権の付与を記録する。
func (c *Collector) RecordEntitlementGranted() {
	c.entitlementGranted.Inc()
}

// RecordEntitlementDenied は利用権不足による拒否を記録する。
func (c *Collector) RecordEntitlementDenied() {
	c.entitlementDenied.Inc()
}

// RecordLocationReport は位置情報報告を結果別に記録する。
func (c *Collector) RecordLocationReport(result string) {
	c.locationReports.WithLabelValues(result).Inc()
}

// SetActiveUsers は可視ユーザー数を設定する。
func (c *Collector) SetActiveUsers(count int) {
	c.activeUsers.Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RegisterRelayPeers はリレーに接続中のピア数をスクレイプ時に読み出すゲージを登録する。
func RegisterRelayPeers(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bubbles_relay_peers",
		Help: "イベントストリームに接続中のピア数",
	}, func() float64 {
		return float64(count())
	}))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopRecorder は何も記録しないRecorder。テストやメトリクス無効時に使用する。
type NopRecorder struct{}

func (NopRecorder) RecordSignup()               {}
func (NopRecorder) RecordLogin(string)          {}
func (NopRecorder) RecordEntitlementGranted()   {}
func (NopRecorder) RecordEntitlementDenied()    {}
func (NopRecorder) RecordLocationReport(string) {}
func (NopRecorder) SetActiveUsers(int)          {}
func (NopRecorder) RecordHTTPStatus(int)        {}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = NopRecorder{}
)
