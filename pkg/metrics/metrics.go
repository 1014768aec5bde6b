package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VisitsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconsoc_visits_recorded_total",
		Help: "已记录的信标访问总数",
	}, []string{"tor", "vpn"})

	IdentitiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beaconsoc_identities_created_total",
		Help: "新建的指纹身份总数",
	})

	Enrichments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconsoc_enrichments_total",
		Help: "访问事件回填身份的次数",
	}, []string{"result"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconsoc_storage_errors_total",
		Help: "存储层错误次数",
	}, []string{"operation"})

	TorRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconsoc_tor_refresh_total",
		Help: "TOR 出口节点列表刷新次数",
	}, []string{"result"})

	TorExitNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beaconsoc_tor_exit_nodes",
		Help: "当前缓存的 TOR 出口节点数量",
	})

	GeoLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beaconsoc_geo_lookup_failures_total",
		Help: "地理位置查询失败次数",
	})

	BehaviorComputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconsoc_behavior_computations_total",
		Help: "行为聚合计算次数，source 区分缓存命中和重新计算",
	}, []string{"source"})

	BehaviorScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beaconsoc_behavior_scores",
		Help:    "行为风险分数分布",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	Classifications = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beaconsoc_identities_by_classification",
		Help: "最近一次计算中各分类的身份数量",
	}, []string{"classification"})

	SimilarityScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beaconsoc_similarity_scores",
		Help:    "指纹相似度分数分布",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	AlertsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beaconsoc_alerts_triggered_total",
		Help: "触发的告警总数",
	})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beaconsoc_kafka_messages_total",
		Help: "Kafka 消息处理结果",
	}, []string{"kind", "result"})

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beaconsoc_operation_seconds",
			Help:    "引擎操作耗时",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"operation"},
	)
)

// BoolLabel 布尔标签值
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
