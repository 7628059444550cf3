package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики сервисного слоя.
var (
	signaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_signatures_total",
		Help: "Количество принятых подписей по способу подписания.",
	}, []string{"method"})

	requestTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_request_transitions_total",
		Help: "Переходы запросов на подпись по целевому статусу.",
	}, []string{"status"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_ledger_appends_total",
		Help: "Записи в журнал аудита по действию.",
	}, []string{"action"})

	complianceCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sg_compliance_cache_hits_total",
		Help: "Попадания в кэш отчётов compliance.",
	})

	complianceCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sg_compliance_cache_misses_total",
		Help: "Промахи кэша отчётов compliance.",
	})

	readRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sg_read_retries_total",
		Help: "Повторы чтения при недоступности хранилища.",
	})

	queueProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_queue_processed_total",
		Help: "Обработанные задачи фоновых очередей по результату.",
	}, []string{"queue", "result"})

	queueDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_queue_dropped_total",
		Help: "Задачи, отброшенные из-за переполнения очереди.",
	}, []string{"queue"})
)
