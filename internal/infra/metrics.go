package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Saturation: сколько агентов живёт в реестре, по статусам
	Agents *prometheus.GaugeVec

	// Traffic: переходы жизненного цикла
	Transitions *prometheus.CounterVec

	// Санкции антифлуда (удаление из группы)
	FloodSanctions prometheus.Counter

	// Сработавшие команды и гейты вовлечения
	Commands   *prometheus.CounterVec
	Engagement *prometheus.CounterVec

	// Errors: отказы внешних справочников
	LookupErrors *prometheus.CounterVec

	// Состояние Circuit Breaker справочника (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Журнал: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Agents: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_agents",
			Help: "Running agents by lifecycle status.",
		}, []string{"status"}),

		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_status_transitions_total",
			Help: "Total number of agent status transitions.",
		}, []string{"from", "to"}),

		FloodSanctions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "botfleet_flood_sanctions_total",
			Help: "Users removed from groups by the flood guard.",
		}),

		Commands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_commands_total",
			Help: "Dispatched group commands.",
		}, []string{"command"}),

		Engagement: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_engagement_total",
			Help: "Fired engagement gates.",
		}, []string{"gate"}), // sticker, message

		LookupErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_lookup_errors_total",
			Help: "External lookup failures.",
		}, []string{"source"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "botfleet_circuit_breaker_state",
			Help: "Current state of the lookup circuit breaker (0=closed, 1=open).",
		}, []string{"source"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_journal_buffer_utilization",
			Help: "Current number of events in journal buffer.",
		}),
	}
}
