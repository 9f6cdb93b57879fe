// Package metrics holds the Prometheus collectors exported by the engine.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var summaryObjectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001}

// Metrics groups every collector. Create it once per process with New.
type Metrics struct {
	ChannelSendTotal    *prometheus.CounterVec
	ChannelSendDuration *prometheus.SummaryVec
	PassTotal           *prometheus.CounterVec
	PassDuration        prometheus.Summary
	StepOutcomes        *prometheus.CounterVec
	BroadcastRecipients *prometheus.CounterVec
	RedisCommands       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChannelSendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_channel_send_total",
				Help: "Outbound channel calls by channel, operation and status",
			},
			[]string{"channel", "op", "status"},
		),
		ChannelSendDuration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "campaign_channel_send_duration_seconds",
				Help:       "Outbound channel call latency in seconds",
				Objectives: summaryObjectives,
				MaxAge:     5 * time.Minute,
			},
			[]string{"channel", "op"},
		),
		PassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_scheduler_passes_total",
				Help: "Scheduler passes by result",
			},
			[]string{"result"},
		),
		PassDuration: prometheus.NewSummary(
			prometheus.SummaryOpts{
				Name:       "campaign_scheduler_pass_duration_seconds",
				Help:       "Scheduler pass duration in seconds",
				Objectives: summaryObjectives,
			},
		),
		StepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_step_outcomes_total",
				Help: "Executed steps by step type and outcome",
			},
			[]string{"step_type", "outcome"},
		),
		BroadcastRecipients: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_broadcast_recipients_total",
				Help: "Broadcast recipients by channel and status",
			},
			[]string{"channel", "status"},
		),
		RedisCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_redis_commands_total",
				Help: "Redis commands issued by the scheduler lock",
			},
			[]string{"command", "status"},
		),
	}
	reg.MustRegister(
		m.ChannelSendTotal,
		m.ChannelSendDuration,
		m.PassTotal,
		m.PassDuration,
		m.StepOutcomes,
		m.BroadcastRecipients,
		m.RedisCommands,
	)
	return m
}

// Status maps an error to the status label.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RedisHook counts Redis commands. redis.Nil is a normal miss, not an error.
type RedisHook struct {
	m *Metrics
}

func (m *Metrics) RedisHook() *RedisHook { return &RedisHook{m: m} }

func (h *RedisHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *RedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		status := "success"
		if err != nil && !errors.Is(err, redis.Nil) {
			status = "error"
		}
		h.m.RedisCommands.WithLabelValues(cmd.Name(), status).Inc()
		return err
	}
}

func (h *RedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
