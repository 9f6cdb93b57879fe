package channel

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-engine/internal/metrics"
	"github.com/unclebandit/campaign-engine/internal/model"
)

type timeoutChannel struct {
	next OutboundChannel
	d    time.Duration
}

// WithTimeout bounds every call to next by d.
func WithTimeout(next OutboundChannel, d time.Duration) OutboundChannel {
	if d <= 0 {
		return next
	}
	return &timeoutChannel{next: next, d: d}
}

func (t *timeoutChannel) Send(ctx context.Context, to string, msg model.MessageContent) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Send(ctx, to, msg)
}

func (t *timeoutChannel) Multicast(ctx context.Context, to []string, msg model.MessageContent) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Multicast(ctx, to, msg)
}

type instrumented struct {
	next OutboundChannel
	name string
	m    *metrics.Metrics
}

// Instrument records call counts and latency for next under the given channel name.
func Instrument(next OutboundChannel, name string, m *metrics.Metrics) OutboundChannel {
	if m == nil {
		return next
	}
	return &instrumented{next: next, name: name, m: m}
}

func (i *instrumented) Send(ctx context.Context, to string, msg model.MessageContent) error {
	start := time.Now()
	err := i.next.Send(ctx, to, msg)
	i.observe("send", start, err)
	return err
}

func (i *instrumented) Multicast(ctx context.Context, to []string, msg model.MessageContent) error {
	start := time.Now()
	err := i.next.Multicast(ctx, to, msg)
	i.observe("multicast", start, err)
	return err
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.m.ChannelSendDuration.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
	i.m.ChannelSendTotal.WithLabelValues(i.name, op, metrics.Status(err)).Inc()
}
