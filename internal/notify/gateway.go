// Package notify fans operator alerts out to chat, SMS/voice and email
// channels, and delivers finished reports to requesters by email.
//
// Each channel gets one retry. A second failure is logged and returned as a
// failed DeliveryRecord; it is never surfaced as an error to the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// DefaultRetryDelay is the pause before the single retry.
const DefaultRetryDelay = 2 * time.Second

// Channel sends alerts over one medium.
type Channel interface {
	Name() string
	// Accepts reports whether the channel wants events of this severity.
	Accepts(sev models.Severity) bool
	Send(ctx context.Context, ev models.AlertEvent) error
}

// Gateway dispatches alerts to every configured channel.
type Gateway struct {
	channels   []Channel
	retryDelay time.Duration
	now        func() time.Time
}

// NewGateway creates a Gateway over channels.
func NewGateway(channels ...Channel) *Gateway {
	return &Gateway{channels: channels, retryDelay: DefaultRetryDelay, now: time.Now}
}

// WithRetryDelay sets the pause before the retry.
func (g *Gateway) WithRetryDelay(d time.Duration) *Gateway {
	g.retryDelay = d
	return g
}

// Channels returns the configured channel names.
func (g *Gateway) Channels() []string {
	names := make([]string, 0, len(g.channels))
	for _, c := range g.channels {
		names = append(names, c.Name())
	}
	return names
}

// Notify sends ev to all channels accepting its severity concurrently and
// returns one record per channel tried.
func (g *Gateway) Notify(ctx context.Context, ev models.AlertEvent) []models.DeliveryRecord {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now().UTC()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		records []models.DeliveryRecord
	)
	for _, ch := range g.channels {
		if !ch.Accepts(ev.Severity) {
			continue
		}
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			rec := g.send(ctx, ch, ev)
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	if len(records) == 0 {
		log.Warn().Str("kind", string(ev.Kind)).Str("title", ev.Title).Msg("notify: no channel accepted alert")
	}
	return records
}

func (g *Gateway) send(ctx context.Context, ch Channel, ev models.AlertEvent) models.DeliveryRecord {
	rec := models.DeliveryRecord{Channel: ch.Name()}

	err := ch.Send(ctx, ev)
	rec.Attempts = 1
	if err != nil {
		log.Warn().Err(err).Str("channel", ch.Name()).Str("kind", string(ev.Kind)).Msg("notify: send failed, retrying once")
		select {
		case <-ctx.Done():
		case <-time.After(g.retryDelay):
			err = ch.Send(ctx, ev)
			rec.Attempts = 2
		}
	}
	rec.Timestamp = g.now().UTC()

	if err != nil {
		rec.Status = models.DeliveryFailed
		rec.Error = err.Error()
		log.Error().Err(err).Str("channel", ch.Name()).Str("kind", string(ev.Kind)).
			Int("attempts", rec.Attempts).Msg("notify: alert delivery failed")
	} else {
		rec.Status = models.DeliveryDelivered
		log.Info().Str("channel", ch.Name()).Str("kind", string(ev.Kind)).Msg("notify: alert delivered")
	}
	metrics.Notifications.WithLabelValues(ch.Name(), string(rec.Status)).Inc()
	return rec
}

// severityRank orders severities for threshold filters.
func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// atLeast reports whether s is min or more severe.
func atLeast(s, min models.Severity) bool {
	return severityRank(s) >= severityRank(min)
}
