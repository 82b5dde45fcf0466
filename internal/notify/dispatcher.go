// Package notify turns alerting detections into delivered notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/notify/channels"
	"impersonation-detector/internal/ratelimit"
	"impersonation-detector/internal/store"
	"impersonation-detector/internal/telemetry"
)

// PreferenceStore loads a recipient's delivery settings. A missing row is store.ErrNotFound.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, recipient string) (models.Preferences, error)
}

// Limiter counts deliveries per recipient and channel.
type Limiter interface {
	CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (ratelimit.Result, error)
}

// Dispatcher delivers NotificationJobs through the recipient's preferred channel.
type Dispatcher struct {
	cfg      config.NotifyConfig
	prefs    PreferenceStore
	limiter  Limiter
	ledger   *Ledger
	adapters map[models.Channel]channels.Adapter
	log      zerolog.Logger
	now      func() time.Time
}

// NewDispatcher wires the dispatcher. Channels without an adapter are treated as unavailable.
func NewDispatcher(cfg config.NotifyConfig, prefs PreferenceStore, limiter Limiter, ledger *Ledger, adapters map[models.Channel]channels.Adapter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		prefs:    prefs,
		limiter:  limiter,
		ledger:   ledger,
		adapters: adapters,
		log:      log.With().Str("component", "notify").Logger(),
		now:      time.Now,
	}
}

// Dispatch runs one delivery attempt. It never returns an error; the outcome, including whether
// a retry may help, is described by the result.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.NotificationJob) models.DispatchResult {
	log := d.log.With().Str("delivery_id", job.DeliveryID).Str("recipient", job.Recipient).Logger()

	if strings.TrimSpace(job.DeliveryID) == "" || strings.TrimSpace(job.Recipient) == "" {
		return d.drop(job.Channel, "delivery id and recipient are required")
	}

	if res, ok := d.alreadyDelivered(ctx, job.DeliveryID, log); ok {
		return res
	}
	lock, err := d.ledger.Acquire(ctx, job.DeliveryID)
	if err != nil {
		return models.DispatchResult{Error: err.Error(), Retryable: true}
	}
	defer func() {
		// Release with a fresh context so cancellation does not leave the lock held.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()
	// Another worker may have delivered between the lookup and the lock.
	if res, ok := d.alreadyDelivered(ctx, job.DeliveryID, log); ok {
		return res
	}

	prefs, err := d.preferences(ctx, job.Recipient)
	if err != nil {
		log.Error().Err(err).Msg("load notification preferences")
		return models.DispatchResult{Error: err.Error(), Retryable: true}
	}

	channel, ok := d.selectChannel(prefs, job.Channel)
	if !ok {
		log.Warn().Str("requested", string(job.Channel)).Msg("no enabled channel for recipient; dropping notification")
		return d.drop(job.Channel, "no enabled channel for recipient")
	}
	if channel != job.Channel && job.Channel != "" {
		log.Info().Str("requested", string(job.Channel)).Str("channel", string(channel)).Msg("channel downgraded")
	}
	log = log.With().Str("channel", string(channel)).Logger()

	critical := job.Priority == models.PriorityCritical
	if !critical {
		remaining, err := quietRemaining(prefs.QuietHours, d.now())
		if err != nil {
			log.Warn().Err(err).Msg("ignoring invalid quiet hours")
		}
		if remaining > 0 {
			log.Info().Dur("retry_after", remaining).Msg("quiet hours; deferring notification")
			telemetry.Notifications.WithLabelValues(string(channel), "deferred").Inc()
			return models.DispatchResult{Channel: channel, Deferred: true, RetryAfter: remaining}
		}
	}

	address := resolveAddress(prefs, channel, job.Recipient)
	if address == "" {
		return d.drop(channel, fmt.Sprintf("no %s address for recipient", channel))
	}
	adapter, ok := d.adapters[channel]
	if !ok {
		return d.drop(channel, fmt.Sprintf("channel %s is not configured", channel))
	}

	if !critical && d.throttled(ctx, job.DeliveryID, job.Recipient, channel, prefs, log) {
		telemetry.Notifications.WithLabelValues(string(channel), "throttled").Inc()
		return models.DispatchResult{Channel: channel, Error: "throttled", Throttled: true}
	}

	msg := Render(job.TemplateID, job.Data, channel)
	if msg.TemplateID != job.TemplateID {
		log.Debug().Str("template", job.TemplateID).Msg("unknown template; using generic")
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout())
	defer cancel()
	messageID, err := adapter.Send(sendCtx, channels.Message{
		DeliveryID: job.DeliveryID,
		To:         address,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Priority:   job.Priority,
	})
	if err != nil {
		retryable := models.IsRetryable(err)
		log.Warn().Err(err).Bool("retryable", retryable).Int("retry_count", job.RetryCount).Msg("notification send failed")
		telemetry.Notifications.WithLabelValues(string(channel), "failed").Inc()
		return models.DispatchResult{Channel: channel, Error: err.Error(), Retryable: retryable}
	}

	deliveredAt := d.now().UTC()
	if err := d.ledger.Record(ctx, job.DeliveryID, Delivery{MessageID: messageID, Channel: channel, DeliveredAt: deliveredAt}); err != nil {
		log.Error().Err(err).Msg("record delivered marker")
	}
	telemetry.Notifications.WithLabelValues(string(channel), "sent").Inc()
	log.Info().Str("message_id", messageID).Msg("notification delivered")
	return models.DispatchResult{Success: true, MessageID: messageID, Channel: channel, DeliveredAt: &deliveredAt}
}

func (d *Dispatcher) alreadyDelivered(ctx context.Context, id string, log zerolog.Logger) (models.DispatchResult, bool) {
	prior, err := d.ledger.Lookup(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("delivery ledger lookup failed")
		return models.DispatchResult{}, false
	}
	if prior == nil {
		return models.DispatchResult{}, false
	}
	telemetry.Notifications.WithLabelValues(string(prior.Channel), "duplicate").Inc()
	at := prior.DeliveredAt
	return models.DispatchResult{Success: true, MessageID: prior.MessageID, Channel: prior.Channel, DeliveredAt: &at}, true
}

func (d *Dispatcher) drop(channel models.Channel, reason string) models.DispatchResult {
	telemetry.Notifications.WithLabelValues(string(channel), "dropped").Inc()
	return models.DispatchResult{Channel: channel, Error: reason, Retryable: false}
}

// preferences returns stored settings, or defaults enabling only the configured default channel.
func (d *Dispatcher) preferences(ctx context.Context, recipient string) (models.Preferences, error) {
	p, err := d.prefs.GetPreferences(ctx, recipient)
	if errors.Is(err, store.ErrNotFound) {
		return models.Preferences{
			Recipient: recipient,
			Enabled:   map[models.Channel]bool{d.defaultChannel(): true},
		}, nil
	}
	return p, err
}

func (d *Dispatcher) defaultChannel() models.Channel {
	if c := models.Channel(d.cfg.DefaultChannel); c.Valid() {
		return c
	}
	return models.ChannelEmail
}

// selectChannel keeps the requested channel when enabled, otherwise downgrades to the first
// enabled channel in the recipient's order.
func (d *Dispatcher) selectChannel(p models.Preferences, requested models.Channel) (models.Channel, bool) {
	if requested == "" {
		requested = d.defaultChannel()
	}
	if p.Enabled[requested] {
		return requested, true
	}
	for _, c := range p.ChannelOrder() {
		if p.Enabled[c] {
			return c, true
		}
	}
	return "", false
}

// throttled charges the delivery against the recipient's window for channel. A delivery already
// charged by an earlier attempt is never throttled again.
func (d *Dispatcher) throttled(ctx context.Context, deliveryID, recipient string, channel models.Channel, p models.Preferences, log zerolog.Logger) bool {
	if d.limiter == nil {
		return false
	}
	limit := p.MaxPerWindow
	if limit <= 0 {
		limit = d.cfg.MaxPerWindow
	}
	window := d.cfg.ThrottleWindow
	if limit <= 0 || window <= 0 {
		return false
	}
	first, err := d.ledger.MarkCounted(ctx, deliveryID, window)
	if err != nil {
		log.Warn().Err(err).Msg("throttle marker failed; counting this attempt")
	} else if !first {
		return false
	}
	res, err := d.limiter.CheckLimit(ctx, fmt.Sprintf("notify:%s:%s", recipient, channel), limit, window)
	if err != nil {
		log.Warn().Err(err).Msg("notification throttle check failed; sending anyway")
		return false
	}
	if !res.Allowed {
		log.Warn().Int64("count", res.Count).Int("limit", limit).Time("reset_at", res.ResetTime).Msg("notification throttled")
		return true
	}
	return false
}

func (d *Dispatcher) adapterTimeout() time.Duration {
	if d.cfg.AdapterTimeout > 0 {
		return d.cfg.AdapterTimeout
	}
	return 10 * time.Second
}

// resolveAddress returns the destination for channel. Email falls back to the recipient when it is
// an address and DM falls back to the recipient's platform user id.
func resolveAddress(p models.Preferences, channel models.Channel, recipient string) string {
	if a := strings.TrimSpace(p.Addresses[channel]); a != "" {
		return a
	}
	switch channel {
	case models.ChannelEmail:
		if strings.Contains(recipient, "@") {
			return recipient
		}
	case models.ChannelDM:
		return recipient
	}
	return ""
}
