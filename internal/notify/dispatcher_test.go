package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/notify/channels"
	"impersonation-detector/internal/ratelimit"
	"impersonation-detector/internal/store"
)

type fakePrefs struct {
	prefs map[string]models.Preferences
	err   error
}

func (f *fakePrefs) GetPreferences(_ context.Context, recipient string) (models.Preferences, error) {
	if f.err != nil {
		return models.Preferences{}, f.err
	}
	p, ok := f.prefs[recipient]
	if !ok {
		return models.Preferences{}, fmt.Errorf("preferences for %s: %w", recipient, store.ErrNotFound)
	}
	return p, nil
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []channels.Message
	err  error
}

func (f *fakeAdapter) Send(_ context.Context, msg channels.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	d        *Dispatcher
	prefs    *fakePrefs
	adapters map[models.Channel]*fakeAdapter
	ledger   *Ledger
	mr       *miniredis.Miniredis
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		prefs:    &fakePrefs{prefs: map[string]models.Preferences{}},
		adapters: map[models.Channel]*fakeAdapter{},
		mr:       mr,
	}
	wired := map[models.Channel]channels.Adapter{}
	for _, c := range models.Channels {
		a := &fakeAdapter{}
		h.adapters[c] = a
		wired[c] = a
	}
	cfg := config.NotifyConfig{
		DefaultChannel:  "email",
		MaxPerWindow:    10,
		ThrottleWindow:  time.Hour,
		DeliveryLockTTL: 5 * time.Second,
		DeliveredTTL:    time.Hour,
		AdapterTimeout:  time.Second,
	}
	h.ledger = NewLedger(client, cfg.DeliveryLockTTL, cfg.DeliveredTTL)
	limiter := ratelimit.NewFixedWindow(client, "rl").WithClock(func() time.Time { return fixedNow })
	h.d = NewDispatcher(cfg, h.prefs, limiter, h.ledger, wired, zerolog.Nop())
	h.d.now = func() time.Time { return fixedNow }
	return h
}

func job(id string, channel models.Channel, priority models.Priority) models.NotificationJob {
	return models.NotificationJob{
		DeliveryID: id,
		Recipient:  "owner-1",
		Channel:    channel,
		Priority:   priority,
		TemplateID: TemplateImpersonationAlert,
		Data:       map[string]any{"suspect_username": "faker", "target_username": "real", "score": 0.91},
	}
}

func TestDispatchDeliversAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:   map[models.Channel]bool{models.ChannelSlack: true},
		Addresses: map[models.Channel]string{models.ChannelSlack: "https://hooks.example/abc"},
	}

	res := h.d.Dispatch(context.Background(), job("d-1", models.ChannelSlack, models.PriorityHigh))
	if !res.Success || res.MessageID != "msg-1" || res.Channel != models.ChannelSlack || res.DeliveredAt == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := h.adapters[models.ChannelSlack].sent[0]
	if sent.To != "https://hooks.example/abc" || sent.Subject != "Possible impersonation of @real" {
		t.Fatalf("unexpected message %+v", sent)
	}
	if !strings.Contains(sent.Body, "Score 0.91") {
		t.Fatalf("expected rendered score in body: %q", sent.Body)
	}

	again := h.d.Dispatch(context.Background(), job("d-1", models.ChannelSlack, models.PriorityHigh))
	if !again.Success || again.MessageID != "msg-1" {
		t.Fatalf("expected original message id on retry, got %+v", again)
	}
	if n := h.adapters[models.ChannelSlack].count(); n != 1 {
		t.Fatalf("expected a single send, got %d", n)
	}
}

func TestDispatchDowngradesChannel(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:   map[models.Channel]bool{models.ChannelSlack: false, models.ChannelDiscord: true, models.ChannelWebhook: true},
		Order:     []models.Channel{models.ChannelWebhook, models.ChannelDiscord},
		Addresses: map[models.Channel]string{models.ChannelDiscord: "https://discord.example/w", models.ChannelWebhook: "https://hook.example"},
	}

	res := h.d.Dispatch(context.Background(), job("d-2", models.ChannelSlack, models.PriorityMedium))
	if !res.Success || res.Channel != models.ChannelWebhook {
		t.Fatalf("expected downgrade to webhook, got %+v", res)
	}
	if h.adapters[models.ChannelSlack].count() != 0 || h.adapters[models.ChannelWebhook].count() != 1 {
		t.Fatalf("wrong adapter used")
	}
}

func TestDispatchNoEnabledChannelDrops(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{Enabled: map[models.Channel]bool{models.ChannelEmail: false}}

	res := h.d.Dispatch(context.Background(), job("d-3", models.ChannelEmail, models.PriorityCritical))
	if res.Success || res.Retryable || res.Error == "" {
		t.Fatalf("expected permanent drop, got %+v", res)
	}
}

func TestDispatchDefaultPreferences(t *testing.T) {
	h := newHarness(t)
	j := job("d-4", models.ChannelSlack, models.PriorityHigh)
	j.Recipient = "owner@example.com"

	res := h.d.Dispatch(context.Background(), j)
	if !res.Success || res.Channel != models.ChannelEmail {
		t.Fatalf("expected default email delivery, got %+v", res)
	}
	if to := h.adapters[models.ChannelEmail].sent[0].To; to != "owner@example.com" {
		t.Fatalf("unexpected address %q", to)
	}
}

func TestDispatchPreferenceStoreErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.prefs.err = errors.New("connection refused")

	res := h.d.Dispatch(context.Background(), job("d-5", models.ChannelEmail, models.PriorityHigh))
	if res.Success || !res.Retryable {
		t.Fatalf("expected retryable failure, got %+v", res)
	}
}

func TestDispatchQuietHours(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:    map[models.Channel]bool{models.ChannelDM: true},
		QuietHours: &models.QuietHours{Start: "11:00", End: "13:30", TimeZone: "UTC"},
	}

	res := h.d.Dispatch(context.Background(), job("d-6", models.ChannelDM, models.PriorityHigh))
	if res.Success || !res.Deferred || res.RetryAfter != 90*time.Minute {
		t.Fatalf("expected deferral for 90m, got %+v", res)
	}
	if h.adapters[models.ChannelDM].count() != 0 {
		t.Fatalf("deferred notification must not be sent")
	}

	res = h.d.Dispatch(context.Background(), job("d-7", models.ChannelDM, models.PriorityCritical))
	if !res.Success {
		t.Fatalf("critical should bypass quiet hours, got %+v", res)
	}
	if to := h.adapters[models.ChannelDM].sent[0].To; to != "owner-1" {
		t.Fatalf("dm should fall back to the recipient id, got %q", to)
	}
}

func TestDispatchThrottle(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:      map[models.Channel]bool{models.ChannelDM: true},
		MaxPerWindow: 2,
	}

	for i := 0; i < 2; i++ {
		if res := h.d.Dispatch(context.Background(), job(fmt.Sprintf("t-%d", i), models.ChannelDM, models.PriorityLow)); !res.Success {
			t.Fatalf("send %d should pass, got %+v", i, res)
		}
	}
	res := h.d.Dispatch(context.Background(), job("t-2", models.ChannelDM, models.PriorityLow))
	if res.Success || res.Retryable || !res.Throttled {
		t.Fatalf("expected throttled drop, got %+v", res)
	}
	res = h.d.Dispatch(context.Background(), job("t-3", models.ChannelDM, models.PriorityCritical))
	if !res.Success {
		t.Fatalf("critical should bypass throttling, got %+v", res)
	}
	if n := h.adapters[models.ChannelDM].count(); n != 3 {
		t.Fatalf("expected 3 sends, got %d", n)
	}
}

func TestDispatchRetryAfterFailedSendIsNotThrottled(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:      map[models.Channel]bool{models.ChannelWebhook: true},
		Addresses:    map[models.Channel]string{models.ChannelWebhook: "https://hook.example"},
		MaxPerWindow: 1,
	}
	adapter := h.adapters[models.ChannelWebhook]

	adapter.err = &models.TransientUpstreamError{Service: "webhook", Err: errors.New("502")}
	res := h.d.Dispatch(context.Background(), job("r-1", models.ChannelWebhook, models.PriorityHigh))
	if res.Success || !res.Retryable || res.Throttled {
		t.Fatalf("expected retryable failure, got %+v", res)
	}

	adapter.err = nil
	res = h.d.Dispatch(context.Background(), job("r-1", models.ChannelWebhook, models.PriorityHigh))
	if !res.Success {
		t.Fatalf("retry of the same delivery should send, got %+v", res)
	}
	if n := adapter.count(); n != 1 {
		t.Fatalf("expected 1 send, got %d", n)
	}

	// The window is still charged once, so a different delivery is throttled.
	res = h.d.Dispatch(context.Background(), job("r-2", models.ChannelWebhook, models.PriorityHigh))
	if !res.Throttled {
		t.Fatalf("expected second delivery to be throttled, got %+v", res)
	}
}

func TestDispatchDroppedDeliveryDoesNotChargeWindow(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:      map[models.Channel]bool{models.ChannelSlack: true},
		MaxPerWindow: 1,
	}

	res := h.d.Dispatch(context.Background(), job("x-1", models.ChannelSlack, models.PriorityHigh))
	if res.Success || res.Retryable || res.Throttled {
		t.Fatalf("expected drop for missing address, got %+v", res)
	}

	p := h.prefs.prefs["owner-1"]
	p.Addresses = map[models.Channel]string{models.ChannelSlack: "https://hooks.example/abc"}
	h.prefs.prefs["owner-1"] = p
	res = h.d.Dispatch(context.Background(), job("x-2", models.ChannelSlack, models.PriorityHigh))
	if !res.Success {
		t.Fatalf("expected delivery after address was added, got %+v", res)
	}
}

func TestDispatchAdapterErrors(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{
		Enabled:   map[models.Channel]bool{models.ChannelWebhook: true},
		Addresses: map[models.Channel]string{models.ChannelWebhook: "https://hook.example"},
	}
	adapter := h.adapters[models.ChannelWebhook]

	adapter.err = &models.TransientUpstreamError{Service: "webhook", Err: errors.New("502")}
	res := h.d.Dispatch(context.Background(), job("e-1", models.ChannelWebhook, models.PriorityHigh))
	if res.Success || !res.Retryable {
		t.Fatalf("expected retryable failure, got %+v", res)
	}

	adapter.err = nil
	res = h.d.Dispatch(context.Background(), job("e-1", models.ChannelWebhook, models.PriorityHigh))
	if !res.Success {
		t.Fatalf("retry should deliver, got %+v", res)
	}

	adapter.err = &models.PermanentRejectionError{Reason: "gone"}
	res = h.d.Dispatch(context.Background(), job("e-2", models.ChannelWebhook, models.PriorityHigh))
	if res.Success || res.Retryable {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}

func TestDispatchMissingAddressIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{Enabled: map[models.Channel]bool{models.ChannelSlack: true}}

	res := h.d.Dispatch(context.Background(), job("m-1", models.ChannelSlack, models.PriorityHigh))
	if res.Success || res.Retryable {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}

func TestDispatchConcurrentDeliveryLocked(t *testing.T) {
	h := newHarness(t)
	h.prefs.prefs["owner-1"] = models.Preferences{Enabled: map[models.Channel]bool{models.ChannelDM: true}}

	lock, err := h.ledger.Acquire(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release(context.Background())

	res := h.d.Dispatch(context.Background(), job("c-1", models.ChannelDM, models.PriorityHigh))
	if res.Success || !res.Retryable || res.Error != ErrDeliveryInProgress.Error() {
		t.Fatalf("expected in-progress retry, got %+v", res)
	}
}

func TestDispatchRejectsEmptyDeliveryID(t *testing.T) {
	h := newHarness(t)
	res := h.d.Dispatch(context.Background(), job("", models.ChannelEmail, models.PriorityHigh))
	if res.Success || res.Retryable {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		score, confidence float64
		want              models.Priority
	}{
		{0.95, 0.95, models.PriorityCritical},
		{0.9, 0.9, models.PriorityCritical},
		{0.95, 0.85, models.PriorityHigh},
		{0.7, 0.8, models.PriorityHigh},
		{0.7, 0.79, models.PriorityMedium},
		{0.5, 0.6, models.PriorityMedium},
		{0.5, 0.59, models.PriorityLow},
		{0.2, 0.99, models.PriorityLow},
	}
	for _, tc := range cases {
		if got := ClassifyPriority(tc.score, tc.confidence); got != tc.want {
			t.Fatalf("ClassifyPriority(%v, %v) = %s, want %s", tc.score, tc.confidence, got, tc.want)
		}
	}
}

func TestQuietRemaining(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	overnight := &models.QuietHours{Start: "22:00", End: "07:00", TimeZone: "America/New_York"}

	cases := []struct {
		name string
		qh   *models.QuietHours
		now  time.Time
		want time.Duration
	}{
		{"nil", nil, fixedNow, 0},
		{"before midnight", overnight, time.Date(2026, 3, 10, 23, 30, 0, 0, ny), 7*time.Hour + 30*time.Minute},
		{"after midnight", overnight, time.Date(2026, 3, 11, 6, 0, 0, 0, ny), time.Hour},
		{"outside", overnight, time.Date(2026, 3, 11, 12, 0, 0, 0, ny), 0},
		{"at end", overnight, time.Date(2026, 3, 11, 7, 0, 0, 0, ny), 0},
		{"same day", &models.QuietHours{Start: "09:00", End: "17:00"}, time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC), time.Hour},
		{"disabled", &models.QuietHours{Start: "09:00", End: "09:00"}, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), 0},
		// 2026-03-08 clocks in New York jump from 02:00 EST to 03:00 EDT.
		{"spring forward end", &models.QuietHours{Start: "00:00", End: "06:00", TimeZone: "America/New_York"}, time.Date(2026, 3, 8, 6, 30, 0, 0, time.UTC), 3*time.Hour + 30*time.Minute},
		{"spring forward inside", &models.QuietHours{Start: "03:00", End: "04:00", TimeZone: "America/New_York"}, time.Date(2026, 3, 8, 7, 30, 0, 0, time.UTC), 30 * time.Minute},
	}
	for _, tc := range cases {
		got, err := quietRemaining(tc.qh, tc.now)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}

	for _, bad := range []*models.QuietHours{
		{Start: "25:00", End: "07:00"},
		{Start: "22:00", End: "7"},
		{Start: "22:00", End: "07:00", TimeZone: "Mars/Olympus"},
	} {
		if _, err := quietRemaining(bad, fixedNow); err == nil {
			t.Fatalf("expected error for %+v", bad)
		}
	}
}

func TestRender(t *testing.T) {
	r := Render(TemplateImpersonationAlert, map[string]any{
		"suspect_username": "faker",
		"target_username":  "real",
		"score":            0.876,
		"confidence":       0.9,
		"action":           "flag_high",
		"reasoning":        []any{"username nearly identical", "profile image matches"},
		"review_url":       "https://dash.example/d/1",
	}, models.ChannelEmail)

	want := "@faker looks like an impersonation of @real.\nScore 0.88 (confidence 0.90), action flag_high.\nusername nearly identical\nprofile image matches\nReview: https://dash.example/d/1"
	if r.Body != want {
		t.Fatalf("unexpected body:\n%s\nwant:\n%s", r.Body, want)
	}
	if r.Subject != "Possible impersonation of @real" {
		t.Fatalf("unexpected subject %q", r.Subject)
	}
}

func TestRenderUnknownTemplateFallsBack(t *testing.T) {
	r := Render("does_not_exist", map[string]any{"detection_id": "det-9"}, models.ChannelSlack)
	if r.TemplateID != TemplateGeneric || !strings.Contains(r.Body, "det-9") {
		t.Fatalf("expected generic template, got %+v", r)
	}
}

func TestRenderTruncatesPerChannel(t *testing.T) {
	long := strings.Repeat("é", 5000)
	data := map[string]any{"detection_id": long}

	discord := Render(TemplateGeneric, data, models.ChannelDiscord)
	if n := utf8.RuneCountInString(discord.Body); n != 2000 {
		t.Fatalf("discord body should be 2000 runes, got %d", n)
	}
	if !utf8.ValidString(discord.Body) || !strings.HasSuffix(discord.Body, "…") {
		t.Fatalf("truncated body should be valid and marked")
	}
	slack := Render(TemplateGeneric, data, models.ChannelSlack)
	if n := utf8.RuneCountInString(slack.Body); n != 3000 {
		t.Fatalf("slack body should be 3000 runes, got %d", n)
	}
	email := Render(TemplateGeneric, data, models.ChannelEmail)
	if utf8.RuneCountInString(email.Body) < 5000 {
		t.Fatalf("email body should not be truncated")
	}
}
