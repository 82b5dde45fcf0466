package models

import "time"

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
	ChannelDM      Channel = "dm"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every channel in default preference order.
var Channels = []Channel{ChannelEmail, ChannelSlack, ChannelDiscord, ChannelDM, ChannelWebhook}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Priority orders notifications; critical bypasses quiet hours and throttling.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight for p.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// NotificationJob is derived 1:1 from an alerting DetectionEvent.
type NotificationJob struct {
	DeliveryID       string         `json:"delivery_id"`
	DetectionEventID string         `json:"detection_event_id,omitempty"`
	Recipient        string         `json:"recipient"`
	Channel          Channel        `json:"channel"`
	Priority         Priority       `json:"priority"`
	TemplateID       string         `json:"template_id"`
	Data             map[string]any `json:"data"`
	RetryCount       int            `json:"retry_count"`
}

// DispatchResult is the outcome of one delivery attempt.
type DispatchResult struct {
	Success     bool          `json:"success"`
	MessageID   string        `json:"message_id,omitempty"`
	Channel     Channel       `json:"channel,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	Retryable   bool          `json:"retryable"`
	Deferred    bool          `json:"deferred,omitempty"`
	Throttled   bool          `json:"throttled,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

// EncryptedSecret is the persisted form of a third-party token.
type EncryptedSecret struct {
	IVHex         string `json:"iv"`
	AuthTagHex    string `json:"auth_tag"`
	CipherTextHex string `json:"cipher_text"`
}

// QuietHours is a daily window, in the recipient's time zone, during which only
// critical notifications are delivered. Start after End wraps past midnight.
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	TimeZone string `json:"time_zone"`
}

// Preferences are a recipient's delivery settings.
type Preferences struct {
	Recipient string `json:"recipient"`
	// Enabled lists channels the recipient accepts. A channel absent from the map is disabled.
	Enabled map[Channel]bool `json:"enabled"`
	// Order ranks channels for downgrade; Channels order is used when empty.
	Order []Channel `json:"order,omitempty"`
	// Addresses holds the per-channel destination: mail address, webhook URL or platform user id.
	Addresses    map[Channel]string `json:"addresses"`
	QuietHours   *QuietHours        `json:"quiet_hours,omitempty"`
	MaxPerWindow int                `json:"max_per_window,omitempty"`
}

// PreferencesPatch is a partial update. Nil fields and absent map keys keep the stored value.
type PreferencesPatch struct {
	Enabled         map[Channel]bool   `json:"enabled,omitempty"`
	Order           []Channel          `json:"order,omitempty"`
	Addresses       map[Channel]string `json:"addresses,omitempty"`
	QuietHours      *QuietHours        `json:"quiet_hours,omitempty"`
	ClearQuietHours bool               `json:"clear_quiet_hours,omitempty"`
	MaxPerWindow    *int               `json:"max_per_window,omitempty"`
}

// Merge applies patch over p and returns the result; p is not modified.
func (p Preferences) Merge(patch PreferencesPatch) Preferences {
	out := p
	out.Enabled = make(map[Channel]bool, len(p.Enabled)+len(patch.Enabled))
	for c, on := range p.Enabled {
		out.Enabled[c] = on
	}
	for c, on := range patch.Enabled {
		out.Enabled[c] = on
	}
	out.Addresses = make(map[Channel]string, len(p.Addresses)+len(patch.Addresses))
	for c, a := range p.Addresses {
		out.Addresses[c] = a
	}
	for c, a := range patch.Addresses {
		if a == "" {
			delete(out.Addresses, c)
			continue
		}
		out.Addresses[c] = a
	}
	if patch.Order != nil {
		out.Order = append([]Channel(nil), patch.Order...)
	} else {
		out.Order = append([]Channel(nil), p.Order...)
	}
	switch {
	case patch.ClearQuietHours:
		out.QuietHours = nil
	case patch.QuietHours != nil:
		qh := *patch.QuietHours
		out.QuietHours = &qh
	}
	if patch.MaxPerWindow != nil {
		out.MaxPerWindow = *patch.MaxPerWindow
	}
	return out
}

// ChannelOrder returns the downgrade order for p.
func (p Preferences) ChannelOrder() []Channel {
	if len(p.Order) > 0 {
		return p.Order
	}
	return Channels
}
