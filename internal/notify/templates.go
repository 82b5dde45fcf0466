package notify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"impersonation-detector/internal/models"
)

// Template ids understood by Render.
const (
	TemplateImpersonationAlert = "impersonation_alert"
	TemplateAutoResponse       = "auto_response_taken"
	TemplateReviewRequested    = "review_requested"
	TemplateGeneric            = "generic"
)

type template struct {
	subject string
	body    string
}

var templates = map[string]template{
	TemplateImpersonationAlert: {
		subject: "Possible impersonation of @{{target_username}}",
		body: "@{{suspect_username}} looks like an impersonation of @{{target_username}}.\n" +
			"Score {{score}} (confidence {{confidence}}), action {{action}}.\n" +
			"{{reasoning}}\n" +
			"Review: {{review_url}}",
	},
	TemplateAutoResponse: {
		subject: "Action taken against @{{suspect_username}}",
		body: "@{{suspect_username}} scored {{score}} against @{{target_username}} and was reported automatically.\n" +
			"{{reasoning}}\n" +
			"Review or undo: {{review_url}}",
	},
	TemplateReviewRequested: {
		subject: "Review requested: @{{suspect_username}}",
		body:    "A possible impersonation of @{{target_username}} by @{{suspect_username}} (score {{score}}) is waiting for review.\n{{review_url}}",
	},
	TemplateGeneric: {
		subject: "Impersonation detector alert",
		body:    "Detection {{detection_id}} needs your attention.\n{{review_url}}",
	},
}

// maxRunes caps the rendered body per channel. Channels absent here are not truncated.
var maxRunes = map[models.Channel]int{
	models.ChannelSlack:   3000,
	models.ChannelDiscord: 2000,
	models.ChannelDM:      10000,
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Rendered is a message ready for an adapter.
type Rendered struct {
	TemplateID string
	Subject    string
	Body       string
}

// Render fills templateID with data and truncates the body for channel.
// Unknown templates fall back to the generic one; missing keys render empty.
func Render(templateID string, data map[string]any, channel models.Channel) Rendered {
	tpl, ok := templates[templateID]
	if !ok {
		templateID = TemplateGeneric
		tpl = templates[TemplateGeneric]
	}
	out := Rendered{
		TemplateID: templateID,
		Subject:    substitute(tpl.subject, data),
		Body:       strings.TrimSpace(collapseBlankLines(substitute(tpl.body, data))),
	}
	if limit, ok := maxRunes[channel]; ok {
		out.Body = truncate(out.Body, limit)
	}
	return out
}

func substitute(s string, data map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return formatValue(data[key])
	})
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', 2, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 2, 32)
	case []string:
		return strings.Join(val, "\n")
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, formatValue(p))
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(val)
	}
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n") {
		s = strings.ReplaceAll(s, "\n\n", "\n")
	}
	return s
}

// truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
