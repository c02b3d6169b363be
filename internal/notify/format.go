package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

var severityIcon = map[models.Severity]string{
	models.SeverityInfo:     "ℹ️",
	models.SeverityWarning:  "⚠️",
	models.SeverityCritical: "🚨",
}

// FormatText renders an alert as plain text with sorted fields.
func FormatText(ev models.AlertEvent) string {
	var b strings.Builder
	if icon, ok := severityIcon[ev.Severity]; ok {
		b.WriteString(icon)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(ev.Severity)), ev.Title)
	if ev.Message != "" {
		b.WriteString("\n")
		b.WriteString(ev.Message)
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, ev.Fields[k])
	}
	return b.String()
}

// FormatShort renders an alert for SMS and voice.
func FormatShort(ev models.AlertEvent) string {
	msg := fmt.Sprintf("Herald %s: %s", strings.ToUpper(string(ev.Severity)), ev.Title)
	if ev.Message != "" {
		msg += ". " + ev.Message
	}
	if len(msg) > 300 {
		msg = msg[:297] + "..."
	}
	return msg
}
