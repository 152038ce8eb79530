package pipeline

import (
	"fmt"
	"strings"
	"time"

	"centinela/internal/model"
)

// digestStrings holds the per-locale template fragments. Rendering is
// deterministic: same detections in, same text out.
type digestStrings struct {
	subject       string // args: detection count, severity
	intro         string // args: tenant name, window start, window end
	detectionLine string // args: type, severity, group key, event count, last seen
	footer        string
	severities    map[model.Severity]string
}

var digestLocales = map[string]digestStrings{
	"en": {
		subject:       "[Centinela] %d security detection(s) — max severity %s",
		intro:         "Security summary for %s\nWindow: %s to %s\n",
		detectionLine: "- %s [%s] source %s: %d event(s), last seen %s",
		footer:        "\nThis digest was generated automatically. Review the detections in your dashboard.",
		severities: map[model.Severity]string{
			model.SeverityInfo:     "info",
			model.SeverityLow:      "low",
			model.SeverityMedium:   "medium",
			model.SeverityHigh:     "high",
			model.SeverityCritical: "critical",
		},
	},
	"es": {
		subject:       "[Centinela] %d detección(es) de seguridad — severidad máxima %s",
		intro:         "Resumen de seguridad para %s\nVentana: %s a %s\n",
		detectionLine: "- %s [%s] origen %s: %d evento(s), último visto %s",
		footer:        "\nEste resumen se generó automáticamente. Revise las detecciones en su panel.",
		severities: map[model.Severity]string{
			model.SeverityInfo:     "informativa",
			model.SeverityLow:      "baja",
			model.SeverityMedium:   "media",
			model.SeverityHigh:     "alta",
			model.SeverityCritical: "crítica",
		},
	},
}

// renderDigest produces the digest subject and body for a locale, falling
// back to English for unknown locales.
func renderDigest(locale, tenantName string, severity model.Severity, detections []model.Detection, windowStart, windowEnd time.Time) (subject, body string) {
	strs, ok := digestLocales[locale]
	if !ok {
		strs = digestLocales["en"]
	}

	subject = fmt.Sprintf(strs.subject, len(detections), strs.severities[severity])

	var b strings.Builder
	fmt.Fprintf(&b, strs.intro, tenantName,
		windowStart.UTC().Format(time.RFC3339),
		windowEnd.UTC().Format(time.RFC3339))
	b.WriteString("\n")
	for _, d := range detections {
		fmt.Fprintf(&b, strs.detectionLine,
			d.DetectionType,
			strs.severities[d.Severity],
			d.GroupKey,
			d.EventCount,
			d.LastEventAt.UTC().Format(time.RFC3339))
		b.WriteString("\n")
	}
	b.WriteString(strs.footer)
	return subject, b.String()
}
