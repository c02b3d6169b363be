package pipeline

import (
	"fmt"
	"strings"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

const systemPrompt = "You are a senior market research analyst. Write a factual, well structured " +
	"report in markdown. Use '# ' for the report title and '## ' for each section. " +
	"Begin with an Executive Summary section. Write N/A for a section with no supporting data."

var tierSections = map[models.PlanTier][]string{
	models.TierStandard: {
		"Executive Summary", "Key Trends", "Opportunities", "Risks", "Recommendations",
	},
	models.TierPremium: {
		"Executive Summary", "Market Overview", "Key Trends", "Competitive Landscape",
		"Opportunities", "Risks", "Outlook", "Recommendations",
	},
}

// buildPrompt assembles the analysis prompt for topic from docs.
func buildPrompt(topic string, tier models.PlanTier, docs []models.Document) (string, string) {
	sections, ok := tierSections[tier]
	if !ok {
		sections = tierSections[models.TierStandard]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", topic)
	fmt.Fprintf(&b, "Required sections: %s\n\n", strings.Join(sections, ", "))
	for i, d := range docs {
		fmt.Fprintf(&b, "--- Source %d: %s (%s)\n%s\n\n", i+1, d.Title, d.Source, d.Body)
	}
	return systemPrompt, b.String()
}

// parseArtifact splits markdown into a title and sections on '#'/'##'
// headings. The Executive Summary section, or the first section if there is
// none, becomes the summary and is removed from the returned sections.
func parseArtifact(text, fallbackTitle string) (string, string, []models.Section) {
	var (
		title    string
		sections []models.Section
		cur      *models.Section
		body     strings.Builder
	)
	flush := func() {
		if cur != nil {
			cur.Content = strings.TrimSpace(body.String())
			sections = append(sections, *cur)
		}
		body.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## "):
			flush()
			cur = &models.Section{Title: strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))}
		case strings.HasPrefix(trimmed, "# ") && title == "" && cur == nil:
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		case strings.HasPrefix(trimmed, "# "):
			flush()
			cur = &models.Section{Title: strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))}
		default:
			if cur == nil && trimmed == "" {
				continue
			}
			if cur == nil {
				cur = &models.Section{Title: "Overview"}
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()

	if title == "" {
		title = fallbackTitle
	}
	if len(sections) == 0 {
		return title, "", nil
	}
	idx := 0
	for i, s := range sections {
		if strings.EqualFold(s.Title, "Executive Summary") {
			idx = i
			break
		}
	}
	summary := sections[idx].Content
	sections = append(sections[:idx:idx], sections[idx+1:]...)
	return title, summary, sections
}
