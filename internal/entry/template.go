package entry

import (
	"fmt"
	"regexp"
	"strings"
)

// RenderBody applies the kind-specific markdown template. ParseBody is the
// inverse; the pair must round-trip for every kind.
func RenderBody(kind, title, body string, meta map[string]any) string {
	body = strings.TrimRight(body, "\n")
	switch kind {
	case "insight":
		return body
	case "decision":
		return fmt.Sprintf("## Decision\n%s\n\n## Rationale\n%s", title, body)
	case "pattern":
		lang := ""
		if meta != nil {
			lang, _ = meta["lang"].(string)
		}
		return fmt.Sprintf("# %s\n\n```%s\n%s\n```", title, lang, body)
	default:
		if title == "" {
			return body
		}
		return fmt.Sprintf("# %s\n\n%s", title, body)
	}
}

var (
	decisionRe = regexp.MustCompile(`(?s)^## Decision\n(.*?)\n\n## Rationale\n(.*)$`)
	patternRe  = regexp.MustCompile("(?s)^# (.*?)\n\n```[^\n]*\n(.*)\n```\\s*$")
)

// ParseBody recovers (title, body) from a rendered body. fmTitle is the
// frontmatter title, which is authoritative when present; the template
// scaffolding is stripped when it matches, and the raw text is kept
// otherwise so hand-edited files survive reindexing.
func ParseBody(kind, rendered, fmTitle string) (string, string) {
	switch kind {
	case "insight":
		return fmTitle, rendered
	case "decision":
		if m := decisionRe.FindStringSubmatch(rendered); m != nil {
			title := fmTitle
			if title == "" {
				title = m[1]
			}
			return title, m[2]
		}
		return fmTitle, rendered
	case "pattern":
		if m := patternRe.FindStringSubmatch(rendered); m != nil {
			title := fmTitle
			if title == "" {
				title = m[1]
			}
			return title, m[2]
		}
		return fmTitle, rendered
	default:
		if fmTitle != "" {
			prefix := "# " + fmTitle
			if rendered == prefix {
				return fmTitle, ""
			}
			if strings.HasPrefix(rendered, prefix+"\n\n") {
				return fmTitle, rendered[len(prefix)+2:]
			}
			return fmTitle, rendered
		}
		if strings.HasPrefix(rendered, "# ") {
			if i := strings.Index(rendered, "\n\n"); i > 0 {
				return strings.TrimSpace(rendered[2:i]), rendered[i+2:]
			}
		}
		return "", rendered
	}
}
