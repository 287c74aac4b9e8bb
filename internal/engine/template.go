package engine

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// RenderTemplate substitutes {{name}} placeholders with vars. Unknown
// placeholders render empty.
func RenderTemplate(tmpl string, vars map[string]string) string {
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[name]
	})
	return strings.TrimSpace(out)
}

func defaultMessage(ruleName string) string {
	if ruleName == "" {
		return "Time for a short break."
	}
	return ruleName + ": time for a short break."
}
