package util

import "strings"

func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, " ", "")
	return strings.ReplaceAll(p, "-", "")
}

// RenderTemplate does simple {var} replacement. Message templates are short
// and provider-approved; no need for text/template here.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
