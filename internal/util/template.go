package util

import "strings"

// RenderTemplate replaces {key} placeholders in body. Unknown placeholders
// are left in place.
func RenderTemplate(body string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(body, "{") {
		return body
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}
