// Package placeholder personalizes campaign templates with per-recipient fields.
//
// A placeholder is {{ name }}: word characters between double braces, with
// optional surrounding whitespace. Field names match case-insensitively.
package placeholder

import (
	"regexp"
	"strings"
)

var pattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Replace substitutes every placeholder whose name is a key of fields.
// Unknown placeholders are left in place.
func Replace(template string, fields map[string]string) string {
	if len(fields) == 0 || !strings.Contains(template, "{{") {
		return template
	}
	lower := make(map[string]string, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(k)] = v
	}
	return pattern.ReplaceAllStringFunc(template, func(match string) string {
		name := pattern.FindStringSubmatch(match)[1]
		if v, ok := lower[strings.ToLower(name)]; ok {
			return v
		}
		return match
	})
}

// Extract returns the distinct placeholder names in template, in order of first use
func Extract(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range pattern.FindAllStringSubmatch(template, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, m[1])
	}
	return names
}

// Missing returns the placeholders of template that fields has no key for
func Missing(template string, fields map[string]string) []string {
	present := make(map[string]bool, len(fields))
	for k := range fields {
		present[strings.ToLower(k)] = true
	}
	var missing []string
	for _, name := range Extract(template) {
		if !present[strings.ToLower(name)] {
			missing = append(missing, name)
		}
	}
	return missing
}
