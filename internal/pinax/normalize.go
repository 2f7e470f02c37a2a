package pinax

import (
	"regexp"
	"strings"
)

var (
	yearPattern     = regexp.MustCompile(`^\d{4}$`)
	fullDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	embeddedYear    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// typeAliases maps common model outputs onto the DCMI vocabulary.
var typeAliases = map[string]string{
	"photo":      "StillImage",
	"photograph": "StillImage",
	"picture":    "StillImage",
	"img":        "Image",
	"images":     "Image",
	"video":      "MovingImage",
	"movie":      "MovingImage",
	"film":       "MovingImage",
	"audio":      "Sound",
	"recording":  "Sound",
	"document":   "Text",
	"book":       "Text",
	"article":    "Text",
	"manuscript": "Text",
	"object":     "PhysicalObject",
	"artifact":   "PhysicalObject",
}

// NormalizeDate coerces a created value toward YYYY or YYYY-MM-DD. Values
// already in either form pass through; otherwise the first 19xx or 20xx
// year found as a whole word in the string is used. Unrecognizable input is
// returned unchanged so the validator can flag it.
func NormalizeDate(s string) string {
	if yearPattern.MatchString(s) || fullDatePattern.MatchString(s) {
		return s
	}
	if year := embeddedYear.FindString(s); year != "" {
		return year
	}
	return s
}

// NormalizeType coerces a type value onto the DCMI vocabulary: exact match,
// case-insensitive match, then the alias table. Unknown values pass through
// unchanged for the validator to flag.
func NormalizeType(s string) string {
	for _, t := range DCMITypes {
		if s == t {
			return s
		}
	}
	for _, t := range DCMITypes {
		if strings.EqualFold(s, t) {
			return t
		}
	}
	if mapped, ok := typeAliases[strings.ToLower(s)]; ok {
		return mapped
	}
	return s
}
