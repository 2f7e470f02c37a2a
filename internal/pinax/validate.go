package pinax

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ulidPattern     = regexp.MustCompile(`(?i)^[0-9A-HJKMNP-TV-Z]{26}$`)
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z]{2})?$`)
)

// Validation is the result of validating a record against the PINAX schema.
type Validation struct {
	Valid            bool              `json:"valid"`
	MissingRequired  []string          `json:"missing_required"`
	Warnings         []string          `json:"warnings"`
	FieldValidations map[string]string `json:"field_validations"`
}

// Validate checks a partial record against the PINAX schema rules. It is a
// pure function: required-field presence, per-field format checks, and
// advisory warnings for fields worth filling.
func Validate(rec Record) Validation {
	v := Validation{
		MissingRequired:  []string{},
		Warnings:         []string{},
		FieldValidations: map[string]string{},
	}

	for _, field := range RequiredFields {
		val, ok := rec[field]
		if !ok || isEmptyValue(val) {
			v.MissingRequired = append(v.MissingRequired, field)
		}
	}

	if id := rec.GetString("id"); id != "" {
		if ulidPattern.MatchString(id) || uuidPattern.MatchString(id) {
			v.FieldValidations["id"] = "✓ valid identifier"
		} else {
			v.FieldValidations["id"] = "⚠ id must be a ULID or UUID"
		}
	}

	if typ := rec.GetString("type"); typ != "" {
		if isDCMIType(typ) {
			v.FieldValidations["type"] = "✓ valid DCMI type"
		} else {
			v.FieldValidations["type"] = fmt.Sprintf("⚠ type %q is not a DCMI type", typ)
		}
	}

	if created := rec.GetString("created"); created != "" {
		if validCreated(created) {
			v.FieldValidations["created"] = "✓ valid date"
		} else {
			v.FieldValidations["created"] = "⚠ created must be YYYY or YYYY-MM-DD"
		}
	}

	if lang := rec.GetString("language"); lang != "" {
		if languagePattern.MatchString(lang) {
			v.FieldValidations["language"] = "✓ valid language code"
		} else {
			v.FieldValidations["language"] = "⚠ language must be a BCP-47 code like en or en-US"
		}
	}

	if accessURL := rec.GetString("access_url"); accessURL != "" {
		if validHTTPURL(accessURL) {
			v.FieldValidations["access_url"] = "✓ valid URL"
		} else {
			v.FieldValidations["access_url"] = "⚠ access_url must be an http or https URL"
		}
	}

	if isEmptyValue(rec["description"]) {
		v.Warnings = append(v.Warnings, "missing description")
	}
	if isEmptyValue(rec["subjects"]) {
		v.Warnings = append(v.Warnings, "missing or empty subjects")
	}
	if isEmptyValue(rec["language"]) {
		v.Warnings = append(v.Warnings, "missing language")
	}
	if isEmptyValue(rec["source"]) {
		v.Warnings = append(v.Warnings, "missing source")
	}

	v.Valid = len(v.MissingRequired) == 0
	for _, msg := range v.FieldValidations {
		if strings.HasPrefix(msg, "⚠") {
			v.Valid = false
		}
	}
	return v
}

func isDCMIType(s string) bool {
	for _, t := range DCMITypes {
		if s == t {
			return true
		}
	}
	return false
}

// validCreated accepts a bare year in [1000,9999] or a real calendar date
// in YYYY-MM-DD form.
func validCreated(s string) bool {
	if yearPattern.MatchString(s) {
		year, err := strconv.Atoi(s)
		return err == nil && year >= 1000 && year <= 9999
	}
	if !fullDatePattern.MatchString(s) {
		return false
	}
	month, _ := strconv.Atoi(s[5:7])
	day, _ := strconv.Atoi(s[8:10])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func validHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
