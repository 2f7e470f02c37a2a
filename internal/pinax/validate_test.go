package pinax

import (
	"strings"
	"testing"
)

func TestValidate_CompleteRecord(t *testing.T) {
	rec := Record{
		"id":          "01HABCDEF0123456789JKMNPQR",
		"title":       "X",
		"type":        "StillImage",
		"creator":     "A",
		"institution": "I",
		"created":     "1927",
		"access_url":  "https://x/y",
	}
	v := Validate(rec)

	if !v.Valid {
		t.Fatalf("valid = false, missing=%v fields=%v", v.MissingRequired, v.FieldValidations)
	}
	if len(v.MissingRequired) != 0 {
		t.Errorf("missing_required = %v, want empty", v.MissingRequired)
	}
	for _, want := range []string{"description", "subjects", "language", "source"} {
		found := false
		for _, w := range v.Warnings {
			if strings.Contains(w, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("warnings missing entry for %s: %v", want, v.Warnings)
		}
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want string
	}{
		{"absent title", Record{}, "title"},
		{"nil creator", Record{"creator": nil}, "creator"},
		{"empty string institution", Record{"institution": ""}, "institution"},
		{"empty creator list", Record{"creator": []any{}}, "creator"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Validate(tc.rec)
			if v.Valid {
				t.Errorf("valid = true, want false")
			}
			found := false
			for _, f := range v.MissingRequired {
				if f == tc.want {
					found = true
				}
			}
			if !found {
				t.Errorf("missing_required = %v, want %s", v.MissingRequired, tc.want)
			}
		})
	}
}

func TestValidate_FieldRules(t *testing.T) {
	base := func() Record {
		return Record{
			"id":          "01HABCDEF0123456789JKMNPQR",
			"title":       "T",
			"type":        "Text",
			"creator":     "C",
			"institution": "I",
			"created":     "1999",
			"access_url":  "https://example.org/e",
		}
	}

	cases := []struct {
		name  string
		field string
		value any
		valid bool
	}{
		{"ulid id", "id", "01HABCDEF0123456789JKMNPQR", true},
		{"lowercase ulid id", "id", "01habcdef0123456789jkmnpqr", true},
		{"uuid id", "id", "123e4567-e89b-12d3-a456-426614174000", true},
		{"garbage id", "id", "not-an-id", false},
		{"canonical type", "type", "MovingImage", true},
		{"wrong case type", "type", "movingimage", false},
		{"unknown type", "type", "widget", false},
		{"year created", "created", "1000", true},
		{"full date created", "created", "2020-02-29", true},
		{"impossible date", "created", "2021-02-30", false},
		{"month out of range", "created", "2021-13-01", false},
		{"three digit year", "created", "999", false},
		{"language short", "language", "en", true},
		{"language region", "language", "en-US", true},
		{"language three letter", "language", "grc", true},
		{"language bad", "language", "english", false},
		{"http url", "access_url", "http://a.example/b", true},
		{"ftp url", "access_url", "ftp://a.example/b", false},
		{"not a url", "access_url", "example dot com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := base()
			rec[tc.field] = tc.value
			v := Validate(rec)
			msg := v.FieldValidations[tc.field]
			if msg == "" {
				t.Fatalf("no field validation emitted for %s", tc.field)
			}
			if tc.valid && !strings.HasPrefix(msg, "✓ ") {
				t.Errorf("field %s = %q, want ✓ prefix", tc.field, msg)
			}
			if !tc.valid && !strings.HasPrefix(msg, "⚠ ") {
				t.Errorf("field %s = %q, want ⚠ prefix", tc.field, msg)
			}
			if tc.valid != v.Valid {
				t.Errorf("record valid = %v, want %v", v.Valid, tc.valid)
			}
		})
	}
}

func TestValidate_CreatorList(t *testing.T) {
	rec := Record{
		"id":          "01HABCDEF0123456789JKMNPQR",
		"title":       "T",
		"type":        "Collection",
		"creator":     []any{"A", "B"},
		"institution": "I",
		"created":     "1927",
		"access_url":  "https://x/y",
	}
	if v := Validate(rec); !v.Valid {
		t.Errorf("creator list rejected: %v", v.MissingRequired)
	}
}
