package secrets

import (
	"strings"
	"testing"
)

func TestRedactDSN(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		changed bool
	}{
		{"postgres://bench:hunter2@db:5432/debench_ab12", "postgres://bench:<redacted>@db:5432/debench_ab12", true},
		{"postgres://bench@db:5432/x", "postgres://bench@db:5432/x", false},
		{"bench:hunter2@tcp(db:3306)/debench_ab12?parseTime=true", "bench:<redacted>@tcp(db:3306)/debench_ab12?parseTime=true", true},
		{"bench:@tcp(db:3306)/x", "bench:@tcp(db:3306)/x", false},
		{"/var/lib/debench/databases/x.db", "/var/lib/debench/databases/x.db", false},
	}
	for _, tc := range cases {
		got, changed := RedactDSN(tc.in)
		if got != tc.want || changed != tc.changed {
			t.Fatalf("RedactDSN(%q) = %q,%v want %q,%v", tc.in, got, changed, tc.want, tc.changed)
		}
	}
}

func TestRedactNested(t *testing.T) {
	payload := map[string]any{
		"database":       "debench_1",
		"admin_password": "s3cret",
		"nested": map[string]any{
			"api_token": "abc",
			"dsn":       "postgres://u:p@h/db",
		},
		"list": []any{"ok", "mysql://u:p@h/db"},
	}
	out, changed := Redact(payload)
	if !changed {
		t.Fatalf("expected redaction to report changes")
	}
	m := out.(map[string]any)
	if m["database"] != "debench_1" {
		t.Fatalf("plain value altered: %v", m["database"])
	}
	if m["admin_password"] != redacted {
		t.Fatalf("password not masked: %v", m["admin_password"])
	}
	nested := m["nested"].(map[string]any)
	if nested["api_token"] != redacted || strings.Contains(nested["dsn"].(string), ":p@") {
		t.Fatalf("nested not masked: %v", nested)
	}
	if strings.Contains(m["list"].([]any)[1].(string), ":p@") {
		t.Fatalf("list not masked: %v", m["list"])
	}
	if payload["admin_password"] != "s3cret" {
		t.Fatalf("input mutated")
	}
}

func TestRedactUnchanged(t *testing.T) {
	if _, changed := Redact(map[string]any{"branch": "debench/1", "pushed": true}); changed {
		t.Fatalf("expected no change")
	}
}

func TestLabels(t *testing.T) {
	labels := Labels(map[string]any{
		"dsn":     "postgres://u:p@h/db",
		"pushed":  true,
		"port":    5432,
		"nested":  map[string]any{"a": "b"},
		"api_key": 42,
	})
	if labels["dsn"] != "postgres://u:<redacted>@h/db" {
		t.Fatalf("dsn label = %q", labels["dsn"])
	}
	if labels["pushed"] != "true" || labels["port"] != "5432" {
		t.Fatalf("scalar labels = %v", labels)
	}
	if labels["api_key"] != redacted {
		t.Fatalf("api_key label = %q", labels["api_key"])
	}
	if _, ok := labels["nested"]; ok {
		t.Fatalf("nested value should be dropped")
	}
	if Labels(nil) != nil {
		t.Fatalf("expected nil labels for empty data")
	}
}
