// Package secrets masks credentials in fixture data before it leaves the
// process on the event bus or in logs.
package secrets

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const redacted = "<redacted>"

var sensitiveKeys = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "credential"}

// user:pass@proto(addr)/db, the go-sql-driver/mysql DSN form.
var mysqlUserinfo = regexp.MustCompile(`^([^:@/]+):([^@]*)@([a-z0-9]*\()`)

// SensitiveKey reports whether a map key names a credential.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactDSN masks the password of a URL-style or MySQL-style connection string.
// Strings without embedded credentials are returned unchanged.
func RedactDSN(dsn string) (string, bool) {
	if m := mysqlUserinfo.FindStringSubmatchIndex(dsn); m != nil {
		if m[5] > m[4] {
			return dsn[:m[4]] + redacted + dsn[m[5]:], true
		}
		return dsn, false
	}
	if !strings.Contains(dsn, "://") {
		return dsn, false
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn, false
	}
	if _, ok := u.User.Password(); !ok {
		return dsn, false
	}
	u.User = url.UserPassword(u.User.Username(), redacted)
	// url.String escapes the angle brackets.
	return strings.Replace(u.String(), url.QueryEscape(redacted), redacted, 1), true
}

// Redact returns a copy of value with credentials masked, and whether anything changed.
func Redact(value any) (any, bool) {
	return redact("", value)
}

func redact(key string, value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return v, false
	case string:
		if v != "" && SensitiveKey(key) {
			return redacted, true
		}
		return RedactDSN(v)
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, c := redact(k, child)
			changed = changed || c
			out[k] = red
		}
		return out, changed
	case map[string]string:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, c := redact(k, child)
			changed = changed || c
			out[k] = red
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, c := redact(key, child)
			changed = changed || c
			out[i] = red
		}
		return out, changed
	case []string:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, c := redact(key, child)
			changed = changed || c
			out[i] = red
		}
		return out, changed
	default:
		if SensitiveKey(key) {
			return redacted, true
		}
		return v, false
	}
}

// Labels flattens the scalar top-level entries of data into event labels,
// with credentials masked. Nested values are dropped.
func Labels(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		switch data[k].(type) {
		case map[string]any, map[string]string, []any, []string:
			continue
		}
		red, _ := redact(k, data[k])
		out[k] = fmt.Sprint(red)
	}
	return out
}
