// Package logging writes component-tagged key/value lines through the
// standard logger, as text or as JSON when DEBENCH_LOG_FORMAT=json.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	envLogFormat = "DEBENCH_LOG_FORMAT"
	envLogLevel  = "DEBENCH_LOG_LEVEL"

	missingValue = "(missing)"
)

var (
	settingsOnce sync.Once
	jsonOutput   bool
	debugEnabled bool

	baseMu     sync.RWMutex
	baseFields []any
)

func loadSettings() {
	settingsOnce.Do(func() {
		jsonOutput = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
		debugEnabled = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogLevel)), "debug")
	})
}

// SetDefaultFields appends kv to every subsequent line, e.g. the worker's
// holder id so lines from parallel workers can be told apart.
func SetDefaultFields(kv ...any) {
	baseMu.Lock()
	baseFields = append([]any(nil), pairs(kv)...)
	baseMu.Unlock()
}

// Info logs a message with key/value fields.
func Info(component, msg string, kv ...any) {
	emit("INFO", component, msg, kv)
}

// Warn logs a degraded but recoverable condition.
func Warn(component, msg string, kv ...any) {
	emit("WARN", component, msg, kv)
}

// Error logs a failure with key/value fields.
func Error(component, msg string, kv ...any) {
	emit("ERROR", component, msg, kv)
}

// Debug logs only when DEBENCH_LOG_LEVEL=debug.
func Debug(component, msg string, kv ...any) {
	loadSettings()
	if !debugEnabled {
		return
	}
	emit("DEBUG", component, msg, kv)
}

func emit(level, component, msg string, kv []any) {
	loadSettings()
	fields := pairs(kv)
	baseMu.RLock()
	fields = append(fields, baseFields...)
	baseMu.RUnlock()
	if jsonOutput {
		log.Print(formatJSON(level, component, msg, fields))
		return
	}
	tag := "[" + strings.ToUpper(component) + "]"
	if level == "INFO" {
		log.Printf("%s %s%s", tag, msg, formatText(fields))
		return
	}
	log.Printf("%s %s %s%s", tag, level, msg, formatText(fields))
}

// pairs pads an odd-length key/value list.
func pairs(kv []any) []any {
	out := append([]any(nil), kv...)
	if len(out)%2 != 0 {
		out = append(out, missingValue)
	}
	return out
}

func formatJSON(level, component, msg string, kv []any) string {
	payload := map[string]any{"level": level, "component": component, "msg": msg}
	for i := 0; i+1 < len(kv); i += 2 {
		key := stringify(kv[i])
		if _, reserved := payload[key]; reserved || key == "" {
			continue
		}
		switch v := kv[i+1].(type) {
		case error:
			payload[key] = v.Error()
		case fmt.Stringer:
			payload[key] = v.String()
		default:
			payload[key] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"level":%q,"component":%q,"msg":%q}`, level, component, msg)
	}
	return string(data)
}

func formatText(kv []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(stringify(kv[i]))
		b.WriteString("=")
		b.WriteString(stringify(kv[i+1]))
	}
	return b.String()
}

// stringify renders v on a single line.
func stringify(v any) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return strings.TrimSpace(strings.NewReplacer("\n", " ", "\t", " ").Replace(s))
}
