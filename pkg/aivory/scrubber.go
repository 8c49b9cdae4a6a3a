// scrubber.go implements opt-in redaction and size limiting of diagnostic
// records before they leave the process.

package aivory

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
)

// Placeholders substituted for removed content.
const (
	Redacted         = "[REDACTED]"
	truncationMarker = "...[TRUNCATED]"
	depthMarker      = "[MAX_DEPTH]"
)

// ScrubberConfig controls scrubbing behavior.
type ScrubberConfig struct {
	// SensitiveKeys contains additional case-insensitive substrings that mark
	// a context key as sensitive.
	SensitiveKeys []string

	// MaxMessageSize is the maximum length of the record message (default: 4096).
	MaxMessageSize int

	// MaxStringLength is the maximum length of string context values.
	MaxStringLength int

	// MaxCollectionSize is the maximum number of entries kept per map or slice.
	MaxCollectionSize int

	// MaxDepth is the maximum nesting depth of context values.
	MaxDepth int

	// ScrubMessages enables pattern-based secret and PII removal from the
	// message and string values (default: true).
	ScrubMessages bool

	// NormalizePaths replaces user-specific directories in frame paths.
	NormalizePaths bool
}

// DefaultScrubberConfig returns production-safe defaults.
func DefaultScrubberConfig() ScrubberConfig {
	return ScrubberConfig{
		MaxMessageSize:    4096,
		MaxStringLength:   1000,
		MaxCollectionSize: 100,
		MaxDepth:          10,
		ScrubMessages:     true,
		NormalizePaths:    true,
	}
}

// ScrubberConfigFrom returns DefaultScrubberConfig with the capture limits
// of cfg applied.
func ScrubberConfigFrom(cfg Config) ScrubberConfig {
	sc := DefaultScrubberConfig()
	if cfg.MaxStringLength > 0 {
		sc.MaxStringLength = cfg.MaxStringLength
	}
	if cfg.MaxCollectionSize > 0 {
		sc.MaxCollectionSize = cfg.MaxCollectionSize
	}
	if cfg.MaxCaptureDepth > 0 {
		sc.MaxDepth = cfg.MaxCaptureDepth
	}
	return sc
}

var messageScrubPatterns = []*regexp.Regexp{
	// API keys and tokens
	regexp.MustCompile(`(?i)(api[_-]?key|token)[=:\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)(authorization|bearer)[=:\s]+['"]?[\w\-\.]+['"]?[\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)gh[po]_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`(?i)github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`(?i)xox[baprs]-[a-zA-Z0-9\-]{10,}`),
	regexp.MustCompile(`(?i)eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), // JWT

	// Credentials
	regexp.MustCompile(`(?i)(password|passwd|secret|credential)[=:\s]+['"]?[^\s'",]+['"]?`),

	// PII
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
}

var sensitiveKeyPatterns = []string{
	"token",
	"key",
	"secret",
	"password",
	"credential",
	"auth",
	"passwd",
}

var pathNormalizationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/home/[^/]+/`),
	regexp.MustCompile(`^/Users/[^/]+/`),
	regexp.MustCompile(`^[A-Za-z]:[\\/]Users[\\/][^\\/]+[\\/]`),
	regexp.MustCompile(`^/tmp/[^/]+/`),
}

// Scrubber redacts sensitive data from diagnostic records and enforces the
// capture limits on context values.
type Scrubber struct {
	cfg ScrubberConfig
}

// NewScrubber creates a new scrubber with the given configuration.
func NewScrubber(cfg ScrubberConfig) *Scrubber {
	return &Scrubber{cfg: cfg}
}

// ScrubRecord returns a copy of record with the message, frame paths and
// context scrubbed. The fingerprint is left untouched so grouping does not
// depend on scrubbing.
func (s *Scrubber) ScrubRecord(record DiagnosticRecord) DiagnosticRecord {
	record.Message = s.ScrubMessage(record.Message)
	if s.cfg.NormalizePaths && len(record.StackTrace) > 0 {
		frames := slices.Clone(record.StackTrace)
		for i := range frames {
			frames[i].FilePath = normalizePath(frames[i].FilePath)
		}
		record.StackTrace = frames
	}
	record.Context = s.ScrubContext(record.Context)
	return record
}

// ScrubMessage removes secrets and PII from msg and bounds its length.
func (s *Scrubber) ScrubMessage(msg string) string {
	if s.cfg.MaxMessageSize > 0 {
		msg = truncateWithMarker(msg, s.cfg.MaxMessageSize)
	}
	return s.scrubString(msg)
}

// ScrubContext returns a scrubbed copy of a context map. Values under
// sensitive keys are replaced with Redacted.
func (s *Scrubber) ScrubContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	scrubbed, _ := s.scrubValue(ctx, 0).(map[string]any)
	return scrubbed
}

func (s *Scrubber) scrubString(v string) string {
	if !s.cfg.ScrubMessages {
		return v
	}
	for _, pattern := range messageScrubPatterns {
		v = pattern.ReplaceAllString(v, Redacted)
	}
	return v
}

func (s *Scrubber) scrubValue(val any, depth int) any {
	if s.cfg.MaxDepth > 0 && depth > s.cfg.MaxDepth {
		return depthMarker
	}
	switch v := val.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case string:
		if s.cfg.MaxStringLength > 0 {
			v = truncateWithMarker(v, s.cfg.MaxStringLength)
		}
		return s.scrubString(v)
	case map[string]any:
		return s.scrubMap(v, depth)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, item := range v {
			m[k] = item
		}
		return s.scrubMap(m, depth)
	case []any:
		return s.scrubSlice(v, depth)
	case fmt.Stringer:
		return s.scrubValue(v.String(), depth)
	case error:
		return s.scrubValue(v.Error(), depth)
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return s.scrubSlice(items, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return s.scrubValue(fmt.Sprintf("%v", val), depth)
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return s.scrubMap(m, depth)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return s.scrubValue(rv.Elem().Interface(), depth)
	default:
		// Structs and other values are reported by their printed form.
		return s.scrubValue(fmt.Sprintf("%+v", val), depth)
	}
}

func (s *Scrubber) scrubMap(m map[string]any, depth int) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if s.cfg.MaxCollectionSize > 0 && len(keys) > s.cfg.MaxCollectionSize {
		keys = keys[:s.cfg.MaxCollectionSize]
	}

	result := make(map[string]any, len(keys))
	for _, k := range keys {
		if s.isSensitiveKey(k) {
			result[k] = Redacted
			continue
		}
		result[k] = s.scrubValue(m[k], depth+1)
	}
	return result
}

func (s *Scrubber) scrubSlice(items []any, depth int) []any {
	if s.cfg.MaxCollectionSize > 0 && len(items) > s.cfg.MaxCollectionSize {
		items = items[:s.cfg.MaxCollectionSize]
	}
	result := make([]any, len(items))
	for i, item := range items {
		result[i] = s.scrubValue(item, depth+1)
	}
	return result
}

// isSensitiveKey checks if a context key matches sensitive patterns.
func (s *Scrubber) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	for _, pattern := range s.cfg.SensitiveKeys {
		if pattern != "" && strings.Contains(keyLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	for _, pattern := range pathNormalizationPatterns {
		p = pattern.ReplaceAllString(p, "/[PATH]/")
	}
	return p
}

// truncateWithMarker truncates a string and adds a truncation marker.
func truncateWithMarker(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncationMarker) {
		return truncationMarker[:maxLen]
	}
	return s[:maxLen-len(truncationMarker)] + truncationMarker
}
