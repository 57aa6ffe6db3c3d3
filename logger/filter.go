package logger

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gaborage/go-reqlog/exchange"
)

const (
	// DefaultMaskValue replaces masked values.
	DefaultMaskValue = "***"
	// DefaultMaxDepth bounds recursion into nested maps and slices.
	DefaultMaxDepth = 8
)

// FilterConfig selects what the SensitiveDataFilter masks.
type FilterConfig struct {
	// SensitiveFields are matched as case-insensitive substrings of log field keys.
	SensitiveFields []string
	// SensitiveHeaders are matched case-insensitively against whole header names.
	SensitiveHeaders []string
	MaskValue        string
}

// DefaultFilterConfig masks credentials in log fields and the usual
// authentication headers.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		SensitiveFields: []string{
			"password", "passwd", "secret",
			"api_key", "apikey", "token",
			"authorization", "credential",
			"database_url", "broker_url", "dsn",
		},
		SensitiveHeaders: []string{
			"Authorization", "Proxy-Authorization",
			"Cookie", "Set-Cookie", "X-Api-Key",
		},
		MaskValue: DefaultMaskValue,
	}
}

// SensitiveDataFilter masks secrets in log fields and captured headers.
type SensitiveDataFilter struct {
	config  *FilterConfig
	headers map[string]struct{}
}

// NewSensitiveDataFilter builds a filter; nil config means DefaultFilterConfig.
func NewSensitiveDataFilter(config *FilterConfig) *SensitiveDataFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.MaskValue == "" {
		config.MaskValue = DefaultMaskValue
	}
	headers := make(map[string]struct{}, len(config.SensitiveHeaders))
	for _, h := range config.SensitiveHeaders {
		headers[strings.ToLower(h)] = struct{}{}
	}
	return &SensitiveDataFilter{config: config, headers: headers}
}

// IsSensitiveHeader reports whether values under name are masked.
func (f *SensitiveDataFilter) IsSensitiveHeader(name string) bool {
	_, ok := f.headers[strings.ToLower(name)]
	return ok
}

// FilterHeaders returns a copy of h with sensitive header values masked.
func (f *SensitiveDataFilter) FilterHeaders(h exchange.Header) exchange.Header {
	if h == nil {
		return nil
	}
	out := make(exchange.Header, len(h))
	for k, v := range h {
		if f.IsSensitiveHeader(k) {
			out[k] = f.maskAll(v)
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// FilterString masks value when key is sensitive. URLs keep their structure
// and only lose the password.
func (f *SensitiveDataFilter) FilterString(key, value string) string {
	if f.isSensitiveField(key) {
		return f.maskString(value)
	}
	if strings.Contains(value, "://") {
		return f.maskURLPassword(value)
	}
	return value
}

// FilterValue masks value when key is sensitive, recursing into maps,
// header multimaps and slices.
func (f *SensitiveDataFilter) FilterValue(key string, value any) any {
	return f.filterValue(key, value, DefaultMaxDepth)
}

// FilterFields filters every entry of fields.
func (f *SensitiveDataFilter) FilterFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = f.FilterValue(k, v)
	}
	return out
}

func (f *SensitiveDataFilter) filterValue(key string, value any, depth int) any {
	if value == nil {
		return nil
	}
	if f.isSensitiveField(key) {
		return f.config.MaskValue
	}
	if depth <= 0 {
		return value
	}

	switch v := value.(type) {
	case string:
		return f.FilterString(key, v)
	case exchange.Header:
		return f.FilterHeaders(v)
	case http.Header:
		return f.FilterHeaders(exchange.Header(v)).HTTP()
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = f.filterValue(k, inner, depth-1)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, inner := range v {
			if f.isSensitiveField(k) {
				out[k] = f.maskString(inner)
				continue
			}
			out[k] = inner
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = f.filterValue(key, inner, depth-1)
		}
		return out
	default:
		return value
	}
}

func (f *SensitiveDataFilter) isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range f.config.SensitiveFields {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (f *SensitiveDataFilter) maskAll(values []string) []string {
	out := make([]string, len(values))
	for i := range values {
		out[i] = f.config.MaskValue
	}
	return out
}

func (f *SensitiveDataFilter) maskString(value string) string {
	if value == "" {
		return value
	}
	if masked := f.maskURLPassword(value); masked != value {
		return masked
	}
	return f.config.MaskValue
}

// maskURLPassword replaces the password of an absolute URL, returning any
// other input unchanged.
func (f *SensitiveDataFilter) maskURLPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); !has {
		return raw
	}

	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.User.Username())
	b.WriteByte(':')
	b.WriteString(f.config.MaskValue)
	b.WriteByte('@')
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.EscapedFragment())
	}
	return b.String()
}
