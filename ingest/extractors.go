package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Built-in format names.
const (
	FormatGeneric = "generic"
	FormatSyslog  = "syslog"
	FormatJSON    = "json"
	FormatCSV     = "csv"
	FormatWeblog  = "weblog"
)

// Shared extraction patterns.
var (
	ipv4Re      = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	ipv6Re      = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`)
	isoTimeRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)
	sysTimeRe   = regexp.MustCompile(`[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}`)
	bareTimeRe  = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})\b`)
	userRe      = regexp.MustCompile(`(?i)user[:=\s]+([a-zA-Z0-9_\-.@]+)`)
	errLevelRe  = regexp.MustCompile(`(?i)\b(error|fail|failed|exception|critical)\b`)
	warnLevelRe = regexp.MustCompile(`(?i)\b(warn|warning|alert)\b`)
)

// classifyLevel derives a severity from message content when the format
// carries no explicit severity.
func classifyLevel(message string) string {
	switch {
	case errLevelRe.MatchString(message):
		return "ERROR"
	case warnLevelRe.MatchString(message):
		return "WARNING"
	case strings.Contains(strings.ToLower(message), "debug"):
		return "DEBUG"
	default:
		return "INFO"
	}
}

// extractTimestamp finds a timestamp in free text. Bare HH:MM:SS prefixes
// are resolved against the current UTC date so intra-day windows line up.
func extractTimestamp(message string) time.Time {
	if m := isoTimeRe.FindString(message); m != "" {
		layout := "2006-01-02T15:04:05"
		if strings.Contains(m, " ") {
			layout = "2006-01-02 15:04:05"
		}
		if ts, err := time.Parse(layout, m); err == nil {
			return ts.UTC()
		}
	}
	if m := sysTimeRe.FindString(message); m != "" {
		if ts, err := time.Parse("Jan 2 15:04:05", strings.Join(strings.Fields(m), " ")); err == nil {
			now := time.Now().UTC()
			return time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
		}
	}
	if m := bareTimeRe.FindStringSubmatch(message); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		ss, _ := strconv.Atoi(m[3])
		if hh < 24 && mm < 60 && ss < 60 {
			now := time.Now().UTC()
			return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, ss, 0, time.UTC)
		}
	}
	return time.Time{}
}

// GenericExtractor is the best-effort reference extractor: key=value token
// split plus IP, user, timestamp and severity extraction from free text.
type GenericExtractor struct{}

// NewGenericExtractor creates the generic extractor.
func NewGenericExtractor() *GenericExtractor { return &GenericExtractor{} }

// Extract implements Extractor.
func (g *GenericExtractor) Extract(raw string) (Extraction, error) {
	fields := make(map[string]string)

	for _, tok := range strings.Fields(raw) {
		if kv := strings.SplitN(tok, "=", 2); len(kv) == 2 && kv[0] != "" {
			fields[kv[0]] = kv[1]
		}
	}

	ips := ipv4Re.FindAllString(raw, -1)
	ips = append(ips, ipv6Re.FindAllString(raw, -1)...)
	if len(ips) > 0 {
		fields["ip_addresses"] = strings.Join(dedupe(ips), ",")
		if _, ok := fields["ip"]; !ok {
			fields["ip"] = ips[0]
		}
	}

	if m := userRe.FindStringSubmatch(raw); m != nil {
		if _, ok := fields["user"]; !ok {
			fields["user"] = m[1]
		}
	}

	return Extraction{
		Fields:    fields,
		Timestamp: extractTimestamp(raw),
		Severity:  classifyLevel(raw),
		Message:   strings.TrimSpace(raw),
	}, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// syslogRe matches RFC3164: <pri>timestamp hostname program[: ]message.
var syslogRe = regexp.MustCompile(`^<(\d+)>([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+([^\s:\[]+)(?:\[\d+\])?(?::|\s)\s*(.*)$`)

// syslogSeverities maps syslog severity codes to names.
var syslogSeverities = []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

// SyslogExtractor parses RFC3164 syslog lines, splitting the priority into
// facility and severity. Lines without a priority header fall back to the
// generic extractor.
type SyslogExtractor struct {
	fallback *GenericExtractor
}

// NewSyslogExtractor creates the syslog extractor.
func NewSyslogExtractor() *SyslogExtractor {
	return &SyslogExtractor{fallback: NewGenericExtractor()}
}

// Extract implements Extractor.
func (s *SyslogExtractor) Extract(raw string) (Extraction, error) {
	m := syslogRe.FindStringSubmatch(raw)
	if m == nil {
		return s.fallback.Extract(raw)
	}

	pri, err := strconv.Atoi(m[1])
	if err != nil {
		return Extraction{}, fmt.Errorf("invalid syslog priority %q: %w", m[1], err)
	}
	facility := pri / 8
	sevCode := pri % 8
	severity := "info"
	if sevCode >= 0 && sevCode < len(syslogSeverities) {
		severity = syslogSeverities[sevCode]
	}

	fields := map[string]string{
		"priority":      m[1],
		"facility":      strconv.Itoa(facility),
		"severity_code": strconv.Itoa(sevCode),
		"hostname":      m[3],
		"program":       m[4],
	}
	if ip := ipv4Re.FindString(m[5]); ip != "" {
		fields["ip"] = ip
	}
	if um := userRe.FindStringSubmatch(m[5]); um != nil {
		fields["user"] = um[1]
	}

	var ts time.Time
	if parsed, perr := time.Parse("Jan 2 15:04:05", strings.Join(strings.Fields(m[2]), " ")); perr == nil {
		now := time.Now().UTC()
		ts = time.Date(now.Year(), parsed.Month(), parsed.Day(), parsed.Hour(), parsed.Minute(), parsed.Second(), 0, time.UTC)
	}

	return Extraction{
		Fields:    fields,
		Timestamp: ts,
		Severity:  severity,
		Message:   strings.TrimSpace(m[5]),
	}, nil
}

// JSONExtractor parses one JSON object per line. Scalar values are
// stringified; nested structures are re-encoded as JSON strings.
type JSONExtractor struct{}

// NewJSONExtractor creates the JSON extractor.
func NewJSONExtractor() *JSONExtractor { return &JSONExtractor{} }

// Extract implements Extractor.
func (j *JSONExtractor) Extract(raw string) (Extraction, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Extraction{}, fmt.Errorf("invalid JSON: %w", err)
	}

	fields := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(val)
		case nil:
			fields[k] = ""
		default:
			if b, err := json.Marshal(val); err == nil {
				fields[k] = string(b)
			}
		}
	}

	var ts time.Time
	if raw, ok := fields["timestamp"]; ok {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				ts = parsed.UTC()
				break
			}
		}
	}

	severity := fields["severity"]
	if severity == "" {
		severity = fields["level"]
	}
	message := fields["message"]
	if message == "" {
		message = fields["msg"]
	}

	return Extraction{Fields: fields, Timestamp: ts, Severity: severity, Message: message}, nil
}

// CSVExtractor parses comma-separated lines against a column list. With
// explicit columns every line is a record; without, the first line seen is
// taken as the header, so a headerless stream shared between sources should
// register a dedicated instance with its columns declared.
type CSVExtractor struct {
	mu      sync.Mutex
	columns []string
	implied bool
}

// NewCSVExtractor creates a CSV extractor. Pass nil columns to read the
// header from the first line.
func NewCSVExtractor(columns []string) *CSVExtractor {
	return &CSVExtractor{columns: columns}
}

// Extract implements Extractor.
func (c *CSVExtractor) Extract(raw string) (Extraction, error) {
	rec, err := csv.NewReader(strings.NewReader(raw)).Read()
	if err != nil {
		return Extraction{}, fmt.Errorf("invalid CSV: %w", err)
	}

	c.mu.Lock()
	if c.columns == nil {
		cols := make([]string, len(rec))
		copy(cols, rec)
		c.columns = cols
		c.implied = true
		c.mu.Unlock()
		return Extraction{}, &headerLineError{}
	}
	columns := c.columns
	c.mu.Unlock()

	if len(rec) != len(columns) {
		return Extraction{}, fmt.Errorf("CSV field count %d does not match %d columns", len(rec), len(columns))
	}

	fields := make(map[string]string, len(columns))
	for i, col := range columns {
		fields[col] = rec[i]
	}

	var ts time.Time
	if v := fields["timestamp"]; v != "" {
		ts = extractTimestamp(v)
	}

	return Extraction{
		Fields:    fields,
		Timestamp: ts,
		Severity:  fields["severity"],
		Message:   fields["message"],
	}, nil
}

// headerLineError marks the CSV header line, which is consumed rather than
// emitted as an event. The normalizer drops it without counting it as
// malformed.
type headerLineError struct{}

func (*headerLineError) Error() string { return "csv header line" }

// weblogRe matches the Common Log Format.
var weblogRe = regexp.MustCompile(`^(\S+) \S+ (\S+) \[([^\]]+)\] "(\S+) (\S+) (\S+)" (\d+) (\S+)`)

// WeblogExtractor parses web server access logs in Common Log Format.
type WeblogExtractor struct{}

// NewWeblogExtractor creates the weblog extractor.
func NewWeblogExtractor() *WeblogExtractor { return &WeblogExtractor{} }

// Extract implements Extractor.
func (w *WeblogExtractor) Extract(raw string) (Extraction, error) {
	m := weblogRe.FindStringSubmatch(raw)
	if m == nil {
		return Extraction{}, fmt.Errorf("line does not match common log format")
	}

	size := m[8]
	if size == "-" {
		size = "0"
	}
	fields := map[string]string{
		"client_ip":     m[1],
		"ip":            m[1],
		"http_method":   m[4],
		"url":           m[5],
		"http_protocol": m[6],
		"status_code":   m[7],
		"response_size": size,
	}
	if m[2] != "-" {
		fields["user"] = m[2]
	}

	var ts time.Time
	if parsed, err := time.Parse("02/Jan/2006:15:04:05 -0700", m[3]); err == nil {
		ts = parsed.UTC()
	}

	severity := "INFO"
	if status, err := strconv.Atoi(m[7]); err == nil && status >= 400 {
		severity = "WARNING"
		if status >= 500 {
			severity = "ERROR"
		}
	}

	return Extraction{
		Fields:    fields,
		Timestamp: ts,
		Severity:  severity,
		Message:   strings.TrimSpace(raw),
	}, nil
}
