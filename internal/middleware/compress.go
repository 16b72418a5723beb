package middleware

import "strings"

// Monitoring payloads repeat a lot of collector bookkeeping that carries no
// signal for the model. The compressor strips it before caching and
// pagination so cached pages are already compact. It is idempotent and never
// removes a non-empty, non-false value outside the known-verbose key sets.

// metricStripKeys are per-metric fields dropped from every metric object:
// collector timestamps, the redundant name/type echo, and previous-sample
// bookkeeping.
var metricStripKeys = map[string]bool{
	"name":                true,
	"type":                true,
	"collectTime":         true,
	"previousCollectTime": true,
	"previousValue":       true,
	"resetMetricsTime":    true,
	"updated":             true,
}

// recordStripKeys are per-record fields dropped from every resource record.
var recordStripKeys = map[string]bool{
	"discoveryTime":            true,
	"identifyingAttributeKeys": true,
}

// statusTextKeys name the verbose status-text fields subject to
// duplicate-section removal.
var statusTextKeys = map[string]bool{
	"statusInformation":  true,
	"status_information": true,
}

// CompressMonitoring compacts a monitoring tool result in place-semantics on
// a copy: metric bookkeeping fields, false boolean flags (false carries no
// information in this domain, true does), empty leftovers, and duplicated
// status text are all removed.
func CompressMonitoring(v any) any {
	return compressValue(v, false)
}

// CompressMetric compacts a single metric object, dropping the known-verbose
// fields and anything that compresses to empty.
func CompressMetric(metric map[string]any) map[string]any {
	out := make(map[string]any, len(metric))
	for k, val := range metric {
		if metricStripKeys[k] {
			continue
		}
		if b, ok := val.(bool); ok && !b {
			continue
		}
		c := compressValue(val, false)
		if isEmptyValue(c) && !isScalar(c) {
			continue
		}
		out[k] = c
	}
	return out
}

func compressValue(v any, inMetrics bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if inMetrics {
				// Children of a metrics map are metric objects.
				if m, ok := child.(map[string]any); ok {
					c := CompressMetric(m)
					if len(c) > 0 {
						out[k] = c
					}
					continue
				}
			}
			if recordStripKeys[k] {
				continue
			}
			if b, ok := child.(bool); ok && !b {
				continue
			}
			if statusTextKeys[k] {
				if s, ok := child.(string); ok {
					child = DedupeStatusText(s)
				}
			}
			c := compressValue(child, k == "metrics")
			if isEmptyValue(c) && !isScalar(c) {
				continue
			}
			out[k] = c
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			c := compressValue(child, false)
			if isEmptyValue(c) && !isScalar(c) {
				continue
			}
			out = append(out, c)
		}
		return out
	default:
		return v
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case nil:
		return true
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any, nil:
		return false
	}
	return true
}

// minDedupeLen guards against collapsing short incidental repeats.
const minDedupeLen = 40

// DedupeStatusText removes the duplicated copy of a status payload that
// appears once under a "Result" heading and again inside a trailing
// "Message" block, keeping the first occurrence and the conclusion that
// follows the duplicate.
func DedupeStatusText(s string) string {
	idx := strings.Index(s, "Message")
	if idx <= 0 {
		return s
	}
	head, tail := s[:idx], s[idx:]

	body := strings.TrimSpace(head)
	body = strings.TrimPrefix(body, "Result")
	body = strings.TrimLeft(body, ":= \t\n")
	if len(body) < minDedupeLen {
		return s
	}

	j := strings.Index(tail, body)
	if j < 0 {
		return s
	}
	conclusion := strings.TrimLeft(tail[j+len(body):], " \t\n")
	out := strings.TrimRight(head, " \t\n")
	if conclusion != "" {
		out += "\n" + conclusion
	}
	return out
}
