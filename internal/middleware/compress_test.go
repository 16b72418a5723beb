package middleware

import (
	"reflect"
	"testing"
)

func sampleMetric() map[string]any {
	return map[string]any{
		"value":               float64(50),
		"name":                "x",
		"type":                "gauge",
		"collectTime":         float64(1),
		"previousCollectTime": float64(2),
		"previousValue":       float64(45),
		"resetMetricsTime":    float64(0),
		"updated":             true,
		"attributes":          map[string]any{"unit": "percent"},
	}
}

func TestCompressMetric(t *testing.T) {
	got := CompressMetric(sampleMetric())
	want := map[string]any{
		"value":      float64(50),
		"attributes": map[string]any{"unit": "percent"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CompressMetric = %#v, want %#v", got, want)
	}
}

func TestCompressMonitoringMetricsMap(t *testing.T) {
	in := map[string]any{
		"metrics": map[string]any{
			"hw.cpu.usage": sampleMetric(),
		},
	}
	got := CompressMonitoring(in).(map[string]any)
	metrics := got["metrics"].(map[string]any)
	cpu := metrics["hw.cpu.usage"].(map[string]any)
	if _, has := cpu["collectTime"]; has {
		t.Error("collectTime survived compression")
	}
	if cpu["value"] != float64(50) {
		t.Errorf("value = %v", cpu["value"])
	}
}

func TestCompressDropsFalseFlags(t *testing.T) {
	in := map[string]any{
		"connector":   false,
		"endpoint":    false,
		"is_endpoint": true,
	}
	got := CompressMonitoring(in).(map[string]any)
	want := map[string]any{"is_endpoint": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestCompressCollapsesEmpty(t *testing.T) {
	in := map[string]any{
		"a": map[string]any{"b": map[string]any{}},
		"c": []any{},
		"d": "keep",
	}
	got := CompressMonitoring(in).(map[string]any)
	want := map[string]any{"d": "keep"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestCompressStripsRecordFields(t *testing.T) {
	in := map[string]any{
		"hosts": []any{
			map[string]any{
				"id":                       "h1",
				"discoveryTime":            float64(1700000000),
				"identifyingAttributeKeys": []any{"host.name"},
			},
		},
	}
	got := CompressMonitoring(in).(map[string]any)
	host := got["hosts"].([]any)[0].(map[string]any)
	if !reflect.DeepEqual(host, map[string]any{"id": "h1"}) {
		t.Errorf("host = %#v", host)
	}
}

func TestCompressIdempotent(t *testing.T) {
	in := map[string]any{
		"metrics":   map[string]any{"m": sampleMetric()},
		"connector": false,
		"empty":     map[string]any{},
		"hosts":     []any{map[string]any{"id": "h1", "discoveryTime": float64(1)}},
	}
	once := CompressMonitoring(in)
	twice := CompressMonitoring(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second pass changed the result:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestDedupeStatusText(t *testing.T) {
	body := "WBEM test succeeded against host db-01 on port 5989 using https transport"
	in := "Result: " + body + "\nMessage:\n" + body + "\nConclusion: protocol reachable."
	got := DedupeStatusText(in)
	want := "Result: " + body + "\nConclusion: protocol reachable."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if again := DedupeStatusText(got); again != got {
		t.Errorf("dedupe not idempotent: %q", again)
	}
}

func TestDedupeStatusTextShortBodyUntouched(t *testing.T) {
	in := "Result: ok\nMessage:\nok"
	if got := DedupeStatusText(in); got != in {
		t.Errorf("short body was modified: %q", got)
	}
}

func TestDedupeStatusTextNoDuplicate(t *testing.T) {
	in := "Result: " + "connection to host failed after three retries, giving up" + "\nMessage:\nsomething entirely different happened here"
	if got := DedupeStatusText(in); got != in {
		t.Errorf("non-duplicate text was modified: %q", got)
	}
}
