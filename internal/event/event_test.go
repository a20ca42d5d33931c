package event

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseBatchValidEvents(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"batch": [
			{"id": "evt-1", "type": "trace-create", "timestamp": "2026-03-01T10:00:00Z", "body": {"id": "trace-1", "name": "checkout"}},
			{"id": "evt-2", "type": "observation-create", "timestamp": "2026-03-01T10:00:01Z", "body": {"id": "obs-1", "traceId": "trace-1", "type": "GENERATION", "model": "gpt-4"}},
			{"id": "evt-3", "type": "observation-update", "timestamp": "2026-03-01T10:00:02Z", "body": {"id": "obs-1", "output": {"role": "assistant"}}},
			{"id": "evt-4", "type": "score-create", "timestamp": "2026-03-01T10:00:03Z", "body": {"name": "relevance", "value": 0.9, "traceId": "trace-1"}}
		]
	}`)

	envelopes, err := ParseBatch(raw, 100)
	if err != nil {
		t.Fatalf("ParseBatch returned error: %v", err)
	}
	if len(envelopes) != 4 {
		t.Fatalf("expected 4 envelopes, got %d", len(envelopes))
	}

	if envelopes[0].Trace == nil || envelopes[0].Trace.ID == nil || *envelopes[0].Trace.ID != "trace-1" {
		t.Errorf("trace-create body not decoded: %+v", envelopes[0].Trace)
	}
	if envelopes[1].Observation == nil || envelopes[1].Observation.Type == nil || *envelopes[1].Observation.Type != ObservationTypeGeneration {
		t.Errorf("observation-create body not decoded: %+v", envelopes[1].Observation)
	}
	if envelopes[2].Observation == nil || envelopes[2].Observation.Type != nil {
		t.Errorf("observation-update should allow a missing type")
	}
	if envelopes[3].Score == nil || *envelopes[3].Score.Value != 0.9 {
		t.Errorf("score-create body not decoded: %+v", envelopes[3].Score)
	}

	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !envelopes[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", envelopes[0].Timestamp, want)
	}
	if len(envelopes[0].Raw) == 0 {
		t.Errorf("envelope should keep its raw JSON")
	}
}

func TestParseBatchRejectsWholeBatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{
			name:    "not json",
			raw:     `{"batch": [`,
			wantMsg: "not a batch object",
		},
		{
			name:    "missing batch array",
			raw:     `{"events": []}`,
			wantMsg: "missing batch array",
		},
		{
			name:    "empty batch",
			raw:     `{"batch": []}`,
			wantMsg: "batch array is empty",
		},
		{
			name:    "unknown type",
			raw:     `{"batch": [{"id": "e", "type": "dataset-create", "timestamp": "2026-03-01T00:00:00Z", "body": {}}]}`,
			wantMsg: `unknown event type "dataset-create"`,
		},
		{
			name:    "missing envelope id",
			raw:     `{"batch": [{"type": "trace-create", "timestamp": "2026-03-01T00:00:00Z", "body": {}}]}`,
			wantMsg: "envelope id is required",
		},
		{
			name:    "missing timestamp",
			raw:     `{"batch": [{"id": "e", "type": "trace-create", "body": {}}]}`,
			wantMsg: "envelope timestamp is required",
		},
		{
			name:    "bad timestamp",
			raw:     `{"batch": [{"id": "e", "type": "trace-create", "timestamp": "yesterday", "body": {}}]}`,
			wantMsg: "not a valid time",
		},
		{
			name:    "missing body",
			raw:     `{"batch": [{"id": "e", "type": "trace-create", "timestamp": "2026-03-01T00:00:00Z"}]}`,
			wantMsg: "envelope body is required",
		},
		{
			name:    "wrong field type",
			raw:     `{"batch": [{"id": "e", "type": "trace-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"name": 42}}]}`,
			wantMsg: "trace body",
		},
		{
			name:    "score missing name",
			raw:     `{"batch": [{"id": "e", "type": "score-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"value": 1, "traceId": "t"}}]}`,
			wantMsg: "name is required",
		},
		{
			name:    "score missing value",
			raw:     `{"batch": [{"id": "e", "type": "score-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"name": "n", "traceId": "t"}}]}`,
			wantMsg: "value is required",
		},
		{
			name:    "score missing trace id",
			raw:     `{"batch": [{"id": "e", "type": "score-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"name": "n", "value": 1}}]}`,
			wantMsg: "traceId is required",
		},
		{
			name:    "observation create without type",
			raw:     `{"batch": [{"id": "e", "type": "observation-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"id": "o"}}]}`,
			wantMsg: "type is required",
		},
		{
			name:    "observation unknown type",
			raw:     `{"batch": [{"id": "e", "type": "observation-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"type": "LOOP"}}]}`,
			wantMsg: `unknown observation type "LOOP"`,
		},
		{
			name:    "negative usage",
			raw:     `{"batch": [{"id": "e", "type": "observation-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"type": "GENERATION", "usage": {"input": -1}}}]}`,
			wantMsg: "cannot be negative",
		},
		{
			name:    "unknown usage unit",
			raw:     `{"batch": [{"id": "e", "type": "observation-create", "timestamp": "2026-03-01T00:00:00Z", "body": {"type": "GENERATION", "usage": {"unit": "WORDS"}}}]}`,
			wantMsg: `unknown usage unit "WORDS"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBatch([]byte(tc.raw), 100)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantMsg)
			}
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tc.wantMsg)
			}
		})
	}
}

func TestParseBatchSizeLimit(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"batch": [
		{"id": "e1", "type": "trace-create", "timestamp": "2026-03-01T00:00:00Z", "body": {}},
		{"id": "e2", "type": "trace-create", "timestamp": "2026-03-01T00:00:00Z", "body": {}}
	]}`)

	if _, err := ParseBatch(raw, 1); err == nil {
		t.Fatal("expected batch size error")
	}
	if _, err := ParseBatch(raw, 2); err != nil {
		t.Fatalf("batch within limit rejected: %v", err)
	}
	if _, err := ParseBatch(raw, 0); err != nil {
		t.Fatalf("zero limit should disable the cap: %v", err)
	}
}

func TestParseTimestampVariants(t *testing.T) {
	t.Parallel()

	cases := []string{
		"2026-03-01T10:00:00Z",
		"2026-03-01T10:00:00.123456Z",
		"2026-03-01T10:00:00+02:00",
		"2026-03-01T10:00:00.5",
		"2026-03-01 10:00:00",
		"2026-03-01",
	}
	for _, value := range cases {
		if _, err := ParseTimestamp(value); err != nil {
			t.Errorf("ParseTimestamp(%q) = %v", value, err)
		}
	}
	if _, err := ParseTimestamp("not-a-time"); err == nil {
		t.Error("expected error for invalid timestamp")
	}
}
