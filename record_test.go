package main

import "testing"

func TestDecodePayloadSingleObject(t *testing.T) {
	elements, err := decodePayload([]byte(`{"device_id":"d1","timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(elements) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elements))
	}
}

func TestDecodePayloadArray(t *testing.T) {
	elements, err := decodePayload([]byte(`[{"device_id":"d1"},{"device_id":"d2"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}
}

func TestDecodePayloadMalformedOuterJSON(t *testing.T) {
	if _, err := decodePayload([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed outer JSON")
	}
}

func TestParseRecordNonStringDeviceIDTreatedAsMissing(t *testing.T) {
	raw := []byte(`{"device_id":12345,"timestamp":"2024-01-01T00:00:00Z","displacement":1,"force":2}`)
	elements, err := decodePayload(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, ok := parseRecord(elements[0])
	if !ok {
		t.Fatal("expected record to parse despite non-string device_id")
	}
	if record.HasDeviceID() {
		t.Fatal("expected HasDeviceID() false for a numeric device_id")
	}
}

func TestParseRecordMalformedElement(t *testing.T) {
	_, ok := parseRecord([]byte(`{"device_id": "d1", "displacement": "not-a-number"}`))
	if ok {
		t.Fatal("expected parseRecord to fail on a type-mismatched numeric field")
	}
}

func TestParsedTimestampRejectsNonISO(t *testing.T) {
	r := Record{Timestamp: "not-a-timestamp"}
	if _, err := r.ParsedTimestamp(); err == nil {
		t.Fatal("expected error parsing a non-ISO-8601 timestamp")
	}
}

func TestParsedTimestampAcceptsRFC3339(t *testing.T) {
	r := Record{Timestamp: "2024-06-01T12:30:00Z"}
	if _, err := r.ParsedTimestamp(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordMarshalJSONRoundTripsDeviceID(t *testing.T) {
	r := Record{DeviceID: "d1", Timestamp: "2024-06-01T12:30:00Z", Displacement: 1.5, Force: 2.5}
	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	elements, err := decodePayload(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, ok := parseRecord(elements[0])
	if !ok {
		t.Fatal("expected round-tripped record to parse")
	}
	if parsed.DeviceID != "d1" {
		t.Fatalf("DeviceID = %q, want d1", parsed.DeviceID)
	}
}
