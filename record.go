package main

import (
	"encoding/json"
	"time"
)

// Record is one measurement tuple as defined in spec §3.
type Record struct {
	DeviceID     string  `json:"-"`
	Timestamp    string  `json:"timestamp"`
	Displacement float64 `json:"displacement"`
	Force        float64 `json:"force"`
	DeviceToken  string  `json:"device_token,omitempty"`
	MessageID    int64   `json:"message_id,omitempty"`
}

// rawRecord mirrors the wire shape but keeps device_id as a raw token so a
// non-string device_id ("treated as missing", spec §4.2 edge cases) doesn't
// fail the whole record the way a typed string field would.
type rawRecord struct {
	DeviceID     json.RawMessage `json:"device_id"`
	Timestamp    string          `json:"timestamp"`
	Displacement float64         `json:"displacement"`
	Force        float64         `json:"force"`
	DeviceToken  string          `json:"device_token,omitempty"`
	MessageID    int64           `json:"message_id,omitempty"`
}

// ParsedTimestamp parses Timestamp strictly as ISO-8601, accepting a
// trailing "Z" as UTC (spec §4.4.b).
func (r Record) ParsedTimestamp() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.Timestamp)
}

// HasDeviceID reports whether this record named a device to route to.
func (r Record) HasDeviceID() bool {
	return r.DeviceID != ""
}

// MarshalJSON re-attaches device_id, which Record keeps untagged on the
// read side so parseRecord can special-case a non-string value.
func (r Record) MarshalJSON() ([]byte, error) {
	type wire struct {
		DeviceID     string  `json:"device_id"`
		Timestamp    string  `json:"timestamp"`
		Displacement float64 `json:"displacement"`
		Force        float64 `json:"force"`
		DeviceToken  string  `json:"device_token,omitempty"`
		MessageID    int64   `json:"message_id,omitempty"`
	}
	return json.Marshal(wire{
		DeviceID:     r.DeviceID,
		Timestamp:    r.Timestamp,
		Displacement: r.Displacement,
		Force:        r.Force,
		DeviceToken:  r.DeviceToken,
		MessageID:    r.MessageID,
	})
}

// decodePayload parses a raw broker payload into a slice of json.RawMessage
// elements: one element for a single Record object, or one per element of a
// top-level JSON array (spec §3, §6 — "batched" detected as a top-level
// sequence). An error here means the outer JSON itself is malformed and the
// whole payload is a parse failure (spec §4.2 step 2).
func decodePayload(raw []byte) ([]json.RawMessage, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(raw, &elements); err != nil {
			return nil, err
		}
		return elements, nil
	}

	var probe json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	return []json.RawMessage{probe}, nil
}

// parseRecord decodes one element of a payload into a Record. ok is false
// when the element isn't a well-formed record at all (malformed JSON
// object, or a field with the wrong type beyond device_id). A non-string
// device_id parses successfully with DeviceID == "" ("treated as missing",
// spec §4.2), which the dispatcher then drops and counts.
func parseRecord(raw json.RawMessage) (Record, bool) {
	var rr rawRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return Record{}, false
	}

	var deviceID string
	if len(rr.DeviceID) > 0 {
		// A type mismatch here (number, object, array) leaves deviceID
		// at its zero value — exactly the "missing" treatment spec §4.2
		// asks for, without failing the record's other fields.
		_ = json.Unmarshal(rr.DeviceID, &deviceID)
	}

	return Record{
		DeviceID:     deviceID,
		Timestamp:    rr.Timestamp,
		Displacement: rr.Displacement,
		Force:        rr.Force,
		DeviceToken:  rr.DeviceToken,
		MessageID:    rr.MessageID,
	}, true
}

func trimLeadingSpace(raw []byte) []byte {
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return raw[i:]
}
