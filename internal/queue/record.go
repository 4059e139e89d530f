package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one persisted offline mutation.
type Record struct {
	ID         uint64    `json:"id"`
	Payload    Payload   `json:"payload"`
	Credential string    `json:"credential"`
	CreatedAt  time.Time `json:"createdAt"`
	Synced     bool      `json:"synced"`

	Method         string `json:"method"`
	Path           string `json:"path"`
	IdempotencyKey string `json:"idempotencyKey"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"lastError,omitempty"`
}

// Payload is the opaque mutation body. It is stored flattened as
// {type, ...fields, capturedAt}.
type Payload struct {
	Type       string
	Fields     map[string]any
	CapturedAt time.Time
}

const (
	typeField       = "type"
	capturedAtField = "capturedAt"
)

func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Fields)+2)
	for k, v := range p.Fields {
		out[k] = v
	}
	out[typeField] = p.Type
	out[capturedAtField] = p.CapturedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	p.Type, _ = raw[typeField].(string)
	if s, ok := raw[capturedAtField].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("payload capturedAt: %w", err)
		}
		p.CapturedAt = t
	}
	delete(raw, typeField)
	delete(raw, capturedAtField)
	p.Fields = raw
	return nil
}

// FieldsFromBody turns a request body into payload fields. A JSON object is
// used as is; anything else is kept as a string under "body".
func FieldsFromBody(body []byte) map[string]any {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"body": string(body)}
}

// Body is what gets replayed to the server: the flattened payload, so the
// server sees the capture time rather than the send time.
func (r Record) Body() ([]byte, error) {
	return json.Marshal(r.Payload)
}
