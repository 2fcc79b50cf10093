package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const CloudEventsSpecVersion = "1.0"

// CloudEvent is the envelope of every message on the bus. For inbound
// events Type is the event name and Data the attribute bag.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Time        string         `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewCloudEvent stamps a fresh envelope.
func NewCloudEvent(source, typ string, data map[string]any) CloudEvent {
	return CloudEvent{
		SpecVersion: CloudEventsSpecVersion,
		ID:          uuid.NewString(),
		Source:      source,
		Type:        typ,
		Time:        time.Now().UTC().Format(time.RFC3339Nano),
		Data:        data,
	}
}

// DecodeCloudEvent parses and checks an envelope. Numbers in Data decode as
// float64.
func DecodeCloudEvent(raw []byte) (CloudEvent, error) {
	var ce CloudEvent
	if err := json.Unmarshal(raw, &ce); err != nil {
		return CloudEvent{}, fmt.Errorf("decode cloud event: %w", err)
	}
	if ce.SpecVersion != CloudEventsSpecVersion {
		return CloudEvent{}, fmt.Errorf("unsupported specversion %q", ce.SpecVersion)
	}
	if ce.Type == "" {
		return CloudEvent{}, errors.New("cloud event has no type")
	}
	if ce.Data == nil {
		ce.Data = map[string]any{}
	}
	return ce, nil
}

// decodeData re-marshals an envelope payload into a typed value.
func decodeData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// encodeData flattens a typed payload into envelope data.
func encodeData(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
