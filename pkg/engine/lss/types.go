// Package lss implements the log-structured store: the single append-only,
// totally-ordered source of truth the functional core replays to recover.
package lss

import "fmt"

// maxStringField bounds partitionId and type, per the wire contract.
const maxStringField = 255

// Event is one durable record in the log. OrderID is assigned by the
// writer at append time and is strictly increasing across the whole log.
type Event struct {
	OrderID     int64          `json:"orderId"`
	PartitionID string         `json:"partitionId"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	Metadata    map[string]any `json:"metadata"`
}

// bootstrapEvent is the record every fresh log starts with, matching the
// wire contract's fixed genesis record.
func bootstrapEvent() Event {
	return Event{
		OrderID:     0,
		PartitionID: "system",
		Type:        "LSS.Initialized",
		Data:        map[string]any{},
		Metadata:    map[string]any{},
	}
}

func validateFieldLengths(e Event) error {
	if len(e.PartitionID) > maxStringField {
		return fmt.Errorf("%w: partitionId exceeds %d bytes", ErrInvalidEvent, maxStringField)
	}
	if len(e.Type) > maxStringField {
		return fmt.Errorf("%w: type exceeds %d bytes", ErrInvalidEvent, maxStringField)
	}
	if e.PartitionID == "" {
		return fmt.Errorf("%w: partitionId is empty", ErrInvalidEvent)
	}
	return nil
}
