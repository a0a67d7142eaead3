// Package outbox contains the public domain model for queued notification
// intents: the claimed rows, the decoded event kinds and the push messages
// built from them.
package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RowID is the stable identity of an outbox row. The queue may expose it as a
// JSON string or a JSON integer; either way it is carried as its text form and
// handed back to the store unchanged.
type RowID string

func (id RowID) String() string { return string(id) }

// UnmarshalJSON accepts both "42" and 42.
func (id *RowID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("outbox row id is null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid outbox row id %s: %w", data, err)
		}
		*id = RowID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid outbox row id %s: %w", data, err)
	}
	*id = RowID(strconv.FormatInt(n, 10))
	return nil
}

// EventType is the discriminator column of an outbox row.
type EventType string

const (
	EventSaleCreated      EventType = "SALE_CREATED"
	EventStockLow         EventType = "STOCK_LOW"
	EventPurchaseReceived EventType = "PURCHASE_RECEIVED"
	EventPaymentRecorded  EventType = "PAYMENT_RECORDED"
	EventSaleVoided       EventType = "SALE_VOIDED"
)

// Row is a claimed outbox item. Rows are created by business logic elsewhere;
// the dispatcher only reads claimed rows and writes their terminal state.
type Row struct {
	ID      RowID           `json:"id"`
	Type    EventType       `json:"type"`
	RefID   *string         `json:"ref_id"`
	Payload json.RawMessage `json:"payload"`
}

// Ref returns the correlation key or "" when the row has none.
func (r Row) Ref() string {
	if r.RefID == nil {
		return ""
	}
	return *r.RefID
}

// Status is the lifecycle state of a row in the queue.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
	StatusProcessed Status = "PROCESSED"
	StatusError     Status = "ERROR"
)
