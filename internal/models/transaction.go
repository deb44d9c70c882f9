package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordState is the persisted state of a transaction record. Only completed
// monetary transactions are durable.
type RecordState uint8

const (
	RecordPurchased RecordState = iota + 1
	RecordRestored
)

var recordStateNames = map[RecordState]string{
	RecordPurchased: "purchased",
	RecordRestored:  "restored",
}

func (s RecordState) String() string {
	if name, ok := recordStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s RecordState) Valid() bool {
	_, ok := recordStateNames[s]
	return ok
}

func (s RecordState) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid record state: %d", uint8(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the state names written by MarshalJSON. Any other
// value (including legacy transient states such as "cancelled" or "failed")
// decodes to the zero state, which callers must treat as not persistable.
func (s *RecordState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("decoding record state: %w", err)
	}
	*s = 0
	for state, n := range recordStateNames {
		if n == name {
			*s = state
		}
	}
	return nil
}

type Record struct {
	State                         RecordState `json:"state"`
	ProductIdentifier             string      `json:"product_identifier"`
	UserIdentifier                string      `json:"user_identifier,omitempty"`
	TransactionIdentifier         string      `json:"transaction_identifier"`
	TransactionTimestamp          time.Time   `json:"transaction_timestamp"`
	OriginalTransactionIdentifier string      `json:"original_transaction_identifier,omitempty"`
	OriginalTransactionTimestamp  *time.Time  `json:"original_transaction_timestamp,omitempty"`
	TransactionReceipt            []byte      `json:"transaction_receipt"`
	VerifiedAt                    *time.Time  `json:"verified_at,omitempty"`
	VerifiedEnvironment           string      `json:"verified_environment,omitempty"`
}

// Complete reports whether the record carries everything needed to be stored.
func (r Record) Complete() bool {
	return r.State.Valid() && r.TransactionIdentifier != "" && len(r.TransactionReceipt) > 0
}

func (r Record) Verified() bool {
	return r.VerifiedAt != nil
}

// NewPurchasedRecord builds the durable record for a purchased platform transaction.
func NewPurchasedRecord(tx *PaymentTransaction, receipt []byte) Record {
	return Record{
		State:                 RecordPurchased,
		ProductIdentifier:     tx.Payment.ProductIdentifier,
		UserIdentifier:        tx.Payment.UserIdentifier,
		TransactionIdentifier: tx.TransactionIdentifier,
		TransactionTimestamp:  tx.TransactionDate,
		TransactionReceipt:    receipt,
	}
}

// NewRestoredRecord builds the durable record for a restored platform
// transaction, copying the original purchase reference when present.
func NewRestoredRecord(tx *PaymentTransaction, receipt []byte) Record {
	rec := NewPurchasedRecord(tx, receipt)
	rec.State = RecordRestored
	if tx.Original != nil {
		rec.OriginalTransactionIdentifier = tx.Original.TransactionIdentifier
		ts := tx.Original.TransactionDate
		rec.OriginalTransactionTimestamp = &ts
	}
	return rec
}
