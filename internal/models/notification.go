package models

import (
	"encoding/json"
	"time"
)

type PurchaseState string

const (
	PurchaseStatePurchasing            PurchaseState = "purchasing"
	PurchaseStateCancelled             PurchaseState = "cancelled"
	PurchaseStateFailed                PurchaseState = "failed"
	PurchaseStateSucceeded             PurchaseState = "succeeded"
	PurchaseStateRestored              PurchaseState = "restored"
	PurchaseStateRestoreCompleted      PurchaseState = "restore_completed"
	PurchaseStateRestoreFailed         PurchaseState = "restore_failed"
	PurchaseStateDeferred              PurchaseState = "deferred"
	PurchaseStateVerificationSucceeded PurchaseState = "verification_succeeded"
	PurchaseStateVerificationFailed    PurchaseState = "verification_failed"
	PurchaseStateDownload              PurchaseState = "download"
)

// NotificationInfo is built fresh for every dispatched event and never stored.
type NotificationInfo struct {
	EventID                       string        `json:"event_id"`
	State                         PurchaseState `json:"state"`
	DownloadState                 DownloadState `json:"download_state,omitempty"`
	DownloadProgress              float64       `json:"download_progress,omitempty"`
	Error                         error         `json:"-"`
	ProductIdentifier             string        `json:"product_identifier,omitempty"`
	TransactionIdentifier         string        `json:"transaction_identifier,omitempty"`
	OriginalTransactionIdentifier string        `json:"original_transaction_identifier,omitempty"`
	TransactionDate               *time.Time    `json:"transaction_date,omitempty"`
	OriginalTransactionDate       *time.Time    `json:"original_transaction_date,omitempty"`
	RestoredCount                 int           `json:"restored_count"`
	VerificationStatus            *int          `json:"verification_status,omitempty"`
}

// MarshalJSON renders Error as a message string so sinks can publish the event.
func (n NotificationInfo) MarshalJSON() ([]byte, error) {
	type alias NotificationInfo
	var msg string
	if n.Error != nil {
		msg = n.Error.Error()
	}
	return json.Marshal(struct {
		alias
		ErrorMessage string `json:"error,omitempty"`
	}{alias(n), msg})
}
