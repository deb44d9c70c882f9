package models

import "time"

// TransactionState mirrors the states reported by the payment platform queue.
type TransactionState uint8

const (
	TransactionPurchasing TransactionState = iota
	TransactionPurchased
	TransactionFailed
	TransactionRestored
	TransactionDeferred
	TransactionCancelled
)

func (s TransactionState) String() string {
	switch s {
	case TransactionPurchasing:
		return "purchasing"
	case TransactionPurchased:
		return "purchased"
	case TransactionFailed:
		return "failed"
	case TransactionRestored:
		return "restored"
	case TransactionDeferred:
		return "deferred"
	case TransactionCancelled:
		return "cancelled"
	}
	return "unknown"
}

type Payment struct {
	ProductIdentifier string
	UserIdentifier    string
	Quantity          int
}

// PaymentTransaction is a handle owned by the payment platform. The
// coordinator keeps references to it but never persists it.
type PaymentTransaction struct {
	State                 TransactionState
	Payment               Payment
	TransactionIdentifier string
	TransactionDate       time.Time
	Original              *PaymentTransaction
	Error                 error
	Downloads             []Download
}

type DownloadState uint8

const (
	DownloadStarted DownloadState = iota + 1
	DownloadInProgress
	DownloadCancelled
	DownloadFailed
	DownloadSucceeded
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStarted:
		return "started"
	case DownloadInProgress:
		return "in_progress"
	case DownloadCancelled:
		return "cancelled"
	case DownloadFailed:
		return "failed"
	case DownloadSucceeded:
		return "succeeded"
	}
	return "none"
}

// Finished reports whether the download reached a terminal state.
func (s DownloadState) Finished() bool {
	return s == DownloadCancelled || s == DownloadFailed || s == DownloadSucceeded
}

type Download struct {
	ID                    string
	TransactionIdentifier string
	State                 DownloadState
	Progress              float64
	Error                 error
}
