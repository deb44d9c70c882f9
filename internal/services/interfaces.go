package services

import (
	"context"
	"time"

	"github.com/umit144/purchase-reconciler/internal/models"
	"github.com/umit144/purchase-reconciler/internal/verifier"
)

// PaymentQueue is the payment platform's transaction queue. Results of
// AddPayment and RestoreCompletedTransactions arrive later through the
// coordinator's callback methods.
type PaymentQueue interface {
	AddPayment(payment models.Payment)
	RestoreCompletedTransactions(userIdentifier string)
	FinishTransaction(tx *models.PaymentTransaction)
	StartDownloads(downloads []models.Download)
	CanMakePayments() bool
}

type ProductsRequester interface {
	RequestProducts(ctx context.Context, identifiers []string) (products []models.Product, invalidIdentifiers []string, err error)
}

type ReceiptProvider interface {
	AppReceipt() ([]byte, error)
	RefreshReceipt(ctx context.Context) error
}

type TransactionStore interface {
	Store(ctx context.Context, rec models.Record) error
	Retrieve(ctx context.Context, id string) (*models.Record, error)
	RetrieveAll(ctx context.Context) ([]models.Record, error)
	Remove(ctx context.Context, id string) error
	// MarkVerified reports false when id is no longer stored.
	MarkVerified(ctx context.Context, id string, at time.Time, environment string) (bool, error)
}

type ReceiptVerifier interface {
	Verify(ctx context.Context, receipt []byte, sharedSecret string) *verifier.Request
}

type Notifier interface {
	Dispatch(info models.NotificationInfo)
}

// StorePaymentHandler decides whether a purchase started from the store
// front, outside the app, should be added to the queue now.
type StorePaymentHandler func(payment models.Payment, product models.Product) bool
