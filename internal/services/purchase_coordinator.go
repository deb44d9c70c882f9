package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/models"
	"github.com/umit144/purchase-reconciler/internal/verifier"
)

var (
	ErrInvalidParameter      = errors.New("purchase: invalid parameter")
	ErrUnknownProduct        = errors.New("purchase: unknown product identifier")
	ErrTransactionPurchasing = errors.New("purchase: transaction is still purchasing")
	ErrDownloadsPending      = errors.New("purchase: transaction has unfinished downloads")
	ErrPersistence           = errors.New("purchase: transaction could not be persisted")
	ErrMissingReceipt        = errors.New("purchase: app receipt is missing")
	ErrPlatformRejected      = errors.New("purchase: payment rejected by platform")
	ErrDownloadCancelled     = errors.New("purchase: download cancelled")
	ErrTransactionNotStored  = errors.New("purchase: transaction is not stored")
)

type ListKind int

const (
	FromPurchased ListKind = iota
	FromRestored
)

type ProductsResult struct {
	Products           []models.Product
	InvalidIdentifiers []string
}

type CoordinatorDeps struct {
	Queue    PaymentQueue
	Products ProductsRequester
	Receipts ReceiptProvider
	Store    TransactionStore
	Verifier ReceiptVerifier
	Notifier Notifier
	Logger   *zap.Logger
}

type CoordinatorOption func(*PurchaseCoordinator)

// WithManualFinish keeps persisted transactions on the platform queue until
// FinishTransaction or a successful VerifyTransaction.
func WithManualFinish() CoordinatorOption {
	return func(c *PurchaseCoordinator) { c.autoFinish = false }
}

func WithStorePaymentHandler(h StorePaymentHandler) CoordinatorOption {
	return func(c *PurchaseCoordinator) { c.storePaymentHandler = h }
}

// PurchaseCoordinator reconciles platform transaction events with the
// durable transaction store. A purchased or restored transaction is finished
// with the platform only after its record was stored.
type PurchaseCoordinator struct {
	queue    PaymentQueue
	products ProductsRequester
	receipts ReceiptProvider
	store    TransactionStore
	verifier ReceiptVerifier
	notifier Notifier
	logger   *zap.Logger

	autoFinish          bool
	storePaymentHandler StorePaymentHandler

	mu                 sync.Mutex
	availableProducts  map[string]models.Product
	invalidIdentifiers []string
	purchasing         []*models.PaymentTransaction
	purchased          []*models.PaymentTransaction
	restored           []*models.PaymentTransaction
	finished           map[any]struct{}
	downloadProgress   map[string]float64
	pendingDownloads   map[string]map[string]struct{}
	failedDownloads    map[string]struct{}
	restoredCount      int
}

func NewPurchaseCoordinator(deps CoordinatorDeps, opts ...CoordinatorOption) *PurchaseCoordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &PurchaseCoordinator{
		queue:             deps.Queue,
		products:          deps.Products,
		receipts:          deps.Receipts,
		store:             deps.Store,
		verifier:          deps.Verifier,
		notifier:          deps.Notifier,
		logger:            logger,
		autoFinish:        true,
		availableProducts: make(map[string]models.Product),
		finished:          make(map[any]struct{}),
		downloadProgress:  make(map[string]float64),
		pendingDownloads:  make(map[string]map[string]struct{}),
		failedDownloads:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *PurchaseCoordinator) CanMakePayments() bool {
	return c.queue.CanMakePayments()
}

// RequestProducts fetches product metadata and replaces the product cache.
func (c *PurchaseCoordinator) RequestProducts(ctx context.Context, identifiers []string) (ProductsResult, error) {
	ids := make([]string, 0, len(identifiers))
	for _, id := range funk.UniqString(identifiers) {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ProductsResult{}, fmt.Errorf("%w: no product identifiers", ErrInvalidParameter)
	}

	products, invalid, err := c.products.RequestProducts(ctx, ids)
	if err != nil {
		c.logger.Error("products request failed", zap.Error(err), zap.Strings("product_ids", ids))
		return ProductsResult{}, fmt.Errorf("requesting products: %w", err)
	}

	cache := make(map[string]models.Product, len(products))
	for _, p := range products {
		cache[p.Identifier] = p
	}

	c.mu.Lock()
	c.availableProducts = cache
	c.invalidIdentifiers = append([]string(nil), invalid...)
	c.mu.Unlock()

	c.logger.Info("products received", zap.Int("valid", len(products)), zap.Strings("invalid", invalid))
	return ProductsResult{Products: products, InvalidIdentifiers: invalid}, nil
}

func (c *PurchaseCoordinator) Product(identifier string) (models.Product, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.availableProducts[identifier]
	return p, ok
}

// Purchase enqueues a payment. The outcome is reported through notifications.
func (c *PurchaseCoordinator) Purchase(productIdentifier, userIdentifier string, quantity int) error {
	if productIdentifier == "" {
		return fmt.Errorf("%w: empty product identifier", ErrInvalidParameter)
	}
	if _, ok := c.Product(productIdentifier); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, productIdentifier)
	}
	if quantity < 1 {
		quantity = 1
	}

	c.queue.AddPayment(models.Payment{
		ProductIdentifier: productIdentifier,
		UserIdentifier:    userIdentifier,
		Quantity:          quantity,
	})

	c.logger.Info("payment added",
		zap.String("product_id", productIdentifier),
		zap.Int("quantity", quantity),
	)
	return nil
}

func (c *PurchaseCoordinator) RestoreTransactions(userIdentifier string) {
	c.mu.Lock()
	c.restoredCount = 0
	c.mu.Unlock()

	c.queue.RestoreCompletedTransactions(userIdentifier)
}

func (c *PurchaseCoordinator) RefreshReceipt(ctx context.Context) error {
	if err := c.receipts.RefreshReceipt(ctx); err != nil {
		return fmt.Errorf("refreshing receipt: %w", err)
	}
	return nil
}

// ShouldAddStorePayment is called for purchases started from the store front.
func (c *PurchaseCoordinator) ShouldAddStorePayment(payment models.Payment, product models.Product) bool {
	c.mu.Lock()
	c.availableProducts[product.Identifier] = product
	c.mu.Unlock()

	if c.storePaymentHandler == nil {
		return true
	}
	return c.storePaymentHandler(payment, product)
}

func (c *PurchaseCoordinator) HasPurchasedTransactions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.purchased) > 0
}

func (c *PurchaseCoordinator) HasRestoredTransactions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.restored) > 0
}

func (c *PurchaseCoordinator) ExtractTransaction(transactionIdentifier string, from ListKind) (*models.PaymentTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.purchased
	if from == FromRestored {
		list = c.restored
	}
	tx := findTransaction(list, transactionIdentifier)
	return tx, tx != nil
}

// FinishTransaction acknowledges tx with the platform. Finishing twice is a
// no-op.
func (c *PurchaseCoordinator) FinishTransaction(tx *models.PaymentTransaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidParameter)
	}
	if tx.State == models.TransactionPurchasing {
		return ErrTransactionPurchasing
	}

	key := finishKey(tx)

	c.mu.Lock()
	if _, done := c.finished[key]; done {
		c.mu.Unlock()
		return nil
	}
	if len(c.pendingDownloads[tx.TransactionIdentifier]) > 0 {
		c.mu.Unlock()
		return ErrDownloadsPending
	}
	c.finished[key] = struct{}{}
	delete(c.failedDownloads, tx.TransactionIdentifier)
	c.purchasing = removeTransaction(c.purchasing, tx)
	c.mu.Unlock()

	c.queue.FinishTransaction(tx)

	c.logger.Info("transaction finished",
		zap.String("transaction_id", tx.TransactionIdentifier),
		zap.Stringer("state", tx.State),
	)
	return nil
}

// UpdatedTransactions is the platform callback for transaction state changes.
func (c *PurchaseCoordinator) UpdatedTransactions(ctx context.Context, txs []*models.PaymentTransaction) {
	for _, tx := range txs {
		if tx == nil {
			continue
		}

		switch tx.State {
		case models.TransactionPurchasing:
			c.mu.Lock()
			if findByPointer(c.purchasing, tx) < 0 {
				c.purchasing = append(c.purchasing, tx)
			}
			c.mu.Unlock()
			c.emit(infoFor(tx, models.PurchaseStatePurchasing))

		case models.TransactionDeferred:
			c.emit(infoFor(tx, models.PurchaseStateDeferred))

		case models.TransactionCancelled:
			info := infoFor(tx, models.PurchaseStateCancelled)
			info.Error = tx.Error
			c.emit(info)
			c.finishLogged(tx)

		case models.TransactionFailed:
			info := infoFor(tx, models.PurchaseStateFailed)
			info.Error = rejectionError(tx.Error)
			c.emit(info)
			c.finishLogged(tx)

		case models.TransactionPurchased:
			c.completeTransaction(ctx, tx, false)

		case models.TransactionRestored:
			c.completeTransaction(ctx, tx, true)

		default:
			c.logger.Warn("ignoring transaction in unknown state",
				zap.String("transaction_id", tx.TransactionIdentifier),
				zap.Uint8("state", uint8(tx.State)),
			)
		}
	}
}

// RemovedTransactions is the platform callback for transactions that left
// the queue after being finished. Finish bookkeeping is dropped for handles
// the coordinator does not keep in its purchased or restored lists.
func (c *PurchaseCoordinator) RemovedTransactions(txs []*models.PaymentTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tx := range txs {
		if tx == nil {
			continue
		}
		c.purchasing = removeTransaction(c.purchasing, tx)
		if findByPointer(c.purchased, tx) < 0 && findByPointer(c.restored, tx) < 0 {
			delete(c.finished, finishKey(tx))
		}
		c.logger.Debug("transaction removed from queue", zap.String("transaction_id", tx.TransactionIdentifier))
	}
}

func (c *PurchaseCoordinator) RestoreCompleted() {
	c.mu.Lock()
	count := c.restoredCount
	c.mu.Unlock()

	c.logger.Info("restore completed", zap.Int("restored", count))
	c.emit(models.NotificationInfo{State: models.PurchaseStateRestoreCompleted, RestoredCount: count})
}

func (c *PurchaseCoordinator) RestoreFailed(err error) {
	c.logger.Warn("restore failed", zap.Error(err))
	c.emit(models.NotificationInfo{State: models.PurchaseStateRestoreFailed, Error: err})
}

// UpdatedDownloads is the platform callback for hosted content downloads.
// A transaction with downloads is finished once all of them succeeded. A
// failed or cancelled download no longer blocks FinishTransaction, but the
// transaction is then left for the caller to finish.
func (c *PurchaseCoordinator) UpdatedDownloads(downloads []models.Download) {
	for _, d := range downloads {
		progress := c.trackProgress(d)

		info := models.NotificationInfo{
			State:                 models.PurchaseStateDownload,
			DownloadState:         d.State,
			DownloadProgress:      progress,
			TransactionIdentifier: d.TransactionIdentifier,
		}

		switch d.State {
		case models.DownloadCancelled:
			info.Error = ErrDownloadCancelled
			c.downloadEnded(d)
		case models.DownloadFailed:
			info.Error = d.Error
			c.downloadEnded(d)
		}
		c.emit(info)

		if d.State != models.DownloadSucceeded {
			continue
		}

		tx, ready := c.downloadSucceeded(d)
		if ready && tx != nil && c.autoFinish {
			c.finishLogged(tx)
		}
	}
}

// VerifyTransaction verifies the stored receipt of a transaction. On success
// the transaction is finished if it is still pending, and its record is
// removed once the platform has been told it is finished. On failure the
// record is kept for a later attempt.
func (c *PurchaseCoordinator) VerifyTransaction(ctx context.Context, transactionIdentifier, sharedSecret string) (*verifier.Request, error) {
	rec, err := c.store.Retrieve(ctx, transactionIdentifier)
	if err != nil {
		return nil, fmt.Errorf("retrieving record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotStored, transactionIdentifier)
	}

	req := c.verifier.Verify(ctx, rec.TransactionReceipt, sharedSecret)
	bg := context.WithoutCancel(ctx)
	req.OnComplete(func(resp *verifier.Response, err error) {
		c.verificationCompleted(bg, *rec, resp, err)
	})
	return req, nil
}

func (c *PurchaseCoordinator) verificationCompleted(ctx context.Context, rec models.Record, resp *verifier.Response, err error) {
	if err != nil {
		info := notificationFor(rec, models.PurchaseStateVerificationFailed)
		info.Error = err
		var statusErr *verifier.StatusError
		if errors.As(err, &statusErr) {
			status := statusErr.Status
			info.VerificationStatus = &status
		}
		c.logger.Warn("receipt verification failed",
			zap.Error(err),
			zap.String("transaction_id", rec.TransactionIdentifier),
		)
		c.emit(info)
		return
	}

	status := resp.Status
	info := notificationFor(rec, models.PurchaseStateVerificationSucceeded)
	info.VerificationStatus = &status

	c.mu.Lock()
	tx := findTransaction(c.purchased, rec.TransactionIdentifier)
	if tx == nil {
		tx = findTransaction(c.restored, rec.TransactionIdentifier)
	}
	c.mu.Unlock()

	if tx != nil {
		if err := c.FinishTransaction(tx); err != nil {
			c.logger.Warn("verified transaction not finished yet",
				zap.Error(err),
				zap.String("transaction_id", rec.TransactionIdentifier),
			)
		}
	}

	if c.isFinished(rec.TransactionIdentifier) {
		if err := c.store.Remove(ctx, rec.TransactionIdentifier); err != nil {
			c.logger.Error("failed to remove verified record",
				zap.Error(err),
				zap.String("transaction_id", rec.TransactionIdentifier),
			)
		}
	}

	c.emit(info)
}

func (c *PurchaseCoordinator) completeTransaction(ctx context.Context, tx *models.PaymentTransaction, restored bool) {
	list := FromPurchased
	if restored {
		list = FromRestored
	}

	if c.isFinished(tx.TransactionIdentifier) {
		c.logger.Debug("ignoring redelivered finished transaction", zap.String("transaction_id", tx.TransactionIdentifier))
		return
	}
	if _, seen := c.ExtractTransaction(tx.TransactionIdentifier, list); seen {
		c.logger.Debug("ignoring duplicate transaction update", zap.String("transaction_id", tx.TransactionIdentifier))
		return
	}

	receipt, err := c.receipts.AppReceipt()
	if err == nil && len(receipt) == 0 {
		err = ErrMissingReceipt
	}
	if err != nil {
		c.persistenceFailed(tx, fmt.Errorf("%w: %w", ErrPersistence, err))
		return
	}

	rec := models.NewPurchasedRecord(tx, receipt)
	state := models.PurchaseStateSucceeded
	if restored {
		rec = models.NewRestoredRecord(tx, receipt)
		state = models.PurchaseStateRestored
	}

	if err := c.store.Store(ctx, rec); err != nil {
		c.persistenceFailed(tx, fmt.Errorf("%w: %w", ErrPersistence, err))
		return
	}

	c.mu.Lock()
	c.purchasing = removeTransaction(c.purchasing, tx)
	if restored {
		c.restored = append(c.restored, tx)
		c.restoredCount++
	} else {
		c.purchased = append(c.purchased, tx)
	}
	if len(tx.Downloads) > 0 {
		pending := make(map[string]struct{}, len(tx.Downloads))
		for _, d := range tx.Downloads {
			pending[d.ID] = struct{}{}
		}
		c.pendingDownloads[tx.TransactionIdentifier] = pending
	}
	c.mu.Unlock()

	c.logger.Info("transaction persisted",
		zap.String("transaction_id", tx.TransactionIdentifier),
		zap.String("product_id", tx.Payment.ProductIdentifier),
		zap.Bool("restored", restored),
	)
	c.emit(infoFor(tx, state))

	if len(tx.Downloads) > 0 {
		c.queue.StartDownloads(tx.Downloads)
		return
	}
	if c.autoFinish {
		c.finishLogged(tx)
	}
}

// persistenceFailed reports a transaction that could not be stored. It stays
// unfinished so the platform delivers it again.
func (c *PurchaseCoordinator) persistenceFailed(tx *models.PaymentTransaction, err error) {
	c.logger.Error("transaction not persisted, leaving it on the queue",
		zap.Error(err),
		zap.String("transaction_id", tx.TransactionIdentifier),
	)
	info := infoFor(tx, models.PurchaseStateFailed)
	info.Error = err
	c.emit(info)
}

func (c *PurchaseCoordinator) finishLogged(tx *models.PaymentTransaction) {
	if err := c.FinishTransaction(tx); err != nil {
		c.logger.Error("failed to finish transaction", zap.Error(err), zap.String("transaction_id", tx.TransactionIdentifier))
	}
}

func (c *PurchaseCoordinator) trackProgress(d models.Download) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := d.Progress
	if p < 0 {
		p = 0
	}
	if p > 1 || d.State == models.DownloadSucceeded {
		p = 1
	}
	if last, ok := c.downloadProgress[d.ID]; ok && p < last {
		p = last
	}

	if d.State.Finished() {
		delete(c.downloadProgress, d.ID)
	} else {
		c.downloadProgress[d.ID] = p
	}
	return p
}

// downloadSucceeded marks d done and returns the owning transaction when it
// has no downloads left.
func (c *PurchaseCoordinator) downloadSucceeded(d models.Download) (*models.PaymentTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.clearPendingDownload(d) {
		return nil, false
	}
	if _, failed := c.failedDownloads[d.TransactionIdentifier]; failed {
		return nil, false
	}

	tx := findTransaction(c.purchased, d.TransactionIdentifier)
	if tx == nil {
		tx = findTransaction(c.restored, d.TransactionIdentifier)
	}
	return tx, true
}

// downloadEnded drops a failed or cancelled download from the pending set
// and remembers that its transaction must not be finished automatically.
func (c *PurchaseCoordinator) downloadEnded(d models.Download) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pendingDownloads[d.TransactionIdentifier]; !ok {
		return
	}
	c.failedDownloads[d.TransactionIdentifier] = struct{}{}
	c.clearPendingDownload(d)
}

// clearPendingDownload must be called with c.mu held. It reports whether the
// transaction of d has no pending downloads left.
func (c *PurchaseCoordinator) clearPendingDownload(d models.Download) bool {
	pending, ok := c.pendingDownloads[d.TransactionIdentifier]
	if !ok {
		return false
	}
	delete(pending, d.ID)
	if len(pending) > 0 {
		return false
	}
	delete(c.pendingDownloads, d.TransactionIdentifier)
	return true
}

func (c *PurchaseCoordinator) isFinished(transactionIdentifier string) bool {
	if transactionIdentifier == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finished[transactionIdentifier]
	return ok
}

func (c *PurchaseCoordinator) emit(info models.NotificationInfo) {
	if c.notifier == nil {
		return
	}
	info.EventID = uuid.NewString()
	c.notifier.Dispatch(info)
}

func infoFor(tx *models.PaymentTransaction, state models.PurchaseState) models.NotificationInfo {
	info := models.NotificationInfo{
		State:                 state,
		ProductIdentifier:     tx.Payment.ProductIdentifier,
		TransactionIdentifier: tx.TransactionIdentifier,
	}
	if !tx.TransactionDate.IsZero() {
		info.TransactionDate = timePtr(tx.TransactionDate)
	}
	if tx.Original != nil {
		info.OriginalTransactionIdentifier = tx.Original.TransactionIdentifier
		if !tx.Original.TransactionDate.IsZero() {
			info.OriginalTransactionDate = timePtr(tx.Original.TransactionDate)
		}
	}
	return info
}

func rejectionError(err error) error {
	if err == nil {
		return ErrPlatformRejected
	}
	return fmt.Errorf("%w: %w", ErrPlatformRejected, err)
}

// finishKey identifies a transaction for finish bookkeeping. Transactions
// without a platform identifier (cancelled, failed) are tracked by handle.
func finishKey(tx *models.PaymentTransaction) any {
	if tx.TransactionIdentifier != "" {
		return tx.TransactionIdentifier
	}
	return tx
}

func findTransaction(list []*models.PaymentTransaction, id string) *models.PaymentTransaction {
	if id == "" {
		return nil
	}
	for _, tx := range list {
		if tx.TransactionIdentifier == id {
			return tx
		}
	}
	return nil
}

func findByPointer(list []*models.PaymentTransaction, tx *models.PaymentTransaction) int {
	for i, t := range list {
		if t == tx {
			return i
		}
	}
	return -1
}

func removeTransaction(list []*models.PaymentTransaction, tx *models.PaymentTransaction) []*models.PaymentTransaction {
	i := findByPointer(list, tx)
	if i < 0 {
		return list
	}
	return append(list[:i:i], list[i+1:]...)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
