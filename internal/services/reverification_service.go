package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umit144/purchase-reconciler/internal/models"
	"github.com/umit144/purchase-reconciler/internal/verifier"
)

type ReverificationService interface {
	ProcessStoredTransactions(ctx context.Context) (ReverificationSummary, error)
}

type ReverificationSummary struct {
	Total    int
	Verified int
	Rejected int
	Errored  int
}

// Sleeper waits between retries; tests substitute a fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type DefaultSleeper struct{}

func (DefaultSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type ReverificationConfig struct {
	SharedSecret string
	Retries      int
	RetryBackoff time.Duration
	Concurrency  int
}

type reverificationService struct {
	store    TransactionStore
	verifier ReceiptVerifier
	notifier Notifier
	sleeper  Sleeper
	logger   *zap.Logger
	cfg      ReverificationConfig
	now      func() time.Time
}

func NewReverificationService(
	store TransactionStore,
	verifier ReceiptVerifier,
	notifier Notifier,
	sleeper Sleeper,
	logger *zap.Logger,
	cfg ReverificationConfig,
) ReverificationService {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if sleeper == nil {
		sleeper = DefaultSleeper{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &reverificationService{
		store:    store,
		verifier: verifier,
		notifier: notifier,
		sleeper:  sleeper,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// ProcessStoredTransactions verifies every stored record that has not been
// verified yet. Verified records are marked in place unless they were removed
// meanwhile; rejected records are kept untouched and reported.
func (s *reverificationService) ProcessStoredTransactions(ctx context.Context) (ReverificationSummary, error) {
	records, err := s.store.RetrieveAll(ctx)
	if err != nil {
		return ReverificationSummary{}, fmt.Errorf("fetching stored transactions: %w", err)
	}

	var pending []models.Record
	for _, rec := range records {
		if !rec.Verified() {
			pending = append(pending, rec)
		}
	}

	summary := ReverificationSummary{Total: len(pending)}
	if len(pending) == 0 {
		return summary, nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.cfg.Concurrency)
	)

	for _, rec := range pending {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return summary, ctx.Err()
		}

		wg.Add(1)
		go func(rec models.Record) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := s.processRecord(ctx, rec)

			mu.Lock()
			switch outcome {
			case outcomeVerified:
				summary.Verified++
			case outcomeRejected:
				summary.Rejected++
			default:
				summary.Errored++
			}
			mu.Unlock()
		}(rec)
	}

	wg.Wait()

	s.logger.Info("stored transactions processed",
		zap.Int("total", summary.Total),
		zap.Int("verified", summary.Verified),
		zap.Int("rejected", summary.Rejected),
		zap.Int("errored", summary.Errored),
	)
	return summary, nil
}

type outcome int

const (
	outcomeErrored outcome = iota
	outcomeVerified
	outcomeRejected
)

func (s *reverificationService) processRecord(ctx context.Context, rec models.Record) outcome {
	s.logger.Info("processing stored transaction",
		zap.String("transaction_id", rec.TransactionIdentifier),
		zap.String("product_id", rec.ProductIdentifier),
		zap.Stringer("state", rec.State),
	)

	resp, err := s.verifyWithRetry(ctx, rec)
	if err != nil {
		info := notificationFor(rec, models.PurchaseStateVerificationFailed)
		info.Error = err

		var statusErr *verifier.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			status := statusErr.Status
			info.VerificationStatus = &status
			s.publish(info)
			return outcomeRejected
		}

		s.logger.Error("error verifying stored transaction",
			zap.Error(err),
			zap.String("transaction_id", rec.TransactionIdentifier),
		)
		s.publish(info)
		return outcomeErrored
	}

	marked, err := s.store.MarkVerified(ctx, rec.TransactionIdentifier, s.now().UTC(), resp.Environment)
	if err != nil {
		s.logger.Error("error marking transaction verified",
			zap.Error(err),
			zap.String("transaction_id", rec.TransactionIdentifier),
		)
		return outcomeErrored
	}
	if !marked {
		s.logger.Info("transaction removed while being verified",
			zap.String("transaction_id", rec.TransactionIdentifier),
		)
		return outcomeVerified
	}

	status := resp.Status
	info := notificationFor(rec, models.PurchaseStateVerificationSucceeded)
	info.VerificationStatus = &status
	s.publish(info)
	return outcomeVerified
}

func (s *reverificationService) verifyWithRetry(ctx context.Context, rec models.Record) (*verifier.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		resp, err := s.verifier.Verify(ctx, rec.TransactionReceipt, s.cfg.SharedSecret).Result()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !verifier.IsRetryable(err) || attempt == s.cfg.Retries {
			break
		}

		s.logger.Warn("retrying receipt verification",
			zap.Error(err),
			zap.String("transaction_id", rec.TransactionIdentifier),
			zap.Int("attempt", attempt),
		)
		if err := s.sleeper.Sleep(ctx, time.Duration(attempt)*s.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("verification failed after retries: %w", lastErr)
}

func (s *reverificationService) publish(info models.NotificationInfo) {
	if s.notifier == nil {
		return
	}
	info.EventID = uuid.NewString()
	s.notifier.Dispatch(info)
}

func notificationFor(rec models.Record, state models.PurchaseState) models.NotificationInfo {
	return models.NotificationInfo{
		State:                         state,
		ProductIdentifier:             rec.ProductIdentifier,
		TransactionIdentifier:         rec.TransactionIdentifier,
		OriginalTransactionIdentifier: rec.OriginalTransactionIdentifier,
		TransactionDate:               timePtr(rec.TransactionTimestamp),
		OriginalTransactionDate:       rec.OriginalTransactionTimestamp,
	}
}
