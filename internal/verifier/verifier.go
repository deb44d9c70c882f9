// Package verifier checks purchase receipts against the App Store
// verifyReceipt endpoint. Every call returns a Request that settles exactly
// once, either with a Response or with an error.
package verifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/awa/go-iap/appstore"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	ErrTransport    = errors.New("verifier: transport failure")
	ErrCancelled    = errors.New("verifier: request cancelled")
	ErrInvalidated  = errors.New("verifier: verifier invalidated")
	ErrEmptyReceipt = errors.New("verifier: receipt is empty")
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	ProductionURL string
	SandboxURL    string
	// Sandbox routes requests to SandboxURL.
	Sandbox bool
	Timeout time.Duration
}

type Response struct {
	Status      int
	Environment string
	Retryable   bool
	Payload     map[string]any
}

type Verifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger

	mu          sync.Mutex
	pending     map[*Request]struct{}
	invalidated bool
}

func New(cfg Config, logger *zap.Logger) *Verifier {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = appstore.ProductionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = appstore.SandboxURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	url := cfg.ProductionURL
	if cfg.Sandbox {
		url = cfg.SandboxURL
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Verifier{
		client:  client,
		url:     url,
		logger:  logger,
		pending: make(map[*Request]struct{}),
	}
}

// Verify starts verifying receipt. sharedSecret may be empty; it is only
// needed for auto-renewable subscriptions.
func (v *Verifier) Verify(ctx context.Context, receipt []byte, sharedSecret string) *Request {
	req := newRequest(ctx)

	if len(receipt) == 0 {
		req.complete(nil, ErrEmptyReceipt)
		return req
	}

	v.mu.Lock()
	if v.invalidated {
		v.mu.Unlock()
		req.complete(nil, ErrInvalidated)
		return req
	}
	v.pending[req] = struct{}{}
	v.mu.Unlock()

	go func() {
		defer v.forget(req)

		resp, err := v.send(req.ctx, receipt, sharedSecret)
		if !req.complete(resp, err) {
			v.logger.Debug("verification result dropped after cancellation")
		}
	}()

	return req
}

// Cancel aborts every outstanding request. The verifier stays usable.
func (v *Verifier) Cancel() {
	for _, req := range v.snapshot() {
		req.Cancel()
	}
}

// InvalidateAndCancel aborts every outstanding request and rejects all
// further Verify calls with ErrInvalidated.
func (v *Verifier) InvalidateAndCancel() {
	v.mu.Lock()
	v.invalidated = true
	v.mu.Unlock()

	v.Cancel()
	v.client.GetClient().CloseIdleConnections()
}

func (v *Verifier) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

func (v *Verifier) snapshot() []*Request {
	v.mu.Lock()
	defer v.mu.Unlock()

	reqs := make([]*Request, 0, len(v.pending))
	for req := range v.pending {
		reqs = append(reqs, req)
	}
	return reqs
}

func (v *Verifier) forget(req *Request) {
	v.mu.Lock()
	delete(v.pending, req)
	v.mu.Unlock()
}

func (v *Verifier) send(ctx context.Context, receipt []byte, sharedSecret string) (*Response, error) {
	body := appstore.IAPRequest{
		ReceiptData: base64.StdEncoding.EncodeToString(receipt),
		Password:    sharedSecret,
	}

	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(v.url)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: sending request: %w", ErrTransport, err)
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrTransport, resp.StatusCode())
	}

	var parsed appstore.IAPResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrTransport, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrTransport, err)
	}

	v.logger.Debug("receipt verification answered",
		zap.Int("status", parsed.Status),
		zap.String("environment", string(parsed.Environment)),
	)

	if parsed.Status != StatusOK {
		return nil, newStatusError(parsed.Status)
	}

	return &Response{
		Status:      parsed.Status,
		Environment: string(parsed.Environment),
		Retryable:   parsed.IsRetryable,
		Payload:     payload,
	}, nil
}

// IsRetryable reports whether err is worth retrying: transport failures and
// temporary server-side statuses.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return false
}
