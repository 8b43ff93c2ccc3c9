package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cellcredit/cell/internal/circuitbreaker"
	"github.com/cellcredit/cell/internal/retry"
	"github.com/cellcredit/cell/internal/security"
)

// Transport is the collaborator contract through which a source cell
// reaches a target cell's engines for the remote half of an inter-cell
// transfer. LocalTransport satisfies it in-process (tests, single-node
// deployments); HTTPTransport satisfies it across a real network hop.
type Transport interface {
	// ValidateRemote performs the target-remote validation of step 2:
	// payee Active, link Active, target not Quarantined, and the
	// transfer would not breach the target's exposure cap. A non-nil
	// error means validation failed and no state changed on either side.
	ValidateRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64) error

	// ExecuteRemote applies the target leg: apply_balance_updates on the
	// target cell moving amount from its clearing account to payee, and
	// advances the target's bilateral position. Idempotent by
	// transactionID — a duplicate id is a no-op returning the prior result.
	ExecuteRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64, transactionID string) error

	// RollbackRemote tells the target to void transactionID so a
	// delayed or retried ExecuteRemote call for it never applies,
	// covering the window between a successful source leg and a
	// decision to abort before (or instead of) calling ExecuteRemote.
	RollbackRemote(ctx context.Context, remoteCellID, transactionID string) error
}

// LocalTransport dispatches directly to a second cell's Engine in the
// same process. Used by tests and single-process deployments that host
// every cell's engines together.
type LocalTransport struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewLocalTransport creates a LocalTransport over the given cellID → Engine
// map. Every cell that may be a federation target must have an entry.
func NewLocalTransport(engines map[string]*Engine) *LocalTransport {
	return &LocalTransport{engines: engines}
}

// Register adds (or replaces) the Engine used to serve remoteCellID,
// for deployments where cells are created dynamically after the
// transport is wired.
func (t *LocalTransport) Register(cellID string, e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines[cellID] = e
}

func (t *LocalTransport) engineFor(cellID string) (*Engine, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.engines[cellID]
	if !ok {
		return nil, fmt.Errorf("federation: no local engine registered for cell %s", cellID)
	}
	return e, nil
}

func (t *LocalTransport) ValidateRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64) error {
	e, err := t.engineFor(remoteCellID)
	if err != nil {
		return err
	}
	return e.validateIncoming(ctx, remoteCellID, payee, amount)
}

func (t *LocalTransport) ExecuteRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64, transactionID string) error {
	e, err := t.engineFor(remoteCellID)
	if err != nil {
		return err
	}
	return e.applyTargetLeg(ctx, sourceCellID, remoteCellID, payee, amount, transactionID)
}

func (t *LocalTransport) RollbackRemote(ctx context.Context, remoteCellID, transactionID string) error {
	e, err := t.engineFor(remoteCellID)
	if err != nil {
		return err
	}
	return e.voidTransaction(ctx, transactionID)
}

// HTTPTransport reaches a peer cell over HTTP, protected by a circuit
// breaker keyed by remote cell id and bounded retries for transient
// failures.
type HTTPTransport struct {
	client      *http.Client
	baseURLs    map[string]string
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewHTTPTransport creates an HTTPTransport. baseURLs maps remote cell
// id to the peer's federation endpoint base URL; every URL is validated
// with internal/security.ValidateEndpointURL up front to block SSRF
// against loopback/link-local/internal targets before first use.
func NewHTTPTransport(baseURLs map[string]string) (*HTTPTransport, error) {
	for cellID, url := range baseURLs {
		if err := security.ValidateEndpointURL(url); err != nil {
			return nil, fmt.Errorf("federation: invalid endpoint for cell %s: %w", cellID, err)
		}
	}
	return &HTTPTransport{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURLs:    baseURLs,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}, nil
}

type validateRequest struct {
	SourceCellID string `json:"source_cell_id"`
	Payee        string `json:"payee"`
	Amount       int64  `json:"amount"`
}

type executeRequest struct {
	SourceCellID  string `json:"source_cell_id"`
	Payee         string `json:"payee"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

type rollbackRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (t *HTTPTransport) do(ctx context.Context, remoteCellID, path string, body interface{}) error {
	base, ok := t.baseURLs[remoteCellID]
	if !ok {
		return fmt.Errorf("federation: no endpoint configured for cell %s", remoteCellID)
	}
	if !t.breaker.Allow(remoteCellID) {
		return fmt.Errorf("federation: circuit open for cell %s", remoteCellID)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(err)
	}

	err = retry.Do(ctx, t.maxAttempts, t.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("federation: peer rejected request with status %d", resp.StatusCode))
		}
		return fmt.Errorf("federation: peer returned status %d", resp.StatusCode)
	})

	if err != nil {
		t.breaker.RecordFailure(remoteCellID)
		return err
	}
	t.breaker.RecordSuccess(remoteCellID)
	return nil
}

func (t *HTTPTransport) ValidateRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64) error {
	return t.do(ctx, remoteCellID, "/federation/"+remoteCellID+"/validate", validateRequest{SourceCellID: sourceCellID, Payee: payee, Amount: amount})
}

func (t *HTTPTransport) ExecuteRemote(ctx context.Context, sourceCellID, remoteCellID, payee string, amount int64, transactionID string) error {
	return t.do(ctx, remoteCellID, "/federation/"+remoteCellID+"/execute", executeRequest{SourceCellID: sourceCellID, Payee: payee, Amount: amount, TransactionID: transactionID})
}

func (t *HTTPTransport) RollbackRemote(ctx context.Context, remoteCellID, transactionID string) error {
	return t.do(ctx, remoteCellID, "/federation/"+remoteCellID+"/rollback", rollbackRequest{TransactionID: transactionID})
}
