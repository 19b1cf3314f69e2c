// Package purchase runs the purchase saga: debit the wallet, activate the
// service, and compensate with a refund when activation fails.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/idempotency"
	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/lock"
	"github.com/netpulse/backend/internal/metrics"
	"github.com/netpulse/backend/internal/models"
	"github.com/netpulse/backend/internal/notify"
)

// Result messages returned to the buyer.
const (
	MessageCompleted  = "purchase successful"
	MessageRefunded   = "service failed, amount refunded"
	MessagePending    = "awaiting processing"
	MessageQueued     = "activation in progress"
	MessageFailed     = "service failed, refund under manual review"
	MessageOutOfStock = "out of stock, amount refunded"
)

// Ledger is the part of ledger.Engine the saga drives.
type Ledger interface {
	Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (*models.LedgerEntry, error)
	Refund(ctx context.Context, originalEntryID uuid.UUID, reason, initiatedBy string) (*models.LedgerEntry, error)
	FindEntry(ctx context.Context, key string) (*models.LedgerEntry, error)
	GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

// SchemaValidator checks params and activation results per service type.
type SchemaValidator interface {
	ValidateParams(serviceType string, params map[string]string) error
	ValidateResult(serviceType string, payload json.RawMessage) error
}

// JobCanceller stops a queued activation that an admin refunded.
type JobCanceller interface {
	CancelRenewal(ctx context.Context, jobID int64) error
}

type Request struct {
	UserID    uuid.UUID
	WalletID  uuid.UUID
	PackageID uuid.UUID
	Params    map[string]string
	// IdempotencyKey is optional; a retried request with the same key
	// replays the first purchase instead of buying twice.
	IdempotencyKey string
}

type Result struct {
	ExecutionLogID      uuid.UUID       `json:"execution_log_id"`
	Status              string          `json:"status"`
	WalletTransactionID *uuid.UUID      `json:"wallet_transaction_id,omitempty"`
	Message             string          `json:"message"`
	Service             json.RawMessage `json:"service,omitempty"`
}

type Options struct {
	AutoRefund bool
	// PurchaseLock bounds a whole synchronous activation, so its TTL must
	// outlast the slowest provider call. The saga after the debit also runs
	// for at most this TTL.
	PurchaseLock lock.Options
	Notifier     notify.Notifier
	Canceller    JobCanceller
	Schemas      SchemaValidator
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Orchestrator struct {
	ledger     Ledger
	repo       Repository
	mutex      *lock.Mutex
	handlers   map[string]Handler
	autoRefund bool
	lockOpts   lock.Options
	notifier   notify.Notifier
	canceller  JobCanceller
	schemas    SchemaValidator
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
}

func NewOrchestrator(l Ledger, repo Repository, mutex *lock.Mutex, handlers []Handler, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	lockOpts := opts.PurchaseLock
	if lockOpts.TTL <= 0 {
		lockOpts = lock.Options{TTL: 2 * time.Minute, RetryDelay: 100 * time.Millisecond, RetryCount: 20}
	}
	o := &Orchestrator{
		ledger:     l,
		repo:       repo,
		mutex:      mutex,
		handlers:   make(map[string]Handler, len(handlers)),
		autoRefund: opts.AutoRefund,
		lockOpts:   lockOpts,
		notifier:   notifier,
		canceller:  opts.Canceller,
		schemas:    opts.Schemas,
		metrics:    opts.Metrics,
		log:        log.With("component", "purchase"),
		now:        time.Now,
	}
	for _, h := range handlers {
		o.handlers[h.ServiceType()] = h
	}
	return o
}

func purchaseKey(userID uuid.UUID, serviceType string) string {
	return "purchase:" + userID.String() + ":" + serviceType
}

func executionKey(logID uuid.UUID) string {
	return "execution:" + logID.String()
}

// Purchase buys one package for the user.
func (o *Orchestrator) Purchase(ctx context.Context, serviceType string, req Request) (*Result, error) {
	h, ok := o.handlers[serviceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, serviceType)
	}
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user", ErrForbidden)
	}

	pkg, err := o.repo.GetPackage(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}
	if pkg.Status != models.PackageStatusActive || pkg.ServiceType != serviceType {
		return nil, fmt.Errorf("%w: %s", ErrPackageInactive, pkg.ID)
	}
	if o.schemas != nil {
		if err := o.schemas.ValidateParams(serviceType, req.Params); err != nil {
			return nil, err
		}
	}
	if err := h.Validate(req.Params); err != nil {
		return nil, err
	}

	if req.WalletID == uuid.Nil {
		w, err := o.ledger.GetWalletByUser(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		req.WalletID = w.ID
	} else {
		w, err := o.ledger.GetWallet(ctx, req.WalletID)
		if err != nil {
			return nil, err
		}
		if w.UserID != req.UserID {
			return nil, fmt.Errorf("wallet: %w", ErrNotFound)
		}
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := o.replayClientKey(ctx, req); err != nil || ok {
			return res, err
		}
	}

	bal, err := o.ledger.Balance(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if bal.LessThan(pkg.Price) {
		o.metrics.Purchase(serviceType, "INSUFFICIENT")
		return nil, fmt.Errorf("%w: balance %s, price %s", ledger.ErrInsufficientBalance, bal.StringFixed(2), pkg.Price.StringFixed(2))
	}

	var res *Result
	err = o.mutex.WithLock(ctx, purchaseKey(req.UserID, serviceType), func(ctx context.Context) error {
		var err error
		res, err = o.purchaseLocked(ctx, h, pkg, req)
		return err
	}, o.lockOpts)
	if res != nil {
		o.metrics.Purchase(serviceType, res.Status)
	}
	return res, err
}

// replayClientKey returns the earlier outcome when the client key was
// already used for a debit.
func (o *Orchestrator) replayClientKey(ctx context.Context, req Request) (*Result, bool, error) {
	entry, err := o.ledger.FindEntry(ctx, idempotency.Purchase(uuid.Nil, req.IdempotencyKey))
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.WalletID != req.WalletID || entry.ReferenceID == nil {
		return nil, false, fmt.Errorf("%w: idempotency key already used", ErrConflict)
	}
	l, err := o.repo.GetLog(ctx, *entry.ReferenceID)
	if err != nil {
		return nil, false, err
	}
	o.log.Info("purchase replayed", "execution_log_id", l.ID, "status", l.Status)
	return resultFor(l), true, nil
}

func (o *Orchestrator) purchaseLocked(ctx context.Context, h Handler, pkg *models.ServicePackage, req Request) (*Result, error) {
	// A purchase cannot be cancelled by the buyer once it starts: a caller
	// that goes away must not strand a debit without its activation or refund.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.lockOpts.TTL)
	defer cancel()

	p := &Purchase{UserID: req.UserID, Package: pkg, Params: req.Params}
	if err := h.Prepare(ctx, p); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"params": req.Params, "package_id": pkg.ID, "price": pkg.Price})
	l := &models.ExecutionLog{
		ID:             uuid.New(),
		ServiceType:    h.ServiceType(),
		UserID:         req.UserID,
		WalletID:       req.WalletID,
		PackageID:      pkg.ID,
		Status:         models.ExecutionPending,
		RequestPayload: payload,
	}
	l.IdempotencyKey = idempotency.Purchase(l.ID, req.IdempotencyKey)
	if err := o.repo.CreateLog(ctx, l); err != nil {
		return nil, fmt.Errorf("create execution log: %w", err)
	}
	p.Log = l

	entry, err := o.ledger.Debit(ctx, ledger.DebitRequest{
		WalletID:       req.WalletID,
		UserID:         req.UserID,
		Amount:         pkg.Price,
		Category:       models.CategoryPurchase,
		IdempotencyKey: l.IdempotencyKey,
		Description:    fmt.Sprintf("%s: %s", h.ServiceType(), pkg.Name),
		ReferenceID:    &l.ID,
		Metadata: map[string]any{
			"service_type": h.ServiceType(),
			"package_id":   pkg.ID.String(),
		},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			if derr := o.repo.DeleteLog(ctx, l.ID); derr != nil {
				o.log.Error("failed to delete execution log after rejected debit", "execution_log_id", l.ID, "error", derr)
			}
			return nil, err
		}
		l.Status = models.ExecutionFailed
		l.ErrorMessage = "debit failed: " + err.Error()
		if _, terr := o.repo.TransitionLog(ctx, l, models.ExecutionPending); terr != nil {
			o.log.Error("failed to record debit failure", "execution_log_id", l.ID, "error", terr)
		}
		return nil, err
	}
	if entry.ReferenceID != nil && *entry.ReferenceID != l.ID {
		// Same client key raced past replayClientKey; the first purchase wins.
		_ = o.repo.DeleteLog(ctx, l.ID)
		first, err := o.repo.GetLog(ctx, *entry.ReferenceID)
		if err != nil {
			return nil, err
		}
		return resultFor(first), nil
	}

	now := o.now()
	l.Status = models.ExecutionExecuting
	l.DebitEntryID = &entry.ID
	l.StartedAt = &now
	l.Attempts = 1
	if ok, err := o.repo.TransitionLog(ctx, l, models.ExecutionPending); err != nil || !ok {
		return o.abortStart(ctx, l, err)
	}

	return o.apply(ctx, h, l, h.Execute(ctx, p))
}

// abortStart settles a debited purchase whose EXECUTING transition did not
// land. The stored row may not carry the debit yet, so it is taken from l.
func (o *Orchestrator) abortStart(ctx context.Context, l *models.ExecutionLog, cause error) (*Result, error) {
	reason := "execution log moved before activation"
	if cause != nil {
		reason = "record execution start: " + cause.Error()
	}
	var (
		out    *Result
		outErr error
	)
	err := o.mutex.WithLock(ctx, executionKey(l.ID), func(ctx context.Context) error {
		current, err := o.repo.GetLog(ctx, l.ID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			out = resultFor(current)
			return nil
		}
		if current.DebitEntryID == nil {
			current.DebitEntryID = l.DebitEntryID
		}
		if current.StartedAt == nil {
			current.StartedAt = l.StartedAt
		}
		out, outErr = o.failLocked(ctx, current, reason)
		return nil
	})
	if err != nil {
		// The log is still PENDING without the debit; the reconciler finds
		// the entry by its idempotency key and refunds it.
		o.log.Error("failed to settle purchase after start error", "execution_log_id", l.ID, "reason", reason, "error", err)
		return nil, err
	}
	return out, outErr
}

// apply moves an EXECUTING log according to the activator result.
func (o *Orchestrator) apply(ctx context.Context, h Handler, l *models.ExecutionLog, res activator.Result) (*Result, error) {
	switch res.Kind {
	case activator.KindCompleted:
		return o.CompleteAsync(ctx, l.ID, res.Reference, res.Payload)

	case activator.KindPending:
		l.Status = models.ExecutionPending
		l.ResponsePayload, _ = json.Marshal(map[string]string{"reason": res.Reason})
		if err := o.transition(ctx, l, models.ExecutionExecuting); err != nil {
			return nil, err
		}
		o.log.Info("purchase awaiting manual processing", "execution_log_id", l.ID, "reason", res.Reason)
		o.notify(notify.EventPurchasePending, l, MessagePending)
		return resultFor(l), nil

	case activator.KindQueued:
		jobID := res.JobID
		l.Status = models.ExecutionQueued
		l.JobID = &jobID
		ok, err := o.repo.TransitionLog(ctx, l, models.ExecutionExecuting)
		if err != nil {
			return nil, err
		}
		if !ok {
			// The worker already reported an outcome.
			current, err := o.repo.GetLog(ctx, l.ID)
			if err != nil {
				return nil, err
			}
			return resultFor(current), nil
		}
		o.log.Info("activation queued", "execution_log_id", l.ID, "job_id", jobID, "service_type", h.ServiceType())
		return resultFor(l), nil

	case activator.KindFailed:
		out, err := o.HandleExecutionFailure(ctx, l.ID, res.Err.Error())
		if err == nil && out != nil && out.Status == models.ExecutionRefunded && errors.Is(res.Err, ErrOutOfStock) {
			out.Message = MessageOutOfStock
			return out, fmt.Errorf("%w: amount refunded", ErrOutOfStock)
		}
		return out, err

	default:
		return o.HandleExecutionFailure(ctx, l.ID, fmt.Sprintf("unexpected activation result %s", res.Kind))
	}
}

// CompleteAsync records a successful activation. It is the entry point for
// the renewal worker and for synchronous activators alike.
func (o *Orchestrator) CompleteAsync(ctx context.Context, logID uuid.UUID, reference string, payload json.RawMessage) (*Result, error) {
	var out *Result
	err := o.mutex.WithLock(ctx, executionKey(logID), func(ctx context.Context) error {
		l, err := o.repo.GetLog(ctx, logID)
		if err != nil {
			return err
		}
		if l.IsTerminal() {
			if l.Status != models.ExecutionCompleted {
				o.log.Error("activation succeeded after the purchase was closed; manual reconciliation required",
					"critical", true, "execution_log_id", l.ID, "status", l.Status, "reference", reference)
			}
			out = resultFor(l)
			return nil
		}
		out, err = o.complete(ctx, l, reference, payload, nil)
		return err
	})
	return out, err
}

func (o *Orchestrator) complete(ctx context.Context, l *models.ExecutionLog, reference string, payload json.RawMessage, manual map[string]any) (*Result, error) {
	if h, ok := o.handlers[l.ServiceType]; ok {
		if c, ok := h.(Completer); ok {
			if err := c.Complete(ctx, l, reference, payload); err != nil {
				return o.failLocked(ctx, l, "post-activation step failed: "+err.Error())
			}
		}
	}

	if o.schemas != nil && manual == nil {
		if err := o.schemas.ValidateResult(l.ServiceType, payload); err != nil {
			o.log.Warn("activation result flagged", "execution_log_id", l.ID, "service_type", l.ServiceType, "error", err)
		}
	}

	details := payload
	if manual != nil {
		manual["response"] = payload
		details, _ = json.Marshal(manual)
	}
	if err := o.repo.InsertServiceRecord(ctx, &models.ServiceRecord{
		ID:             uuid.New(),
		ExecutionLogID: l.ID,
		ServiceType:    l.ServiceType,
		UserID:         l.UserID,
		Reference:      reference,
		Details:        details,
	}); err != nil {
		return nil, fmt.Errorf("insert service record: %w", err)
	}

	from := l.Status
	now := o.now()
	l.Status = models.ExecutionCompleted
	l.ResponsePayload = details
	l.ErrorMessage = ""
	l.CompletedAt = &now
	if err := o.transition(ctx, l, from); err != nil {
		return nil, err
	}
	o.observe(l)
	o.log.Info("purchase completed", "execution_log_id", l.ID, "service_type", l.ServiceType,
		"reference", reference, "duration", o.elapsed(l))
	o.notify(notify.EventPurchaseCompleted, l, MessageCompleted)
	res := resultFor(l)
	res.Service = payload
	return res, nil
}

// FailAsync reports a terminal activation failure from the queue. Once the
// failure is recorded on the log it returns nil, even when the refund itself
// failed, so the job is not retried.
func (o *Orchestrator) FailAsync(ctx context.Context, logID uuid.UUID, reason string) error {
	_, err := o.HandleExecutionFailure(ctx, logID, reason)
	if errors.Is(err, ErrActivationFailure) || errors.Is(err, ErrRefundFailure) {
		return nil
	}
	return err
}

// HandleExecutionFailure compensates a failed activation. Calling it again for
// a log that already reached a terminal state returns that state unchanged.
func (o *Orchestrator) HandleExecutionFailure(ctx context.Context, logID uuid.UUID, reason string) (*Result, error) {
	var (
		out    *Result
		outErr error
	)
	err := o.mutex.WithLock(ctx, executionKey(logID), func(ctx context.Context) error {
		l, err := o.repo.GetLog(ctx, logID)
		if err != nil {
			return err
		}
		if l.IsTerminal() {
			out = resultFor(l)
			return nil
		}
		out, outErr = o.failLocked(ctx, l, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, outErr
}

// failLocked runs with the execution lock held and l not terminal.
func (o *Orchestrator) failLocked(ctx context.Context, l *models.ExecutionLog, reason string) (*Result, error) {
	from := l.Status
	now := o.now()
	l.ErrorMessage = reason
	l.CompletedAt = &now

	if l.DebitEntryID == nil {
		l.Status = models.ExecutionFailed
		if err := o.transition(ctx, l, from); err != nil {
			return nil, err
		}
		o.notify(notify.EventPurchaseFailed, l, MessageFailed)
		return resultFor(l), fmt.Errorf("%w: %s", ErrActivationFailure, reason)
	}

	if !o.autoRefund {
		l.Status = models.ExecutionFailed
		if err := o.transition(ctx, l, from); err != nil {
			return nil, err
		}
		o.observe(l)
		o.log.Warn("activation failed, auto refund disabled", "execution_log_id", l.ID, "reason", reason)
		o.notify(notify.EventPurchaseFailed, l, MessageFailed)
		return resultFor(l), fmt.Errorf("%w: %s", ErrActivationFailure, reason)
	}

	refund, err := o.ledger.Refund(ctx, *l.DebitEntryID, reason, ledger.InitiatedBySystem)
	if err != nil {
		l.Status = models.ExecutionFailed
		l.ErrorMessage = reason + "; refund failed: " + err.Error()
		if terr := o.transition(ctx, l, from); terr != nil {
			o.log.Error("failed to record refund failure", "execution_log_id", l.ID, "error", terr)
		}
		o.observe(l)
		o.metrics.RefundFailure()
		o.log.Error("CRITICAL: refund failed, manual reconciliation required",
			"critical", true, "execution_log_id", l.ID, "debit_entry_id", *l.DebitEntryID,
			"user_id", l.UserID, "reason", reason, "error", err)
		o.notify(notify.EventPurchaseRefundFailed, l, MessageFailed)
		return resultFor(l), fmt.Errorf("%w: %v", ErrRefundFailure, err)
	}

	l.Status = models.ExecutionRefunded
	l.RefundEntryID = &refund.ID
	if err := o.transition(ctx, l, from); err != nil {
		return nil, err
	}
	o.observe(l)
	o.log.Warn("activation failed, amount refunded",
		"execution_log_id", l.ID, "refund_entry_id", refund.ID, "reason", reason, "duration", o.elapsed(l))
	o.notify(notify.EventPurchaseRefunded, l, MessageRefunded)
	return resultFor(l), nil
}

// AdminManualRefund refunds a purchase by hand. Refunding an already refunded
// log returns the existing refund.
func (o *Orchestrator) AdminManualRefund(ctx context.Context, logID uuid.UUID, reason string, adminID uuid.UUID) (uuid.UUID, error) {
	var refundID uuid.UUID
	err := o.mutex.WithLock(ctx, executionKey(logID), func(ctx context.Context) error {
		l, err := o.repo.GetLog(ctx, logID)
		if err != nil {
			return err
		}
		switch l.Status {
		case models.ExecutionRefunded:
			if l.RefundEntryID != nil {
				refundID = *l.RefundEntryID
				return nil
			}
		case models.ExecutionCompleted:
			return fmt.Errorf("%w: purchase already completed", ErrInvalidState)
		}
		if l.DebitEntryID == nil {
			return fmt.Errorf("%w: purchase has no debit", ErrInvalidState)
		}

		refund, err := o.ledger.Refund(ctx, *l.DebitEntryID, reason, "ADMIN:"+adminID.String())
		if err != nil {
			return err
		}
		if l.Status == models.ExecutionQueued && l.JobID != nil && o.canceller != nil {
			if err := o.canceller.CancelRenewal(ctx, *l.JobID); err != nil {
				o.log.Warn("failed to cancel queued activation", "execution_log_id", l.ID, "job_id", *l.JobID, "error", err)
			}
		}

		from := l.Status
		now := o.now()
		l.Status = models.ExecutionRefunded
		l.RefundEntryID = &refund.ID
		l.ErrorMessage = "manual refund: " + reason
		l.CompletedAt = &now
		if err := o.transition(ctx, l, from); err != nil {
			return err
		}
		refundID = refund.ID
		o.log.Info("manual refund applied", "execution_log_id", l.ID, "refund_entry_id", refund.ID, "admin_id", adminID, "reason", reason)
		o.notify(notify.EventPurchaseRefunded, l, MessageRefunded)
		return nil
	})
	return refundID, err
}

// AdminManualExecute completes a PENDING purchase that staff fulfilled by hand.
func (o *Orchestrator) AdminManualExecute(ctx context.Context, logID, adminID uuid.UUID, response json.RawMessage) (*Result, error) {
	var out *Result
	err := o.mutex.WithLock(ctx, executionKey(logID), func(ctx context.Context) error {
		l, err := o.repo.GetLog(ctx, logID)
		if err != nil {
			return err
		}
		if l.Status != models.ExecutionPending || l.DebitEntryID == nil {
			return fmt.Errorf("%w: only a paid PENDING purchase can be executed manually (status %s)", ErrInvalidState, l.Status)
		}
		if len(response) == 0 {
			response = json.RawMessage(`{}`)
		}
		out, err = o.complete(ctx, l, "manual:"+adminID.String(), response, map[string]any{
			"manual":   true,
			"admin_id": adminID.String(),
		})
		if err == nil {
			o.log.Info("manual execution applied", "execution_log_id", l.ID, "admin_id", adminID)
		}
		return err
	})
	return out, err
}

// GetExecution loads a log. A non-nil userID restricts it to that owner.
func (o *Orchestrator) GetExecution(ctx context.Context, logID, userID uuid.UUID) (*models.ExecutionLog, error) {
	l, err := o.repo.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if userID != uuid.Nil && l.UserID != userID {
		return nil, fmt.Errorf("execution log: %w", ErrNotFound)
	}
	return l, nil
}

func (o *Orchestrator) transition(ctx context.Context, l *models.ExecutionLog, from ...string) error {
	ok, err := o.repo.TransitionLog(ctx, l, from...)
	if err != nil {
		return fmt.Errorf("update execution log: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: execution log %s moved concurrently", ErrInvalidState, l.ID)
	}
	return nil
}

func (o *Orchestrator) notify(eventType string, l *models.ExecutionLog, message string) {
	o.notifier.Notify(notify.Event{
		Type:           eventType,
		ExecutionLogID: l.ID,
		UserID:         l.UserID,
		ServiceType:    l.ServiceType,
		Message:        message,
	})
}

// elapsed is measured from the debit, which is when the buyer started waiting.
func (o *Orchestrator) elapsed(l *models.ExecutionLog) time.Duration {
	if l.StartedAt == nil {
		return 0
	}
	end := o.now()
	if l.CompletedAt != nil {
		end = *l.CompletedAt
	}
	return end.Sub(*l.StartedAt)
}

func (o *Orchestrator) observe(l *models.ExecutionLog) {
	o.metrics.ObserveActivation(l.ServiceType, l.Status, o.elapsed(l))
}

func resultFor(l *models.ExecutionLog) *Result {
	res := &Result{ExecutionLogID: l.ID, Status: l.Status, WalletTransactionID: l.DebitEntryID}
	switch l.Status {
	case models.ExecutionCompleted:
		res.Message = MessageCompleted
		res.Service = l.ResponsePayload
	case models.ExecutionRefunded:
		res.Message = MessageRefunded
	case models.ExecutionPending:
		res.Message = MessagePending
	case models.ExecutionQueued, models.ExecutionExecuting:
		res.Message = MessageQueued
	case models.ExecutionFailed:
		res.Message = MessageFailed
	}
	return res
}
