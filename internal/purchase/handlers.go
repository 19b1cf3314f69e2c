package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/models"
)

// Purchase is the in-flight state a Handler works on.
type Purchase struct {
	UserID  uuid.UUID
	Package *models.ServicePackage
	Params  map[string]string
	// Log is nil during Prepare.
	Log *models.ExecutionLog
}

func (p *Purchase) activation() activator.Request {
	return activator.Request{ExecutionLogID: p.Log.ID, UserID: p.UserID, Package: p.Package, Params: p.Params}
}

// Handler is the per-service part of the saga.
type Handler interface {
	ServiceType() string
	Validate(params map[string]string) error
	// Prepare enforces service policy inside the purchase lock, before the
	// debit. An error aborts the purchase with nothing charged.
	Prepare(ctx context.Context, p *Purchase) error
	Execute(ctx context.Context, p *Purchase) activator.Result
}

// Completer is implemented by handlers with bookkeeping to do once the
// activation succeeded. A Complete error sends the purchase to the failure
// branch.
type Completer interface {
	Complete(ctx context.Context, l *models.ExecutionLog, reference string, payload json.RawMessage) error
}

// RenewalQueue enqueues durable renewal jobs and returns the job id.
type RenewalQueue interface {
	EnqueueRenewal(ctx context.Context, r activator.Renewal) (int64, error)
}

// ActivatorHandler wraps a synchronous activator.
type ActivatorHandler struct {
	Service   string
	Activator activator.Activator
	Validator func(params map[string]string) error
}

func (h *ActivatorHandler) ServiceType() string { return h.Service }

func (h *ActivatorHandler) Validate(params map[string]string) error {
	if h.Validator == nil {
		return nil
	}
	return h.Validator(params)
}

func (h *ActivatorHandler) Prepare(context.Context, *Purchase) error { return nil }

func (h *ActivatorHandler) Execute(ctx context.Context, p *Purchase) activator.Result {
	return h.Activator.Activate(ctx, p.activation())
}

func NewMobileRechargeHandler(a activator.Activator) *ActivatorHandler {
	return &ActivatorHandler{Service: models.ServiceMobileRecharge, Activator: a, Validator: activator.ValidateRecharge}
}

func NewElectricityHandler(a activator.Activator) *ActivatorHandler {
	return &ActivatorHandler{Service: models.ServiceElectricity, Activator: a, Validator: activator.ValidateElectricity}
}

func NewSetTopBoxHandler() *ActivatorHandler {
	return &ActivatorHandler{
		Service:   models.ServiceSetTopBox,
		Activator: activator.Manual{Reason: "manual activation required"},
		Validator: func(params map[string]string) error {
			if (activator.Request{Params: params}).Param(activator.ParamDeviceSerial) == "" {
				return fmt.Errorf("%w: device_serial is required", activator.ErrInvalidParams)
			}
			return nil
		},
	}
}

// HotspotHandler sells a voucher from stock. The claim is a single statement
// so concurrent buyers can never receive the same voucher.
type HotspotHandler struct {
	repo Repository
}

func NewHotspotHandler(repo Repository) *HotspotHandler { return &HotspotHandler{repo: repo} }

func (h *HotspotHandler) ServiceType() string { return models.ServiceHotspot }

func (h *HotspotHandler) Validate(map[string]string) error { return nil }

func (h *HotspotHandler) Prepare(context.Context, *Purchase) error { return nil }

func (h *HotspotHandler) Execute(ctx context.Context, p *Purchase) activator.Result {
	v, err := h.repo.ClaimVoucher(ctx, p.Package.ID, p.UserID, p.Log.ID)
	if err != nil {
		return activator.Failed(fmt.Errorf("claim voucher: %w", err))
	}
	return activator.Completed(v.Code, map[string]any{
		"voucher_id":   v.ID,
		"voucher_code": v.Code,
		"package":      p.Package.Name,
	})
}

// HomeInternetHandler renews a line subscription through the durable queue.
// A line has at most one ACTIVE subscription.
type HomeInternetHandler struct {
	repo  Repository
	queue RenewalQueue
	now   func() time.Time
}

func NewHomeInternetHandler(repo Repository, queue RenewalQueue) *HomeInternetHandler {
	return &HomeInternetHandler{repo: repo, queue: queue, now: time.Now}
}

func (h *HomeInternetHandler) ServiceType() string { return models.ServiceHomeInternet }

func (h *HomeInternetHandler) Validate(params map[string]string) error {
	req := activator.Request{Params: params}
	if req.Param(activator.ParamLineID) == "" {
		return fmt.Errorf("%w: line_id is required", activator.ErrInvalidParams)
	}
	if req.Param(activator.ParamAccountNumber) == "" {
		return fmt.Errorf("%w: account_number is required", activator.ErrInvalidParams)
	}
	return nil
}

// Prepare releases an expired subscription and rejects a line owned by
// someone else.
func (h *HomeInternetHandler) Prepare(ctx context.Context, p *Purchase) error {
	lineID := (activator.Request{Params: p.Params}).Param(activator.ParamLineID)
	sub, err := h.repo.GetActiveSubscription(ctx, lineID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.UserID == p.UserID {
		return nil
	}
	if !sub.ExpiredAt(h.now()) {
		return fmt.Errorf("%w: line %s is subscribed by another user", ErrConflict, lineID)
	}
	return h.repo.ExpireSubscription(ctx, sub.ID)
}

func (h *HomeInternetHandler) Execute(ctx context.Context, p *Purchase) activator.Result {
	req := p.activation()
	jobID, err := h.queue.EnqueueRenewal(ctx, activator.Renewal{
		ExecutionLogID: p.Log.ID,
		LineID:         req.Param(activator.ParamLineID),
		AccountNumber:  req.Param(activator.ParamAccountNumber),
		PackageCode:    p.Package.Code,
		DurationDays:   p.Package.DurationDays,
	})
	if err != nil {
		return activator.Failed(fmt.Errorf("enqueue renewal: %w", err))
	}
	return activator.Queued(jobID)
}

// Complete records the renewed subscription. The ISP receipt's expiry wins;
// without one the package duration is added to the later of now and the
// current expiry.
func (h *HomeInternetHandler) Complete(ctx context.Context, l *models.ExecutionLog, _ string, payload json.RawMessage) error {
	var params struct {
		Params map[string]string `json:"params"`
	}
	if err := json.Unmarshal(l.RequestPayload, &params); err != nil {
		return fmt.Errorf("decode request payload: %w", err)
	}
	lineID := (activator.Request{Params: params.Params}).Param(activator.ParamLineID)

	pkg, err := h.repo.GetPackage(ctx, l.PackageID)
	if err != nil {
		return err
	}
	var receipt activator.RenewalReceipt
	_ = json.Unmarshal(payload, &receipt)

	now := h.now()
	sub, err := h.repo.GetActiveSubscription(ctx, lineID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &models.Subscription{ID: uuid.New(), LineID: lineID, UserID: l.UserID, ExpiresAt: now}
	case err != nil:
		return err
	case sub.UserID != l.UserID:
		if !sub.ExpiredAt(now) {
			return fmt.Errorf("%w: line %s is subscribed by another user", ErrConflict, lineID)
		}
		if err := h.repo.ExpireSubscription(ctx, sub.ID); err != nil {
			return err
		}
		sub = &models.Subscription{ID: uuid.New(), LineID: lineID, UserID: l.UserID, ExpiresAt: now}
	}

	base := sub.ExpiresAt
	if base.Before(now) {
		base = now
	}
	sub.PackageID = pkg.ID
	sub.Status = models.SubscriptionActive
	sub.ExpiresAt = base.AddDate(0, 0, pkg.DurationDays)
	if !receipt.ExpiresAt.IsZero() {
		sub.ExpiresAt = receipt.ExpiresAt
	}
	return h.repo.SaveSubscription(ctx, sub)
}
