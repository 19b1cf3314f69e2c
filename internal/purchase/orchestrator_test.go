package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/idempotency"
	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/ledger/memstore"
	"github.com/netpulse/backend/internal/lock"
	"github.com/netpulse/backend/internal/metrics"
	"github.com/netpulse/backend/internal/models"
	"github.com/netpulse/backend/internal/notify"
	"github.com/netpulse/backend/internal/validation"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type saga struct {
	orch      *Orchestrator
	engine    *ledger.Engine
	store     *memstore.Store
	repo      *memRepo
	queue     *fakeQueue
	canceller *fakeCanceller
	notes     *recordingNotifier
	registry  *prometheus.Registry

	mu       sync.Mutex
	recharge func(ctx context.Context, req activator.Request) activator.Result
}

type sagaConfig struct {
	autoRefund bool
	wrap       func(*ledger.Engine) Ledger
	wrapRepo   func(*memRepo) Repository
	schemas    SchemaValidator
}

func newSaga(t *testing.T, mods ...func(*sagaConfig)) *saga {
	t.Helper()
	cfg := sagaConfig{autoRefund: true}
	for _, m := range mods {
		m(&cfg)
	}

	mutex := lock.New(lock.NewMemoryBackend(), true, lock.Options{
		TTL: 5 * time.Second, RetryDelay: time.Millisecond, RetryCount: 5000,
	}, nil)
	s := &saga{
		store:     memstore.New(),
		repo:      newMemRepo(),
		queue:     &fakeQueue{},
		canceller: &fakeCanceller{},
		notes:     &recordingNotifier{},
		registry:  prometheus.NewRegistry(),
		recharge: func(_ context.Context, req activator.Request) activator.Result {
			return activator.Completed("tx-"+req.ExecutionLogID.String()[:8], map[string]string{"status": "SUCCESS"})
		},
	}
	m := metrics.MustNewMetrics(s.registry)
	s.engine = ledger.NewEngine(s.store, mutex, ledger.Options{MaxTransactionAmount: dec("1000000"), Metrics: m})

	var l Ledger = s.engine
	if cfg.wrap != nil {
		l = cfg.wrap(s.engine)
	}
	recharge := activator.Func(func(ctx context.Context, req activator.Request) activator.Result {
		s.mu.Lock()
		fn := s.recharge
		s.mu.Unlock()
		return fn(ctx, req)
	})
	var repo Repository = s.repo
	if cfg.wrapRepo != nil {
		repo = cfg.wrapRepo(s.repo)
	}
	s.orch = NewOrchestrator(l, repo, mutex, []Handler{
		NewHotspotHandler(s.repo),
		NewMobileRechargeHandler(recharge),
		NewElectricityHandler(recharge),
		NewSetTopBoxHandler(),
		NewHomeInternetHandler(s.repo, s.queue),
	}, Options{
		AutoRefund:   cfg.autoRefund,
		PurchaseLock: lock.Options{TTL: 5 * time.Second, RetryDelay: time.Millisecond, RetryCount: 5000},
		Notifier:     s.notes,
		Canceller:    s.canceller,
		Schemas:      cfg.schemas,
		Metrics:      m,
	})
	return s
}

func (s *saga) setRecharge(fn func(ctx context.Context, req activator.Request) activator.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recharge = fn
}

func (s *saga) wallet(t *testing.T, opening string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	w, err := s.engine.CreateWallet(context.Background(), userID)
	require.NoError(t, err)
	if opening != "" {
		_, err = s.engine.Credit(context.Background(), ledger.CreditRequest{
			WalletID: w.ID, Amount: dec(opening), Category: models.CategoryTopUp, IdempotencyKey: idempotency.New("topup"),
		})
		require.NoError(t, err)
	}
	return userID, w.ID
}

func (s *saga) pkg(service, price string) *models.ServicePackage {
	p := &models.ServicePackage{
		ID: uuid.New(), ServiceType: service, Code: "PKG-" + service, Name: service + " package",
		Price: dec(price), Status: models.PackageStatusActive, DurationDays: 30,
	}
	s.repo.addPackage(p)
	return p
}

func (s *saga) balance(t *testing.T, walletID uuid.UUID) decimal.Decimal {
	t.Helper()
	bal, err := s.engine.Balance(context.Background(), walletID)
	require.NoError(t, err)
	return bal
}

func rechargeParams() map[string]string {
	return map[string]string{activator.ParamPhoneNumber: "0712345678"}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// --- scenarios ---

func TestPurchase_InsufficientBalanceLeavesNoLog(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceMobileRecharge, "1200")

	_, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID, Params: rechargeParams(),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Empty(t, s.repo.logsFor(userID))
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))
}

func TestPurchase_ActivatorFailureIsRefunded(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceMobileRecharge, "500")
	s.setRecharge(func(context.Context, activator.Request) activator.Result {
		return activator.Failed(errors.New("provider timeout"))
	})

	res, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID, Params: rechargeParams(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, res.Status)
	assert.Equal(t, MessageRefunded, res.Message)
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))

	l, err := s.repo.GetLog(context.Background(), res.ExecutionLogID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, l.Status)
	require.NotNil(t, l.DebitEntryID)
	require.NotNil(t, l.RefundEntryID)

	var debit, credit *models.LedgerEntry
	for _, e := range s.store.Entries(walletID) {
		if e.Category == models.CategoryTopUp {
			continue
		}
		if e.Direction == models.DirectionDebit {
			require.Nil(t, debit, "exactly one debit")
			debit = e
		} else {
			require.Nil(t, credit, "exactly one credit")
			credit = e
		}
	}
	require.NotNil(t, debit)
	require.NotNil(t, credit)
	assert.Equal(t, *l.DebitEntryID, debit.ID)
	assert.Equal(t, *l.RefundEntryID, credit.ID)
	assert.Equal(t, debit.ID.String(), credit.Metadata[models.MetaOriginalEntryID])
	assert.Equal(t, l.ID, *debit.ReferenceID)
	assert.Equal(t, l.ID, *credit.ReferenceID)
	assert.Contains(t, s.notes.types(), notify.EventPurchaseRefunded)
}

func TestPurchase_CompletedRecharge(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "100")
	p := s.pkg(models.ServiceMobileRecharge, "40")

	res, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
		UserID: userID, PackageID: p.ID, Params: rechargeParams(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, res.Status)
	assert.Equal(t, MessageCompleted, res.Message)
	require.NotNil(t, res.WalletTransactionID)
	assert.True(t, s.balance(t, walletID).Equal(dec("60")))
	assert.JSONEq(t, `{"status":"SUCCESS"}`, string(res.Service))

	s.repo.mu.Lock()
	rec := s.repo.records[res.ExecutionLogID]
	s.repo.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, models.ServiceMobileRecharge, rec.ServiceType)
	assert.Equal(t, []string{notify.EventPurchaseCompleted}, s.notes.types())
}

func TestPurchase_AutoRefundDisabled(t *testing.T) {
	s := newSaga(t, func(c *sagaConfig) { c.autoRefund = false })
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceElectricity, "500")
	s.setRecharge(func(context.Context, activator.Request) activator.Result {
		return activator.Failed(errors.New("meter offline"))
	})

	res, err := s.orch.Purchase(context.Background(), models.ServiceElectricity, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID,
		Params: map[string]string{activator.ParamMeterNumber: "0412345678"},
	})
	assert.ErrorIs(t, err, ErrActivationFailure)
	require.NotNil(t, res)
	assert.Equal(t, models.ExecutionFailed, res.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("500")))

	refundID, err := s.orch.AdminManualRefund(context.Background(), res.ExecutionLogID, "customer complaint", uuid.New())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, refundID)
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))
}

type brokenRefunds struct {
	*ledger.Engine
}

func (brokenRefunds) Refund(context.Context, uuid.UUID, string, string) (*models.LedgerEntry, error) {
	return nil, errors.New("database unavailable")
}

func TestPurchase_RefundFailureNeedsManualReconciliation(t *testing.T) {
	s := newSaga(t, func(c *sagaConfig) {
		c.wrap = func(e *ledger.Engine) Ledger { return brokenRefunds{e} }
	})
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceMobileRecharge, "500")
	s.setRecharge(func(context.Context, activator.Request) activator.Result {
		return activator.Failed(errors.New("provider down"))
	})

	res, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID, Params: rechargeParams(),
	})
	assert.ErrorIs(t, err, ErrRefundFailure)
	require.NotNil(t, res)
	assert.Equal(t, models.ExecutionFailed, res.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("500")))
	assert.Equal(t, 1.0, counterValue(t, s.registry, "netpulse_purchase_refund_failures_total"))
	assert.Contains(t, s.notes.types(), notify.EventPurchaseRefundFailed)

	l, err := s.repo.GetLog(context.Background(), res.ExecutionLogID)
	require.NoError(t, err)
	assert.Contains(t, l.ErrorMessage, "refund failed")

	// A late queue report for the recorded failure is absorbed.
	assert.NoError(t, s.orch.FailAsync(context.Background(), res.ExecutionLogID, "late report"))
	assert.Equal(t, 1.0, counterValue(t, s.registry, "netpulse_purchase_refund_failures_total"))
}

func TestPurchase_SchemaRejectsParamsBeforeAnyDebit(t *testing.T) {
	s := newSaga(t, func(c *sagaConfig) { c.schemas = validation.MustNew() })
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceElectricity, "100")

	_, err := s.orch.Purchase(context.Background(), models.ServiceElectricity, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID,
		Params: map[string]string{activator.ParamMeterNumber: "METER-1"},
	})
	assert.ErrorIs(t, err, activator.ErrInvalidParams)
	assert.Empty(t, s.repo.allLogs())
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))

	res, err := s.orch.Purchase(context.Background(), models.ServiceElectricity, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID,
		Params: map[string]string{activator.ParamMeterNumber: "0412345678"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, res.Status)
}

func TestPurchase_ValidationFailures(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "1000")
	active := s.pkg(models.ServiceMobileRecharge, "10")
	inactive := s.pkg(models.ServiceMobileRecharge, "10")
	inactive.Status = models.PackageStatusInactive
	s.repo.addPackage(inactive)
	ctx := context.Background()

	_, err := s.orch.Purchase(ctx, "TELEPORT", Request{UserID: userID, PackageID: active.ID})
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = s.orch.Purchase(ctx, models.ServiceMobileRecharge, Request{UserID: userID, PackageID: inactive.ID, Params: rechargeParams()})
	assert.ErrorIs(t, err, ErrPackageInactive)

	_, err = s.orch.Purchase(ctx, models.ServiceElectricity, Request{UserID: userID, PackageID: active.ID})
	assert.ErrorIs(t, err, ErrPackageInactive, "package of another service type")

	_, err = s.orch.Purchase(ctx, models.ServiceMobileRecharge, Request{UserID: userID, PackageID: active.ID})
	assert.ErrorIs(t, err, activator.ErrInvalidParams)

	_, err = s.orch.Purchase(ctx, models.ServiceMobileRecharge, Request{UserID: userID, PackageID: uuid.New(), Params: rechargeParams()})
	assert.ErrorIs(t, err, ErrNotFound)

	otherUser, poorWallet := s.wallet(t, "")
	_, err = s.orch.Purchase(ctx, models.ServiceMobileRecharge, Request{
		UserID: otherUser, WalletID: walletID, PackageID: active.ID, Params: rechargeParams(),
	})
	assert.ErrorIs(t, err, ErrNotFound, "funded wallet of another user")
	_, err = s.orch.Purchase(ctx, models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: poorWallet, PackageID: active.ID, Params: rechargeParams(),
	})
	assert.ErrorIs(t, err, ErrNotFound, "empty wallet of another user")
	assert.NotErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Empty(t, s.repo.logsFor(otherUser))

	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))
}

func TestPurchase_ClientKeyReplays(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "100")
	p := s.pkg(models.ServiceMobileRecharge, "30")
	req := Request{UserID: userID, PackageID: p.ID, Params: rechargeParams(), IdempotencyKey: "client-req-1"}

	first, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, req)
	require.NoError(t, err)
	second, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, req)
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionLogID, second.ExecutionLogID)
	assert.Equal(t, models.ExecutionCompleted, second.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("70")))
	assert.Len(t, s.repo.logsFor(userID), 1)
}

// failingStart fails the PENDING to EXECUTING write a number of times.
type failingStart struct {
	*memRepo
	mu       sync.Mutex
	failures int
	// beforeStart runs in place of the write when set.
	beforeStart func()
}

func (r *failingStart) TransitionLog(ctx context.Context, l *models.ExecutionLog, from ...string) (bool, error) {
	if l.Status == models.ExecutionExecuting {
		r.mu.Lock()
		fail := r.failures > 0
		if fail {
			r.failures--
		}
		hook := r.beforeStart
		r.beforeStart = nil
		r.mu.Unlock()
		if fail {
			return false, errors.New("connection reset by peer")
		}
		if hook != nil {
			hook()
		}
	}
	return r.memRepo.TransitionLog(ctx, l, from...)
}

func TestPurchase_StartWriteFailureStillRefunds(t *testing.T) {
	s := newSaga(t, func(c *sagaConfig) {
		c.wrapRepo = func(m *memRepo) Repository {
			return &failingStart{memRepo: m, failures: 1}
		}
	})
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceMobileRecharge, "500")
	activated := false
	s.setRecharge(func(context.Context, activator.Request) activator.Result {
		activated = true
		return activator.Completed("tx", nil)
	})

	res, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID, Params: rechargeParams(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, res.Status)
	assert.False(t, activated)
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))

	l, err := s.repo.GetLog(context.Background(), res.ExecutionLogID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, l.Status)
	require.NotNil(t, l.DebitEntryID)
	require.NotNil(t, l.RefundEntryID)
	assert.Contains(t, l.ErrorMessage, "record execution start")
}

func TestPurchase_LogSettledBeforeStartIsNotActivated(t *testing.T) {
	var repo *failingStart
	s := newSaga(t, func(c *sagaConfig) {
		c.wrapRepo = func(m *memRepo) Repository {
			repo = &failingStart{memRepo: m}
			return repo
		}
	})
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceMobileRecharge, "500")
	activated := false
	s.setRecharge(func(context.Context, activator.Request) activator.Result {
		activated = true
		return activator.Completed("tx", nil)
	})
	// A reconciler sweep lands between the debit and the start write.
	repo.beforeStart = func() {
		n, err := s.orch.ReconcileStale(context.Background(), -time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	res, err := s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID, Params: rechargeParams(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, res.Status)
	assert.False(t, activated)
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))
}

func TestPurchase_CallerCancellationStillRefunds(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceMobileRecharge, "500")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var activationCtxErr error
	s.setRecharge(func(actx context.Context, _ activator.Request) activator.Result {
		cancel()
		activationCtxErr = actx.Err()
		return activator.Failed(errors.New("provider hung up"))
	})

	res, err := s.orch.Purchase(ctx, models.ServiceMobileRecharge, Request{
		UserID: userID, WalletID: walletID, PackageID: p.ID, Params: rechargeParams(),
	})
	require.NoError(t, err)
	assert.NoError(t, activationCtxErr, "activation runs detached from the caller")
	assert.Equal(t, models.ExecutionRefunded, res.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))
	assert.Zero(t, counterValue(t, s.registry, "netpulse_purchase_refund_failures_total"))
}

// --- inventory ---

func TestHotspot_ConcurrentBuyersNeverShareVoucher(t *testing.T) {
	s := newSaga(t)
	p := s.pkg(models.ServiceHotspot, "10")
	const stock, buyers = 3, 8
	s.repo.addVouchers(p.ID, stock)

	type buyer struct{ user, wallet uuid.UUID }
	all := make([]buyer, buyers)
	for i := range all {
		all[i].user, all[i].wallet = s.wallet(t, "50")
	}

	results := make([]*Result, buyers)
	var wg sync.WaitGroup
	for i := range all {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.orch.Purchase(context.Background(), models.ServiceHotspot, Request{
				UserID: all[i].user, WalletID: all[i].wallet, PackageID: p.ID,
			})
			if err != nil && !errors.Is(err, ErrOutOfStock) {
				t.Errorf("buyer %d: %v", i, err)
				return
			}
			if (err != nil) != (res != nil && res.Status == models.ExecutionRefunded) {
				t.Errorf("buyer %d: out-of-stock error must come with the refund, got %v / %+v", i, err, res)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	codes := map[string]bool{}
	completed, refunded := 0, 0
	for i, res := range results {
		require.NotNil(t, res)
		switch res.Status {
		case models.ExecutionCompleted:
			completed++
			var svc map[string]any
			require.NoError(t, json.Unmarshal(res.Service, &svc))
			code := svc["voucher_code"].(string)
			assert.False(t, codes[code], "voucher %s sold twice", code)
			codes[code] = true
			assert.True(t, s.balance(t, all[i].wallet).Equal(dec("40")))
		case models.ExecutionRefunded:
			refunded++
			assert.Equal(t, MessageOutOfStock, res.Message)
			assert.True(t, s.balance(t, all[i].wallet).Equal(dec("50")))
		default:
			t.Fatalf("unexpected status %s", res.Status)
		}
	}
	assert.Equal(t, stock, completed)
	assert.Equal(t, buyers-stock, refunded)
}

// --- manual and async paths ---

func TestSetTopBox_ManualExecution(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "300")
	p := s.pkg(models.ServiceSetTopBox, "120")
	ctx := context.Background()

	res, err := s.orch.Purchase(ctx, models.ServiceSetTopBox, Request{
		UserID: userID, PackageID: p.ID, Params: map[string]string{activator.ParamDeviceSerial: "STB-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, res.Status)
	assert.Equal(t, MessagePending, res.Message)
	assert.True(t, s.balance(t, walletID).Equal(dec("180")))

	admin := uuid.New()
	done, err := s.orch.AdminManualExecute(ctx, res.ExecutionLogID, admin, json.RawMessage(`{"installer":"ops-2"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, done.Status)

	s.repo.mu.Lock()
	rec := s.repo.records[res.ExecutionLogID]
	s.repo.mu.Unlock()
	require.NotNil(t, rec)
	var details map[string]any
	require.NoError(t, json.Unmarshal(rec.Details, &details))
	assert.Equal(t, true, details["manual"])
	assert.Equal(t, admin.String(), details["admin_id"])

	_, err = s.orch.AdminManualExecute(ctx, res.ExecutionLogID, admin, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.orch.AdminManualRefund(ctx, res.ExecutionLogID, "late", admin)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAdminManualRefund_Idempotent(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "300")
	p := s.pkg(models.ServiceSetTopBox, "120")
	ctx := context.Background()

	res, err := s.orch.Purchase(ctx, models.ServiceSetTopBox, Request{
		UserID: userID, PackageID: p.ID, Params: map[string]string{activator.ParamDeviceSerial: "STB-1"},
	})
	require.NoError(t, err)

	first, err := s.orch.AdminManualRefund(ctx, res.ExecutionLogID, "no technician", uuid.New())
	require.NoError(t, err)
	second, err := s.orch.AdminManualRefund(ctx, res.ExecutionLogID, "again", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, s.balance(t, walletID).Equal(dec("300")))

	_, err = s.orch.AdminManualRefund(ctx, uuid.New(), "missing", uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func homeParams(line string) map[string]string {
	return map[string]string{activator.ParamLineID: line, activator.ParamAccountNumber: "ACC-" + line}
}

func TestHomeInternet_QueuedThenCompleted(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceHomeInternet, "350")
	ctx := context.Background()

	res, err := s.orch.Purchase(ctx, models.ServiceHomeInternet, Request{UserID: userID, PackageID: p.ID, Params: homeParams("L1")})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, res.Status)
	require.Len(t, s.queue.renewals, 1)
	r := s.queue.renewals[0]
	assert.Equal(t, res.ExecutionLogID, r.ExecutionLogID)
	assert.Equal(t, "L1", r.LineID)
	assert.Equal(t, "ACC-L1", r.AccountNumber)
	assert.Equal(t, 30, r.DurationDays)

	l, err := s.orch.GetExecution(ctx, res.ExecutionLogID, userID)
	require.NoError(t, err)
	require.NotNil(t, l.JobID)
	assert.Equal(t, int64(1), *l.JobID)
	_, err = s.orch.GetExecution(ctx, res.ExecutionLogID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	receipt, _ := json.Marshal(activator.RenewalReceipt{Reference: l.ID.String(), ExpiresAt: expires})
	done, err := s.orch.CompleteAsync(ctx, l.ID, l.ID.String(), receipt)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, done.Status)

	sub, err := s.repo.GetActiveSubscription(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, userID, sub.UserID)
	assert.True(t, expires.Equal(sub.ExpiresAt))

	// A late failure report for a completed log changes nothing.
	require.NoError(t, s.orch.FailAsync(ctx, l.ID, "duplicate discard event"))
	l, err = s.repo.GetLog(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, l.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("650")))
}

func TestHomeInternet_FailedJobIsRefundedOnce(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "1000")
	p := s.pkg(models.ServiceHomeInternet, "350")
	ctx := context.Background()

	res, err := s.orch.Purchase(ctx, models.ServiceHomeInternet, Request{UserID: userID, PackageID: p.ID, Params: homeParams("L2")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.orch.FailAsync(ctx, res.ExecutionLogID, "portal unreachable"))
		}()
	}
	wg.Wait()

	l, err := s.repo.GetLog(ctx, res.ExecutionLogID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, l.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("1000")))
	credits := 0
	for _, e := range s.store.Entries(walletID) {
		if e.Category == models.CategoryRefund {
			credits++
		}
	}
	assert.Equal(t, 1, credits)
}

func TestHomeInternet_WorkerFinishesBeforeQueuedIsRecorded(t *testing.T) {
	s := newSaga(t)
	userID, _ := s.wallet(t, "1000")
	p := s.pkg(models.ServiceHomeInternet, "100")
	s.queue.onEnqueue = func(r activator.Renewal) {
		_, err := s.orch.CompleteAsync(context.Background(), r.ExecutionLogID, r.Reference(), json.RawMessage(`{}`))
		assert.NoError(t, err)
	}

	res, err := s.orch.Purchase(context.Background(), models.ServiceHomeInternet, Request{UserID: userID, PackageID: p.ID, Params: homeParams("L3")})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, res.Status)
}

func TestHomeInternet_LineOwnership(t *testing.T) {
	s := newSaga(t)
	owner, _ := s.wallet(t, "1000")
	intruder, intruderWallet := s.wallet(t, "1000")
	p := s.pkg(models.ServiceHomeInternet, "100")
	ctx := context.Background()

	require.NoError(t, s.repo.SaveSubscription(ctx, &models.Subscription{
		ID: uuid.New(), LineID: "L4", UserID: owner, PackageID: p.ID,
		Status: models.SubscriptionActive, ExpiresAt: time.Now().Add(24 * time.Hour),
	}))

	_, err := s.orch.Purchase(ctx, models.ServiceHomeInternet, Request{UserID: intruder, PackageID: p.ID, Params: homeParams("L4")})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, s.repo.logsFor(intruder))
	assert.True(t, s.balance(t, intruderWallet).Equal(dec("1000")))

	res, err := s.orch.Purchase(ctx, models.ServiceHomeInternet, Request{UserID: owner, PackageID: p.ID, Params: homeParams("L4")})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, res.Status, "the owner may renew")
}

func TestHomeInternet_ExpiredSubscriptionIsReleased(t *testing.T) {
	s := newSaga(t)
	previous, _ := s.wallet(t, "")
	buyer, _ := s.wallet(t, "1000")
	p := s.pkg(models.ServiceHomeInternet, "100")
	ctx := context.Background()

	oldID := uuid.New()
	require.NoError(t, s.repo.SaveSubscription(ctx, &models.Subscription{
		ID: oldID, LineID: "L5", UserID: previous, PackageID: p.ID,
		Status: models.SubscriptionActive, ExpiresAt: time.Now().Add(-time.Hour),
	}))

	res, err := s.orch.Purchase(ctx, models.ServiceHomeInternet, Request{UserID: buyer, PackageID: p.ID, Params: homeParams("L5")})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, res.Status)
	s.repo.mu.Lock()
	assert.Equal(t, models.SubscriptionExpired, s.repo.subscriptions[oldID].Status)
	s.repo.mu.Unlock()

	_, err = s.orch.CompleteAsync(ctx, res.ExecutionLogID, "ref", json.RawMessage(`{}`))
	require.NoError(t, err)
	sub, err := s.repo.GetActiveSubscription(ctx, "L5")
	require.NoError(t, err)
	assert.Equal(t, buyer, sub.UserID)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), sub.ExpiresAt, time.Minute)
}

func TestHomeInternet_EnqueueFailureRefunds(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "500")
	p := s.pkg(models.ServiceHomeInternet, "100")
	s.queue.err = errors.New("queue unavailable")

	res, err := s.orch.Purchase(context.Background(), models.ServiceHomeInternet, Request{UserID: userID, PackageID: p.ID, Params: homeParams("L6")})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, res.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("500")))
}

func TestAdminManualRefund_CancelsQueuedJob(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "500")
	p := s.pkg(models.ServiceHomeInternet, "100")
	ctx := context.Background()

	res, err := s.orch.Purchase(ctx, models.ServiceHomeInternet, Request{UserID: userID, PackageID: p.ID, Params: homeParams("L7")})
	require.NoError(t, err)
	_, err = s.orch.AdminManualRefund(ctx, res.ExecutionLogID, "customer cancelled", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, s.canceller.cancelled)
	assert.True(t, s.balance(t, walletID).Equal(dec("500")))

	// The worker finishing afterwards does not reopen the purchase.
	done, err := s.orch.CompleteAsync(ctx, res.ExecutionLogID, "late", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, done.Status)
}

// --- saga completeness ---

func TestSaga_EveryDebitIsSettled(t *testing.T) {
	s := newSaga(t)
	p := s.pkg(models.ServiceMobileRecharge, "10")
	var calls int
	var mu sync.Mutex
	s.setRecharge(func(_ context.Context, req activator.Request) activator.Result {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n%3 == 0 {
			return activator.Failed(fmt.Errorf("flaky provider %d", n))
		}
		return activator.Completed("ok", nil)
	})

	type buyer struct{ user, wallet uuid.UUID }
	var buyers []buyer
	for i := 0; i < 6; i++ {
		u, w := s.wallet(t, "100")
		buyers = append(buyers, buyer{u, w})
	}
	var wg sync.WaitGroup
	for _, b := range buyers {
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func(b buyer) {
				defer wg.Done()
				_, _ = s.orch.Purchase(context.Background(), models.ServiceMobileRecharge, Request{
					UserID: b.user, WalletID: b.wallet, PackageID: p.ID, Params: rechargeParams(),
				})
			}(b)
		}
	}
	wg.Wait()

	for _, l := range s.repo.allLogs() {
		require.True(t, l.IsTerminal(), "log %s left in %s", l.ID, l.Status)
		require.NotNil(t, l.DebitEntryID)
		switch l.Status {
		case models.ExecutionCompleted:
			assert.Nil(t, l.RefundEntryID)
		case models.ExecutionRefunded:
			require.NotNil(t, l.RefundEntryID)
			refund, err := s.engine.GetEntry(context.Background(), *l.RefundEntryID)
			require.NoError(t, err)
			assert.Equal(t, l.DebitEntryID.String(), refund.Metadata[models.MetaOriginalEntryID])
		default:
			t.Fatalf("unexpected status %s", l.Status)
		}
	}
	for _, b := range buyers {
		completed := 0
		for _, l := range s.repo.logsFor(b.user) {
			if l.Status == models.ExecutionCompleted {
				completed++
			}
		}
		want := dec("100").Sub(dec("10").Mul(decimal.NewFromInt(int64(completed))))
		assert.True(t, s.balance(t, b.wallet).Equal(want))
	}
}

func TestReconcileStale(t *testing.T) {
	s := newSaga(t)
	userID, walletID := s.wallet(t, "200")
	p := s.pkg(models.ServiceMobileRecharge, "50")
	ctx := context.Background()

	// A purchase whose process died right after the debit.
	stuck := &models.ExecutionLog{
		ID: uuid.New(), ServiceType: models.ServiceMobileRecharge, UserID: userID, WalletID: walletID,
		PackageID: p.ID, Status: models.ExecutionPending,
	}
	stuck.IdempotencyKey = idempotency.Purchase(stuck.ID, "")
	require.NoError(t, s.repo.CreateLog(ctx, stuck))
	_, err := s.engine.Debit(ctx, ledger.DebitRequest{
		WalletID: walletID, UserID: userID, Amount: p.Price, IdempotencyKey: stuck.IdempotencyKey, ReferenceID: &stuck.ID,
	})
	require.NoError(t, err)

	// One that died before the debit.
	unpaid := &models.ExecutionLog{
		ID: uuid.New(), ServiceType: models.ServiceMobileRecharge, UserID: userID, WalletID: walletID,
		PackageID: p.ID, Status: models.ExecutionPending,
	}
	unpaid.IdempotencyKey = idempotency.Purchase(unpaid.ID, "")
	require.NoError(t, s.repo.CreateLog(ctx, unpaid))

	n, err := s.orch.ReconcileStale(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	l, err := s.repo.GetLog(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRefunded, l.Status)
	l, err = s.repo.GetLog(ctx, unpaid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, l.Status)
	assert.True(t, s.balance(t, walletID).Equal(dec("200")))

	n, err = s.orch.ReconcileStale(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}
