package purchase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/models"
)

// --- in-memory Repository ---

type memRepo struct {
	mu            sync.Mutex
	packages      map[uuid.UUID]*models.ServicePackage
	logs          map[uuid.UUID]*models.ExecutionLog
	vouchers      []*models.Voucher
	subscriptions map[uuid.UUID]*models.Subscription
	records       map[uuid.UUID]*models.ServiceRecord
}

func newMemRepo() *memRepo {
	return &memRepo{
		packages:      make(map[uuid.UUID]*models.ServicePackage),
		logs:          make(map[uuid.UUID]*models.ExecutionLog),
		subscriptions: make(map[uuid.UUID]*models.Subscription),
		records:       make(map[uuid.UUID]*models.ServiceRecord),
	}
}

func (r *memRepo) addPackage(p *models.ServicePackage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages[p.ID] = p
}

func (r *memRepo) addVouchers(packageID uuid.UUID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.vouchers = append(r.vouchers, &models.Voucher{
			ID: uuid.New(), PackageID: packageID, Code: fmt.Sprintf("HS-%03d", i), Status: models.VoucherAvailable,
		})
	}
}

func (r *memRepo) GetPackage(_ context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[id]
	if !ok {
		return nil, fmt.Errorf("package: %w", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) CreateLog(_ context.Context, l *models.ExecutionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	l.CreatedAt, l.UpdatedAt = now, now
	cp := *l
	r.logs[l.ID] = &cp
	return nil
}

func (r *memRepo) GetLog(_ context.Context, id uuid.UUID) (*models.ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return nil, fmt.Errorf("execution log: %w", ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (r *memRepo) DeleteLog(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[id]; ok && l.DebitEntryID == nil {
		delete(r.logs, id)
	}
	return nil
}

func (r *memRepo) TransitionLog(_ context.Context, l *models.ExecutionLog, from ...string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.logs[l.ID]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if cur.Status == st {
			cp := *l
			cp.UpdatedAt = time.Now()
			r.logs[l.ID] = &cp
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*models.ExecutionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*models.ExecutionLog
	for _, l := range r.logs {
		if !l.UpdatedAt.Before(cutoff) {
			continue
		}
		if (l.Status == models.ExecutionExecuting && l.JobID == nil) ||
			(l.Status == models.ExecutionPending && l.DebitEntryID == nil) {
			cp := *l
			list = append(list, &cp)
		}
		if len(list) == limit {
			break
		}
	}
	return list, nil
}

func (r *memRepo) ClaimVoucher(_ context.Context, packageID, userID, logID uuid.UUID) (*models.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.vouchers {
		if v.PackageID == packageID && v.Status == models.VoucherAvailable {
			now := time.Now()
			v.Status = models.VoucherSold
			v.SoldTo, v.SoldAt, v.ExecutionLogID = &userID, &now, &logID
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrOutOfStock
}

func (r *memRepo) GetActiveSubscription(_ context.Context, lineID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscriptions {
		if s.LineID == lineID && s.Status == models.SubscriptionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("subscription: %w", ErrNotFound)
}

func (r *memRepo) ExpireSubscription(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subscriptions[id]; ok {
		s.Status = models.SubscriptionExpired
	}
	return nil
}

func (r *memRepo) SaveSubscription(_ context.Context, s *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.subscriptions {
		if other.ID != s.ID && other.LineID == s.LineID && other.Status == models.SubscriptionActive {
			return fmt.Errorf("%w: line %s already has an active subscription", ErrConflict, s.LineID)
		}
	}
	cp := *s
	r.subscriptions[s.ID] = &cp
	return nil
}

func (r *memRepo) InsertServiceRecord(_ context.Context, rec *models.ServiceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.ExecutionLogID]; ok {
		return nil
	}
	cp := *rec
	r.records[rec.ExecutionLogID] = &cp
	return nil
}

func (r *memRepo) logsFor(userID uuid.UUID) []*models.ExecutionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*models.ExecutionLog
	for _, l := range r.logs {
		if l.UserID == userID {
			cp := *l
			list = append(list, &cp)
		}
	}
	return list
}

func (r *memRepo) allLogs() []*models.ExecutionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*models.ExecutionLog
	for _, l := range r.logs {
		cp := *l
		list = append(list, &cp)
	}
	return list
}

// --- queue and notifier doubles ---

type fakeQueue struct {
	mu       sync.Mutex
	next     int64
	renewals []activator.Renewal
	err      error
	// onEnqueue runs synchronously, e.g. to simulate a fast worker.
	onEnqueue func(r activator.Renewal)
}

func (q *fakeQueue) EnqueueRenewal(_ context.Context, r activator.Renewal) (int64, error) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return 0, q.err
	}
	q.next++
	id := q.next
	q.renewals = append(q.renewals, r)
	hook := q.onEnqueue
	q.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return id, nil
}

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []int64
}

func (c *fakeCanceller) CancelRenewal(_ context.Context, jobID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, jobID)
	return nil
}
