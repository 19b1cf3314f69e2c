// Package memstore is an in-memory ledger.Store for tests and single-process
// development. Transactions are serialized by one mutex, which trivially
// satisfies serializable isolation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/models"
)

type Store struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*models.Wallet
	entries []*models.LedgerEntry
	byKey   map[string]*models.LedgerEntry
	byRef   map[string]struct{}

	// FailNextCommit makes the next InTx return this error without applying.
	FailNextCommit error
}

func New() *Store {
	return &Store{
		wallets: make(map[uuid.UUID]*models.Wallet),
		byKey:   make(map[string]*models.LedgerEntry),
		byRef:   make(map[string]struct{}),
	}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, balances: map[uuid.UUID]decimal.Decimal{}, statuses: map[uuid.UUID]string{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := s.FailNextCommit; err != nil {
		s.FailNextCommit = nil
		return err
	}
	now := time.Now()
	for _, e := range tx.pending {
		e.CreatedAt = now
		s.entries = append(s.entries, e)
		s.byKey[e.IdempotencyKey] = e
		if e.ExternalReference != nil {
			s.byRef[*e.ExternalReference] = struct{}{}
		}
	}
	for id, bal := range tx.balances {
		s.wallets[id].CachedBalance = bal
		s.wallets[id].UpdatedAt = now
	}
	for id, st := range tx.statuses {
		s.wallets[id].Status = st
		s.wallets[id].UpdatedAt = now
	}
	return nil
}

// AddWallet seeds a wallet directly.
func (s *Store) AddWallet(w *models.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.ID] = &cp
}

func (s *Store) CreateWallet(_ context.Context, w *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wallets {
		if existing.UserID == w.UserID {
			return fmt.Errorf("%w: user already has a wallet", ledger.ErrConflict)
		}
	}
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	cp := *w
	s.wallets[w.ID] = &cp
	return nil
}

func (s *Store) GetWallet(_ context.Context, id uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet(id)
}

func (s *Store) wallet(id uuid.UUID) (*models.Wallet, error) {
	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet: %w", ledger.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) GetWalletByUserID(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.UserID == userID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("wallet: %w", ledger.ErrNotFound)
}

func (s *Store) GetEntry(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return copyEntry(e), nil
		}
	}
	return nil, fmt.Errorf("ledger entry: %w", ledger.ErrNotFound)
}

func (s *Store) FindByIdempotencyKey(_ context.Context, key string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byKey[key]; ok {
		return copyEntry(e), nil
	}
	return nil, fmt.Errorf("ledger entry: %w", ledger.ErrNotFound)
}

func (s *Store) ListEntries(_ context.Context, walletID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var list []*models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].WalletID == walletID {
			list = append(list, copyEntry(s.entries[i]))
		}
	}
	if offset >= len(list) {
		return nil, nil
	}
	list = list[offset:]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) Balance(_ context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum(walletID, nil), nil
}

// Entries returns every entry for walletID in insertion order.
func (s *Store) Entries(walletID uuid.UUID) []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.LedgerEntry
	for _, e := range s.entries {
		if e.WalletID == walletID {
			list = append(list, copyEntry(e))
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

func (s *Store) sum(walletID uuid.UUID, pending []*models.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.entries {
		if e.WalletID == walletID {
			total = total.Add(e.SignedAmount())
		}
	}
	for _, e := range pending {
		if e.WalletID == walletID {
			total = total.Add(e.SignedAmount())
		}
	}
	return total
}

type memTx struct {
	s        *Store
	pending  []*models.LedgerEntry
	balances map[uuid.UUID]decimal.Decimal
	statuses map[uuid.UUID]string
}

func (t *memTx) GetWalletForUpdate(_ context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, err := t.s.wallet(id)
	if err != nil {
		return nil, err
	}
	if st, ok := t.statuses[id]; ok {
		w.Status = st
	}
	return w, nil
}

func (t *memTx) FindByIdempotencyKey(_ context.Context, key string) (*models.LedgerEntry, error) {
	if e, ok := t.s.byKey[key]; ok {
		return copyEntry(e), nil
	}
	for _, e := range t.pending {
		if e.IdempotencyKey == key {
			return copyEntry(e), nil
		}
	}
	return nil, fmt.Errorf("ledger entry: %w", ledger.ErrNotFound)
}

func (t *memTx) ExternalReferenceExists(_ context.Context, ref string) (bool, error) {
	if _, ok := t.s.byRef[ref]; ok {
		return true, nil
	}
	for _, e := range t.pending {
		if e.ExternalReference != nil && *e.ExternalReference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Balance(_ context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	return t.s.sum(walletID, t.pending), nil
}

func (t *memTx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	if _, err := t.FindByIdempotencyKey(ctx, e.IdempotencyKey); err == nil {
		return ledger.ErrDuplicateKey
	}
	if e.ExternalReference != nil {
		if used, _ := t.ExternalReferenceExists(ctx, *e.ExternalReference); used {
			return ledger.ErrDuplicateReference
		}
	}
	t.pending = append(t.pending, copyEntry(e))
	return nil
}

func (t *memTx) SetCachedBalance(_ context.Context, walletID uuid.UUID, balance decimal.Decimal) error {
	t.balances[walletID] = balance
	return nil
}

func (t *memTx) SetWalletStatus(_ context.Context, walletID uuid.UUID, status string) error {
	if _, ok := t.s.wallets[walletID]; !ok {
		return fmt.Errorf("wallet: %w", ledger.ErrNotFound)
	}
	t.statuses[walletID] = status
	return nil
}

func copyEntry(e *models.LedgerEntry) *models.LedgerEntry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
