package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

// ReservationStore はプロセス内メモリ上の予約ストア
// 単一のミューテックスで挿入と状態更新を直列化する
type ReservationStore struct {
	mu       sync.Mutex
	byID     map[string]*reservation.Reservation
	active   map[string]string // ResourceKey.String() -> 予約ID
	failWith error
}

var _ reservation.Store = (*ReservationStore)(nil)

func NewReservationStore() *ReservationStore {
	return &ReservationStore{
		byID:   make(map[string]*reservation.Reservation),
		active: make(map[string]string),
	}
}

// FailWith は以降の全操作を err で失敗させる（nil で解除）
func (s *ReservationStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *ReservationStore) unavailable() error {
	if s.failWith == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", reservation.ErrStoreUnavailable, s.failWith)
}

func (s *ReservationStore) TryInsertHold(ctx context.Context, r *reservation.Reservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return false, err
	}

	key := r.Resource.String()
	if _, taken := s.active[key]; taken {
		return false, nil
	}
	s.byID[r.ID] = r.Clone()
	s.active[key] = r.ID
	return true, nil
}

func (s *ReservationStore) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	r, ok := s.byID[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *ReservationStore) UpdateState(ctx context.Context, change reservation.StateChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return false, err
	}

	r, ok := s.byID[change.ID]
	if !ok || r.State != change.From {
		return false, nil
	}
	if err := r.Transition(change.To, change.At, change.Reason); err != nil {
		return false, err
	}
	if !r.State.IsActive() {
		key := r.Resource.String()
		if s.active[key] == r.ID {
			delete(s.active, key)
		}
	}
	return true, nil
}

func (s *ReservationStore) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	var out []*reservation.Reservation
	for _, r := range s.byID {
		if r.IsHeld() && r.IsExpiredAt(now) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReservationStore) FindActiveByResource(ctx context.Context, key reservation.ResourceKey) (*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	id, ok := s.active[key.String()]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *ReservationStore) ListByHolder(ctx context.Context, holderID string, limit, offset int) ([]*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	var out []*reservation.Reservation
	for _, r := range s.byID {
		if r.HolderID == holderID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (s *ReservationStore) ListActiveByProvider(ctx context.Context, providerID string, from, to time.Time) ([]*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	var out []*reservation.Reservation
	for _, id := range s.active {
		r := s.byID[id]
		if r.Resource.ProviderID != providerID {
			continue
		}
		at := r.Resource.ScheduledAt
		if at.Before(from) || !at.Before(to) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.ScheduledAt.Before(out[j].Resource.ScheduledAt) })
	return out, nil
}

// Len は保持している予約の件数を返す
func (s *ReservationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func page(rs []*reservation.Reservation, limit, offset int) []*reservation.Reservation {
	if offset >= len(rs) {
		return []*reservation.Reservation{}
	}
	rs = rs[offset:]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}
