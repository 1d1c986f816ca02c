package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same semantics as Repository.
// It backs tests and single-instance development runs.
type MemoryStore struct {
	mu             sync.Mutex
	records        map[string]*Quota
	reservations   map[string]map[uuid.UUID]time.Time
	reservationTTL time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(reservationTTL time.Duration) *MemoryStore {
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}
	return &MemoryStore{
		records:        make(map[string]*Quota),
		reservations:   make(map[string]map[uuid.UUID]time.Time),
		reservationTTL: reservationTTL,
	}
}

// live counts unexpired reservations for userID other than skip.
func (s *MemoryStore) live(userID string, skip uuid.UUID, now time.Time) int {
	n := 0
	for id, expires := range s.reservations[userID] {
		if id != skip && expires.After(now) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) snapshot(q *Quota, now time.Time) *Quota {
	c := *q
	c.Reserved = s.live(q.UserID, uuid.Nil, now)
	return &c
}

func (s *MemoryStore) Get(_ context.Context, userID string, now time.Time) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.snapshot(q, now), nil
}

func (s *MemoryStore) GetOrCreate(_ context.Context, userID string, now time.Time) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.records[userID]
	if !ok {
		q = &Quota{UserID: userID, LastGenerationDate: now, CreatedAt: now, UpdatedAt: now}
		s.records[userID] = q
	}
	return s.snapshot(q, now), nil
}

func (s *MemoryStore) Update(_ context.Context, userID string, generationsToday, totalGenerations int, now time.Time) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	q.GenerationsToday = generationsToday
	q.TotalGenerations = totalGenerations
	q.LastGenerationDate = now
	q.UpdatedAt = now
	return s.snapshot(q, now), nil
}

func (s *MemoryStore) Reserve(_ context.Context, userID string, id uuid.UUID, limit int, now time.Time) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}

	held := s.reservations[userID]
	for rid, expires := range held {
		if !expires.After(now) {
			delete(held, rid)
		}
	}

	if q.EffectiveToday(now)+s.live(userID, id, now) >= limit {
		return nil, ErrQuotaExceeded
	}

	if held == nil {
		held = make(map[uuid.UUID]time.Time)
		s.reservations[userID] = held
	}
	if _, ok := held[id]; !ok {
		held[id] = now.Add(s.reservationTTL)
	}
	return s.snapshot(q, now), nil
}

func (s *MemoryStore) Commit(_ context.Context, userID string, id uuid.UUID, now time.Time) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}

	delete(s.reservations[userID], id)
	if q.LastGenerationDate.Before(DayStart(now)) {
		q.GenerationsToday = 1
	} else {
		q.GenerationsToday++
	}
	q.TotalGenerations++
	q.LastGenerationDate = now
	q.UpdatedAt = now
	return s.snapshot(q, now), nil
}

func (s *MemoryStore) Release(_ context.Context, userID string, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[userID]; !ok {
		return ErrNotFound
	}
	delete(s.reservations[userID], id)
	return nil
}

func (s *MemoryStore) AddUsage(_ context.Context, userID string, n int, now time.Time) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}

	if q.LastGenerationDate.Before(DayStart(now)) {
		q.GenerationsToday = n
	} else {
		q.GenerationsToday += n
	}
	q.TotalGenerations += n
	q.LastGenerationDate = now
	q.UpdatedAt = now
	return s.snapshot(q, now), nil
}
