package quota

import (
	"time"

	"github.com/google/uuid"
)

// Quota matches the generation_quotas table schema. Reserved is the number
// of live reservations at the time the row was read.
type Quota struct {
	UserID             string     `json:"user_id"`
	GenerationsToday   int        `json:"generations_today"`
	TotalGenerations   int        `json:"total_generations"`
	Reserved           int        `json:"-"`
	LastGenerationDate time.Time  `json:"last_generation_date"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// EffectiveToday is the count that applies on the UTC day of now.
// A record last touched on an earlier UTC day counts as zero.
func (q *Quota) EffectiveToday(now time.Time) int {
	if q.LastGenerationDate.Before(DayStart(now)) {
		return 0
	}
	return q.GenerationsToday
}

// Available is the number of slots a new reservation could still claim today.
func (q *Quota) Available(now time.Time, limit int) int {
	return max(limit-q.EffectiveToday(now)-q.Reserved, 0)
}

// Normalized returns a copy with the daily reset applied for display.
func (q *Quota) Normalized(now time.Time) *Quota {
	c := *q
	c.GenerationsToday = q.EffectiveToday(now)
	return &c
}

// DayStart is UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Reservation is one claimed generation slot. It holds the slot until it is
// committed, released or older than the store's reservation TTL.
type Reservation struct {
	ID     uuid.UUID
	UserID string
	Quota  *Quota
}

// Status is the read-only view served by GET /generate. RemainingToday
// excludes slots held by in-flight generations.
type Status struct {
	GenerationsToday int `json:"generationsToday"`
	TotalGenerations int `json:"totalGenerations"`
	RemainingToday   int `json:"remainingToday"`
}

// Stats is the read-only view served by GET /user/stats.
type Stats struct {
	Quota              int        `json:"quota"`
	Used               int        `json:"used"`
	TotalGenerations   int        `json:"total_generations"`
	LastGenerationDate *time.Time `json:"last_generation_date"`
}
