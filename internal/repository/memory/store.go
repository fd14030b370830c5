// Package memory is an in-process implementation of the repository
// interfaces with the same semantics as the Postgres one. Tests use it to
// drive jobs end to end.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

type Store struct {
	mu sync.Mutex

	bookings      map[uuid.UUID]*model.Booking
	assignments   []*model.BookingAssignment
	users         map[uuid.UUID]*model.User
	entries       map[uuid.UUID]*model.TimeTracking
	payments      []*model.Payment
	payouts       []*model.PayoutTransaction
	snapshots     map[string]*model.DailyBalanceSnapshot
	webhooks      map[uuid.UUID]*model.FailedWebhook
	notifications []*model.Notification

	writes int
	fail   map[string]error
}

func NewStore() *Store {
	return &Store{
		bookings:  make(map[uuid.UUID]*model.Booking),
		users:     make(map[uuid.UUID]*model.User),
		entries:   make(map[uuid.UUID]*model.TimeTracking),
		snapshots: make(map[string]*model.DailyBalanceSnapshot),
		webhooks:  make(map[uuid.UUID]*model.FailedWebhook),
		fail:      make(map[string]error),
	}
}

// FailOn makes every later call to the named operation (for example
// "Payouts.Settle") return err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

// ClearFailure undoes FailOn for op.
func (s *Store) ClearFailure(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fail, op)
}

// Writes counts mutating calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) check(op string) error {
	if err, ok := s.fail[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) write(op string) error {
	if err := s.check(op); err != nil {
		return err
	}
	s.writes++
	return nil
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, repository.ErrNotFound)
}

// Seeding helpers. They do not count as writes.

func (s *Store) AddUser(u *model.User) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().Add(time.Duration(len(s.users)) * time.Millisecond)
	}
	c := *u
	s.users[u.ID] = &c
	return u
}

func (s *Store) AddBooking(b *model.Booking) *model.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	c := *b
	s.bookings[b.ID] = &c
	return b
}

func (s *Store) AddAssignment(a *model.BookingAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	c := *a
	s.assignments = append(s.assignments, &c)
}

func (s *Store) AddTimeEntry(e *model.TimeTracking) *model.TimeTracking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	c := *e
	s.entries[e.ID] = &c
	return e
}

func (s *Store) AddPayment(p *model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.payments = append(s.payments, &c)
}

func (s *Store) AddWebhook(w *model.FailedWebhook) *model.FailedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	c := *w
	s.webhooks[w.ID] = &c
	return w
}

// Inspection helpers.

func (s *Store) Booking(id uuid.UUID) *model.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bookings[id]; ok {
		c := *b
		return &c
	}
	return nil
}

func (s *Store) Successors(parentID uuid.UUID) []*model.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Booking
	for _, b := range s.bookings {
		if b.ParentBookingID != nil && *b.ParentBookingID == parentID {
			c := *b
			out = append(out, &c)
		}
	}
	return out
}

func (s *Store) Assignments(bookingID uuid.UUID) []*model.BookingAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.BookingAssignment
	for _, a := range s.assignments {
		if a.BookingID == bookingID {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

func (s *Store) User(id uuid.UUID) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		c := *u
		return &c
	}
	return nil
}

func (s *Store) TimeEntry(id uuid.UUID) *model.TimeTracking {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		c := *e
		return &c
	}
	return nil
}

func (s *Store) Payments() []*model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		c := *p
		out = append(out, &c)
	}
	return out
}

func (s *Store) Payouts() []*model.PayoutTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.PayoutTransaction, 0, len(s.payouts))
	for _, p := range s.payouts {
		out = append(out, copyPayout(p))
	}
	return out
}

func (s *Store) Snapshot(date time.Time) *model.DailyBalanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[date.Format("2006-01-02")]; ok {
		c := *snap
		return &c
	}
	return nil
}

func (s *Store) Webhook(id uuid.UUID) *model.FailedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.webhooks[id]; ok {
		c := *w
		return &c
	}
	return nil
}

func (s *Store) Webhooks() []*model.FailedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.FailedWebhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		c := *w
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Notifications returns stored notifications, optionally only those of one type.
func (s *Store) Notifications(kind string) []*model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Notification
	for _, n := range s.notifications {
		if kind == "" || n.Type == kind {
			c := *n
			out = append(out, &c)
		}
	}
	return out
}
