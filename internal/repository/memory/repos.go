package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/homecare-billing/internal/model"
	"github.com/jwalitptl/homecare-billing/internal/repository"
)

var renewableStatuses = map[string]bool{
	model.BookingStatusApproved:  true,
	model.BookingStatusConfirmed: true,
	model.BookingStatusCompleted: true,
}

type bookingRepo struct{ s *Store }

func (s *Store) BookingRepo() repository.BookingRepository { return bookingRepo{s} }

func (r bookingRepo) Get(_ context.Context, id uuid.UUID) (*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Bookings.Get"); err != nil {
		return nil, err
	}
	b, ok := r.s.bookings[id]
	if !ok {
		return nil, notFound("booking")
	}
	c := *b
	return &c, nil
}

func (r bookingRepo) GetByPaymentIntent(_ context.Context, intentID string) (*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bookings {
		if b.PaymentIntentID != nil && *b.PaymentIntentID == intentID {
			c := *b
			return &c, nil
		}
	}
	return nil, notFound("booking")
}

func (r bookingRepo) ListRenewalCandidates(_ context.Context, asOf time.Time) ([]*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Bookings.ListRenewalCandidates"); err != nil {
		return nil, err
	}

	day := model.DateOnly(asOf)
	var out []*model.Booking
	for _, b := range r.s.bookings {
		if !b.RecurringService || !b.AutoPayEnabled || !renewableStatuses[b.Status] {
			continue
		}
		if b.PaymentStatus != model.PaymentStatusPaid || !b.RecurringActive() {
			continue
		}
		if b.EndDate().After(day) {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceDate.Before(out[j].ServiceDate) })
	return out, nil
}

func (r bookingRepo) ListScheduled(_ context.Context, status string) ([]*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Booking
	for _, b := range r.s.bookings {
		if b.Status == status && (len(b.Schedule) > 0 || b.ScheduleErr != nil) {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r bookingRepo) GetSuccessor(_ context.Context, parentID uuid.UUID) (*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.bookings {
		if b.ParentBookingID != nil && *b.ParentBookingID == parentID {
			c := *b
			return &c, nil
		}
	}
	return nil, nil
}

func (r bookingRepo) CreateSuccessor(_ context.Context, b *model.Booking) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b.ParentBookingID == nil {
		return fmt.Errorf("successor booking requires a parent")
	}
	for _, existing := range r.s.bookings {
		if existing.ParentBookingID != nil && *existing.ParentBookingID == *b.ParentBookingID {
			return repository.ErrSuccessorExists
		}
	}
	if err := r.s.write("Bookings.CreateSuccessor"); err != nil {
		return err
	}
	c := *b
	r.s.bookings[b.ID] = &c
	return nil
}

func (r bookingRepo) Update(_ context.Context, b *model.Booking) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.bookings[b.ID]; !ok {
		return notFound("booking")
	}
	if err := r.s.write("Bookings.Update"); err != nil {
		return err
	}
	b.UpdatedAt = time.Now()
	c := *b
	r.s.bookings[b.ID] = &c
	return nil
}

type assignmentRepo struct{ s *Store }

func (s *Store) AssignmentRepo() repository.AssignmentRepository { return assignmentRepo{s} }

func (r assignmentRepo) ListAssigned(_ context.Context, bookingID uuid.UUID) ([]*model.BookingAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.BookingAssignment
	for _, a := range r.s.assignments {
		if a.BookingID == bookingID && a.Status == model.AssignmentStatusAssigned {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r assignmentRepo) Create(_ context.Context, a *model.BookingAssignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.write("Assignments.Create"); err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	c := *a
	r.s.assignments = append(r.s.assignments, &c)
	return nil
}

type userRepo struct{ s *Store }

func (s *Store) UserRepo() repository.UserRepository { return userRepo{s} }

func (r userRepo) Get(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, notFound("user")
	}
	c := *u
	return &c, nil
}

func (r userRepo) ListActiveByRole(_ context.Context, roles ...string) ([]*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Users.ListActiveByRole"); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(roles))
	for _, role := range roles {
		wanted[role] = true
	}
	var out []*model.User
	for _, u := range r.s.users {
		if u.Status == model.UserStatusActive && wanted[u.Role] {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r userRepo) SetPayoutsEnabled(_ context.Context, payoutAccountID string, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.PayoutAccountID != nil && *u.PayoutAccountID == payoutAccountID {
			if err := r.s.write("Users.SetPayoutsEnabled"); err != nil {
				return err
			}
			u.PayoutsEnabled = enabled
			return nil
		}
	}
	return notFound("user")
}

type timeTrackingRepo struct{ s *Store }

func (s *Store) TimeTrackingRepo() repository.TimeTrackingRepository { return timeTrackingRepo{s} }

func (r timeTrackingRepo) ListOpen(_ context.Context, bookingID uuid.UUID, since time.Time) ([]*model.TimeTracking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	day := model.DateOnly(since)
	var out []*model.TimeTracking
	for _, e := range r.s.entries {
		if e.BookingID != bookingID || !e.Open() || e.WorkDate.Before(day) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClockInTime.Before(out[j].ClockInTime) })
	return out, nil
}

func (r timeTrackingRepo) Close(_ context.Context, entry *model.TimeTracking) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if entry.ClockOutTime == nil {
		return fmt.Errorf("time entry %s has no clock-out", entry.ID)
	}
	stored, ok := r.s.entries[entry.ID]
	if !ok || !stored.Open() {
		return notFound("open time entry")
	}
	if err := r.s.write("TimeEntries.Close"); err != nil {
		return err
	}
	out := *entry.ClockOutTime
	stored.ClockOutTime = &out
	stored.HoursWorked = entry.HoursWorked
	stored.CaregiverEarnings = entry.CaregiverEarnings
	stored.TotalClientCharge = entry.TotalClientCharge
	stored.AutoClockedOut = entry.AutoClockedOut
	stored.UpdatedAt = entry.UpdatedAt
	return nil
}

// earning returns the amount a time entry owes userID in role, and whether
// it is still unpaid.
func earning(e *model.TimeTracking, userID uuid.UUID, role string) (model.Earning, bool) {
	switch role {
	case model.RoleCaregiver, model.RoleHousekeeper:
		if e.CaregiverID == userID && e.PaymentStatus == model.PaymentStatusPending {
			return model.Earning{TimeTrackingID: e.ID, Amount: e.CaregiverEarnings}, true
		}
	case model.RoleMarketing:
		if e.MarketingPartnerID != nil && *e.MarketingPartnerID == userID && !e.MarketingCommissionPaid {
			return model.Earning{TimeTrackingID: e.ID, Amount: e.MarketingPartnerCommission}, true
		}
	case model.RoleTrainingCenter:
		if e.TrainingCenterUserID != nil && *e.TrainingCenterUserID == userID && !e.TrainingCommissionPaid {
			return model.Earning{TimeTrackingID: e.ID, Amount: e.TrainingCenterCommission}, true
		}
	}
	return model.Earning{}, false
}

func (r timeTrackingRepo) UnpaidEarnings(_ context.Context, userID uuid.UUID, role string, cutoff time.Time) ([]model.Earning, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("TimeEntries.UnpaidEarnings"); err != nil {
		return nil, err
	}

	var entries []*model.TimeTracking
	for _, e := range r.s.entries {
		if e.ClockOutTime != nil && !e.ClockOutTime.After(cutoff) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClockOutTime.Before(*entries[j].ClockOutTime) })

	var out []model.Earning
	for _, e := range entries {
		if earn, ok := earning(e, userID, role); ok && earn.Amount.IsPositive() {
			out = append(out, earn)
		}
	}
	return out, nil
}

type paymentRepo struct{ s *Store }

func (s *Store) PaymentRepo() repository.PaymentRepository { return paymentRepo{s} }

func (r paymentRepo) Create(_ context.Context, p *model.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.payments {
		if existing.TransactionID == p.TransactionID {
			return repository.ErrPaymentExists
		}
	}
	if err := r.s.write("Payments.Create"); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	c := *p
	r.s.payments = append(r.s.payments, &c)
	return nil
}

func (r paymentRepo) MarkRefunded(_ context.Context, transactionID string, refundedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payments {
		if p.TransactionID == transactionID && p.Status != model.PaymentRefunded {
			if err := r.s.write("Payments.MarkRefunded"); err != nil {
				return err
			}
			p.Status = model.PaymentRefunded
			p.UpdatedAt = refundedAt
			return nil
		}
	}
	return notFound("payment")
}

type payoutRepo struct{ s *Store }

func (s *Store) PayoutRepo() repository.PayoutRepository { return payoutRepo{s} }

func copyPayout(p *model.PayoutTransaction) *model.PayoutTransaction {
	c := *p
	c.EntryIDs = append([]uuid.UUID(nil), p.EntryIDs...)
	return &c
}

func (r payoutRepo) Create(_ context.Context, p *model.PayoutTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.write("Payouts.Create"); err != nil {
		return err
	}
	if p.Status == model.PayoutStatusPending {
		for _, existing := range r.s.payouts {
			if existing.Status == model.PayoutStatusPending && existing.UserID == p.UserID && existing.Role == p.Role {
				return fmt.Errorf("user %s already has a pending %s payout", p.UserID, p.Role)
			}
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.EntryCount == 0 {
		p.EntryCount = len(p.EntryIDs)
	}
	r.s.payouts = append(r.s.payouts, copyPayout(p))
	return nil
}

func (r payoutRepo) FindOpen(_ context.Context, userID uuid.UUID, role string) (*model.PayoutTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Payouts.FindOpen"); err != nil {
		return nil, err
	}
	for _, p := range r.s.payouts {
		if p.Status == model.PayoutStatusPending && p.UserID == userID && p.Role == role {
			return copyPayout(p), nil
		}
	}
	return nil, nil
}

func (r payoutRepo) pending(id uuid.UUID) (*model.PayoutTransaction, error) {
	for _, p := range r.s.payouts {
		if p.ID == id && p.Status == model.PayoutStatusPending {
			return p, nil
		}
	}
	return nil, notFound("pending payout")
}

func (r payoutRepo) RecordTransfer(_ context.Context, id uuid.UUID, transferID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, err := r.pending(id)
	if err != nil {
		return err
	}
	if err := r.s.write("Payouts.RecordTransfer"); err != nil {
		return err
	}
	p.TransferID = &transferID
	return nil
}

func (r payoutRepo) Fail(_ context.Context, id uuid.UUID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, err := r.pending(id)
	if err != nil {
		return err
	}
	if err := r.s.write("Payouts.Fail"); err != nil {
		return err
	}
	p.Status = model.PayoutStatusFailed
	p.FailureReason = &reason
	return nil
}

func (r payoutRepo) Settle(_ context.Context, payout *model.PayoutTransaction, paidAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Payouts.Settle"); err != nil {
		return err
	}
	stored, err := r.pending(payout.ID)
	if err != nil {
		return err
	}

	settle := make([]*model.TimeTracking, 0, len(payout.EntryIDs))
	for _, id := range payout.EntryIDs {
		e, ok := r.s.entries[id]
		if !ok {
			return fmt.Errorf("settled %d of %d time entries", len(settle), len(payout.EntryIDs))
		}
		if _, unpaid := earning(e, payout.UserID, payout.Role); !unpaid {
			return fmt.Errorf("settled %d of %d time entries", len(settle), len(payout.EntryIDs))
		}
		settle = append(settle, e)
	}

	r.s.writes++
	stored.Status = model.PayoutStatusCompleted
	if payout.TransferID != nil {
		stored.TransferID = payout.TransferID
	}
	payout.Status = model.PayoutStatusCompleted

	payoutID := payout.ID
	for _, e := range settle {
		switch payout.Role {
		case model.RoleMarketing:
			e.MarketingCommissionPaid = true
		case model.RoleTrainingCenter:
			e.TrainingCommissionPaid = true
		default:
			at := paidAt
			e.PaymentStatus = model.PaymentStatusPaid
			e.PaidAt = &at
			e.PayoutID = &payoutID
		}
	}
	return nil
}

func (r payoutRepo) UpdateStatusByTransfer(_ context.Context, transferID, status string, reason *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payouts {
		if p.TransferID != nil && *p.TransferID == transferID {
			if err := r.s.write("Payouts.UpdateStatusByTransfer"); err != nil {
				return err
			}
			p.Status = status
			if reason != nil {
				p.FailureReason = reason
			}
			return nil
		}
	}
	return notFound("payout")
}

type snapshotRepo struct{ s *Store }

func (s *Store) SnapshotRepo() repository.SnapshotRepository { return snapshotRepo{s} }

// Totals applies the same rules as the SQL version, ignoring the settle
// timestamps of commissions.
func (r snapshotRepo) Totals(_ context.Context, cutoff time.Time) (*model.FinancialTotals, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Snapshots.Totals"); err != nil {
		return nil, err
	}

	var t model.FinancialTotals
	for _, p := range r.s.payments {
		if p.Status == model.PaymentCompleted && !p.PaidAt.After(cutoff) {
			t.TotalRevenue = t.TotalRevenue.Add(p.Amount)
		}
	}
	for _, e := range r.s.entries {
		if e.ClockOutTime == nil || e.ClockOutTime.After(cutoff) {
			continue
		}
		if e.PaymentStatus == model.PaymentStatusPaid && e.PaidAt != nil && !e.PaidAt.After(cutoff) {
			t.CaregiversPaid = t.CaregiversPaid.Add(e.CaregiverEarnings)
		} else {
			t.CaregiversPayable = t.CaregiversPayable.Add(e.CaregiverEarnings)
		}
		if e.MarketingPartnerID != nil {
			if e.MarketingCommissionPaid {
				t.MarketingPaid = t.MarketingPaid.Add(e.MarketingPartnerCommission)
			} else {
				t.MarketingPayable = t.MarketingPayable.Add(e.MarketingPartnerCommission)
			}
		}
		if e.TrainingCenterUserID != nil {
			if e.TrainingCommissionPaid {
				t.TrainingPaid = t.TrainingPaid.Add(e.TrainingCenterCommission)
			} else {
				t.TrainingPayable = t.TrainingPayable.Add(e.TrainingCenterCommission)
			}
		}
	}
	return &t, nil
}

func (r snapshotRepo) Upsert(_ context.Context, snap *model.DailyBalanceSnapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.write("Snapshots.Upsert"); err != nil {
		return err
	}
	key := snap.SnapshotDate.Format("2006-01-02")
	if existing, ok := r.s.snapshots[key]; ok {
		snap.ID = existing.ID
	} else if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	c := *snap
	r.s.snapshots[key] = &c
	return nil
}

type webhookRepo struct{ s *Store }

func (s *Store) WebhookRepo() repository.WebhookRepository { return webhookRepo{s} }

func (r webhookRepo) Enqueue(_ context.Context, hook *model.FailedWebhook) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if hook == nil || len(hook.Payload) == 0 {
		return fmt.Errorf("webhook payload cannot be empty")
	}
	if err := r.s.write("Webhooks.Enqueue"); err != nil {
		return err
	}
	if hook.ID == uuid.Nil {
		hook.ID = uuid.New()
	}
	c := *hook
	r.s.webhooks[hook.ID] = &c
	return nil
}

func (r webhookRepo) ClaimPending(_ context.Context, limit int, staleAfter time.Duration) ([]*model.FailedWebhook, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Webhooks.ClaimPending"); err != nil {
		return nil, err
	}

	staleBefore := time.Now().Add(-staleAfter)
	var claimable []*model.FailedWebhook
	for _, w := range r.s.webhooks {
		if w.Status == model.WebhookStatusPending ||
			(w.Status == model.WebhookStatusProcessing && w.UpdatedAt.Before(staleBefore)) {
			claimable = append(claimable, w)
		}
	}
	sort.Slice(claimable, func(i, j int) bool { return claimable[i].CreatedAt.Before(claimable[j].CreatedAt) })
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	out := make([]*model.FailedWebhook, 0, len(claimable))
	for _, w := range claimable {
		r.s.writes++
		w.Status = model.WebhookStatusProcessing
		w.UpdatedAt = time.Now()
		c := *w
		out = append(out, &c)
	}
	return out, nil
}

func (r webhookRepo) finish(id uuid.UUID, op string, apply func(w *model.FailedWebhook)) error {
	w, ok := r.s.webhooks[id]
	if !ok {
		return notFound("webhook")
	}
	if err := r.s.write(op); err != nil {
		return err
	}
	now := time.Now()
	w.Attempts++
	w.LastAttemptAt = &now
	w.UpdatedAt = now
	apply(w)
	return nil
}

func (r webhookRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.finish(id, "Webhooks.MarkCompleted", func(w *model.FailedWebhook) {
		w.Status = model.WebhookStatusCompleted
	})
}

func (r webhookRepo) MarkSkipped(_ context.Context, id uuid.UUID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.finish(id, "Webhooks.MarkSkipped", func(w *model.FailedWebhook) {
		w.Status = model.WebhookStatusSkipped
		w.ErrorLog += model.FormatAttemptError(*w.LastAttemptAt, w.Attempts, reason)
	})
}

func (r webhookRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var status string
	err := r.finish(id, "Webhooks.MarkFailed", func(w *model.FailedWebhook) {
		w.ErrorLog += model.FormatAttemptError(*w.LastAttemptAt, w.Attempts, reason)
		if w.Attempts >= w.MaxAttempts {
			w.Status = model.WebhookStatusFailed
		} else {
			w.Status = model.WebhookStatusPending
		}
		status = w.Status
	})
	return status, err
}

func (r webhookRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.check("Webhooks.DeleteTerminalBefore"); err != nil {
		return 0, err
	}
	var n int64
	for id, w := range r.s.webhooks {
		terminal := w.Status == model.WebhookStatusCompleted || w.Status == model.WebhookStatusFailed
		if terminal && w.UpdatedAt.Before(cutoff) {
			delete(r.s.webhooks, id)
			n++
		}
	}
	if n > 0 {
		r.s.writes++
	}
	return n, nil
}

type notificationRepo struct{ s *Store }

func (s *Store) NotificationRepo() repository.NotificationRepository { return notificationRepo{s} }

func (r notificationRepo) Create(_ context.Context, n *model.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.write("Notifications.Create"); err != nil {
		return err
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	c := *n
	r.s.notifications = append(r.s.notifications, &c)
	return nil
}
