package model

import (
	"time"
)

// TransitionContext carries the caller-supplied fields consumed by transition
// guards and patches. Unused fields are ignored by transitions that do not
// consume them.
type TransitionContext struct {
	// LeaseOwner and LeaseTTL are consumed by PENDING -> IN_PROGRESS.
	LeaseOwner string
	LeaseTTL   time.Duration

	// Result and EvidenceRef are consumed by IN_PROGRESS -> REVIEW.
	Result      string
	EvidenceRef string

	// Feedback is consumed by REVIEW -> PENDING (a bounce).
	Feedback string

	// LastError annotates failure transitions.
	LastError string
}

// allowed enumerates the legal state pairs. DONE has no outgoing edges.
var allowed = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusBlocked},
	StatusInProgress: {StatusReview, StatusPending, StatusBlocked},
	StatusReview:     {StatusDone, StatusPending, StatusBlocked},
	StatusBlocked:    {StatusPending},
	StatusDone:       {},
}

// CanTransition is the pure legality predicate over the state pair. It does
// not evaluate guards; use ValidateTransition for that.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks the state pair and the guards for the target
// state against the current task. It returns a TransitionError on failure.
func ValidateTransition(t *Task, to Status, tc TransitionContext) error {
	from := t.Status
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}

	fail := func(reason string) error {
		return &TransitionError{From: from, To: to, Reason: reason}
	}

	switch {
	case from == StatusPending && to == StatusInProgress:
		if tc.LeaseOwner == "" {
			return fail("lease owner required")
		}
	case from == StatusInProgress && to == StatusReview:
		if tc.Result == "" && tc.EvidenceRef == "" {
			return fail("result or evidence_ref required")
		}
	case from == StatusInProgress && to == StatusPending:
		if t.AttemptCount >= t.MaxAttempts {
			return fail("attempt budget exhausted")
		}
	case from == StatusReview && to == StatusPending:
		if tc.Feedback == "" {
			return fail("feedback required")
		}
		if t.BounceCount >= t.MaxBounces {
			return fail("bounce budget exhausted")
		}
	}
	return nil
}

// ApplyTransition validates and applies a transition, returning the updated
// copy of the task. The input task is not mutated; persistence is the
// caller's concern.
func ApplyTransition(t *Task, to Status, tc TransitionContext, now time.Time) (*Task, error) {
	if err := ValidateTransition(t, to, tc); err != nil {
		return nil, err
	}

	next := t.Clone()
	from := t.Status
	next.Status = to
	next.UpdatedAt = now

	switch {
	case from == StatusPending && to == StatusInProgress:
		next.LeaseOwner = tc.LeaseOwner
		exp := now.Add(tc.LeaseTTL)
		next.LeaseExpiresAt = &exp

	case from == StatusInProgress && to == StatusReview:
		if tc.Result != "" {
			next.Result = tc.Result
		}
		if tc.EvidenceRef != "" {
			next.EvidenceRef = tc.EvidenceRef
		}
		next.clearLease()

	case from == StatusInProgress && to == StatusPending:
		// The attempt counter tracks returned work: it increments when the
		// lease is given back, not when it is taken.
		next.AttemptCount++
		next.clearLease()
		if tc.LastError != "" {
			next.LastError = tc.LastError
		}

	case from == StatusInProgress && to == StatusBlocked:
		next.clearLease()
		if tc.LastError != "" {
			next.LastError = tc.LastError
		}

	case from == StatusReview && to == StatusPending:
		next.BounceCount++
		next.FeedbackHistory = append(next.FeedbackHistory, tc.Feedback)

	case from == StatusReview && to == StatusBlocked,
		from == StatusPending && to == StatusBlocked:
		if tc.LastError != "" {
			next.LastError = tc.LastError
		}
	}

	return next, nil
}

func (t *Task) clearLease() {
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
}
