package authcore

import "time"

// LockoutGuard tracks consecutive failed password attempts per user and
// temporarily locks accounts. The state machine has two states, OPEN and
// LOCKED; a lock whose expiry has passed is cleared lazily on the next
// attempt, with no background sweep.
type LockoutGuard struct {
	Store     UserStore
	Threshold int
	Duration  time.Duration
}

// Check enforces the lock before an attempt is processed. While locked it
// returns ErrAccountLocked without touching the counter, even if the caller
// would have presented the correct password. A stale lock resets the counter
// both in the store and on u before the attempt proceeds.
func (g *LockoutGuard) Check(u *User, now time.Time) error {
	if u.LockUntil == nil {
		return nil
	}
	if now.Before(*u.LockUntil) {
		return ErrAccountLocked
	}
	// Lock expired: lazy reset, then the attempt proceeds against a clean
	// counter.
	if err := g.Store.ResetLockout(u.ID); err != nil {
		return err
	}
	u.LockUntil = nil
	u.LoginAttempts = 0
	return nil
}

// RecordFailure bumps the counter after a wrong password. When the new count
// reaches the threshold the account transitions to LOCKED and the failure
// surfaces as ErrAccountLocked (the 5th wrong attempt is already rejected as
// locked, not as invalid credentials).
func (g *LockoutGuard) RecordFailure(u *User, now time.Time) error {
	attempts, err := g.Store.RecordLoginFailure(u.ID)
	if err != nil {
		return err
	}
	if attempts >= g.Threshold {
		until := now.Add(g.Duration)
		if err := g.Store.LockAccount(u.ID, until); err != nil {
			return err
		}
		return ErrAccountLocked
	}
	return ErrInvalidCredentials
}

// RecordSuccess resets the counter and stamps lastLogin after a successful
// authentication.
func (g *LockoutGuard) RecordSuccess(u *User, now time.Time) error {
	return g.Store.RecordLoginSuccess(u.ID, now)
}
