package worker

import (
	"fmt"
	"time"

	"github.com/ignite/envelope/internal/store"
)

// RateLimitError reports that an account exhausted its hourly send budget.
type RateLimitError struct {
	Limit int
	Count int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate_limit_exceeded: %d sends in the last hour (limit %d)", e.Count, e.Limit)
}

// RateLimiter admits sends against each account's hourly budget. The count
// comes from the messages table, so queued and in-flight sends count the
// same as completed ones and a restart cannot reset the window.
type RateLimiter struct {
	Store *store.Store
}

// Allow checks the budget before a send is accepted. Accounts without a
// configured limit are never throttled.
func (r *RateLimiter) Allow(account *store.Account) error {
	if account.RateLimitPerHour == nil {
		return nil
	}
	count, err := r.Store.CountRecentSends(account.ID, time.Hour)
	if err != nil {
		return err
	}
	if count >= *account.RateLimitPerHour {
		return &RateLimitError{Limit: *account.RateLimitPerHour, Count: count}
	}
	return nil
}
