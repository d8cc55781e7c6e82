// Package lock provides advisory, self-expiring mutual exclusion over string
// keys. Locks only reduce wasted work under contention; correctness of stock
// and balances never depends on holding one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockguard/internal/errs"
)

// Lease is proof of ownership returned by a successful Acquire.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

func (l Lease) ExpiresAt() time.Time { return l.AcquiredAt.Add(l.TTL) }

// Locker is the storage-agnostic contract. Acquire returns ok=false, err=nil
// when a live lease is held by someone else. Release returns false when the
// token no longer owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, lease Lease) (bool, error)
}

var errInvalidArgs = errors.New("lock key required and ttl must be > 0")

func validate(key string, ttl time.Duration) error {
	if key == "" || ttl <= 0 {
		return errs.Wrap(errs.KindInvalid, "lock.acquire", errInvalidArgs)
	}
	return nil
}

// WaitForLock polls Acquire every pollInterval until it succeeds or maxWait
// elapses. Timeouts are reported as errs.ErrLockTimeout and are never retried
// here.
func WaitForLock(ctx context.Context, l Locker, key string, ttl, maxWait, pollInterval time.Duration) (Lease, error) {
	if pollInterval <= 0 {
		pollInterval = 25 * time.Millisecond
	}
	deadline := time.Now().Add(maxWait)

	for {
		lease, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Lease{}, &errs.Error{
				Kind: errs.KindLockTimeout,
				Op:   "lock.wait",
				Msg:  fmt.Sprintf("timed out after %v waiting for %q", maxWait, key),
			}
		}
		sleep := pollInterval
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, errs.Wrap(errs.KindBusy, "lock.wait", ctx.Err())
		case <-timer.C:
		}
	}
}

// Set is a group of leases taken together by AcquireAll.
type Set struct {
	locker Locker
	leases []Lease
}

func (s *Set) Leases() []Lease {
	out := make([]Lease, len(s.leases))
	copy(out, s.leases)
	return out
}

// Release gives back every lease in reverse acquisition order. It keeps going
// after a failure and returns the first error seen.
func (s *Set) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var first error
	for i := len(s.leases) - 1; i >= 0; i-- {
		if _, err := s.locker.Release(ctx, s.leases[i]); err != nil && first == nil {
			first = err
		}
	}
	s.leases = nil
	return first
}

// AcquireAll takes every key in lexicographic order within a single maxWait
// budget. Two callers with overlapping key sets therefore contend on the
// lowest shared key first and cannot deadlock. On failure nothing stays held.
func AcquireAll(ctx context.Context, l Locker, keys []string, ttl, maxWait, pollInterval time.Duration) (*Set, error) {
	sorted := SortedKeys(keys)
	set := &Set{locker: l}
	deadline := time.Now().Add(maxWait)

	for _, key := range sorted {
		lease, err := WaitForLock(ctx, l, key, ttl, time.Until(deadline), pollInterval)
		if err != nil {
			_ = set.Release(context.WithoutCancel(ctx))
			return nil, err
		}
		set.leases = append(set.leases, lease)
	}
	return set, nil
}

// SortedKeys returns keys sorted and de-duplicated.
func SortedKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func BuyerKey(buyerID string) string { return "order:buyer:" + buyerID }

func SKUKey(skuID string) string { return "order:sku:" + skuID }

// SKUSetLabel renders a SKU set the way it appears in logs, e.g. order:skus:[A,B].
func SKUSetLabel(skuIDs []string) string {
	return "order:skus:[" + strings.Join(SortedKeys(skuIDs), ",") + "]"
}
