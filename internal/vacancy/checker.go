package vacancy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/distress.report/internal/monitoring"
)

// Throttle ladder for consecutive 429s on one account: start at two
// minutes, double each time, cap at fifteen. A larger Retry-After from the
// service always wins.
const (
	throttleBase = 120 * time.Second
	throttleCap  = 900 * time.Second
)

// Checker spreads vacancy checks across accounts. Each account tracks its
// own throttle state; a paused account is skipped until its pause elapses.
type Checker struct {
	DelayMin time.Duration
	DelayMax time.Duration

	mu       sync.Mutex
	accounts []*accountState
	next     int
	rng      *rand.Rand
}

type accountState struct {
	account     *Account
	pausedUntil time.Time
	strikes     int
}

// NewChecker wraps the accounts with default pacing. Delays are per
// account: with three accounts the aggregate rate triples.
func NewChecker(accounts []*Account, delayMin, delayMax time.Duration) *Checker {
	states := make([]*accountState, len(accounts))
	for i, a := range accounts {
		states[i] = &accountState{account: a}
	}
	return &Checker{
		DelayMin: delayMin,
		DelayMax: delayMax,
		accounts: states,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AccountCount reports how many accounts are configured.
func (c *Checker) AccountCount() int { return len(c.accounts) }

// Jitter returns a uniform delay in [DelayMin, DelayMax]. Fixed intervals
// look mechanical to the quota enforcement; jittered ones do not.
func (c *Checker) Jitter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DelayMax <= c.DelayMin {
		return c.DelayMin
	}
	return c.DelayMin + time.Duration(c.rng.Int63n(int64(c.DelayMax-c.DelayMin)))
}

// Acquire returns the next usable account and, when all are paused, the
// wait until the soonest one frees up.
func (c *Checker) Acquire() (*Account, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(c.accounts); i++ {
		st := c.accounts[c.next]
		c.next = (c.next + 1) % len(c.accounts)
		if now.After(st.pausedUntil) {
			return st.account, 0
		}
	}

	soonest := time.Duration(0)
	for _, st := range c.accounts {
		wait := time.Until(st.pausedUntil)
		if soonest == 0 || wait < soonest {
			soonest = wait
		}
	}
	return nil, soonest
}

// Report feeds a check result back into the throttle state. Returns true
// when the result was a throttle (the caller should re-queue the parcel).
func (c *Checker) Report(a *Account, res Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var st *accountState
	for _, s := range c.accounts {
		if s.account == a {
			st = s
			break
		}
	}
	if st == nil {
		return false
	}

	if res.ErrCode != ErrRateLimited {
		st.strikes = 0
		return false
	}

	pause := throttleBase << st.strikes
	if pause > throttleCap {
		pause = throttleCap
	}
	if res.RetryAfter > pause {
		pause = res.RetryAfter
	}
	st.strikes++
	st.pausedUntil = time.Now().Add(pause)
	monitoring.Logf("vacancy: account %d throttled, pausing %s (strike %d)",
		a.Index, pause, st.strikes)
	return true
}

// Evidence converts a result into the evaluator's shape.
func (r Result) Evidence() map[string]any {
	ev := map[string]any{}
	if r.Vacant != nil {
		ev["vacant"] = *r.Vacant
	}
	if r.DPVConfirmed != nil {
		ev["dpv_confirmed"] = *r.DPVConfirmed
	}
	if r.CarrierRoute != "" {
		ev["carrier_route"] = r.CarrierRoute
	}
	if r.AddressMismatch {
		ev["address_mismatch"] = true
	}
	if r.ErrCode != "" {
		ev["error"] = r.ErrCode
	}
	return ev
}
