// Package spend enforces daily spend ceilings on paid analysis providers.
package spend

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Ledger keys and per-call costs in USD
const (
	Gemini     = "gemini"
	Anthropic  = "anthropic"
	Perplexity = "perplexity"
	Premium    = "gpt5"
	Embedding  = "embedding"

	CostGemini     = 0.01
	CostAnthropic  = 0.02
	CostPerplexity = 0.03
	CostPremium    = 0.05
	CostEmbedding  = 0.0001
)

// Providers lists every ledger key the tracker knows about
var Providers = []string{Gemini, Anthropic, Perplexity, Premium, Embedding}

// Ledger is the durable per-day, per-provider spend record
type Ledger interface {
	GetSpend(ctx context.Context, date, provider string) (float64, error)
	IncrementSpend(ctx context.Context, date, provider string, usd float64) error
}

// Snapshot is a point-in-time view of today's spend
type Snapshot struct {
	Date    string             `json:"date"`
	Spent   map[string]float64 `json:"spent"`
	Pending map[string]float64 `json:"pending"`
	Caps    map[string]float64 `json:"caps"`
}

// Tracker is the in-process budget authority shared by all pipeline workers.
// A reservation is taken before a capped call and either committed or
// released afterwards, so spent never exceeds the cap by more than one call.
type Tracker struct {
	mu      sync.Mutex
	ledger  Ledger
	caps    map[string]float64
	loc     *time.Location
	now     func() time.Time
	logger  *zap.Logger
	day     string
	spent   map[string]float64
	pending map[string]float64
}

// NewTracker creates a tracker. A cap of zero or a missing cap means uncapped.
func NewTracker(ledger Ledger, caps map[string]float64, loc *time.Location, logger *zap.Logger) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	t := &Tracker{
		ledger: ledger,
		caps:   caps,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
	t.resetLocked(t.today())
	return t
}

func (t *Tracker) today() string {
	return t.now().In(t.loc).Format("2006-01-02")
}

func (t *Tracker) resetLocked(day string) {
	t.day = day
	t.spent = make(map[string]float64)
	t.pending = make(map[string]float64)
}

// rollLocked starts a fresh day when the calendar date has moved on
func (t *Tracker) rollLocked() {
	if day := t.today(); day != t.day {
		t.resetLocked(day)
	}
}

// Load replaces today's totals with the persisted ledger values
func (t *Tracker) Load(ctx context.Context) error {
	day := t.today()
	totals := make(map[string]float64, len(Providers))
	for _, p := range Providers {
		v, err := t.ledger.GetSpend(ctx, day, p)
		if err != nil {
			return eris.Wrapf(err, "spend: load %s for %s", p, day)
		}
		totals[p] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.day != day {
		t.resetLocked(day)
	}
	t.spent = totals
	return nil
}

// Reserve claims budget for one call. It returns false when the provider's
// committed plus in-flight spend has already reached its cap.
func (t *Tracker) Reserve(provider string, cost float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	if limit, capped := t.caps[provider]; capped && limit > 0 {
		if t.spent[provider]+t.pending[provider] >= limit {
			return false
		}
	}
	t.pending[provider] += cost
	return true
}

// Release drops a reservation whose call did not succeed
func (t *Tracker) Release(provider string, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	t.releaseLocked(provider, cost)
}

func (t *Tracker) releaseLocked(provider string, cost float64) {
	t.pending[provider] -= cost
	if t.pending[provider] < 1e-12 {
		delete(t.pending, provider)
	}
}

// Commit turns a reservation into spend and persists the increment.
// Ledger failures are logged; the in-memory total stays authoritative for the run.
func (t *Tracker) Commit(ctx context.Context, provider string, cost float64) {
	t.mu.Lock()
	t.rollLocked()
	t.releaseLocked(provider, cost)
	t.spent[provider] += cost
	day := t.day
	t.mu.Unlock()

	t.persist(ctx, day, provider, cost)
}

// Record adds spend for a call that needed no reservation
func (t *Tracker) Record(ctx context.Context, provider string, cost float64) {
	t.mu.Lock()
	t.rollLocked()
	t.spent[provider] += cost
	day := t.day
	t.mu.Unlock()

	t.persist(ctx, day, provider, cost)
}

func (t *Tracker) persist(ctx context.Context, day, provider string, cost float64) {
	if err := t.ledger.IncrementSpend(ctx, day, provider, cost); err != nil {
		t.logger.Warn("spend: failed to persist increment",
			zap.String("provider", provider),
			zap.String("date", day),
			zap.Float64("usd", cost),
			zap.Error(err),
		)
	}
}

// Exhausted reports whether committed spend has reached the provider's cap
func (t *Tracker) Exhausted(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	limit, capped := t.caps[provider]
	return capped && limit > 0 && t.spent[provider] >= limit
}

// Spent returns today's committed spend for a provider
func (t *Tracker) Spent(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.spent[provider]
}

// Snapshot copies today's state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()

	s := Snapshot{
		Date:    t.day,
		Spent:   make(map[string]float64, len(t.spent)),
		Pending: make(map[string]float64, len(t.pending)),
		Caps:    make(map[string]float64, len(t.caps)),
	}
	for k, v := range t.spent {
		s.Spent[k] = v
	}
	for k, v := range t.pending {
		s.Pending[k] = v
	}
	for k, v := range t.caps {
		s.Caps[k] = v
	}
	return s
}
