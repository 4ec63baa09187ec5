package alarm

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	logx "clickd/pkg/logx"
)

const defaultGranularity = time.Minute

// Cap on idle sleeps so a wall-clock jump (suspend/resume) is noticed
// within one cap interval even without a wake poke.
const sleepCap = time.Minute

type Config struct {
	// MinGranularity is the trigger grid. Delays snap down to a multiple of
	// it, never below one tick. Default one minute.
	MinGranularity time.Duration
}

type Option func(*Runtime)

// WithNow overrides the clock. Tests use it; production keeps time.Now.
func WithNow(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// Runtime is the in-process Scheduler implementation: a name-keyed entry
// map and one timer goroutine that fires whatever is due.
type Runtime struct {
	cfg  Config
	log  logx.Logger
	fire func(name string)
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	stopped bool

	wake chan struct{}
}

// New creates a Runtime delivering fires to sink. The sink must return
// quickly; handlers that do real work get spawned by the dispatch layer,
// not here.
func New(cfg Config, sink func(name string), log logx.Logger, opts ...Option) *Runtime {
	if cfg.MinGranularity <= 0 {
		cfg.MinGranularity = defaultGranularity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runtime{
		cfg:     cfg,
		log:     log,
		fire:    sink,
		now:     time.Now,
		entries: map[string]*Entry{},
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runtime) Granularity() time.Duration { return r.cfg.MinGranularity }

// snap rounds d down to the granularity grid, never below one tick.
func (r *Runtime) snap(d time.Duration) time.Duration {
	g := r.cfg.MinGranularity
	if d < g {
		return g
	}
	return d - d%g
}

func (r *Runtime) Create(name string, delay time.Duration) error {
	return r.put(name, delay, 0)
}

func (r *Runtime) CreateRepeating(name string, every time.Duration) error {
	if every <= 0 {
		every = r.cfg.MinGranularity
	}
	return r.put(name, every, r.snap(every))
}

func (r *Runtime) put(name string, delay, every time.Duration) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	eff := r.snap(delay)
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.entries[name] = &Entry{Name: name, When: r.now().Add(eff), Every: every}
	r.mu.Unlock()

	r.poke()
	return nil
}

func (r *Runtime) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Runtime) GetAll() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Runtime) Clear(name string) bool {
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		r.poke()
	}
	return ok
}

func (r *Runtime) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run owns the timer loop until ctx is canceled. Intended to run under the
// supervisor (GoRestart) so a panicking sink cannot kill scheduling; a
// restarted loop accepts triggers again.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = false
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
	}()

	for {
		sleep := r.nextSleep()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
		r.dispatchDue()
	}
}

func (r *Runtime) nextSleep() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	sleep := sleepCap
	now := r.now()
	for _, e := range r.entries {
		d := e.When.Sub(now)
		if d < sleep {
			sleep = d
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

func (r *Runtime) dispatchDue() {
	now := r.now()

	r.mu.Lock()
	var due []string
	for name, e := range r.entries {
		if e.When.After(now) {
			continue
		}
		due = append(due, name)
		if e.Every > 0 {
			// Catch up without burst-firing missed periods.
			for !e.When.After(now) {
				e.When = e.When.Add(e.Every)
			}
		} else {
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(due)
	for _, name := range due {
		go r.safeFire(name)
	}
}

func (r *Runtime) safeFire(name string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("fire sink panicked", logx.String("alarm", name), logx.Any("panic", p))
		}
	}()
	if r.fire != nil {
		r.fire(name)
	}
}
