package sched

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"clickd/internal/alarm"
	"clickd/internal/eventbus"
	"clickd/internal/guard"
	"clickd/internal/runtime/supervisor"
	"clickd/internal/storage"
	logx "clickd/pkg/logx"
)

const defaultPersistTimeout = 2 * time.Second

// Expiration origins, for logging only.
const (
	originAlarm   = "alarm"
	originManual  = "manual"
	originRestore = "restore"
	originResume  = "resume"
	originHealth  = "health"
	originSync    = "sync"
)

// ExpireFunc handles one timer expiration. The service has already
// flipped the record inactive and persisted before calling it; the
// handler owns rescheduling (or stopping) the target.
type ExpireFunc func(ctx context.Context, targetID string)

// TimerEvent is the Data payload for timer.started / timer.stopped.
type TimerEvent struct {
	TargetID string        `json:"target_id"`
	Interval time.Duration `json:"interval,omitempty"`
}

type Config struct {
	// PersistTimeout bounds each snapshot write to the store.
	PersistTimeout time.Duration
}

func (c *Config) normalize() {
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
}

type Option func(*Service)

// WithNow overrides the clock. Tests only.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service owns the durable per-target timers. Records live in memory,
// every mutation is snapshotted to the store, and the host alarm runtime
// only ever holds a name and a fire time; all state needed to act on a
// fire is looked up here.
type Service struct {
	cfg    Config
	store  storage.Store
	alarms alarm.Scheduler
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	guard  *guard.Set

	mu       sync.Mutex
	records  map[string]*TimerRecord
	triggers map[string]func(ctx context.Context)
	handler  ExpireFunc
	sup      *supervisor.Supervisor
}

func New(cfg Config, store storage.Store, alarms alarm.Scheduler, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	cfg.normalize()
	s := &Service{
		cfg:      cfg,
		store:    store,
		alarms:   alarms,
		log:      log.With(logx.String("comp", "sched")),
		bus:      bus,
		now:      time.Now,
		guard:    guard.New(),
		records:  map[string]*TimerRecord{},
		triggers: map[string]func(ctx context.Context){},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetHandler installs the expiration handler. Must be called before
// Start; fires arriving without a handler are logged and dropped.
func (s *Service) SetHandler(fn ExpireFunc) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// RegisterTrigger installs a handler for a named trigger outside the
// per-target namespace (heartbeats and the like). Unregistered names
// that fire are logged and left for SyncWithHost to clear.
func (s *Service) RegisterTrigger(name string, fn func(ctx context.Context)) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	s.triggers[name] = fn
	s.mu.Unlock()
}

// EnsureRepeating registers a repeating host trigger for name unless one
// already exists. Callers pair it with RegisterTrigger and may invoke it
// on every health pass; re-arming a lost trigger is the point.
func (s *Service) EnsureRepeating(name string, every time.Duration) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return alarm.ErrEmptyName
	}
	if _, ok := s.alarms.Get(name); ok {
		return nil
	}
	return s.alarms.CreateRepeating(name, every)
}

// Start is idempotent. It only arms the dispatch supervisor; timers are
// brought back separately via RestoreState.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.mu.Unlock()
	s.log.Info("service started")
}

// Stop cancels in-flight expirations, waits for them up to ctx, and
// writes a final snapshot.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("expirations still in flight at stop", logx.Err(err))
	}
	s.persist()
	s.log.Info("service stopped")
}

// Dispatch routes one host trigger fire. It is the single place trigger
// names are parsed.
func (s *Service) Dispatch(name string) {
	if id, ok := strings.CutPrefix(name, triggerPrefix); ok {
		s.spawnExpire(id, originAlarm)
		return
	}
	s.mu.Lock()
	fn := s.triggers[name]
	sup := s.sup
	s.mu.Unlock()
	if fn == nil {
		s.log.Debug("unregistered trigger fired", logx.String("name", name))
		return
	}
	if sup == nil {
		return
	}
	sup.Go0("trigger."+name, fn)
}

func (s *Service) spawnExpire(id, origin string) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		s.log.Warn("expiration dropped, service not started", logx.String("target", id))
		return
	}
	sup.Go0("expire."+id, func(ctx context.Context) {
		s.expire(ctx, id, origin)
	})
}

func (s *Service) expire(ctx context.Context, id, origin string) {
	if !s.guard.TryAcquire(id) {
		s.log.Info("expiration already in flight, dropping",
			logx.String("target", id), logx.String("origin", origin))
		return
	}
	defer s.guard.Release(id)

	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		s.mu.Unlock()
		s.log.Debug("expiration for unknown target", logx.String("target", id), logx.String("origin", origin))
		return
	}
	if rec.Paused {
		s.mu.Unlock()
		s.log.Debug("expiration for paused target, ignoring", logx.String("target", id))
		return
	}
	rec.Active = false
	h := s.handler
	s.mu.Unlock()

	// Mark inactive on disk before handing off, so a crash inside the
	// handler restores as overdue rather than as a live timer.
	s.persist()

	if h == nil {
		s.log.Warn("no expiration handler installed", logx.String("target", id))
		return
	}
	s.log.Debug("timer expired", logx.String("target", id), logx.String("origin", origin))
	h(ctx, id)
}

// StartTimer creates (or replaces) the timer for id and registers its
// host trigger. Retry state starts clean. On registration failure no
// record is kept and the caller gets a RegistrationError.
func (s *Service) StartTimer(ctx context.Context, id string, interval time.Duration) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}
	if interval <= 0 {
		return ErrBadInterval
	}
	handle := triggerPrefix + id

	s.mu.Lock()
	now := s.now()
	s.alarms.Clear(handle)
	if err := s.alarms.Create(handle, interval); err != nil {
		delete(s.records, id)
		s.mu.Unlock()
		s.persist()
		return &RegistrationError{TargetID: id, Err: err}
	}
	replaced := s.records[id] != nil
	s.records[id] = &TimerRecord{
		TargetID:   id,
		Interval:   interval,
		StartTime:  now,
		Expiration: now.Add(interval),
		Active:     true,
		HandleName: handle,
	}
	s.mu.Unlock()

	s.persist()
	s.log.Info("timer started",
		logx.String("target", id), logx.Duration("interval", interval), logx.Bool("replaced", replaced))
	s.publish(eventbus.TypeTimerStarted, TimerEvent{TargetID: id, Interval: interval})
	return nil
}

// StopTimer clears the host trigger (best effort) and deletes the
// record. A handler already in flight for id will finish, fail its
// reschedule with ErrNotFound and leave nothing behind.
func (s *Service) StopTimer(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}

	s.mu.Lock()
	s.alarms.Clear(triggerPrefix + id)
	rec := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()
	if rec == nil {
		return ErrNotFound
	}

	s.persist()
	s.log.Info("timer stopped", logx.String("target", id))
	s.publish(eventbus.TypeTimerStopped, TimerEvent{TargetID: id})
	return nil
}

// PauseTimer clears the host trigger and stores the remaining time.
// Pausing an already paused timer is a no-op.
func (s *Service) PauseTimer(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}

	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.Paused {
		s.mu.Unlock()
		return nil
	}
	s.alarms.Clear(rec.HandleName)
	remaining := rec.Expiration.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	rec.Active = false
	rec.Paused = true
	rec.Remaining = remaining
	s.mu.Unlock()

	s.persist()
	s.log.Info("timer paused", logx.String("target", id), logx.Duration("remaining", remaining))
	return nil
}

// ResumeTimer re-registers the trigger with the stored remaining time.
// A timer paused past its expiration fires immediately through the
// normal expiration path.
func (s *Service) ResumeTimer(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}

	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !rec.Paused {
		s.mu.Unlock()
		return ErrNotPaused
	}
	remaining := rec.Remaining
	if remaining > 0 {
		if err := s.alarms.Create(rec.HandleName, remaining); err != nil {
			s.mu.Unlock()
			return &RegistrationError{TargetID: id, Err: err}
		}
		rec.Active = true
		rec.Paused = false
		rec.Remaining = 0
		rec.Expiration = s.now().Add(remaining)
		s.mu.Unlock()
		s.persist()
		s.log.Info("timer resumed", logx.String("target", id), logx.Duration("remaining", remaining))
		return nil
	}
	rec.Paused = false
	rec.Remaining = 0
	s.mu.Unlock()
	s.persist()
	s.log.Info("timer resumed overdue, firing", logx.String("target", id))
	s.spawnExpire(id, originResume)
	return nil
}

// ResetTimer reschedules an existing timer in one step, preserving its
// retry state. Unlike StartTimer it refuses to create a record, so a
// handler finishing after StopTimer cannot resurrect the target, and it
// keeps the record on registration failure so the health pass can
// re-arm it. A paused record wins over the reschedule.
func (s *Service) ResetTimer(ctx context.Context, id string, interval time.Duration) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}
	if interval <= 0 {
		return ErrBadInterval
	}

	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.Paused {
		s.mu.Unlock()
		s.log.Debug("reschedule skipped, timer paused", logx.String("target", id))
		return nil
	}
	now := s.now()
	rec.Interval = interval
	rec.StartTime = now
	rec.Expiration = now.Add(interval)
	rec.Active = true
	rec.Remaining = 0
	s.alarms.Clear(rec.HandleName)
	if err := s.alarms.Create(rec.HandleName, interval); err != nil {
		s.mu.Unlock()
		s.persist()
		return &RegistrationError{TargetID: id, Err: err}
	}
	s.mu.Unlock()

	s.persist()
	s.log.Debug("timer rescheduled", logx.String("target", id), logx.Duration("interval", interval))
	return nil
}

// TriggerNow fires id's expiration path immediately without touching the
// registered trigger. The in-flight guard still applies.
func (s *Service) TriggerNow(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTarget
	}
	s.mu.Lock()
	rec := s.records[id]
	sup := s.sup
	s.mu.Unlock()
	if rec == nil {
		return ErrNotFound
	}
	if rec.Paused {
		return ErrPaused
	}
	if sup == nil {
		return ErrNotStarted
	}
	s.spawnExpire(id, originManual)
	return nil
}

// NoteSuccess clears id's retry state. Unknown ids are ignored.
func (s *Service) NoteSuccess(ctx context.Context, id string) {
	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		s.mu.Unlock()
		return
	}
	changed := rec.RetryCount != 0 || rec.LastError != ""
	rec.RetryCount = 0
	rec.LastError = ""
	s.mu.Unlock()
	if changed {
		s.persist()
	}
}

// NoteFailure increments id's retry count and records the error text.
// It returns the new count, or 0 when no record exists.
func (s *Service) NoteFailure(ctx context.Context, id string, err error) int {
	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		s.mu.Unlock()
		return 0
	}
	rec.RetryCount++
	if err != nil {
		rec.LastError = err.Error()
	}
	n := rec.RetryCount
	s.mu.Unlock()
	s.persist()
	return n
}

// Status reports the current view of one target. Exists is false for
// unknown ids.
func (s *Service) Status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	if rec == nil {
		return Status{TargetID: id}
	}
	st := Status{
		TargetID:   rec.TargetID,
		Exists:     true,
		Active:     rec.Active,
		Paused:     rec.Paused,
		Interval:   rec.Interval,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
		Expiration: rec.Expiration,
	}
	if rec.Paused {
		st.Remaining = rec.Remaining
	} else if d := rec.Expiration.Sub(s.now()); d > 0 {
		st.Remaining = d
	}
	return st
}

// Snapshot returns clones of all records, sorted by target id.
func (s *Service) Snapshot() []TimerRecord {
	s.mu.Lock()
	out := make([]TimerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec.clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// RestoreState loads the persisted records and reconciles them with the
// clock: live timers get their triggers re-registered, paused timers
// stay dormant, and anything overdue (including records that died
// mid-cycle) fires right away. Call after Start.
func (s *Service) RestoreState(ctx context.Context) error {
	raw, ok, err := s.store.Get(ctx, recordsKey)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("no persisted timer state")
		return nil
	}
	records, err := decodeSnapshot(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.records = records
	now := s.now()
	var fire []string
	var armed, paused int
	for id, rec := range records {
		switch {
		case rec.Paused:
			paused++
		case rec.Active && rec.Expiration.After(now):
			if _, ok := s.alarms.Get(rec.HandleName); !ok {
				if err := s.alarms.Create(rec.HandleName, rec.Expiration.Sub(now)); err != nil {
					s.log.Warn("re-registering trigger failed",
						logx.String("target", id), logx.Err(err))
					continue
				}
			}
			armed++
		default:
			fire = append(fire, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(fire)
	for _, id := range fire {
		s.spawnExpire(id, originRestore)
	}
	s.log.Info("timer state restored",
		logx.Int("records", len(records)), logx.Int("armed", armed),
		logx.Int("overdue", len(fire)), logx.Int("paused", paused))
	return nil
}

// SyncWithHost reconciles records against the alarm runtime both ways:
// triggers with no owner are cleared, live records missing their trigger
// are re-armed (or fired when already due). It returns the counts of
// cleared and re-armed triggers.
func (s *Service) SyncWithHost(ctx context.Context) (cleared, rearmed int) {
	entries := s.alarms.GetAll()

	s.mu.Lock()
	for _, e := range entries {
		if id, ok := strings.CutPrefix(e.Name, triggerPrefix); ok {
			rec := s.records[id]
			if rec == nil || rec.Paused {
				s.alarms.Clear(e.Name)
				cleared++
				s.log.Warn("cleared orphaned trigger", logx.String("name", e.Name))
			}
			continue
		}
		if _, ok := s.triggers[e.Name]; ok {
			continue
		}
		s.alarms.Clear(e.Name)
		cleared++
		s.log.Warn("cleared unknown trigger", logx.String("name", e.Name))
	}

	now := s.now()
	var fire []string
	for id, rec := range s.records {
		if rec.Paused || !rec.Active {
			continue
		}
		if _, ok := s.alarms.Get(rec.HandleName); ok {
			continue
		}
		remaining := rec.Expiration.Sub(now)
		if remaining <= 0 {
			fire = append(fire, id)
			continue
		}
		if err := s.alarms.Create(rec.HandleName, remaining); err != nil {
			s.log.Warn("re-arming trigger failed", logx.String("target", id), logx.Err(err))
			continue
		}
		rearmed++
		s.log.Info("re-armed lost trigger", logx.String("target", id), logx.Duration("remaining", remaining))
	}
	s.mu.Unlock()

	sort.Strings(fire)
	for _, id := range fire {
		s.spawnExpire(id, originSync)
	}
	return cleared, rearmed
}

// FireOverdue fires every non-paused record whose expiration has passed
// and returns how many were dispatched. Targets with a cycle already in
// flight are dropped by the guard.
func (s *Service) FireOverdue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []string
	for id, rec := range s.records {
		if rec.Paused {
			continue
		}
		if !rec.Expiration.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		s.spawnExpire(id, originHealth)
	}
	return len(due)
}

// PersistSnapshot forces a snapshot write outside the usual mutation
// points. The health pass calls it so a lost write gets another chance.
func (s *Service) PersistSnapshot(ctx context.Context) {
	s.persist()
}

// persist writes the full record set. Mutations are already applied in
// memory; a failed write is logged and retried by the next mutation or
// health pass. It deliberately ignores caller cancellation so a dying
// cycle still gets its state on disk.
func (s *Service) persist() {
	s.mu.Lock()
	raw, err := encodeSnapshot(s.records)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("encoding timer records failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.store.Set(ctx, recordsKey, raw); err != nil {
		s.log.Warn("persisting timer records failed", logx.Err(err))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
