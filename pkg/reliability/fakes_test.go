package reliability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

var errInjected = errors.New("injected failure")

// memStore keeps logs, locks and attempts in memory. Records are copied
// in and out so callers cannot change stored state without saving.
type memStore struct {
	mu       sync.Mutex
	logs     map[string]UserMessageLog
	locks    map[string]MessagingLock
	attempts []MessageAttempt
	cleared  map[string]int

	failSaves  int
	failClears int
}

func newMemStore() *memStore {
	return &memStore{
		logs:    map[string]UserMessageLog{},
		locks:   map[string]MessagingLock{},
		cleared: map[string]int{},
	}
}

func (s *memStore) FindUserMessageLog(_ context.Context, id string) (*UserMessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &l, nil
}

func (s *memStore) SaveUserMessageLog(_ context.Context, l *UserMessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errInjected
	}
	s.logs[l.MessageID] = *l
	return nil
}

func (s *memStore) FindRetryCandidates(_ context.Context, now, enqueuedBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, l := range s.logs {
		switch l.Status {
		case StatusWaitingForRetry, StatusWaitingForReceipt:
			if l.NextAttempt != nil && !l.NextAttempt.After(now) {
				ids = append(ids, id)
			}
		case StatusSendEnqueued:
			if l.Enqueued != nil && !l.Enqueued.After(enqueuedBefore) {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) SaveLock(_ context.Context, l *MessagingLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[l.MessageID] = *l
	return nil
}

func (s *memStore) FindLock(_ context.Context, id string) (*MessagingLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		return nil, ErrLockNotFound
	}
	return &l, nil
}

func (s *memStore) FindReadyLock(_ context.Context, mpc, initiator string, _ time.Time) (*MessagingLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *MessagingLock
	for _, l := range s.locks {
		if l.State != LockReady || l.Mpc != mpc || l.Initiator != initiator {
			continue
		}
		if found == nil || l.Received.Before(found.Received) {
			c := l
			found = &c
		}
	}
	return found, nil
}

func (s *memStore) TransitionLock(_ context.Context, id string, from, to LockState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok || l.State != from {
		return false, nil
	}
	l.State = to
	s.locks[id] = l
	return true, nil
}

func (s *memStore) FindWaitingForReceiptLocks(_ context.Context, now time.Time) ([]*MessagingLock, error) {
	return s.filterLocks(func(l MessagingLock) bool {
		return l.State == LockWaitingForReceipt && l.NextAttempt.Before(now)
	}), nil
}

func (s *memStore) FindStaledLocks(_ context.Context, now time.Time) ([]*MessagingLock, error) {
	return s.filterLocks(func(l MessagingLock) bool {
		return l.State != LockDelete && l.Staled.Before(now)
	}), nil
}

func (s *memStore) filterLocks(keep func(MessagingLock) bool) []*MessagingLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MessagingLock
	for _, l := range s.locks {
		if keep(l) {
			c := l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

func (s *memStore) DeleteLocks(_ context.Context, state LockState) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.locks {
		if l.State == state {
			delete(s.locks, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) RecordAttempt(_ context.Context, a *MessageAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *memStore) ClearPayload(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClears > 0 {
		s.failClears--
		return errInjected
	}
	s.cleared[id]++
	return nil
}

func (s *memStore) log(t *testing.T, id string) UserMessageLog {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		t.Fatalf("no log for %s", id)
	}
	return l
}

func (s *memStore) lock(id string) (MessagingLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	return l, ok
}

type snapshot struct {
	logs  map[string]UserMessageLog
	locks map[string]MessagingLock
}

func (s *memStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{logs: map[string]UserMessageLog{}, locks: map[string]MessagingLock{}}
	for k, v := range s.logs {
		snap.logs[k] = v
	}
	for k, v := range s.locks {
		snap.locks[k] = v
	}
	return snap
}

func (s *memStore) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = snap.logs
	s.locks = snap.locks
}

// fakeTx rolls the store back when fn fails. failInTx and failNewTx make
// the next calls fail before fn runs.
type fakeTx struct {
	store     *memStore
	mu        sync.Mutex
	failInTx  int
	failNewTx int
	inTx      int
	newTx     int
}

func (tx *fakeTx) InTx(ctx context.Context, fn func(context.Context) error) error {
	tx.mu.Lock()
	tx.inTx++
	fail := tx.failInTx > 0
	if fail {
		tx.failInTx--
	}
	tx.mu.Unlock()
	if fail {
		return errInjected
	}
	return tx.run(ctx, fn)
}

func (tx *fakeTx) InNewTx(ctx context.Context, fn func(context.Context) error) error {
	tx.mu.Lock()
	tx.newTx++
	fail := tx.failNewTx > 0
	if fail {
		tx.failNewTx--
	}
	tx.mu.Unlock()
	if fail {
		return errInjected
	}
	return tx.run(ctx, fn)
}

func (tx *fakeTx) run(ctx context.Context, fn func(context.Context) error) error {
	snap := tx.store.snapshot()
	if err := fn(ctx); err != nil {
		tx.store.restore(snap)
		return err
	}
	return nil
}

type notification struct {
	messageID string
	success   bool
	code      string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	fail bool
}

func (n *recordingNotifier) NotifySendSuccess(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errInjected
	}
	n.sent = append(n.sent, notification{messageID: id, success: true})
	return nil
}

func (n *recordingNotifier) NotifySendFailure(_ context.Context, id string, code ErrorCode, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errInjected
	}
	n.sent = append(n.sent, notification{messageID: id, code: code.Code})
	return nil
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type memRegistry struct {
	mu       sync.Mutex
	inFlight map[string]bool
	released []string
}

func newMemRegistry() *memRegistry { return &memRegistry{inFlight: map[string]bool{}} }

func (r *memRegistry) TryAcquire(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[id] {
		return false, nil
	}
	r.inFlight[id] = true
	return true, nil
}

func (r *memRegistry) Release(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
	r.released = append(r.released, id)
	return nil
}

func (r *memRegistry) held(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[id]
}

type memQueue struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (q *memQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errInjected
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *memQueue) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type legMap map[string]*pmode.LegConfiguration

func (m legMap) LegConfiguration(_ context.Context, key string) (*pmode.LegConfiguration, error) {
	leg, ok := m[key]
	if !ok {
		return nil, pmode.ErrNoMatchingLeg
	}
	return leg, nil
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var epoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

const testKey = "agreement1:domibus-blue:domibus-red:testService1:tc1Action:pushLeg"

func retryLeg(strategy pmode.RetryStrategy, timeoutMinutes, count int) *pmode.LegConfiguration {
	return &pmode.LegConfiguration{
		Name:        "pushLeg",
		ServiceName: "testService1",
		Service:     &pmode.Service{Name: "testService1", Value: "bdx:noprocess"},
		ReceptionAwareness: &pmode.ReceptionAwareness{
			Name:         "ra",
			RetryTimeout: timeoutMinutes,
			RetryCount:   count,
			Strategy:     strategy,
		},
	}
}

type harness struct {
	store    *memStore
	tx       *fakeTx
	notifier *recordingNotifier
	registry *memRegistry
	queue    *memQueue
	clock    *clock
	legs     legMap
	deps     Dependencies
	retry    *RetryService
	engine   *Engine
	pull     *PullService
}

func newHarness(leg *pmode.LegConfiguration) *harness {
	h := &harness{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		registry: newMemRegistry(),
		queue:    &memQueue{},
		clock:    &clock{now: epoch},
		legs:     legMap{testKey: leg},
	}
	h.tx = &fakeTx{store: h.store}
	h.deps = Dependencies{
		Logs:     h.store,
		Locks:    h.store,
		Attempts: h.store,
		Payloads: h.store,
		Notifier: h.notifier,
		InFlight: h.registry,
		Queue:    h.queue,
		Legs:     h.legs,
		Tx:       h.tx,
		Now:      h.clock.Now,
	}
	h.retry = NewRetryService(h.deps)
	h.engine = NewEngine(h.deps, h.retry)
	h.pull = NewPullService(h.deps, h.retry)
	return h
}

// submit stores a fresh SEND_ENQUEUED log for id.
func (h *harness) submit(t *testing.T, id string, notify bool) {
	t.Helper()
	leg := h.legs[testKey]
	ec := &pmode.ExchangeConfiguration{
		Agreement: "agreement1",
		Sender:    "domibus-blue",
		Receiver:  "domibus-red",
		Service:   "testService1",
		Action:    "tc1Action",
		Leg:       "pushLeg",
		Mpc:       pmode.DefaultMPC,
	}
	l := NewUserMessageLog(id, ec, leg, notify, h.clock.Now())
	if err := h.store.SaveUserMessageLog(context.Background(), l); err != nil {
		t.Fatal(err)
	}
}
