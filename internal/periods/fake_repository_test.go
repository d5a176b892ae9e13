package periods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mealsphere/mealsphere/internal/membership"
	"github.com/mealsphere/mealsphere/internal/shared"
)

// ============================================================================
// IN-MEMORY REPOSITORY
// ============================================================================

type memoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	periods  map[string]Period
	totals   map[string]Totals
	children map[string]map[string]int64
	members  map[string]MemberCounts

	reassignErr error
	aggErr      error
	txCount     int

	// mealsGate, when set, holds CountMeals until it is closed or ctx ends.
	mealsGate    chan struct{}
	mealsEntered chan struct{}
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		periods:  make(map[string]Period),
		totals:   make(map[string]Totals),
		children: make(map[string]map[string]int64),
		members:  make(map[string]MemberCounts),
	}
}

func (m *memoryRepository) seed(p Period) Period {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[p.ID] = p
	return p
}

func (m *memoryRepository) setTotals(periodID string, t Totals, rows map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[periodID] = t
	for table, n := range rows {
		if m.children[table] == nil {
			m.children[table] = make(map[string]int64)
		}
		m.children[table][periodID] = n
	}
}

func (m *memoryRepository) rows(table, periodID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children[table][periodID]
}

func (m *memoryRepository) get(id string) Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.periods[id]
}

func (m *memoryRepository) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.periods)
}

// WithTx serialises transactions and restores the previous state when fn fails.
func (m *memoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.txCount++
	periods := make(map[string]Period, len(m.periods))
	for k, v := range m.periods {
		periods[k] = v
	}
	totals := make(map[string]Totals, len(m.totals))
	for k, v := range m.totals {
		totals[k] = v
	}
	children := make(map[string]map[string]int64, len(m.children))
	for table, byPeriod := range m.children {
		children[table] = make(map[string]int64, len(byPeriod))
		for k, v := range byPeriod {
			children[table][k] = v
		}
	}
	m.mu.Unlock()

	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		m.periods, m.totals, m.children = periods, totals, children
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memoryRepository) GetPeriod(ctx context.Context, id string) (Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[id]
	if !ok {
		return Period{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryRepository) GetPeriodForUpdate(ctx context.Context, id string) (Period, error) {
	return m.GetPeriod(ctx, id)
}

func (m *memoryRepository) GetActivePeriod(ctx context.Context, roomID string) (Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.periods {
		if p.RoomID == roomID && p.Status == StatusActive {
			return p, nil
		}
	}
	return Period{}, ErrNotFound
}

func (m *memoryRepository) ListPeriods(ctx context.Context, roomID string, includeArchived bool) ([]Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Period
	for _, p := range m.periods {
		if p.RoomID != roomID || (!includeArchived && p.Status == StatusArchived) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, nil
}

func (m *memoryRepository) FindPeriodByName(ctx context.Context, roomID, name string) (Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.periods {
		if p.RoomID == roomID && p.Name == name {
			return p, nil
		}
	}
	return Period{}, ErrNotFound
}

func (m *memoryRepository) ListBoundedPeriods(ctx context.Context, roomID string) ([]Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Period
	for _, p := range m.periods {
		if p.RoomID == roomID && p.EndDate != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// InsertPeriod enforces the same uniqueness rules as the database constraints.
func (m *memoryRepository) InsertPeriod(ctx context.Context, p Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.periods {
		if existing.RoomID != p.RoomID {
			continue
		}
		if existing.Name == p.Name {
			return fmt.Errorf("%w: period name already used in this room", ErrConflict)
		}
		if existing.Status == StatusActive && p.Status == StatusActive {
			return fmt.Errorf("%w: room already has an active period", ErrConflict)
		}
	}
	m.periods[p.ID] = p
	return nil
}

func (m *memoryRepository) UpdatePeriod(ctx context.Context, p Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[p.ID]; !ok {
		return ErrNotFound
	}
	m.periods[p.ID] = p
	return nil
}

func (m *memoryRepository) ReassignChildren(ctx context.Context, from, to string) (MigrationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := make(MigrationReport)
	for i, table := range childTables {
		if m.reassignErr != nil && i == len(childTables)/2 {
			return report, m.reassignErr
		}
		byPeriod := m.children[table]
		if byPeriod == nil {
			report[table] = 0
			continue
		}
		report[table] = byPeriod[from]
		byPeriod[to] += byPeriod[from]
		delete(byPeriod, from)
	}
	m.totals[to] = m.totals[from]
	delete(m.totals, from)
	return report, nil
}

func (m *memoryRepository) totalsFor(s Scope) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.aggErr != nil {
		return Totals{}, m.aggErr
	}
	p, ok := m.periods[s.PeriodID]
	if s.RoomID != "" && (!ok || p.RoomID != s.RoomID) {
		return Totals{}, nil
	}
	return m.totals[s.PeriodID], nil
}

func (m *memoryRepository) CountMeals(ctx context.Context, s Scope) (int64, error) {
	if m.mealsGate != nil {
		select {
		case m.mealsEntered <- struct{}{}:
		default:
		}
		select {
		case <-m.mealsGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	t, err := m.totalsFor(s)
	return t.Meals, err
}

func (m *memoryRepository) SumGuestMeals(ctx context.Context, s Scope) (int64, error) {
	t, err := m.totalsFor(s)
	return t.GuestMeals, err
}

func (m *memoryRepository) SumPurchasedShopping(ctx context.Context, s Scope) (decimal.Decimal, error) {
	t, err := m.totalsFor(s)
	return t.ShoppingAmount, err
}

func (m *memoryRepository) SumCompletedPayments(ctx context.Context, s Scope) (decimal.Decimal, error) {
	t, err := m.totalsFor(s)
	return t.Payments, err
}

func (m *memoryRepository) SumExtraExpenses(ctx context.Context, s Scope) (decimal.Decimal, error) {
	t, err := m.totalsFor(s)
	return t.ExtraExpenses, err
}

func (m *memoryRepository) CountMembers(ctx context.Context, roomID string) (MemberCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[roomID], nil
}

// ============================================================================
// COLLABORATOR STUBS
// ============================================================================

type stubRoles map[string]membership.Role

func (s stubRoles) ResolveRole(ctx context.Context, roomID, userID string) (membership.Role, bool, error) {
	role, ok := s[roomID+"/"+userID]
	return role, ok, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) NotifyRoomMembers(ctx context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
	err     error
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return a.err
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type memoryCache struct {
	mu       sync.Mutex
	versions map[string]int
	entries  map[string][]byte
	loads    int
	buildErr error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{versions: make(map[string]int), entries: make(map[string][]byte)}
}

func (c *memoryCache) BuildKey(ctx context.Context, scope string, parts ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buildErr != nil {
		return "", c.buildErr
	}
	return fmt.Sprintf("%s:%v:%d", scope, parts, c.versions[scope]), nil
}

func (c *memoryCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	c.mu.Lock()
	raw, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return json.Unmarshal(raw, dest)
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err = json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loads++
	c.entries[key] = raw
	c.mu.Unlock()
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Bump(ctx context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[scope]++
	return nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) RecordPeriodTransition(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[action+"/"+outcome]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

// ============================================================================
// FIXTURES
// ============================================================================

const (
	roomA     = "room-a"
	roomB     = "room-b"
	adminID   = "user-admin"
	modID     = "user-mod"
	memberID  = "user-member"
	outsideID = "user-outside"
)

var errBoom = errors.New("boom")

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type fixture struct {
	repo     *memoryRepository
	notifier *recordingNotifier
	cache    *memoryCache
	metrics  *countingMetrics
	audit    *recordingAudit
	svc      *Service
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		repo:     newMemoryRepository(),
		notifier: &recordingNotifier{},
		cache:    newMemoryCache(),
		metrics:  &countingMetrics{},
		audit:    &recordingAudit{},
		now:      time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC),
	}
	roles := stubRoles{
		roomA + "/" + adminID:  membership.RoleAdmin,
		roomA + "/" + modID:    membership.RoleModerator,
		roomA + "/" + memberID: membership.RoleMember,
		roomB + "/" + adminID:  membership.RoleSuperAdmin,
	}
	f.svc = NewService(f.repo, roles, ServiceConfig{
		Notifier: f.notifier,
		Cache:    f.cache,
		Metrics:  f.metrics,
		Audit:    f.audit,
	})
	f.svc.WithNow(func() time.Time { return f.now })
	seq := 0
	f.svc.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("period-%d", seq)
	})
	return f
}

func (f *fixture) seedPeriod(id, roomID, name string, status Status, start time.Time, end *time.Time) Period {
	return f.repo.seed(Period{
		ID:             id,
		RoomID:         roomID,
		Name:           name,
		StartDate:      start,
		EndDate:        end,
		Status:         status,
		IsLocked:       status == StatusLocked,
		OpeningBalance: decimal.Zero,
		CreatedBy:      adminID,
		CreatedAt:      start,
		UpdatedAt:      start,
	})
}
