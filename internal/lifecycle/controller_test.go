package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wakegate/wakegate/internal/db"
	"github.com/wakegate/wakegate/internal/model"
	"github.com/wakegate/wakegate/internal/orchestrator"
)

// fakeServerStore is an in-memory ServerStore with real CAS semantics.
type fakeServerStore struct {
	mu      sync.Mutex
	servers map[int64]*model.Server
}

func newFakeServerStore(servers ...*model.Server) *fakeServerStore {
	s := &fakeServerStore{servers: make(map[int64]*model.Server)}
	for _, srv := range servers {
		s.servers[srv.ID] = srv
	}
	return s
}

func (s *fakeServerStore) GetByID(ctx context.Context, id int64) (*model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *srv
	return &cp, nil
}

func (s *fakeServerStore) ListByState(ctx context.Context, state model.ServerState) ([]model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Server
	for _, srv := range s.servers {
		if srv.State == state {
			out = append(out, *srv)
		}
	}
	return out, nil
}

func (s *fakeServerStore) UpdateStateCAS(ctx context.Context, id int64, from, to model.ServerState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok || srv.State != from {
		return false, nil
	}
	srv.State = to
	srv.LastStateChange = time.Now()
	return true, nil
}

func (s *fakeServerStore) state(id int64) model.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servers[id].State
}

// fakeUserStore is an in-memory UserStore with a ledger.
type fakeUserStore struct {
	mu     sync.Mutex
	users  map[int64]*model.User
	ledger []string
}

func newFakeUserStore(users ...*model.User) *fakeUserStore {
	s := &fakeUserStore{users: make(map[int64]*model.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *fakeUserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) Debit(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	next := u.Credits.Sub(amount)
	if next.IsNegative() {
		return db.ErrInsufficientCredits
	}
	u.Credits = next
	s.ledger = append(s.ledger, description)
	return nil
}

func (s *fakeUserStore) AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.Credits = u.Credits.Add(amount)
	s.ledger = append(s.ledger, description)
	return nil
}

func (s *fakeUserStore) credits(id int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id].Credits
}

// fakeNode records orchestrator calls and returns scripted stats.
type fakeNode struct {
	mu         sync.Mutex
	woken      []int64
	hibernated []int64
	stats      map[int64]*orchestrator.Stats
	wakeErr    error
	hibErr     error
}

func (n *fakeNode) Wake(ctx context.Context, serverID int64, gameContainerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.wakeErr != nil {
		return n.wakeErr
	}
	n.woken = append(n.woken, serverID)
	return nil
}

func (n *fakeNode) Hibernate(ctx context.Context, serverID int64, gameContainerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hibErr != nil {
		return n.hibErr
	}
	n.hibernated = append(n.hibernated, serverID)
	return nil
}

func (n *fakeNode) Stats(ctx context.Context, serverID int64, gameContainerID string) (*orchestrator.Stats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.stats[serverID]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no stats for server %d", serverID)
}

func testConfig() Config {
	return Config{
		TickInterval:     5 * time.Minute,
		IdleCPUThreshold: 5.0,
		IdleAfter:        15 * time.Minute,
		ChargePerTick:    decimal.RequireFromString("0.5"),
		NodeSecret:       "secret",
	}
}

func runningServer(id, userID int64) *model.Server {
	return &model.Server{
		ID:               id,
		UserID:           userID,
		FriendlyName:     fmt.Sprintf("srv-%d", id),
		GameContainerID:  fmt.Sprintf("game-ctr-%d", id),
		ProxyContainerID: fmt.Sprintf("proxy-ctr-%d", id),
		State:            model.StateRunning,
		AutoSleep:        true,
		LastStateChange:  time.Now().Add(-time.Hour),
	}
}

func TestTick_HibernatesIdleServer(t *testing.T) {
	srv := runningServer(1, 10)
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("100")})
	node := &fakeNode{stats: map[int64]*orchestrator.Stats{1: {CPUPercent: 1.0, Status: "running"}}}

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	require.Equal(t, model.StateSleeping, servers.state(1))
	require.Equal(t, []int64{1}, node.hibernated)
	// Hibernated before the billing sweep ran, so no charge this tick.
	require.Equal(t, "100", users.credits(10).String())
}

func TestTick_BusyServerIsChargedNotHibernated(t *testing.T) {
	srv := runningServer(1, 10)
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("10")})
	node := &fakeNode{stats: map[int64]*orchestrator.Stats{1: {CPUPercent: 42.0, Status: "running"}}}

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	require.Equal(t, model.StateRunning, servers.state(1))
	require.Empty(t, node.hibernated)
	require.Equal(t, "9.5", users.credits(10).String())
	require.Len(t, users.ledger, 1)
	require.Contains(t, users.ledger[0], "srv-1")
}

func TestTick_RecentStateChangeBlocksIdleHibernate(t *testing.T) {
	srv := runningServer(1, 10)
	srv.LastStateChange = time.Now().Add(-time.Minute)
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("10")})
	node := &fakeNode{stats: map[int64]*orchestrator.Stats{1: {CPUPercent: 0.5}}}

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	require.Equal(t, model.StateRunning, servers.state(1))
	require.Empty(t, node.hibernated)
}

func TestTick_AutoSleepDisabledSkipsIdleSweep(t *testing.T) {
	srv := runningServer(1, 10)
	srv.AutoSleep = false
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("10")})
	node := &fakeNode{stats: map[int64]*orchestrator.Stats{1: {CPUPercent: 0.0}}}

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	require.Equal(t, model.StateRunning, servers.state(1))
	// Still billed.
	require.Equal(t, "9.5", users.credits(10).String())
}

func TestTick_InsufficientCreditsHibernatesWithoutDebit(t *testing.T) {
	srv := runningServer(1, 10)
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("0.4")})
	node := &fakeNode{stats: map[int64]*orchestrator.Stats{1: {CPUPercent: 50.0}}}

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	require.Equal(t, model.StateSleeping, servers.state(1))
	require.Equal(t, []int64{1}, node.hibernated)
	require.Equal(t, "0.4", users.credits(10).String(), "no partial charge")
	require.Empty(t, users.ledger)
}

func TestTick_StatsFailureSkipsServer(t *testing.T) {
	srv := runningServer(1, 10)
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("10")})
	node := &fakeNode{} // no stats scripted

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	// Idle sweep could not judge the server; billing still ran.
	require.Equal(t, model.StateRunning, servers.state(1))
	require.Equal(t, "9.5", users.credits(10).String())
}

func TestHibernate_RevertsOnNodeFailure(t *testing.T) {
	srv := runningServer(1, 10)
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("100")})
	node := &fakeNode{
		stats:  map[int64]*orchestrator.Stats{1: {CPUPercent: 0.1}},
		hibErr: fmt.Errorf("engine down"),
	}

	c := New(servers, users, node, testConfig())
	c.Tick(context.Background())

	require.Equal(t, model.StateRunning, servers.state(1), "state must roll back")
}

func TestWakeOnWebhook_Succeeds(t *testing.T) {
	srv := runningServer(1, 10)
	srv.State = model.StateSleeping
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("5")})
	node := &fakeNode{}

	c := New(servers, users, node, testConfig())
	require.True(t, c.WakeOnWebhook(context.Background(), 1, "secret"))
	require.Equal(t, model.StateRunning, servers.state(1))
	require.Equal(t, []int64{1}, node.woken)
}

func TestWakeOnWebhook_RejectsBadToken(t *testing.T) {
	srv := runningServer(1, 10)
	srv.State = model.StateSleeping
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("5")})
	node := &fakeNode{}

	c := New(servers, users, node, testConfig())
	require.False(t, c.WakeOnWebhook(context.Background(), 1, "wrong"))
	require.Equal(t, model.StateSleeping, servers.state(1))
	require.Empty(t, node.woken)
}

func TestWakeOnWebhook_RejectsUnknownServer(t *testing.T) {
	servers := newFakeServerStore()
	users := newFakeUserStore()
	c := New(servers, users, &fakeNode{}, testConfig())

	require.False(t, c.WakeOnWebhook(context.Background(), 99, "secret"))
}

func TestWakeOnWebhook_RejectsZeroCredits(t *testing.T) {
	srv := runningServer(1, 10)
	srv.State = model.StateSleeping
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.Zero})
	node := &fakeNode{}

	c := New(servers, users, node, testConfig())
	require.False(t, c.WakeOnWebhook(context.Background(), 1, "secret"))
	require.Equal(t, model.StateSleeping, servers.state(1))
	require.Empty(t, node.woken)
}

func TestWakeOnWebhook_ConcurrentWakesConverge(t *testing.T) {
	srv := runningServer(1, 10)
	srv.State = model.StateStarting // someone else's wake is in flight
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("5")})
	node := &fakeNode{}

	c := New(servers, users, node, testConfig())
	require.True(t, c.WakeOnWebhook(context.Background(), 1, "secret"))
	require.Empty(t, node.woken, "the in-flight wake owns the node call")
}

func TestWakeOnWebhook_RevertsOnNodeFailure(t *testing.T) {
	srv := runningServer(1, 10)
	srv.State = model.StateSleeping
	servers := newFakeServerStore(srv)
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.RequireFromString("5")})
	node := &fakeNode{wakeErr: fmt.Errorf("engine down")}

	c := New(servers, users, node, testConfig())
	require.False(t, c.WakeOnWebhook(context.Background(), 1, "secret"))
	require.Equal(t, model.StateSleeping, servers.state(1))
}

func TestAddCredits(t *testing.T) {
	users := newFakeUserStore(&model.User{ID: 10, Credits: decimal.Zero})
	c := New(newFakeServerStore(), users, &fakeNode{}, testConfig())

	require.NoError(t, c.AddCredits(context.Background(), 10, decimal.RequireFromString("25"), ""))
	require.Equal(t, "25", users.credits(10).String())
	require.Equal(t, []string{"Deposit"}, users.ledger)
}

func TestChargePerTick(t *testing.T) {
	got := ChargePerTick(decimal.RequireFromString("0.1"), 5*time.Minute)
	require.True(t, got.Equal(decimal.RequireFromString("0.5")), "got %s", got)
}
