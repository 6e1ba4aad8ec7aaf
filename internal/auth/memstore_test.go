package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memberKey struct{ user, tenant string }

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	txMu    sync.Mutex
	mu      sync.Mutex
	users   map[string]*User
	tenants map[string]*Tenant
	members map[memberKey]bool
	grants  map[memberKey][]string
	revoked map[string]RevokedToken

	existsErr   error
	insertErr   error
	updateErr   error
	deleteCalls int
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]*User),
		tenants: make(map[string]*Tenant),
		members: make(map[memberKey]bool),
		grants:  make(map[memberKey][]string),
		revoked: make(map[string]RevokedToken),
	}
}

func (s *memStore) addUser(u User) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
	return &cp
}

func (s *memStore) addTenant(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tenants[t.ID] = &cp
}

func (s *memStore) join(userID, tenantID string, active bool, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey{userID, tenantID}] = active
	s.grants[memberKey{userID, tenantID}] = perms
}

func (s *memStore) Users(context.Context) UserDirectory { return memUsers{s} }
func (s *memStore) Tenants(context.Context) TenantDirectory { return memTenants{s} }
func (s *memStore) Memberships(context.Context) MembershipLookup { return memMembers{s} }
func (s *memStore) Permissions(context.Context) PermissionGraph { return memMembers{s} }
func (s *memStore) Revocations(context.Context) RevocationStore { return memRevocations{s} }

// WithinTx runs transactions one at a time and restores users and blacklist
// rows when fn fails.
func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	users := make(map[string]User, len(s.users))
	for id, u := range s.users {
		users[id] = *u
	}
	revoked := make(map[string]RevokedToken, len(s.revoked))
	for k, v := range s.revoked {
		revoked[k] = v
	}
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.users = make(map[string]*User, len(users))
		for id, u := range users {
			cp := u
			s.users[id] = &cp
		}
		s.revoked = revoked
		s.mu.Unlock()
		return err
	}
	return nil
}

type memUsers struct{ s *memStore }

func (m memUsers) FindByID(_ context.Context, id string) (*User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, u := range m.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memUsers) UpdatePassword(_ context.Context, userID, hash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.updateErr != nil {
		return m.s.updateErr
	}
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m memUsers) MarkVerified(_ context.Context, userID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Verified = true
	return nil
}

type memTenants struct{ s *memStore }

func (m memTenants) FindByID(_ context.Context, id string) (*Tenant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m memTenants) FindByName(_ context.Context, name string) (*Tenant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, t := range m.s.tenants {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type memMembers struct{ s *memStore }

func (m memMembers) IsActiveMember(_ context.Context, userID, tenantID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.s.members[memberKey{userID, tenantID}], nil
}

func (m memMembers) PermissionsFor(_ context.Context, userID, tenantID string) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := append([]string(nil), m.s.grants[memberKey{userID, tenantID}]...)
	return out, nil
}

type memRevocations struct{ s *memStore }

func (m memRevocations) Insert(_ context.Context, tok RevokedToken) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.insertErr != nil {
		return false, m.s.insertErr
	}
	if _, ok := m.s.revoked[tok.Fingerprint]; ok {
		return false, nil
	}
	m.s.revoked[tok.Fingerprint] = tok
	return true, nil
}

func (m memRevocations) Exists(_ context.Context, fp string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.existsErr != nil {
		return false, m.s.existsErr
	}
	_, ok := m.s.revoked[fp]
	return ok, nil
}

func (m memRevocations) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	return m.deleteWhere(limit, func(r RevokedToken) bool { return r.ExpiresAt.Before(now) })
}

func (m memRevocations) DeleteInvalidatedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	return m.deleteWhere(limit, func(r RevokedToken) bool { return r.InvalidatedAt.Before(cutoff) })
}

func (m memRevocations) deleteWhere(limit int, match func(RevokedToken) bool) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.deleteCalls++
	keys := make([]string, 0, len(m.s.revoked))
	for k := range m.s.revoked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var n int64
	for _, k := range keys {
		if int(n) >= limit {
			break
		}
		if match(m.s.revoked[k]) {
			delete(m.s.revoked, k)
			n++
		}
	}
	return n, nil
}

func (m memRevocations) Stats(_ context.Context, now time.Time) (BlacklistStats, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	stats := BlacklistStats{ByKind: make(map[TokenKind]int64), GeneratedAt: now}
	for _, r := range m.s.revoked {
		stats.Total++
		if r.ExpiresAt.Before(now) {
			stats.Expired++
		} else {
			stats.Active++
		}
		stats.ByKind[r.Kind]++
	}
	return stats, nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *recordingMailer) last() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Message{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// testClock is a settable time source shared by codec, blacklist and service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
