// Package session tracks proxy session lifecycle: an active map of
// in-flight sessions behind per-session locks, a closed history log, a
// rejected log for ACL-blocked attempts, and lookback-window
// aggregation over the closed log.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/codec"
)

// Status is a session's terminal or in-flight lifecycle state. A
// session moves from Active to exactly one terminal state and never
// returns to Active.
type Status int

const (
	Active Status = iota
	Closed
	Failed
	RejectedByAcl
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	case RejectedByAcl:
		return "RejectedByAcl"
	default:
		return "Unknown"
	}
}

// Record is the full session row described by the data model: identity,
// endpoints, counters, and the ACL decision that admitted or rejected
// it.
type Record struct {
	ID       uuid.UUID
	User     string
	Start    time.Time
	End      time.Time
	SourceIP string
	DestAddr codec.Address
	DestPort uint16
	Protocol acl.Protocol

	BytesSent         uint64
	BytesReceived     uint64
	PacketsSent       uint64
	PacketsReceived   uint64

	Status       Status
	CloseReason  string
	AclDecision  acl.Action
	AclRuleMatched string
}

// lockedSession is one active map entry: a record behind its own
// mutex, so traffic updates from the two relay directions never
// contend with unrelated sessions.
type lockedSession struct {
	mu     sync.Mutex
	record Record
}

// Manager is the process-wide session tracker, passed by handle into
// every per-connection handler.
type Manager struct {
	mu     sync.RWMutex
	active map[uuid.UUID]*lockedSession
	closed []Record
	rejected []Record

	store Store
}

// Store optionally persists closed and rejected sessions; see
// internal/session/store for the SQLite implementation. A nil Store
// means memory-only operation.
type Store interface {
	SaveSession(r Record) error
}

func NewManager(store Store) *Manager {
	return &Manager{
		active: make(map[uuid.UUID]*lockedSession),
		store:  store,
	}
}

// Create admits a new Active session, keyed by a fresh random id.
func (m *Manager) Create(user, sourceIP string, dest codec.Address, destPort uint16, proto acl.Protocol, decision acl.Decision) uuid.UUID {
	id := uuid.New()
	rec := Record{
		ID:             id,
		User:           user,
		Start:          time.Now(),
		SourceIP:       sourceIP,
		DestAddr:       dest,
		DestPort:       destPort,
		Protocol:       proto,
		Status:         Active,
		AclDecision:    decision.Action,
		AclRuleMatched: decision.RuleMatched,
	}
	m.mu.Lock()
	m.active[id] = &lockedSession{record: rec}
	m.mu.Unlock()
	return id
}

// Reject synthesizes a fully-populated RejectedByAcl session with
// start == end, bypassing the active map entirely, per §4.3.
func (m *Manager) Reject(user, sourceIP string, dest codec.Address, destPort uint16, proto acl.Protocol, decision acl.Decision) Record {
	now := time.Now()
	rec := Record{
		ID:             uuid.New(),
		User:           user,
		Start:          now,
		End:            now,
		SourceIP:       sourceIP,
		DestAddr:       dest,
		DestPort:       destPort,
		Protocol:       proto,
		Status:         RejectedByAcl,
		AclDecision:    decision.Action,
		AclRuleMatched: decision.RuleMatched,
	}
	m.mu.Lock()
	m.rejected = append(m.rejected, rec)
	m.mu.Unlock()
	m.persist(rec)
	return rec
}

// AddTraffic applies a saturating add to one session's counters under
// its own lock, without touching the manager-wide lock.
func (m *Manager) AddTraffic(id uuid.UUID, sentBytes, recvBytes, sentPackets, recvPackets uint64) {
	m.mu.RLock()
	ls, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	ls.mu.Lock()
	ls.record.BytesSent = saturatingAdd(ls.record.BytesSent, sentBytes)
	ls.record.BytesReceived = saturatingAdd(ls.record.BytesReceived, recvBytes)
	ls.record.PacketsSent = saturatingAdd(ls.record.PacketsSent, sentPackets)
	ls.record.PacketsReceived = saturatingAdd(ls.record.PacketsReceived, recvPackets)
	ls.mu.Unlock()
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// Close moves a session from the active map to the closed log with a
// terminal status and reason; a closed session never returns to the
// active map.
func (m *Manager) Close(id uuid.UUID, status Status, reason string) {
	m.mu.Lock()
	ls, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	m.mu.Unlock()

	ls.mu.Lock()
	ls.record.End = time.Now()
	ls.record.Status = status
	ls.record.CloseReason = reason
	rec := ls.record
	ls.mu.Unlock()

	m.mu.Lock()
	m.closed = append(m.closed, rec)
	m.mu.Unlock()

	m.persist(rec)
}

func (m *Manager) persist(r Record) {
	if m.store == nil {
		return
	}
	_ = m.store.SaveSession(r)
}

// Snapshot returns a copy of one active session's current record, or
// false if it is not active (already closed, or unknown).
func (m *Manager) Snapshot(id uuid.UUID) (Record, bool) {
	m.mu.RLock()
	ls, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	ls.mu.Lock()
	rec := ls.record
	ls.mu.Unlock()
	return rec, true
}

// ActiveCount reports the number of in-flight sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// AggregateEntry is one row of Aggregate's result (§4.3): a user or
// destination key and its session count over sessions whose End falls
// after now-window.
type AggregateEntry struct {
	Key   string
	Count int
}

// Aggregate scans the closed log (and, if includeActive is set, a
// snapshot of active sessions) for entries within window, returning
// top-ten users and top-ten destinations by session count.
func (m *Manager) Aggregate(window time.Duration, includeActive bool) (topUsers, topDests []AggregateEntry) {
	cutoff := time.Now().Add(-window)

	m.mu.RLock()
	closed := make([]Record, len(m.closed))
	copy(closed, m.closed)
	var actives []Record
	if includeActive {
		for _, ls := range m.active {
			ls.mu.Lock()
			actives = append(actives, ls.record)
			ls.mu.Unlock()
		}
	}
	m.mu.RUnlock()

	userCounts := make(map[string]int)
	destCounts := make(map[string]int)

	accumulate := func(r Record, treatAsNow bool) {
		end := r.End
		if treatAsNow {
			end = time.Now()
		}
		if end.Before(cutoff) {
			return
		}
		userCounts[r.User]++
		destCounts[r.DestAddr.String()]++
	}

	for _, r := range closed {
		accumulate(r, false)
	}
	for _, r := range actives {
		accumulate(r, true)
	}

	return topTen(userCounts), topTen(destCounts)
}

func topTen(counts map[string]int) []AggregateEntry {
	entries := make([]AggregateEntry, 0, len(counts))
	for k, v := range counts {
		entries = append(entries, AggregateEntry{Key: k, Count: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > 10 {
		entries = entries[:10]
	}
	return entries
}
