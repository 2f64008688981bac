package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/codec"
)

func TestCreateThenCloseMovesToClosedLog(t *testing.T) {
	m := NewManager(nil)
	id := m.Create("alice", "10.0.0.1", codec.AddressFromDomain("example.com"), 443, acl.ProtoTCP, acl.Decision{Action: acl.ActionAllow})
	require.Equal(t, 1, m.ActiveCount())

	m.AddTraffic(id, 4, 4, 1, 1)
	rec, ok := m.Snapshot(id)
	require.True(t, ok)
	require.EqualValues(t, 4, rec.BytesSent)

	m.Close(id, Closed, "")
	require.Equal(t, 0, m.ActiveCount())

	_, ok = m.Snapshot(id)
	require.False(t, ok)
}

func TestRejectNeverEntersActiveMap(t *testing.T) {
	m := NewManager(nil)
	rec := m.Reject("bob", "10.0.0.2", codec.AddressFromDomain("blocked.example.com"), 443, acl.ProtoTCP, acl.Decision{Action: acl.ActionBlock, RuleMatched: "block admin"})
	require.Equal(t, RejectedByAcl, rec.Status)
	require.Equal(t, rec.Start, rec.End)
	require.Equal(t, 0, m.ActiveCount())
}

func TestSaturatingAddNeverWraps(t *testing.T) {
	require.EqualValues(t, ^uint64(0), saturatingAdd(^uint64(0)-1, 10))
	require.EqualValues(t, 10, saturatingAdd(0, 10))
}

func TestAggregateFiltersByWindow(t *testing.T) {
	m := NewManager(nil)
	id := m.Create("carol", "10.0.0.3", codec.AddressFromDomain("old.example.com"), 80, acl.ProtoTCP, acl.Decision{Action: acl.ActionAllow})
	m.Close(id, Closed, "")
	m.closed[0].End = time.Now().Add(-time.Hour)

	topUsers, topDests := m.Aggregate(time.Minute, false)
	require.Empty(t, topUsers)
	require.Empty(t, topDests)

	topUsers, topDests = m.Aggregate(2*time.Hour, false)
	require.Len(t, topUsers, 1)
	require.Equal(t, "carol", topUsers[0].Key)
	require.Len(t, topDests, 1)
}

func TestAggregateIncludesActiveWhenRequested(t *testing.T) {
	m := NewManager(nil)
	m.Create("dave", "10.0.0.4", codec.AddressFromDomain("live.example.com"), 80, acl.ProtoTCP, acl.Decision{Action: acl.ActionAllow})

	topUsers, _ := m.Aggregate(time.Minute, false)
	require.Empty(t, topUsers)

	topUsers, _ = m.Aggregate(time.Minute, true)
	require.Len(t, topUsers, 1)
	require.Equal(t, "dave", topUsers[0].Key)
}

type fakeStore struct {
	saved []Record
}

func (f *fakeStore) SaveSession(r Record) error {
	f.saved = append(f.saved, r)
	return nil
}

func TestStorePersistsOnCloseAndReject(t *testing.T) {
	fs := &fakeStore{}
	m := NewManager(fs)
	id := m.Create("erin", "10.0.0.5", codec.AddressFromDomain("e.example.com"), 80, acl.ProtoTCP, acl.Decision{Action: acl.ActionAllow})
	m.Close(id, Closed, "")
	m.Reject("erin", "10.0.0.5", codec.AddressFromDomain("blocked.example.com"), 80, acl.ProtoTCP, acl.Decision{Action: acl.ActionBlock})
	require.Len(t, fs.saved, 2)
}
