package server

import (
	"sync"
	"time"

	"github.com/flare152/flare/connection"
	"github.com/flare152/flare/wire"
)

// ConnectionInfo is the bookkeeping record of one authenticated connection.
type ConnectionInfo struct {
	ConnID      string
	UserID      string
	Platform    wire.Platform
	ClientID    string
	RemoteAddr  string
	Protocol    string
	ConnectedAt time.Time

	conn     connection.Connection
	language string

	mu            sync.Mutex
	lastHeartbeat time.Time
}

func newConnectionInfo(conn connection.Connection, userID string, platform wire.Platform, clientID, language string) *ConnectionInfo {
	now := time.Now()
	return &ConnectionInfo{
		ConnID:        conn.ID(),
		UserID:        userID,
		Platform:      platform,
		ClientID:      clientID,
		RemoteAddr:    conn.RemoteAddr(),
		Protocol:      conn.Protocol(),
		ConnectedAt:   now,
		conn:          conn,
		language:      language,
		lastHeartbeat: now,
	}
}

func (i *ConnectionInfo) touch() {
	i.mu.Lock()
	i.lastHeartbeat = time.Now()
	i.mu.Unlock()
}

// LastHeartbeat returns the time the connection last showed life.
func (i *ConnectionInfo) LastHeartbeat() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastHeartbeat
}

// staleBefore reports whether the last heartbeat predates cutoff. checked is
// false when the entry was busy; a busy entry survives until the next sweep.
func (i *ConnectionInfo) staleBefore(cutoff time.Time) (stale, checked bool) {
	if !i.mu.TryLock() {
		return false, false
	}
	defer i.mu.Unlock()
	return i.lastHeartbeat.Before(cutoff), true
}

// sessionTable tracks authenticated connections by connection id and by
// user. Both indexes mutate under one lock so they always agree.
type sessionTable struct {
	mu     sync.RWMutex
	byConn map[string]*ConnectionInfo
	byUser map[string]map[string]struct{}
}

func newSessionTable() sessionTable {
	return sessionTable{
		byConn: make(map[string]*ConnectionInfo),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (t *sessionTable) insert(info *ConnectionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConn[info.ConnID] = info
	conns, ok := t.byUser[info.UserID]
	if !ok {
		conns = make(map[string]struct{})
		t.byUser[info.UserID] = conns
	}
	conns[info.ConnID] = struct{}{}
}

// remove deletes the entry from both indexes. The second return is false
// when the connection was already removed, so exactly one caller wins.
func (t *sessionTable) remove(connID string) (*ConnectionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(t.byConn, connID)
	if conns, ok := t.byUser[info.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.byUser, info.UserID)
		}
	}
	return info, true
}

func (t *sessionTable) get(connID string) (*ConnectionInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.byConn[connID]
	return info, ok
}

func (t *sessionTable) user(userID string) []*ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byUser[userID]
	infos := make([]*ConnectionInfo, 0, len(ids))
	for id := range ids {
		if info, ok := t.byConn[id]; ok {
			infos = append(infos, info)
		}
	}
	return infos
}

func (t *sessionTable) all() []*ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	infos := make([]*ConnectionInfo, 0, len(t.byConn))
	for _, info := range t.byConn {
		infos = append(infos, info)
	}
	return infos
}

func (t *sessionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConn)
}

func (t *sessionTable) userConnIDs(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.byUser[userID]))
	for id := range t.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}
