// Package connmgr implements the connection manager (spec §4.B): tracks
// WebSocket, HTTP, and CLI connections, enforces per-session limits, and
// runs liveness probes. The primary map plus secondary indices mirror the
// ConnectionPool shape from the original implementation so lookups stay
// O(1) and every index is mutated transactionally with the primary map
// (spec §3 Connection invariant).
package connmgr

import (
	"github.com/icotes/fabric/internal/types"
)

// pool holds the primary connection map and its secondary indices. All
// access goes through Manager, which owns the mutex.
type pool struct {
	byID      map[string]*types.Connection
	byKind    map[types.ConnKind]map[string]bool
	bySession map[string]map[string]bool
	byUser    map[string]map[string]bool
}

func newPool() *pool {
	return &pool{
		byID:      make(map[string]*types.Connection),
		byKind:    make(map[types.ConnKind]map[string]bool),
		bySession: make(map[string]map[string]bool),
		byUser:    make(map[string]map[string]bool),
	}
}

func (p *pool) add(c *types.Connection) {
	p.byID[c.ID] = c
	p.indexKind(c.Kind, c.ID, true)
	if c.SessionID != "" {
		p.indexSession(c.SessionID, c.ID, true)
	}
	if c.UserID != "" {
		p.indexUser(c.UserID, c.ID, true)
	}
}

func (p *pool) remove(id string) {
	c, ok := p.byID[id]
	if !ok {
		return
	}
	delete(p.byID, id)
	p.indexKind(c.Kind, id, false)
	if c.SessionID != "" {
		p.indexSession(c.SessionID, id, false)
	}
	if c.UserID != "" {
		p.indexUser(c.UserID, id, false)
	}
}

// reindexSessionUser re-keys a connection's secondary indices after
// authenticate() attaches session/user ids that weren't known at connect
// time.
func (p *pool) reindexSessionUser(c *types.Connection, oldSession, oldUser string) {
	if oldSession != "" && oldSession != c.SessionID {
		p.indexSession(oldSession, c.ID, false)
	}
	if c.SessionID != "" {
		p.indexSession(c.SessionID, c.ID, true)
	}
	if oldUser != "" && oldUser != c.UserID {
		p.indexUser(oldUser, c.ID, false)
	}
	if c.UserID != "" {
		p.indexUser(c.UserID, c.ID, true)
	}
}

func (p *pool) indexKind(kind types.ConnKind, id string, add bool) {
	set, ok := p.byKind[kind]
	if !ok {
		if !add {
			return
		}
		set = make(map[string]bool)
		p.byKind[kind] = set
	}
	if add {
		set[id] = true
	} else {
		delete(set, id)
		if len(set) == 0 {
			delete(p.byKind, kind)
		}
	}
}

func (p *pool) indexSession(session, id string, add bool) {
	set, ok := p.bySession[session]
	if !ok {
		if !add {
			return
		}
		set = make(map[string]bool)
		p.bySession[session] = set
	}
	if add {
		set[id] = true
	} else {
		delete(set, id)
		if len(set) == 0 {
			delete(p.bySession, session)
		}
	}
}

func (p *pool) indexUser(user, id string, add bool) {
	set, ok := p.byUser[user]
	if !ok {
		if !add {
			return
		}
		set = make(map[string]bool)
		p.byUser[user] = set
	}
	if add {
		set[id] = true
	} else {
		delete(set, id)
		if len(set) == 0 {
			delete(p.byUser, user)
		}
	}
}

func (p *pool) countForSession(session string) int {
	return len(p.bySession[session])
}
