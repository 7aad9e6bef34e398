package netpool

import "go.uber.org/zap"

// Multiuse is what a server was seen to support on one connection.
type Multiuse uint8

const (
	MultiuseUnknown Multiuse = iota
	MultiuseSerial
	MultiusePipeline
	MultiuseMultiplex
)

func (m Multiuse) String() string {
	switch m {
	case MultiuseSerial:
		return "serial"
	case MultiusePipeline:
		return "pipeline"
	case MultiuseMultiplex:
		return "multiplex"
	}
	return "unknown"
}

// Bundle is the set of connections sharing a destination key.
type Bundle struct {
	key    string
	mode   Multiuse
	server string
	conns  []*Conn
	pool   *Pool
}

// Learn records how the server behind the bundle handles multiple
// requests, as found out from a response.
func (b *Bundle) Learn(mode Multiuse, server string) {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	if b.mode != mode {
		b.pool.log.Debug("learned multiuse mode", zap.String("bundle", b.key), zap.Stringer("mode", mode))
	}
	b.mode = mode
	if server != "" {
		b.server = server
	}
}

func (b *Bundle) Mode() Multiuse {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.mode
}

func (b *Bundle) remove(c *Conn) {
	for i, v := range b.conns {
		if v == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			return
		}
	}
}

// oldestIdle returns the idle connection unused for the longest time.
func oldestIdle(conns []*Conn) *Conn {
	var victim *Conn
	for _, c := range conns {
		if c.inUse {
			continue
		}
		if victim == nil || c.lastUsed.Before(victim.lastUsed) {
			victim = c
		}
	}
	return victim
}
