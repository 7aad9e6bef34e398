package netpool

import (
	"net"
	"time"

	"go.uber.org/multierr"

	"github.com/frankli0324/go-xfer/internal/sock"
)

type NTLMState uint8

const (
	NTLMNone NTLMState = iota
	NTLMType1
	NTLMType2
	NTLMType3
	NTLMLast
)

// Conn is one physical connection known to the pool. Fields that the
// matcher reads are guarded by the pool lock, the socket itself belongs to
// whoever acquired the connection.
type Conn struct {
	ID   uint64
	Dest Destination

	conn, secondary net.Conn

	inUse       bool
	uses        int
	created     time.Time
	lastUsed    time.Time
	queue       []uint64 // requests on the connection, in sending order
	closing     bool
	handshaking bool
	upgraded    bool // switched to tls within the same protocol family
	ntlm        NTLMState
	maxStreams  int
	rewound     sock.Cursor

	bundle *Bundle
	pool   *Pool
}

// NetConn returns the attached socket, nil before [Conn.Attach]. It is
// only called by the holder of the connection, or by the pool on idle ones.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Attach hands the established socket to the connection, which is then
// done connecting.
func (c *Conn) Attach(conn net.Conn) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.conn = conn
	c.handshaking = false
}

func (c *Conn) AttachSecondary(conn net.Conn) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.secondary = conn
}

// MarkClose makes the connection unusable for other requests, it is
// closed once its last request is released.
func (c *Conn) MarkClose() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.closing = true
}

func (c *Conn) MarkUpgraded() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.upgraded = true
}

func (c *Conn) SetNTLM(s NTLMState) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.ntlm = s
}

// SetMaxStreams records the concurrency limit a multiplexing server
// advertised.
func (c *Conn) SetMaxStreams(n int) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.maxStreams = n
}

// Rewind stores bytes read past the end of the current response, the next
// request on the connection reads them first.
func (c *Conn) Rewind(cur sock.Cursor) {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	if c.rewound.Len() > 0 {
		cur.Unread(c.rewound.Bytes())
	}
	c.rewound = cur.Take()
}

func (c *Conn) TakeRewound() sock.Cursor {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.rewound.Take()
}

func (c *Conn) Bundle() *Bundle { return c.bundle }

// Reused reports whether the connection carried a request before the
// current one.
func (c *Conn) Reused() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.uses > 1
}

// PipelineLen is the number of requests queued on the connection.
func (c *Conn) PipelineLen() int {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.pipeLen()
}

func (c *Conn) pipeLen() int {
	return len(c.queue)
}

func (c *Conn) detach(id uint64) {
	c.queue = remove(c.queue, id)
	c.inUse = c.pipeLen() > 0
}

func (c *Conn) close() error {
	var err error
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
	}
	if c.secondary != nil {
		err = multierr.Append(err, c.secondary.Close())
	}
	c.conn, c.secondary = nil, nil
	c.closing = true
	return err
}

func remove(s []uint64, id uint64) []uint64 {
	for i, v := range s {
		if v == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
