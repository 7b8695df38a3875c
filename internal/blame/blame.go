// Package blame attributes task execution time to named contexts.
package blame

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"idlerunq/internal/logx"
)

// Context accumulates how often and how long work ran inside it. Enter and
// Leave must pair; nesting is allowed and only the outermost pair is timed.
type Context struct {
	id   uuid.UUID
	name string
	now  func() time.Time
	log  logx.Logger

	mu      sync.Mutex
	depth   int
	entries uint64
	since   time.Time
	busy    time.Duration
}

// Stats is a snapshot of a Context.
type Stats struct {
	ID      uuid.UUID
	Name    string
	Entries uint64
	Busy    time.Duration
	Depth   int
}

type Option func(*Context)

// WithClock replaces time.Now as the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l logx.Logger) Option {
	return func(c *Context) { c.log = l }
}

func New(name string, opts ...Option) *Context {
	c := &Context{
		id:   uuid.New(),
		name: name,
		now:  time.Now,
		log:  logx.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logx.String("blame", name), logx.String("blame_id", c.id.String()))
	return c
}

func (c *Context) ID() uuid.UUID { return c.id }
func (c *Context) Name() string  { return c.name }

func (c *Context) Enter() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries++
	if c.depth == 0 {
		c.since = c.now()
	}
	c.depth++
	c.log.Trace("enter", logx.Int("depth", c.depth))
}

// Leave panics when called without a matching Enter.
func (c *Context) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.depth == 0 {
		panic("blame: Leave without Enter on " + c.name)
	}
	c.depth--
	if c.depth == 0 {
		c.busy += c.now().Sub(c.since)
		c.since = time.Time{}
	}
	c.log.Trace("leave", logx.Int("depth", c.depth))
}

func (c *Context) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ID:      c.id,
		Name:    c.name,
		Entries: c.entries,
		Busy:    c.busy,
		Depth:   c.depth,
	}
}
