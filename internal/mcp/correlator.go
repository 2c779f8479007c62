package mcp

import (
	"sync"
)

// outcome settles one pending request: a response or a failure.
type outcome struct {
	resp *Response
	err  error
}

// correlator pairs responses with pending requests by id. Every
// registered id settles exactly once: by resolve, cancel, or closeAll.
type correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan outcome
	closed  error
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]chan outcome)}
}

// register allocates the next id and its result channel. After
// closeAll it refuses with the close error.
func (c *correlator) register() (int64, <-chan outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return 0, nil, c.closed
	}
	c.nextID++
	ch := make(chan outcome, 1)
	c.pending[c.nextID] = ch
	return c.nextID, ch, nil
}

// resolve delivers resp to the request with the same id. It reports
// false when no such request is pending (already settled or never
// issued); the response is then dropped.
func (c *correlator) resolve(resp *Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- outcome{resp: resp}
	return true
}

// cancel removes a pending request without settling its channel. It
// reports false if the request had already been settled, in which case
// the outcome is waiting on the channel.
func (c *correlator) cancel(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// closeAll fails every pending request with err and refuses new ones.
// It returns how many requests were failed.
func (c *correlator) closeAll(err error) int {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[int64]chan outcome)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	return len(pending)
}

// inFlight reports how many requests await a response.
func (c *correlator) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
