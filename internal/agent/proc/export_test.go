package proc

// Acquire exposes the cache slot lookup without sending a prompt.
func (c *Cache) Acquire(req Request) *Client { return c.acquire(req) }
