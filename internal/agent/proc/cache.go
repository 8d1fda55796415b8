package proc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/agent"
)

// Request is one prompt routed through a Cache.
type Request struct {
	Argv    []string
	Cwd     string
	Timeout time.Duration
	Prompt  string
	Parser  agent.OutputParser
}

// Key identifies the process a request runs in.
func Key(cwd string, argv []string) string {
	return cwd + "\x00" + strings.Join(argv, "\x00")
}

// Cache holds at most one Client. A request for a different key closes the
// current client before the new one is created; a request for the same key
// reuses the running process and whatever conversation it holds. A client the
// cache has let go of never starts another process, so a request that raced
// with its eviction fails with ErrDisposed.
type Cache struct {
	opts []ClientOption

	mu     sync.Mutex
	key    string
	client *Client
}

// NewCache creates an empty cache. opts are applied to every client it creates.
func NewCache(opts ...ClientOption) *Cache {
	return &Cache{opts: opts}
}

// Run sends req.Prompt to the client for req's key.
func (c *Cache) Run(ctx context.Context, req Request) (Result, error) {
	if len(req.Argv) == 0 {
		return Result{}, fmt.Errorf("proc.Cache.Run: %w", ErrEmptyCommand)
	}
	if req.Parser == nil {
		return Result{}, fmt.Errorf("proc.Cache.Run: no output parser for %s", commandName(req.Argv))
	}

	client := c.acquire(req)

	res, err := client.Prompt(ctx, req.Prompt, req.Timeout)
	if err != nil {
		return res, fmt.Errorf("proc.Cache.Run: %w", err)
	}
	return res, nil
}

func (c *Cache) acquire(req Request) *Client {
	key := Key(req.Cwd, req.Argv)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.key == key {
		return c.client
	}
	if c.client != nil {
		log.Info().Str("command", commandName(req.Argv)).Msg("proc.Cache: invocation changed, disposing previous process")
		c.client.Close()
	}

	c.key = key
	c.client = NewClient(req.Argv, req.Cwd, req.Parser, c.opts...)
	return c.client
}

// Reset disposes the current client and clears the slot.
func (c *Cache) Reset() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.key = ""
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// Active reports the key of the cached client, if any.
func (c *Cache) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key, c.client != nil
}

//nolint:gochecknoglobals // process-wide connection slot
var (
	defaultMu    sync.Mutex
	defaultCache *Cache
)

// Default returns the process-wide cache, creating it on first use.
func Default() *Cache {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCache == nil {
		defaultCache = NewCache()
	}
	return defaultCache
}

// ResetDefault disposes the process-wide cache's client and forgets the cache.
func ResetDefault() {
	defaultMu.Lock()
	cache := defaultCache
	defaultCache = nil
	defaultMu.Unlock()

	if cache != nil {
		cache.Reset()
	}
}
