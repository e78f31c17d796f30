// Package cache fronts slow collaborator lookups with an in-memory TTL cache.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
)

// Config controls the friend-count cache.
type Config struct {
	TTL        time.Duration // how long a count is served before it is recomputed (default: 5m)
	MaxSizeMB  int           // hard cap on cache memory, 0 = unbounded (default: 16)
	Shards     int           // must be a power of two (default: 64)
	MaxEntries int           // expected entries within one TTL window (default: 10000)
}

// DefaultConfig returns cache defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        5 * time.Minute,
		MaxSizeMB:  16,
		Shards:     64,
		MaxEntries: 10000,
	}
}

// FriendGraph caches FriendCountOnProject answers. Counts only grow when a
// friend's first result on a project lands, so a count served up to TTL late
// can only understate the bonus.
type FriendGraph struct {
	next  domain.FriendGraph
	cache *bigcache.BigCache
	log   zerolog.Logger
}

// NewFriendGraph wraps next.
func NewFriendGraph(ctx context.Context, cfg Config, next domain.FriendGraph, log zerolog.Logger) (*FriendGraph, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}

	bc := bigcache.DefaultConfig(cfg.TTL)
	bc.Shards = cfg.Shards
	bc.MaxEntriesInWindow = cfg.MaxEntries
	bc.MaxEntrySize = 64
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.CleanWindow = cfg.TTL
	bc.Verbose = false

	c, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("create friend cache: %w", err)
	}
	return &FriendGraph{
		next:  next,
		cache: c,
		log:   log.With().Str("component", "friend-cache").Logger(),
	}, nil
}

func friendKey(user domain.UserID, project string) string {
	return strconv.FormatInt(int64(user), 10) + "/" + project
}

// FriendCountOnProject serves from cache or asks the wrapped graph.
func (g *FriendGraph) FriendCountOnProject(ctx context.Context, user domain.UserID, projectShortName string) (int, error) {
	key := friendKey(user, projectShortName)
	b, err := g.cache.Get(key)
	switch {
	case err == nil && len(b) == 8:
		observability.FriendCacheLookups.WithLabelValues("hit").Inc()
		return int(binary.BigEndian.Uint64(b)), nil
	case err != nil && !errors.Is(err, bigcache.ErrEntryNotFound):
		g.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	observability.FriendCacheLookups.WithLabelValues("miss").Inc()

	n, err := g.next.FriendCountOnProject(ctx, user, projectShortName)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	if err := g.cache.Set(key, buf[:]); err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return n, nil
}

// Invalidate drops the cached count for one user and project.
func (g *FriendGraph) Invalidate(user domain.UserID, projectShortName string) {
	if err := g.cache.Delete(friendKey(user, projectShortName)); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		g.log.Warn().Err(err).Msg("cache delete failed")
	}
}

// Reset drops every cached count.
func (g *FriendGraph) Reset() error { return g.cache.Reset() }

// Len returns the number of cached counts.
func (g *FriendGraph) Len() int { return g.cache.Len() }

// Close stops the cache's cleanup goroutine.
func (g *FriendGraph) Close() error { return g.cache.Close() }
