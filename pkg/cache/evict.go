package cache

import (
	"context"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// Result contains statistics from an eviction sweep.
type Result struct {
	EntriesEvicted int
	BytesReclaimed int64
}

// RunOnce sweeps the cache: entries older than the TTL go first, then the
// least recently accessed entries until the cache fits under MaxBytes.
func (c *Cache) RunOnce(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result

	type candidate struct {
		key string
		e   entry
	}

	it, err := c.db.NewIter(iterBounds())
	if err != nil {
		return res, err
	}

	var all []candidate
	var total int64
	for it.First(); it.Valid(); it.Next() {
		if ctx.Err() != nil {
			it.Close()
			return res, ctx.Err()
		}
		var e entry
		if err := cbor.Unmarshal(it.Value(), &e); err != nil {
			continue
		}
		all = append(all, candidate{key: string(it.Key()[len(prefixEntry):]), e: e})
		total += e.Size
	}
	if err := it.Close(); err != nil {
		return res, err
	}

	evict := func(cand candidate) {
		c.drop(cand.key, cand.e)
		res.EntriesEvicted++
		res.BytesReclaimed += cand.e.Size
		total -= cand.e.Size
	}

	if c.cfg.TTL > 0 {
		cutoff := time.Now().Add(-c.cfg.TTL).Unix()
		kept := all[:0]
		for _, cand := range all {
			if cand.e.Accessed < cutoff {
				evict(cand)
			} else {
				kept = append(kept, cand)
			}
		}
		all = kept
	}

	if limit := int64(c.cfg.MaxBytes); limit > 0 && total > limit {
		sort.Slice(all, func(i, j int) bool {
			return all[i].e.Accessed < all[j].e.Accessed
		})
		for _, cand := range all {
			if total <= limit {
				break
			}
			evict(cand)
		}
	}

	if res.EntriesEvicted > 0 {
		c.log.WithFields(logrus.Fields{
			"entries": res.EntriesEvicted,
			"bytes":   res.BytesReclaimed,
		}).Info("cache sweep reclaimed space")
	}

	return res, nil
}

// Start launches a background sweep loop. It is a no-op if already running.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.RunOnce(ctx); err != nil {
					c.log.WithError(err).Warn("cache sweep failed")
				}
			}
		}
	}()
}

// Stop halts the background sweep loop.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.running = false
		close(c.stopCh)
	}
}
