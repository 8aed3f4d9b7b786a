// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package duplex

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"github.com/antflydb/duplex/lib/decoding"
	"github.com/antflydb/duplex/lib/fusion"
	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FusionCacheTTL is the default TTL for cached fusion results
const FusionCacheTTL = 2 * time.Minute

// FusionCache wraps a fuser so that identical forward/backward n-best sets
// are fused once per TTL window. Concurrent identical requests share one
// fusion.
type FusionCache struct {
	fuser   decoding.Fuser
	cache   *ttlcache.Cache[string, *fusion.Result]
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewFusionCache creates a cache in front of fuser. A ttl <= 0 uses
// FusionCacheTTL.
func NewFusionCache(fuser decoding.Fuser, ttl time.Duration, logger *zap.Logger) *FusionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = FusionCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *fusion.Result](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	fc := &FusionCache{
		fuser:   fuser,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
	}

	// Log cache stats periodically
	go fc.logStats(ctx)

	return fc
}

// Fuse implements decoding.Fuser. Converter and References only feed
// diagnostics, so they are not part of the key; a cache hit emits no splice
// logs. Every caller receives its own copy of the result, marked Cached
// unless this call did the fusing.
func (fc *FusionCache) Fuse(ctx context.Context, fwd, bwd seq2seq.NBest, opts fusion.Options) (*fusion.Result, error) {
	key := cacheKey(opts.Task, fwd, bwd)

	if item := fc.cache.Get(key); item != nil {
		fc.hits.Add(1)
		RecordCacheHit("fusion")
		fc.logger.Debug("Fusion cache hit", zap.Int("batch", len(item.Value().Hyps)))
		res := item.Value().Clone()
		res.Cached = true
		return res, nil
	}

	computed := false
	result, err, shared := fc.sfGroup.Do(key, func() (any, error) {
		computed = true
		fc.misses.Add(1)
		RecordCacheMiss("fusion")

		start := time.Now()
		res, err := fc.fuser.Fuse(ctx, fwd, bwd, opts)
		if err != nil {
			return nil, err
		}
		fc.cache.Set(key, res, ttlcache.DefaultTTL)

		fc.logger.Debug("Fusion computed and cached",
			zap.Int("batch", len(res.Hyps)),
			zap.Int("candidates", res.Candidates),
			zap.Duration("duration", time.Since(start)))
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if shared && !computed {
		fc.sfHits.Add(1)
		fc.logger.Debug("Singleflight hit for fusion request")
	}

	res := result.(*fusion.Result).Clone()
	res.Cached = !computed
	return res, nil
}

// cacheKey hashes the task and every token, score and alignment weight of
// both sets.
func cacheKey(task seq2seq.Task, fwd, bwd seq2seq.NBest) string {
	h := xxhash.New()
	var buf [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}

	_, _ = h.WriteString(string(task))
	_, _ = h.WriteString("||")
	for _, set := range []seq2seq.NBest{fwd, bwd} {
		putInt(len(set))
		for _, hyps := range set {
			putInt(len(hyps))
			for _, hyp := range hyps {
				putInt(len(hyp.Tokens))
				for _, tok := range hyp.Tokens {
					putInt(int(tok))
				}
				putInt(len(hyp.Scores))
				for _, s := range hyp.Scores {
					putFloat(s)
				}
				putInt(len(hyp.Alignment))
				for _, row := range hyp.Alignment {
					putInt(len(row))
					for _, w := range row {
						putFloat(w)
					}
				}
			}
		}
		_, _ = h.WriteString("||")
	}

	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close stops the cache
func (fc *FusionCache) Close() {
	fc.cancel()
	fc.cache.Stop()
}

// logStats logs cache statistics periodically
func (fc *FusionCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := fc.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				hitRate := float64(metrics.Hits) / float64(total) * 100
				fc.logger.Info("Fusion cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", hitRate),
					zap.Int("items", fc.cache.Len()))
			}
		}
	}
}

// Stats returns cache statistics
func (fc *FusionCache) Stats() FusionCacheStats {
	return FusionCacheStats{
		Hits:             fc.hits.Load(),
		Misses:           fc.misses.Load(),
		SingleflightHits: fc.sfHits.Load(),
		Items:            fc.cache.Len(),
	}
}

// FusionCacheStats holds fusion cache statistics
type FusionCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}
