// Package statistics builds the admin dashboard snapshot from the user,
// image, history and stats collections.
package statistics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/logging"
)

const (
	snapshotKey           = "snapshot"
	snapshotCacheCapacity = 16
	errorTextLimit        = 50
	dailyHistoryDays      = 7
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type featureLoader interface {
	Load(ctx context.Context) (domain.FeatureFlags, error)
}

type counterReader interface {
	GlobalStats(ctx context.Context) (domain.Counters, error)
	DailyStats(ctx context.Context, days int) ([]domain.DailyStats, error)
}

// Sources are the collections and readers a snapshot is computed from.
type Sources struct {
	Users    countCollection
	Images   countCollection
	History  countCollection
	Features featureLoader
	Counters counterReader
}

// Aggregator computes dashboard snapshots and caches the aggregated figures
// for ttl. Uptime and host metrics are refreshed on every call. A zero ttl
// recomputes on every call.
type Aggregator struct {
	src     Sources
	sampler Sampler
	logger  *logrus.Entry
	cache   *otter.Cache[string, domain.Snapshot]

	// generation is bumped by Invalidate; a compute that started under an
	// older generation is not cached.
	mu         sync.Mutex
	generation uint64

	startedAt time.Time
	now       func() time.Time
}

// NewAggregator constructs an Aggregator. startedAt anchors the reported
// uptime.
func NewAggregator(src Sources, sampler Sampler, ttl time.Duration, startedAt time.Time, logger *logrus.Entry) (*Aggregator, error) {
	if logger == nil {
		logger = logging.Logger()
	}
	if sampler == nil {
		sampler = HostSampler{}
	}

	a := &Aggregator{
		src:       src,
		sampler:   sampler,
		logger:    logger,
		startedAt: startedAt,
		now:       time.Now,
	}

	if ttl > 0 {
		cache, err := otter.MustBuilder[string, domain.Snapshot](snapshotCacheCapacity).WithTTL(ttl).Build()
		if err != nil {
			return nil, fmt.Errorf("build snapshot cache: %w", err)
		}
		a.cache = &cache
	}

	return a, nil
}

// Snapshot returns the cached snapshot or computes a fresh one. It never
// fails: on a query error the result is a zeroed placeholder carrying the
// system metrics and a truncated error message.
func (a *Aggregator) Snapshot(ctx context.Context) domain.Snapshot {
	if a == nil {
		return domain.Snapshot{Features: domain.DefaultFeatureFlags(), Error: "statistics aggregator is not initialized"}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := a.now().UTC()
	snap, cached := a.cached()
	if !cached {
		snap = a.aggregate(ctx, now)
	}

	snap.Uptime = now.Sub(a.startedAt)
	cpuPercent, memPercent, err := a.sampler.Sample(ctx)
	if err != nil {
		a.logger.WithField("event", "system_sample_failed").WithError(err).Warn("failed to sample system metrics")
	}
	snap.CPUPercent = cpuPercent
	snap.MemoryPercent = memPercent

	return snap
}

func (a *Aggregator) cached() (domain.Snapshot, bool) {
	if a.cache == nil {
		return domain.Snapshot{}, false
	}
	return a.cache.Get(snapshotKey)
}

// aggregate computes the figures and caches them unless the computation
// failed or an Invalidate happened meanwhile.
func (a *Aggregator) aggregate(ctx context.Context, now time.Time) domain.Snapshot {
	a.mu.Lock()
	generation := a.generation
	a.mu.Unlock()

	snap, err := a.compute(ctx, now)
	if err != nil {
		a.logger.WithFields(logging.Fields{
			"event": "snapshot_failed",
		}).WithError(err).Error("failed to aggregate statistics")

		return domain.Snapshot{
			Features:    domain.DefaultFeatureFlags(),
			GeneratedAt: now,
			Error:       logging.Truncate(err.Error(), errorTextLimit),
		}
	}

	snap.Reconcile()
	snap.GeneratedAt = now

	if a.cache != nil {
		a.mu.Lock()
		if a.generation == generation {
			a.cache.Set(snapshotKey, snap)
		}
		a.mu.Unlock()
	}

	return snap
}

// Invalidate drops the cached snapshot so the next call recomputes. A
// computation already in flight will not repopulate the cache.
func (a *Aggregator) Invalidate() {
	if a == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	if a.cache != nil {
		a.cache.Delete(snapshotKey)
	}
}

func (a *Aggregator) compute(ctx context.Context, now time.Time) (domain.Snapshot, error) {
	if a.src.Users == nil || a.src.Images == nil || a.src.History == nil || a.src.Features == nil || a.src.Counters == nil {
		return domain.Snapshot{}, errors.New("statistics sources are not configured")
	}

	day := now.Add(-24 * time.Hour)
	week := now.Add(-7 * 24 * time.Hour)
	notGroup := bson.M{"$ne": true}

	var snap domain.Snapshot
	g, gctx := errgroup.WithContext(ctx)

	count := func(dst *int64, coll countCollection, what string, filter bson.M) {
		g.Go(func() error {
			n, err := coll.CountDocuments(gctx, filter)
			if err != nil {
				return fmt.Errorf("count %s: %w", what, err)
			}
			*dst = n
			return nil
		})
	}

	count(&snap.TotalUsers, a.src.Users, "users", bson.M{"is_group": notGroup})
	count(&snap.ActiveUsers24h, a.src.Users, "active users 24h", bson.M{
		"is_group":      notGroup,
		"last_activity": bson.M{"$gt": day},
	})
	count(&snap.ActiveUsers7d, a.src.Users, "active users 7d", bson.M{
		"is_group":      notGroup,
		"last_activity": bson.M{"$gt": week},
	})
	newUsers := domain.UserJoinedFields.After(day)
	newUsers["is_group"] = notGroup
	count(&snap.NewUsers24h, a.src.Users, "new users 24h", newUsers)

	count(&snap.TotalGroups, a.src.Users, "groups", bson.M{"is_group": true})
	count(&snap.ActiveGroups7d, a.src.Users, "active groups 7d", bson.M{
		"is_group":      true,
		"last_activity": bson.M{"$gt": week},
	})

	count(&snap.TotalImagesGenerated, a.src.Images, "images", bson.M{})
	count(&snap.ImagesLast24h, a.src.Images, "images 24h", domain.ImageTimestampFields.After(day))

	count(&snap.TotalAIResponses, a.src.History, "ai responses", domain.AnyOf(domain.BotResponseMarkers))
	count(&snap.AIResponses24h, a.src.History, "ai responses 24h",
		domain.AnyOfSince(domain.BotResponseMarkers, domain.HistoryTimestampFields, day))
	count(&snap.VoiceMessagesProcessed, a.src.History, "voice messages", domain.AnyOf(domain.VoiceMarkers))

	g.Go(func() error {
		flags, err := a.src.Features.Load(gctx)
		if err != nil {
			return fmt.Errorf("load features: %w", err)
		}
		snap.Features = flags
		return nil
	})
	g.Go(func() error {
		counters, err := a.src.Counters.GlobalStats(gctx)
		if err != nil {
			return fmt.Errorf("read global counters: %w", err)
		}
		snap.Counters = counters
		return nil
	})
	g.Go(func() error {
		daily, err := a.src.Counters.DailyStats(gctx, dailyHistoryDays)
		if err != nil {
			return fmt.Errorf("read daily counters: %w", err)
		}
		snap.Daily = daily
		return nil
	})

	if err := g.Wait(); err != nil {
		return domain.Snapshot{}, err
	}

	return snap, nil
}
