// Package store owns the process-wide MongoDB connection pool and resolves
// logical collection names to cached handles.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_ai_bot/internal/config"
	"tg_ai_bot/internal/domain"
)

// Collection names used across the bot.
const (
	CollectionUsers           = "users"
	CollectionHistory         = "history"
	CollectionUserImages      = "user_images"
	CollectionBotStatistics   = "bot_statistics"
	CollectionUserStatistics  = "user_statistics"
	CollectionDailyStatistics = "daily_statistics"
	CollectionFeatureSettings = "feature_settings"
)

// ErrConnection marks failures to reach the document store at startup.
var ErrConnection = errors.New("mongo connection failed")

// DetailedStatsCollection returns the event series collection for a stat type.
func DetailedStatsCollection(statType domain.StatType) string {
	return "detailed_" + string(statType) + "_stats"
}

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns the pooled MongoDB client and the configured database handle.
// One Manager exists per process; it is built at startup and injected.
type Manager struct {
	client mongoClient
	db     *mongo.Database

	mu          sync.Mutex
	collections map[string]*mongo.Collection
	closed      bool
}

// ClientOptions translates the configuration into pooled client options.
func ClientOptions(cfg config.Config) *options.ClientOptions {
	pool := cfg.MongoPool
	if pool == (config.PoolConfig{}) {
		pool = config.DefaultPoolConfig()
	}

	return options.Client().
		ApplyURI(cfg.MongoURI).
		SetMaxPoolSize(pool.MaxSize).
		SetMinPoolSize(pool.MinSize).
		SetMaxConnIdleTime(pool.MaxIdle).
		SetTimeout(pool.WaitQueueTimeout)
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping. Errors wrap ErrConnection.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, ClientOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongo: %w", ErrConnection, err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: ping mongo: %w", ErrConnection, err)
	}

	return &Manager{
		client:      client,
		db:          client.Database(cfg.MongoDB),
		collections: make(map[string]*mongo.Collection),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns the cached handle for the given logical name.
func (m *Manager) Collection(name string) *mongo.Collection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if coll, ok := m.collections[name]; ok {
		return coll
	}
	coll := m.db.Collection(name)
	m.collections[name] = coll
	return coll
}

// Users returns the users collection handle; groups live here too.
func (m *Manager) Users() *mongo.Collection {
	return m.Collection(CollectionUsers)
}

// History returns the chat history collection handle.
func (m *Manager) History() *mongo.Collection {
	return m.Collection(CollectionHistory)
}

// UserImages returns the generated images collection handle.
func (m *Manager) UserImages() *mongo.Collection {
	return m.Collection(CollectionUserImages)
}

// BotStatistics returns the global counters collection handle.
func (m *Manager) BotStatistics() *mongo.Collection {
	return m.Collection(CollectionBotStatistics)
}

// UserStatistics returns the per-user counters collection handle.
func (m *Manager) UserStatistics() *mongo.Collection {
	return m.Collection(CollectionUserStatistics)
}

// DailyStatistics returns the per-day counters collection handle.
func (m *Manager) DailyStatistics() *mongo.Collection {
	return m.Collection(CollectionDailyStatistics)
}

// FeatureSettings returns the feature toggles collection handle.
func (m *Manager) FeatureSettings() *mongo.Collection {
	return m.Collection(CollectionFeatureSettings)
}

// DetailedStats returns the event series handle for a stat type.
func (m *Manager) DetailedStats(statType domain.StatType) *mongo.Collection {
	return m.Collection(DetailedStatsCollection(statType))
}

// Ping checks connectivity against the primary.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

type indexPlan struct {
	collection string
	models     []mongo.IndexModel
}

func uniqueIndex(key, name string) mongo.IndexModel {
	return mongo.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetName(name).SetUnique(true),
	}
}

func plainIndex(key string) mongo.IndexModel {
	return mongo.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetName(key + "_idx"),
	}
}

func indexPlans() []indexPlan {
	plans := []indexPlan{
		{collection: CollectionUsers, models: []mongo.IndexModel{
			uniqueIndex("user_id", "user_id_unique"),
			plainIndex("last_activity"),
		}},
		{collection: CollectionBotStatistics, models: []mongo.IndexModel{
			uniqueIndex("stats_id", "stats_id_unique"),
		}},
		{collection: CollectionUserStatistics, models: []mongo.IndexModel{
			uniqueIndex("user_id", "user_id_unique"),
			plainIndex("last_activity"),
		}},
		{collection: CollectionDailyStatistics, models: []mongo.IndexModel{
			uniqueIndex("date", "date_unique"),
		}},
	}

	for _, statType := range domain.StatTypes {
		models := []mongo.IndexModel{plainIndex("timestamp"), plainIndex("user_id")}
		if statType == domain.StatMessage || statType == domain.StatCommand {
			models = append(models, plainIndex("group_id"))
		}
		plans = append(plans, indexPlan{collection: DetailedStatsCollection(statType), models: models})
	}

	return plans
}

// EnsureIndexes creates the user and statistics indexes. Collections are
// created implicitly if they do not already exist.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	for _, plan := range indexPlans() {
		if _, err := createIndexes(ctx, m.Collection(plan.collection), plan.models); err != nil {
			return fmt.Errorf("create %s indexes: %w", plan.collection, err)
		}
	}

	return nil
}

// Close disconnects the Mongo client. Calls after the first are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	return m.client.Disconnect(ctx)
}
