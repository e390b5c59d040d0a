package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"tg_ai_bot/internal/config"
	"tg_ai_bot/internal/domain"
)

func TestNewManagerConnectsAndExposesCollections(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	cfg := config.Config{
		MongoURI: "mongodb://stub-host:27017",
		MongoDB:  "aibotdb_test",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	manager, err := NewManager(ctx, cfg)
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if manager.Database().Name() != cfg.MongoDB {
		t.Fatalf("expected database %s, got %s", cfg.MongoDB, manager.Database().Name())
	}

	if len(fake.databaseRequests) != 1 || fake.databaseRequests[0] != cfg.MongoDB {
		t.Fatalf("expected database request for %s, got %v", cfg.MongoDB, fake.databaseRequests)
	}

	named := map[string]*mongo.Collection{
		CollectionUsers:           manager.Users(),
		CollectionHistory:         manager.History(),
		CollectionUserImages:      manager.UserImages(),
		CollectionBotStatistics:   manager.BotStatistics(),
		CollectionUserStatistics:  manager.UserStatistics(),
		CollectionDailyStatistics: manager.DailyStatistics(),
		CollectionFeatureSettings: manager.FeatureSettings(),
		"detailed_voice_stats":    manager.DetailedStats(domain.StatVoice),
	}
	for want, coll := range named {
		if coll.Name() != want {
			t.Fatalf("expected collection name %s, got %s", want, coll.Name())
		}
	}

	if err := manager.Close(ctx); err != nil {
		t.Fatalf("expected clean disconnect, got %v", err)
	}

	if fake.disconnectCalls != 1 {
		t.Fatalf("expected disconnect to be called once, got %d", fake.disconnectCalls)
	}
}

func TestManagerCachesCollectionHandles(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	first := manager.Collection("custom")
	second := manager.Collection("custom")
	if first != second {
		t.Fatalf("expected the same handle for repeated lookups")
	}
	if manager.Users() != manager.Collection(CollectionUsers) {
		t.Fatalf("expected users accessor to share the cached handle")
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := manager.Close(context.Background()); err != nil {
			t.Fatalf("close %d returned error: %v", i, err)
		}
	}

	if fake.disconnectCalls != 1 {
		t.Fatalf("expected a single disconnect, got %d", fake.disconnectCalls)
	}

	var nilManager *Manager
	if err := nilManager.Close(context.Background()); err != nil {
		t.Fatalf("expected nil manager close to be a no-op, got %v", err)
	}
}

func TestClientOptionsApplyPoolSettings(t *testing.T) {
	cfg := config.Config{
		MongoURI: "mongodb://stub",
		MongoPool: config.PoolConfig{
			MaxSize:          20,
			MinSize:          5,
			MaxIdle:          30 * time.Second,
			WaitQueueTimeout: 5 * time.Second,
		},
	}

	opts := ClientOptions(cfg)

	if opts.MaxPoolSize == nil || *opts.MaxPoolSize != 20 {
		t.Fatalf("expected max pool size 20, got %v", opts.MaxPoolSize)
	}
	if opts.MinPoolSize == nil || *opts.MinPoolSize != 5 {
		t.Fatalf("expected min pool size 5, got %v", opts.MinPoolSize)
	}
	if opts.MaxConnIdleTime == nil || *opts.MaxConnIdleTime != 30*time.Second {
		t.Fatalf("expected idle time 30s, got %v", opts.MaxConnIdleTime)
	}
	if opts.Timeout == nil || *opts.Timeout != 5*time.Second {
		t.Fatalf("expected wait timeout 5s, got %v", opts.Timeout)
	}
}

func TestClientOptionsFallBackToDefaultPool(t *testing.T) {
	opts := ClientOptions(config.Config{MongoURI: "mongodb://stub"})

	def := config.DefaultPoolConfig()
	if opts.MaxPoolSize == nil || *opts.MaxPoolSize != def.MaxSize {
		t.Fatalf("expected default max pool size %d, got %v", def.MaxSize, opts.MaxPoolSize)
	}
	if opts.MinPoolSize == nil || *opts.MinPoolSize != def.MinSize {
		t.Fatalf("expected default min pool size %d, got %v", def.MinSize, opts.MinPoolSize)
	}
}

func TestNewManagerFailsOnPingAndCleansUp(t *testing.T) {
	fake := newFakeMongoClient(t)
	fake.pingErr = errors.New("ping failed")

	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewManager(ctx, config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err == nil {
		t.Fatalf("expected ping error")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if !errors.Is(err, fake.pingErr) {
		t.Fatalf("expected ping cause to be wrapped, got %v", err)
	}

	if fake.disconnectCalls != 1 {
		t.Fatalf("expected disconnect after ping failure")
	}
}

func TestNewManagerPropagatesConnectError(t *testing.T) {
	restore := stubConnect(nil, errors.New("connect failed"))
	t.Cleanup(restore)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewManager(ctx, config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestNewManagerValidatesContext(t *testing.T) {
	_, err := NewManager(nil, config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestManagerCloseRequiresContext(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.Close(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestManagerPingChecksConnectivity(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := manager.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed, got error: %v", err)
	}

	if fake.pingCalls < 2 {
		t.Fatalf("expected ping to be invoked at least twice (init + explicit), got %d", fake.pingCalls)
	}
	if fake.lastReadPref != "primary" {
		t.Fatalf("expected ping to use primary read preference, got %q", fake.lastReadPref)
	}
}

func TestManagerPingPropagatesErrors(t *testing.T) {
	fake := newFakeMongoClient(t)
	restore := stubConnect(fake, nil)
	t.Cleanup(restore)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	errPing := errors.New("ping failed")
	fake.pingErr = errPing

	if err := manager.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail")
	} else if !errors.Is(err, errPing) {
		t.Fatalf("expected ping error to wrap ping failed, got %v", err)
	}
}

func TestEnsureIndexesCoversStatisticsCollections(t *testing.T) {
	fake := newFakeMongoClient(t)
	restoreConnect := stubConnect(fake, nil)
	t.Cleanup(restoreConnect)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	recorder := newIndexRecorder(t, "")
	restoreIndexes := recorder.stub()
	t.Cleanup(restoreIndexes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := manager.EnsureIndexes(ctx); err != nil {
		t.Fatalf("expected indexes to be created, got error: %v", err)
	}

	wantCalls := 4 + len(domain.StatTypes)
	if len(recorder.calls) != wantCalls {
		t.Fatalf("expected %d index creation calls, got %d", wantCalls, len(recorder.calls))
	}

	byCollection := make(map[string][]mongo.IndexModel, len(recorder.calls))
	for _, call := range recorder.calls {
		byCollection[call.collection] = call.models
	}

	assertUniqueIndex(t, byCollection[CollectionUsers], "user_id", "user_id_unique")
	assertUniqueIndex(t, byCollection[CollectionBotStatistics], "stats_id", "stats_id_unique")
	assertUniqueIndex(t, byCollection[CollectionUserStatistics], "user_id", "user_id_unique")
	assertUniqueIndex(t, byCollection[CollectionDailyStatistics], "date", "date_unique")

	messages := byCollection[DetailedStatsCollection(domain.StatMessage)]
	if len(messages) != 3 {
		t.Fatalf("expected timestamp, user_id and group_id indexes on message events, got %d", len(messages))
	}
	images := byCollection[DetailedStatsCollection(domain.StatImage)]
	if len(images) != 2 {
		t.Fatalf("expected timestamp and user_id indexes on image events, got %d", len(images))
	}
}

func TestEnsureIndexesFailsFastOnErrors(t *testing.T) {
	fake := newFakeMongoClient(t)
	restoreConnect := stubConnect(fake, nil)
	t.Cleanup(restoreConnect)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	recorder := newIndexRecorder(t, CollectionUsers)
	restoreIndexes := recorder.stub()
	t.Cleanup(restoreIndexes)

	err = manager.EnsureIndexes(context.Background())
	if err == nil {
		t.Fatalf("expected error from index creation")
	}
	if len(recorder.calls) != 1 {
		t.Fatalf("expected to stop after first failure, got %d calls", len(recorder.calls))
	}
	if !errors.Is(err, errIndexFailure) {
		t.Fatalf("expected error to wrap index failure, got %v", err)
	}
}

func TestEnsureIndexesValidatesContext(t *testing.T) {
	fake := newFakeMongoClient(t)
	restoreConnect := stubConnect(fake, nil)
	t.Cleanup(restoreConnect)

	manager, err := NewManager(context.Background(), config.Config{MongoURI: "mongodb://stub", MongoDB: "aibotdb_test"})
	if err != nil {
		t.Fatalf("expected manager to initialize, got error: %v", err)
	}

	if err := manager.EnsureIndexes(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

type fakeMongoClient struct {
	client           *mongo.Client
	pingErr          error
	disconnectErr    error
	disconnectCalls  int
	databaseRequests []string
	pingCalls        int
	lastReadPref     string
}

func newFakeMongoClient(t *testing.T) *fakeMongoClient {
	t.Helper()

	client, err := mongo.NewClient(options.Client().ApplyURI("mongodb://example.com:27017"))
	if err != nil {
		t.Fatalf("failed to build fake client: %v", err)
	}

	return &fakeMongoClient{client: client}
}

func (f *fakeMongoClient) Ping(_ context.Context, rp *readpref.ReadPref) error {
	f.pingCalls++
	if rp != nil {
		f.lastReadPref = rp.String()
	}
	return f.pingErr
}

func (f *fakeMongoClient) Database(name string, opts ...*options.DatabaseOptions) *mongo.Database {
	f.databaseRequests = append(f.databaseRequests, name)
	return f.client.Database(name, opts...)
}

func (f *fakeMongoClient) Disconnect(context.Context) error {
	f.disconnectCalls++
	return f.disconnectErr
}

func stubConnect(fake *fakeMongoClient, err error) func() {
	prev := connectMongo
	connectMongo = func(context.Context, *options.ClientOptions) (mongoClient, error) {
		if err != nil {
			return nil, err
		}
		return fake, nil
	}

	return func() {
		connectMongo = prev
	}
}

var errIndexFailure = errors.New("index failure")

type indexCall struct {
	collection string
	models     []mongo.IndexModel
}

type indexRecorder struct {
	t               *testing.T
	calls           []indexCall
	errorCollection string
}

func newIndexRecorder(t *testing.T, errorCollection string) *indexRecorder {
	t.Helper()
	return &indexRecorder{t: t, errorCollection: errorCollection}
}

func (r *indexRecorder) stub() func() {
	prev := createIndexes
	createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
		r.calls = append(r.calls, indexCall{collection: coll.Name(), models: models})
		if r.errorCollection == coll.Name() {
			return nil, errIndexFailure
		}
		return []string{coll.Name() + "_idx"}, nil
	}

	return func() {
		createIndexes = prev
	}
}

// assertUniqueIndex checks that the first model is a single-key unique index.
func assertUniqueIndex(t *testing.T, models []mongo.IndexModel, key, name string) {
	t.Helper()

	if len(models) == 0 {
		t.Fatalf("expected index models for %s", key)
	}

	keysDoc, ok := models[0].Keys.(bson.D)
	if !ok {
		t.Fatalf("expected bson.D keys, got %T", models[0].Keys)
	}

	if len(keysDoc) != 1 || keysDoc[0].Key != key {
		t.Fatalf("expected index key %s, got %v", key, keysDoc)
	}

	if models[0].Options == nil || models[0].Options.Unique == nil || !*models[0].Options.Unique {
		t.Fatalf("expected unique option for %s", key)
	}

	if models[0].Options.Name == nil || *models[0].Options.Name != name {
		t.Fatalf("expected index name %s, got %v", name, models[0].Options.Name)
	}
}
