package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/store"
	"tg_ai_bot/internal/store/storetest"
)

type statCall struct {
	statType domain.StatType
	userID   int64
	groupID  int64
	metadata map[string]interface{}
}

type fakeStats struct {
	mu    sync.Mutex
	calls []statCall
	err   error
}

func (f *fakeStats) Increment(_ context.Context, statType domain.StatType, userID, groupID int64, metadata map[string]interface{}) domain.RecordResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statCall{statType: statType, userID: userID, groupID: groupID, metadata: metadata})
	if f.err != nil {
		return domain.Failed(f.err)
	}
	return domain.Recorded()
}

func newTestTracker(t *testing.T, now time.Time) (*Tracker, *storetest.Collection, *fakeStats, *logtest.Hook) {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	users := storetest.New(store.CollectionUsers, "user_id")
	stats := &fakeStats{}
	tracker := NewTracker(users, stats, logrus.NewEntry(logger))
	tracker.now = func() time.Time { return now }

	return tracker, users, stats, hook
}

func userDoc(t *testing.T, users *storetest.Collection, id int64) bson.M {
	t.Helper()
	var found []bson.M
	for _, doc := range users.Docs() {
		if n, _ := domain.AsInt(doc["user_id"]); n == id {
			found = append(found, doc)
		}
	}
	if len(found) != 1 {
		t.Fatalf("expected exactly one document for %d, got %d", id, len(found))
	}
	return found[0]
}

func TestUpdateActivityUpsertsAndCounts(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker, users, _, _ := newTestTracker(t, now)
	ctx := context.Background()

	who := domain.Identity{ID: 11, Username: "alice", Name: "Alice"}
	for i := 0; i < 3; i++ {
		if res := tracker.UpdateActivity(ctx, who); !res.OK() {
			t.Fatalf("update %d failed: %v", i, res.Err)
		}
	}

	doc := userDoc(t, users, 11)
	if count, _ := domain.AsInt(doc["activity_count"]); count != 3 {
		t.Fatalf("expected activity_count 3, got %v", doc["activity_count"])
	}
	if doc["username"] != "alice" || doc["name"] != "Alice" {
		t.Fatalf("expected identity fields set, got %v", doc)
	}
	if last, ok := domain.AsTime(doc["last_activity"]); !ok || !last.Equal(now) {
		t.Fatalf("expected last_activity %v, got %v", now, doc["last_activity"])
	}
	if _, ok := doc["is_group"]; ok {
		t.Fatalf("expected is_group to be left unset for users")
	}
}

func TestUpdateActivityKeepsGroupFlag(t *testing.T) {
	tracker, users, _, _ := newTestTracker(t, time.Now())
	ctx := context.Background()

	tracker.UpdateActivity(ctx, domain.Identity{ID: -500, IsGroup: true, MemberCount: 12})
	tracker.UpdateActivity(ctx, domain.Identity{ID: -500})

	doc := userDoc(t, users, -500)
	if doc["is_group"] != true {
		t.Fatalf("expected is_group to stay set, got %v", doc["is_group"])
	}
	if n, _ := domain.AsInt(doc["member_count"]); n != 12 {
		t.Fatalf("expected member_count 12, got %v", doc["member_count"])
	}
}

func TestUpdateActivityCounterFailureKeepsLastActivity(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker, users, _, hook := newTestTracker(t, now)
	users.Seed(bson.M{"user_id": int64(3), "activity_count": 4, "last_activity": now.Add(-time.Hour)})

	failing := &secondUpdateFails{Collection: users}
	tracker.users = failing

	res := tracker.UpdateActivity(context.Background(), domain.Identity{ID: 3})
	if res.OK() {
		t.Fatalf("expected failure result")
	}

	doc := userDoc(t, users, 3)
	if last, _ := domain.AsTime(doc["last_activity"]); !last.Equal(now) {
		t.Fatalf("expected last_activity to be updated, got %v", doc["last_activity"])
	}
	if count, _ := domain.AsInt(doc["activity_count"]); count != 4 {
		t.Fatalf("expected activity_count untouched, got %v", doc["activity_count"])
	}
	if entry := hook.LastEntry(); entry == nil || entry.Data["event"] != "activity_update_failed" {
		t.Fatalf("expected activity_update_failed log, got %+v", entry)
	}
}

func TestRecordNewUserIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker, users, stats, _ := newTestTracker(t, now)
	ctx := context.Background()

	who := domain.Identity{ID: 77, Username: "bob"}
	if res := tracker.RecordNewUser(ctx, who); !res.OK() {
		t.Fatalf("first registration failed: %v", res.Err)
	}
	if res := tracker.RecordNewUser(ctx, who); !res.OK() {
		t.Fatalf("second registration failed: %v", res.Err)
	}

	doc := userDoc(t, users, 77)
	if count, _ := domain.AsInt(doc["activity_count"]); count != 2 {
		t.Fatalf("expected activity_count 2 after insert plus one update, got %v", doc["activity_count"])
	}
	created, ok := domain.AsTime(doc["created_at"])
	if !ok || !created.Equal(now) {
		t.Fatalf("expected created_at %v, got %v", now, doc["created_at"])
	}
	if joined, _ := domain.AsTime(doc["join_date"]); !joined.Equal(created) {
		t.Fatalf("expected join_date to match created_at")
	}

	if len(stats.calls) != 1 || stats.calls[0].statType != domain.StatNewUser || stats.calls[0].userID != 77 {
		t.Fatalf("expected exactly one new_user stat, got %+v", stats.calls)
	}
}

func TestRecordNewUserUpdatesLegacyRecord(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker, users, stats, _ := newTestTracker(t, now)
	users.Seed(bson.M{"user_id": int64(7), "last_activity": "2023-01-01 10:00:00", "activity_count": 4})

	if res := tracker.RecordNewUser(context.Background(), domain.Identity{ID: 7}); !res.OK() {
		t.Fatalf("expected legacy record to degrade to an activity update, got %v", res.Err)
	}

	doc := userDoc(t, users, 7)
	if count, _ := domain.AsInt(doc["activity_count"]); count != 5 {
		t.Fatalf("expected activity_count 5, got %v", doc["activity_count"])
	}
	if last, ok := domain.AsTime(doc["last_activity"]); !ok || !last.Equal(now) {
		t.Fatalf("expected last_activity to be restamped, got %v", doc["last_activity"])
	}
	if len(stats.calls) != 0 {
		t.Fatalf("expected no new_user stat for a known user, got %+v", stats.calls)
	}
}

func TestRecordNewUserFallsBackOnDuplicateInsert(t *testing.T) {
	tracker, users, stats, _ := newTestTracker(t, time.Now())
	racing := &existsHidden{Collection: users}
	tracker.users = racing
	tracker.repo = domain.NewUserRepository(racing)
	users.Seed(bson.M{"user_id": int64(5), "activity_count": 1})

	if res := tracker.RecordNewUser(context.Background(), domain.Identity{ID: 5}); !res.OK() {
		t.Fatalf("expected duplicate insert to degrade to an update, got %v", res.Err)
	}

	doc := userDoc(t, users, 5)
	if count, _ := domain.AsInt(doc["activity_count"]); count != 2 {
		t.Fatalf("expected activity update after duplicate key, got %v", doc["activity_count"])
	}
	if len(stats.calls) != 0 {
		t.Fatalf("expected no new_user stat for an existing user")
	}
}

func TestRecordMessageInGroupUpdatesBoth(t *testing.T) {
	tracker, users, stats, _ := newTestTracker(t, time.Now())

	res := tracker.RecordMessage(context.Background(),
		domain.Identity{ID: 9, Name: "Carol"},
		domain.Identity{ID: -1001, Name: "Chat"},
		42,
	)
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}

	if users.Len() != 2 {
		t.Fatalf("expected user and group documents, got %d", users.Len())
	}
	if group := userDoc(t, users, -1001); group["is_group"] != true {
		t.Fatalf("expected group flag, got %v", group)
	}

	if len(stats.calls) != 1 {
		t.Fatalf("expected one stat call, got %d", len(stats.calls))
	}
	call := stats.calls[0]
	if call.statType != domain.StatMessage || call.userID != 9 || call.groupID != -1001 {
		t.Fatalf("unexpected stat call %+v", call)
	}
	if call.metadata["text_length"] != 42 || call.metadata["group_id"] != int64(-1001) {
		t.Fatalf("unexpected metadata %v", call.metadata)
	}
}

func TestRecordHelpersPassMetadata(t *testing.T) {
	tests := []struct {
		name     string
		run      func(*Tracker) domain.RecordResult
		statType domain.StatType
		key      string
		value    interface{}
	}{
		{
			name: "command",
			run: func(tr *Tracker) domain.RecordResult {
				return tr.RecordCommand(context.Background(), domain.Identity{ID: 1}, domain.Identity{}, "admin")
			},
			statType: domain.StatCommand,
			key:      "command",
			value:    "admin",
		},
		{
			name: "image",
			run: func(tr *Tracker) domain.RecordResult {
				return tr.RecordImageGeneration(context.Background(), domain.Identity{ID: 1}, "a cat")
			},
			statType: domain.StatImage,
			key:      "prompt",
			value:    "a cat",
		},
		{
			name: "voice",
			run: func(tr *Tracker) domain.RecordResult {
				return tr.RecordVoiceMessage(context.Background(), domain.Identity{ID: 1}, 7*time.Second)
			},
			statType: domain.StatVoice,
			key:      "duration",
			value:    7,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tracker, _, stats, _ := newTestTracker(t, time.Now())

			if res := tt.run(tracker); !res.OK() {
				t.Fatalf("expected success, got %v", res.Err)
			}
			if len(stats.calls) != 1 || stats.calls[0].statType != tt.statType {
				t.Fatalf("expected one %s stat, got %+v", tt.statType, stats.calls)
			}
			if got := stats.calls[0].metadata[tt.key]; got != tt.value {
				t.Fatalf("expected %s=%v, got %v", tt.key, tt.value, got)
			}
		})
	}
}

func TestRecordMessageSwallowsFailures(t *testing.T) {
	tracker, users, stats, hook := newTestTracker(t, time.Now())
	users.FailOn(storetest.OpUpdateOne, errors.New("mongo down"))

	res := tracker.RecordMessage(context.Background(), domain.Identity{ID: 4}, domain.Identity{}, 3)
	if res.OK() {
		t.Fatalf("expected failure to be reported")
	}
	if len(stats.calls) != 1 {
		t.Fatalf("expected the stat to be attempted after an activity failure")
	}
	if len(hook.AllEntries()) == 0 {
		t.Fatalf("expected the failure to be logged")
	}
}

func TestRecordGroupJoinRegistersGroup(t *testing.T) {
	tracker, users, stats, _ := newTestTracker(t, time.Now())

	res := tracker.RecordGroupJoin(context.Background(), domain.Identity{ID: -42, Name: "Fans", MemberCount: 30}, 8)
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}

	doc := userDoc(t, users, -42)
	if doc["is_group"] != true || doc["name"] != "Fans" {
		t.Fatalf("unexpected group document %v", doc)
	}
	if len(stats.calls) != 1 || stats.calls[0].statType != domain.StatGroup || stats.calls[0].groupID != -42 {
		t.Fatalf("expected a group stat, got %+v", stats.calls)
	}
}

// secondUpdateFails lets the first UpdateOne through and fails the rest.
type secondUpdateFails struct {
	*storetest.Collection
	updates int
}

func (s *secondUpdateFails) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	s.updates++
	if s.updates > 1 {
		return nil, errors.New("increment failed")
	}
	return s.Collection.UpdateOne(ctx, filter, update, opts...)
}

// existsHidden reports every user as missing to simulate a concurrent insert.
type existsHidden struct {
	*storetest.Collection
}

func (e *existsHidden) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
}
