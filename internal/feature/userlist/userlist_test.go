package userlist

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/store"
	"tg_ai_bot/internal/store/storetest"
)

var testNow = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) time.Time {
	return testNow.Add(-d)
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *storetest.Collection, *logtest.Hook) {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	users := storetest.New(store.CollectionUsers, "")
	svc, err := NewService(users, ttl, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	svc.now = func() time.Time { return testNow }

	return svc, users, hook
}

func seedPopulation(users *storetest.Collection) {
	users.Seed(
		bson.M{"user_id": int64(1), "name": "Recent", "last_activity": ago(2 * time.Hour), "activity_count": 5, "created_at": ago(100 * day)},
		bson.M{"user_id": int64(2), "name": "Busy", "last_activity": ago(3 * day), "activity_count": 50, "created_at": ago(10 * day)},
		bson.M{"user_id": int64(3), "name": "Tied", "last_activity": ago(time.Hour), "activity_count": 50, "join_date": ago(5 * day)},
		bson.M{"user_id": int64(4), "name": "Dormant", "last_activity": ago(90 * day), "message_count": 7},
		bson.M{"user_id": int64(5), "name": "Month", "last_activity": ago(20 * day), "activity_count": 2},
		bson.M{"user_id": int64(-10), "name": "Small", "is_group": true, "member_count": 5, "last_activity": ago(time.Hour)},
		bson.M{"user_id": int64(-20), "name": "Big", "is_group": true, "member_count": 500, "last_activity": ago(40 * day)},
	)
}

func ids(views []domain.UserView) []int64 {
	out := make([]int64, 0, len(views))
	for _, v := range views {
		out = append(out, v.UserID)
	}
	return out
}

func TestListFiltersAndSorts(t *testing.T) {
	tests := []struct {
		filter domain.UserFilter
		want   []int64
	}{
		{domain.FilterAll, []int64{3, 1, 2, 5, 4}},
		{domain.FilterRecent, []int64{3, 1, 2, 5}},
		{domain.FilterActive, []int64{3, 2, 1}},
		{domain.FilterNew, []int64{2, 3}},
		{domain.FilterInactive, []int64{4}},
		{domain.FilterGroups, []int64{-20, -10}},
		{domain.UserFilter("bogus"), []int64{3, 1, 2, 5}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.filter), func(t *testing.T) {
			svc, users, _ := newTestService(t, 0)
			seedPopulation(users)

			got := ids(svc.List(context.Background(), PageSize, 0, tt.filter))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("filter %s: expected %v, got %v", tt.filter, tt.want, got)
			}
		})
	}
}

func TestListActiveBreaksTiesByLastActivity(t *testing.T) {
	svc, users, _ := newTestService(t, 0)
	users.Seed(
		bson.M{"user_id": int64(1), "activity_count": 10, "last_activity": ago(3 * time.Hour)},
		bson.M{"user_id": int64(2), "activity_count": 10, "last_activity": ago(time.Hour)},
		bson.M{"user_id": int64(3), "activity_count": 20, "last_activity": ago(5 * day)},
		bson.M{"user_id": int64(4), "activity_count": 1, "last_activity": ago(time.Minute)},
	)

	views := svc.List(context.Background(), PageSize, 0, domain.FilterActive)
	if got := ids(views); !reflect.DeepEqual(got, []int64{3, 2, 1, 4}) {
		t.Fatalf("unexpected order %v", got)
	}
	for i := 1; i < len(views); i++ {
		prev, cur := views[i-1], views[i]
		if prev.ActivityCount < cur.ActivityCount {
			t.Fatalf("activity_count not descending at %d", i)
		}
		if prev.ActivityCount == cur.ActivityCount && prev.LastActivity.Before(cur.LastActivity) {
			t.Fatalf("tie not broken by last_activity at %d", i)
		}
	}
}

func TestListEnrichesViews(t *testing.T) {
	svc, users, _ := newTestService(t, 0)
	users.Seed(
		bson.M{"user_id": int64(4), "username": "old", "last_activity": ago(90*day + time.Hour), "message_count": 7},
		bson.M{"user_id": int64(-1), "is_group": true, "member_count": 12, "last_activity": ago(time.Hour)},
		bson.M{"user_id": int64(8), "last_activity": "yesterday", "activity_count": 3},
	)

	all := svc.List(context.Background(), PageSize, 0, domain.FilterAll)
	byID := map[int64]domain.UserView{}
	for _, v := range all {
		byID[v.UserID] = v
	}

	legacy := byID[4]
	if legacy.ActivityCount != 7 {
		t.Fatalf("expected message_count fallback, got %d", legacy.ActivityCount)
	}
	if !legacy.KnownActivity || legacy.DaysSinceActivity != 90 {
		t.Fatalf("expected 90 days since activity, got %d known=%v", legacy.DaysSinceActivity, legacy.KnownActivity)
	}
	if legacy.UserType != domain.UserTypeRegular || legacy.Username != "old" {
		t.Fatalf("unexpected view %+v", legacy)
	}

	broken := byID[8]
	if broken.KnownActivity {
		t.Fatalf("expected non-timestamp last_activity to be unknown, got %+v", broken)
	}

	groups := svc.List(context.Background(), PageSize, 0, domain.FilterGroups)
	if len(groups) != 1 || groups[0].UserType != domain.UserTypeGroup || groups[0].MemberCount != 12 {
		t.Fatalf("unexpected group view %+v", groups)
	}
}

func TestListPaginates(t *testing.T) {
	svc, users, _ := newTestService(t, 0)
	for i := 1; i <= 12; i++ {
		users.Seed(bson.M{"user_id": int64(i), "last_activity": ago(time.Duration(i) * time.Minute)})
	}

	first := svc.List(context.Background(), 5, 0, domain.FilterAll)
	third := svc.List(context.Background(), 5, 10, domain.FilterAll)

	if got := ids(first); !reflect.DeepEqual(got, []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected first page %v", got)
	}
	if got := ids(third); !reflect.DeepEqual(got, []int64{11, 12}) {
		t.Fatalf("unexpected last page %v", got)
	}
}

func TestListCachesPagesUntilInvalidated(t *testing.T) {
	svc, users, _ := newTestService(t, time.Minute)
	users.Seed(bson.M{"user_id": int64(1), "last_activity": ago(time.Hour)})
	ctx := context.Background()

	svc.List(ctx, PageSize, 0, domain.FilterRecent)
	users.Seed(bson.M{"user_id": int64(2), "last_activity": ago(time.Minute)})

	if got := svc.List(ctx, PageSize, 0, domain.FilterRecent); len(got) != 1 {
		t.Fatalf("expected cached page, got %v", ids(got))
	}
	if users.Calls(storetest.OpFind) != 1 {
		t.Fatalf("expected one query, got %d", users.Calls(storetest.OpFind))
	}

	if got := svc.List(ctx, PageSize, 0, domain.FilterAll); len(got) != 2 {
		t.Fatalf("expected distinct filters to use distinct cache keys, got %v", ids(got))
	}

	svc.Invalidate()
	if got := svc.List(ctx, PageSize, 0, domain.FilterRecent); len(got) != 2 {
		t.Fatalf("expected fresh page after invalidate, got %v", ids(got))
	}
}

func TestListCachedPageIsNotShared(t *testing.T) {
	svc, users, _ := newTestService(t, time.Minute)
	users.Seed(bson.M{"user_id": int64(1), "name": "Original", "last_activity": ago(time.Hour)})
	ctx := context.Background()

	first := svc.List(ctx, PageSize, 0, domain.FilterRecent)
	if len(first) != 1 {
		t.Fatalf("expected one row, got %v", ids(first))
	}
	first[0].Name = "Mutated"

	second := svc.List(ctx, PageSize, 0, domain.FilterRecent)
	if users.Calls(storetest.OpFind) != 1 {
		t.Fatalf("expected the second page to come from cache")
	}
	if second[0].Name != "Original" {
		t.Fatalf("expected cached row to be unaffected, got %q", second[0].Name)
	}
	second[0].Name = "Again"

	if third := svc.List(ctx, PageSize, 0, domain.FilterRecent); third[0].Name != "Original" {
		t.Fatalf("expected cached row to be unaffected, got %q", third[0].Name)
	}
}

func TestListFailureReturnsEmpty(t *testing.T) {
	svc, users, hook := newTestService(t, time.Minute)
	users.FailOn(storetest.OpFind, errors.New("mongo down"))

	got := svc.List(context.Background(), PageSize, 0, domain.FilterAll)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected an empty page, got %v", got)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "user_list_failed" {
		t.Fatalf("expected user_list_failed log, got %+v", entry)
	}

	users.FailOn(storetest.OpFind, nil)
	users.Seed(bson.M{"user_id": int64(1), "last_activity": ago(time.Hour)})
	if got := svc.List(context.Background(), PageSize, 0, domain.FilterAll); len(got) != 1 {
		t.Fatalf("expected failures not to be cached, got %v", ids(got))
	}
}

func TestCountFilters(t *testing.T) {
	svc, users, _ := newTestService(t, 0)
	seedPopulation(users)
	users.Seed(bson.M{"user_id": int64(6), "last_activity": ago(time.Hour), "created_at": ago(3 * time.Hour)})

	tests := []struct {
		filter domain.CountFilter
		want   int64
	}{
		{domain.CountAll, 6},
		{domain.CountActive24h, 3},
		{domain.CountActive7d, 4},
		{domain.CountNew24h, 1},
		{domain.CountInactive, 1},
		{domain.CountGroups, 2},
		{domain.CountFilter("unknown"), 6},
	}

	for _, tt := range tests {
		if got := svc.Count(context.Background(), tt.filter); got != tt.want {
			t.Fatalf("count %s: expected %d, got %d", tt.filter, tt.want, got)
		}
	}
}

func TestCountFailureReturnsZero(t *testing.T) {
	svc, users, hook := newTestService(t, 0)
	seedPopulation(users)
	users.FailOn(storetest.OpCountDocuments, errors.New("timeout"))

	if got := svc.Count(context.Background(), domain.CountAll); got != 0 {
		t.Fatalf("expected zero on failure, got %d", got)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Data["event"] != "user_count_failed" {
		t.Fatalf("expected user_count_failed log, got %+v", entry)
	}
}

func TestServiceGuards(t *testing.T) {
	var svc *Service
	if got := svc.List(context.Background(), PageSize, 0, domain.FilterAll); len(got) != 0 {
		t.Fatalf("expected empty list from nil service")
	}
	if got := svc.Count(context.Background(), domain.CountAll); got != 0 {
		t.Fatalf("expected zero from nil service")
	}
	svc.Invalidate()
}
