// Package userlist serves paginated, filtered views over the users
// collection for the admin user manager.
package userlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/logging"
)

const (
	// PageSize is the number of rows shown per user manager page.
	PageSize = 10

	pageCacheCapacity = 256
	day               = 24 * time.Hour
)

type userCollection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// Service lists and counts users. Query failures are logged and degrade to
// empty pages and zero counts.
type Service struct {
	users  userCollection
	logger *logrus.Entry
	cache  *otter.Cache[string, []domain.UserView]

	now func() time.Time
}

// NewService constructs a Service. Pages are cached for ttl; zero disables
// caching.
func NewService(users userCollection, ttl time.Duration, logger *logrus.Entry) (*Service, error) {
	if logger == nil {
		logger = logging.Logger()
	}

	s := &Service{
		users:  users,
		logger: logger,
		now:    time.Now,
	}

	if ttl > 0 {
		cache, err := otter.MustBuilder[string, []domain.UserView](pageCacheCapacity).WithTTL(ttl).Build()
		if err != nil {
			return nil, fmt.Errorf("build user page cache: %w", err)
		}
		s.cache = &cache
	}

	return s, nil
}

// List returns up to limit users matching filter, skipping offset rows. A
// page that comes back exactly full suggests, without guaranteeing, that
// another page exists.
func (s *Service) List(ctx context.Context, limit, offset int, filter domain.UserFilter) []domain.UserView {
	filter = domain.ParseUserFilter(string(filter))
	key := fmt.Sprintf("%s_%d_%d", filter, offset, limit)

	if s != nil && s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return append([]domain.UserView(nil), cached...)
		}
	}

	views, err := s.list(ctx, limit, offset, filter)
	if err != nil {
		if s != nil && s.logger != nil {
			s.logger.WithFields(logging.Fields{
				"event":  "user_list_failed",
				"filter": string(filter),
				"offset": offset,
			}).WithError(err).Error("failed to list users")
		}
		return []domain.UserView{}
	}

	if s.cache != nil {
		s.cache.Set(key, append([]domain.UserView(nil), views...))
	}
	return views
}

func (s *Service) list(ctx context.Context, limit, offset int, filter domain.UserFilter) ([]domain.UserView, error) {
	if s == nil || s.users == nil {
		return nil, errors.New("user list service is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		offset = 0
	}

	now := s.now().UTC()
	query, sortBy := listQuery(filter, now)

	cursor, err := s.users.Find(ctx, query, options.Find().
		SetSort(sortBy).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	views := make([]domain.UserView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, toView(doc, now))
	}
	return views, nil
}

func listQuery(filter domain.UserFilter, now time.Time) (bson.M, bson.D) {
	notGroup := bson.M{"$ne": true}
	byLastActivity := bson.D{{Key: "last_activity", Value: -1}}

	switch filter {
	case domain.FilterAll:
		return bson.M{"is_group": notGroup}, byLastActivity
	case domain.FilterActive:
		return bson.M{
			"is_group":      notGroup,
			"last_activity": bson.M{"$gt": now.Add(-7 * day)},
		}, bson.D{
			{Key: "activity_count", Value: -1},
			{Key: "last_activity", Value: -1},
		}
	case domain.FilterNew:
		query := domain.UserJoinedFields.After(now.Add(-30 * day))
		query["is_group"] = notGroup
		return query, bson.D{
			{Key: "created_at", Value: -1},
			{Key: "join_date", Value: -1},
		}
	case domain.FilterInactive:
		return bson.M{
			"is_group":      notGroup,
			"last_activity": bson.M{"$lt": now.Add(-60 * day)},
		}, byLastActivity
	case domain.FilterGroups:
		return bson.M{"is_group": true}, bson.D{
			{Key: "member_count", Value: -1},
			{Key: "last_activity", Value: -1},
		}
	default:
		return bson.M{
			"is_group":      notGroup,
			"last_activity": bson.M{"$gt": now.Add(-30 * day)},
		}, byLastActivity
	}
}

func toView(doc bson.M, now time.Time) domain.UserView {
	view := domain.UserView{UserType: domain.UserTypeRegular}

	view.UserID, _ = domain.AsInt(doc["user_id"])
	view.Username, _ = doc["username"].(string)
	view.Name, _ = doc["name"].(string)
	view.IsGroup, _ = domain.AsBool(doc["is_group"])
	if view.IsGroup {
		view.UserType = domain.UserTypeGroup
	}
	view.ActivityCount, _ = domain.UserActivityCountFields.ResolveInt(doc)
	view.MemberCount, _ = domain.AsInt(doc["member_count"])
	view.CreatedAt, _ = domain.UserJoinedFields.ResolveTime(doc)

	if last, ok := domain.AsTime(doc["last_activity"]); ok {
		view.LastActivity = last
		view.KnownActivity = true
		if delta := now.Sub(last); delta > 0 {
			view.DaysSinceActivity = int(delta / day)
		}
	}

	return view
}

// Count returns the number of users matching a named count filter. Unknown
// names count every non-group user.
func (s *Service) Count(ctx context.Context, filter domain.CountFilter) int64 {
	n, err := s.count(ctx, filter)
	if err != nil {
		if s != nil && s.logger != nil {
			s.logger.WithFields(logging.Fields{
				"event":  "user_count_failed",
				"filter": string(filter),
			}).WithError(err).Error("failed to count users")
		}
		return 0
	}
	return n
}

func (s *Service) count(ctx context.Context, filter domain.CountFilter) (int64, error) {
	if s == nil || s.users == nil {
		return 0, errors.New("user list service is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	n, err := s.users.CountDocuments(ctx, countQuery(filter, s.now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func countQuery(filter domain.CountFilter, now time.Time) bson.M {
	notGroup := bson.M{"$ne": true}

	switch filter {
	case domain.CountActive24h:
		return bson.M{"is_group": notGroup, "last_activity": bson.M{"$gt": now.Add(-day)}}
	case domain.CountActive7d:
		return bson.M{"is_group": notGroup, "last_activity": bson.M{"$gt": now.Add(-7 * day)}}
	case domain.CountNew24h:
		query := domain.UserJoinedFields.After(now.Add(-day))
		query["is_group"] = notGroup
		return query
	case domain.CountInactive:
		return bson.M{"is_group": notGroup, "last_activity": bson.M{"$lt": now.Add(-60 * day)}}
	case domain.CountGroups:
		return bson.M{"is_group": true}
	default:
		return bson.M{"is_group": notGroup}
	}
}

// Invalidate drops every cached page.
func (s *Service) Invalidate() {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.Clear()
}
