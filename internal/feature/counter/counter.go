// Package counter records per-event statistics into the global, per-user,
// daily and detailed event collections.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/logging"
)

const (
	globalStatsID = "global"
	dateLayout    = "2006-01-02"
)

// Collection is the subset of collection behavior the counter relies on.
type Collection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// Collections groups the stores the counter writes to. Detailed resolves the
// event series for a stat type.
type Collections struct {
	Global   Collection
	PerUser  Collection
	Daily    Collection
	Detailed func(domain.StatType) Collection
}

// Counter increments statistics. Writes are best effort: the four writes of an
// increment are independent and a failure leaves earlier ones applied.
type Counter struct {
	colls  Collections
	logger *logrus.Entry

	now      func() time.Time
	location *time.Location
}

// New constructs a Counter over the provided collections.
func New(colls Collections, logger *logrus.Entry) *Counter {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Counter{
		colls:    colls,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
}

// Increment records one event of statType. userID and groupID are optional
// (zero means absent). metadata is copied into the detailed event record.
func (c *Counter) Increment(ctx context.Context, statType domain.StatType, userID, groupID int64, metadata map[string]interface{}) domain.RecordResult {
	err := c.increment(ctx, statType, userID, groupID, metadata)
	if err == nil {
		return domain.Recorded()
	}

	if c != nil && c.logger != nil {
		logging.WithContext(c.logger, logging.Context{
			UserID:   userID,
			GroupID:  groupID,
			StatType: string(statType),
			Event:    "stat_record_failed",
		}).WithError(err).Error("failed to record statistic")
	}

	return domain.Failed(err)
}

func (c *Counter) increment(ctx context.Context, statType domain.StatType, userID, groupID int64, metadata map[string]interface{}) error {
	if c == nil || c.colls.Global == nil || c.colls.PerUser == nil || c.colls.Daily == nil || c.colls.Detailed == nil {
		return errors.New("stats counter is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	statType, err := domain.ParseStatType(string(statType))
	if err != nil {
		return err
	}

	now := c.now().In(c.location).Truncate(time.Millisecond)
	counters := bson.M{
		statType.TotalField():       1,
		domain.TotalOperationsField: 1,
	}
	upsert := options.Update().SetUpsert(true)

	if _, err := c.colls.Global.UpdateOne(ctx,
		bson.M{"stats_id": globalStatsID},
		bson.M{"$inc": counters},
		upsert,
	); err != nil {
		return fmt.Errorf("update global stats: %w", err)
	}

	if userID != 0 {
		set := bson.M{"last_activity": now}
		if statType == domain.StatNewUser {
			set["created_at"] = now
		}
		if _, err := c.colls.PerUser.UpdateOne(ctx,
			bson.M{"user_id": userID},
			bson.M{"$inc": counters, "$set": set},
			upsert,
		); err != nil {
			return fmt.Errorf("update user stats: %w", err)
		}
	}

	if _, err := c.colls.Daily.UpdateOne(ctx,
		bson.M{"date": now.Format(dateLayout)},
		bson.M{"$inc": bson.M{
			statType.DailyField():       1,
			domain.TotalOperationsField: 1,
		}},
		upsert,
	); err != nil {
		return fmt.Errorf("update daily stats: %w", err)
	}

	detailed := c.colls.Detailed(statType)
	if detailed == nil {
		return fmt.Errorf("no event collection for %s", statType)
	}
	if _, err := detailed.InsertOne(ctx, eventRecord(now, statType, userID, groupID, metadata)); err != nil {
		return fmt.Errorf("insert %s event: %w", statType, err)
	}

	return nil
}

func eventRecord(now time.Time, statType domain.StatType, userID, groupID int64, metadata map[string]interface{}) bson.M {
	record := make(bson.M, len(metadata)+5)
	for key, value := range metadata {
		record[key] = value
	}
	record["event_id"] = uuid.NewString()
	record["timestamp"] = now
	record["stat_type"] = string(statType)
	if userID != 0 {
		record["user_id"] = userID
	}
	if groupID != 0 {
		record["group_id"] = groupID
	}
	return record
}

// GlobalStats returns the global counters, all zero when nothing was recorded.
func (c *Counter) GlobalStats(ctx context.Context) (domain.Counters, error) {
	if c == nil || c.colls.Global == nil {
		return domain.Counters{}, errors.New("stats counter is not initialized")
	}
	if ctx == nil {
		return domain.Counters{}, errors.New("context is required")
	}

	var doc bson.M
	err := c.colls.Global.FindOne(ctx, bson.M{"stats_id": globalStatsID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.CountersFromDoc(bson.M{}, domain.StatType.TotalField), nil
	}
	if err != nil {
		return domain.Counters{}, fmt.Errorf("find global stats: %w", err)
	}

	return domain.CountersFromDoc(doc, domain.StatType.TotalField), nil
}

// DailyStats returns daily counters for the last days calendar days, today
// included, oldest first.
func (c *Counter) DailyStats(ctx context.Context, days int) ([]domain.DailyStats, error) {
	if c == nil || c.colls.Daily == nil {
		return nil, errors.New("stats counter is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if days <= 0 {
		return nil, nil
	}

	start := c.now().In(c.location).AddDate(0, 0, 1-days).Format(dateLayout)
	cursor, err := c.colls.Daily.Find(ctx,
		bson.M{"date": bson.M{"$gte": start}},
		options.Find().SetSort(bson.D{{Key: "date", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find daily stats: %w", err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode daily stats: %w", err)
	}

	out := make([]domain.DailyStats, 0, len(docs))
	for _, doc := range docs {
		date, _ := doc["date"].(string)
		out = append(out, domain.DailyStats{
			Date:     date,
			Counters: domain.CountersFromDoc(doc, domain.StatType.DailyField),
		})
	}

	return out, nil
}
