// Package activity keeps user and group records current as chat events
// arrive and forwards each event to the stats counter.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_bot/internal/domain"
	"tg_ai_bot/internal/logging"
)

type userCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

type statRecorder interface {
	Increment(ctx context.Context, statType domain.StatType, userID, groupID int64, metadata map[string]interface{}) domain.RecordResult
}

// Tracker upserts activity metadata for users and groups. None of its
// methods return errors: failures are logged here and reported through the
// returned RecordResult only.
type Tracker struct {
	users  userCollection
	repo   *domain.UserRepository
	stats  statRecorder
	logger *logrus.Entry

	now func() time.Time
}

// NewTracker constructs a Tracker for the users collection and stats counter.
func NewTracker(users userCollection, stats statRecorder, logger *logrus.Entry) *Tracker {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Tracker{
		users:  users,
		repo:   domain.NewUserRepository(users),
		stats:  stats,
		logger: logger,
		now:    time.Now,
	}
}

// UpdateActivity stamps last_activity and identity fields, then bumps
// activity_count in a second write. A failure between the two writes
// under-counts but leaves last_activity correct.
func (t *Tracker) UpdateActivity(ctx context.Context, who domain.Identity) domain.RecordResult {
	if err := t.updateActivity(ctx, who); err != nil {
		t.logFailure("activity_update_failed", who.ID, err)
		return domain.Failed(err)
	}
	return domain.Recorded()
}

func (t *Tracker) updateActivity(ctx context.Context, who domain.Identity) error {
	if t == nil || t.users == nil {
		return errors.New("activity tracker is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if who.ID == 0 {
		return errors.New("user id is required")
	}

	set := bson.M{"last_activity": t.timestamp()}
	if who.IsGroup {
		set["is_group"] = true
	}
	if who.Username != "" {
		set["username"] = who.Username
	}
	if who.Name != "" {
		set["name"] = who.Name
	}
	if who.MemberCount > 0 {
		set["member_count"] = who.MemberCount
	}

	filter := bson.M{"user_id": who.ID}
	if _, err := t.users.UpdateOne(ctx, filter, bson.M{"$set": set}, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("update last activity: %w", err)
	}

	if _, err := t.users.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"activity_count": 1}}); err != nil {
		return fmt.Errorf("increment activity count: %w", err)
	}

	return nil
}

// RecordNewUser inserts a user on first contact and records a new_user stat.
// Known users only get an activity update, so repeated calls never duplicate.
func (t *Tracker) RecordNewUser(ctx context.Context, who domain.Identity) domain.RecordResult {
	if t == nil || t.repo == nil || t.stats == nil {
		return domain.Failed(errors.New("activity tracker is not initialized"))
	}
	if ctx == nil {
		return domain.Failed(errors.New("context is required"))
	}

	exists, err := t.repo.Exists(ctx, who.ID)
	if err != nil {
		t.logFailure("user_lookup_failed", who.ID, err)
		return domain.Failed(err)
	}
	if exists {
		return t.UpdateActivity(ctx, who)
	}

	_, err = t.repo.Create(ctx, domain.User{
		UserID:    who.ID,
		Username:  who.Username,
		Name:      who.Name,
		CreatedAt: t.timestamp(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return t.UpdateActivity(ctx, who)
	}
	if err != nil {
		t.logFailure("user_register_failed", who.ID, err)
		return domain.Failed(err)
	}

	t.logger.WithFields(logging.Fields{
		"event":   "user_registered",
		"user_id": who.ID,
	}).Info("registered new user")

	return t.stats.Increment(ctx, domain.StatNewUser, who.ID, 0, nil)
}

// RecordMessage tracks a text message. group is the zero Identity for
// private chats.
func (t *Tracker) RecordMessage(ctx context.Context, who, group domain.Identity, textLength int) domain.RecordResult {
	metadata := map[string]interface{}{}
	if textLength > 0 {
		metadata["text_length"] = textLength
	}
	return t.record(ctx, domain.StatMessage, who, group, metadata)
}

// RecordCommand tracks a bot command such as "start".
func (t *Tracker) RecordCommand(ctx context.Context, who, group domain.Identity, command string) domain.RecordResult {
	return t.record(ctx, domain.StatCommand, who, group, map[string]interface{}{"command": command})
}

// RecordImageGeneration tracks an image request.
func (t *Tracker) RecordImageGeneration(ctx context.Context, who domain.Identity, prompt string) domain.RecordResult {
	metadata := map[string]interface{}{}
	if prompt != "" {
		metadata["prompt"] = prompt
	}
	return t.record(ctx, domain.StatImage, who, domain.Identity{}, metadata)
}

// RecordVoiceMessage tracks a processed voice message.
func (t *Tracker) RecordVoiceMessage(ctx context.Context, who domain.Identity, duration time.Duration) domain.RecordResult {
	metadata := map[string]interface{}{}
	if seconds := int(duration / time.Second); seconds > 0 {
		metadata["duration"] = seconds
	}
	return t.record(ctx, domain.StatVoice, who, domain.Identity{}, metadata)
}

// RecordGroupJoin registers a group the bot was added to. addedBy is the
// user who added it, zero when unknown.
func (t *Tracker) RecordGroupJoin(ctx context.Context, group domain.Identity, addedBy int64) domain.RecordResult {
	if t == nil || t.stats == nil {
		return domain.Failed(errors.New("activity tracker is not initialized"))
	}

	group.IsGroup = true
	if err := t.updateActivity(ctx, group); err != nil {
		t.logFailure("group_register_failed", group.ID, err)
		return domain.Failed(err)
	}

	t.logger.WithFields(logging.Fields{
		"event":        "group_registered",
		"chat_id":      group.ID,
		"member_count": group.MemberCount,
	}).Info("registered group")

	metadata := map[string]interface{}{"is_group": true}
	if group.Name != "" {
		metadata["title"] = group.Name
	}
	if group.MemberCount > 0 {
		metadata["member_count"] = group.MemberCount
	}
	return t.stats.Increment(ctx, domain.StatGroup, addedBy, group.ID, metadata)
}

// record updates the sender, the group when present, then increments the
// stat. Every step runs even when an earlier one failed.
func (t *Tracker) record(ctx context.Context, statType domain.StatType, who, group domain.Identity, metadata map[string]interface{}) domain.RecordResult {
	if t == nil || t.stats == nil {
		return domain.Failed(errors.New("activity tracker is not initialized"))
	}

	var errs []error

	who.IsGroup = false
	if err := t.updateActivity(ctx, who); err != nil {
		t.logFailure("activity_update_failed", who.ID, err)
		errs = append(errs, err)
	}

	if group.ID != 0 {
		group.IsGroup = true
		if err := t.updateActivity(ctx, group); err != nil {
			t.logFailure("group_activity_update_failed", group.ID, err)
			errs = append(errs, err)
		}
		metadata["is_group"] = true
		metadata["group_id"] = group.ID
	}

	if res := t.stats.Increment(ctx, statType, who.ID, group.ID, metadata); !res.OK() {
		errs = append(errs, res.Err)
	}

	if len(errs) > 0 {
		return domain.Failed(errors.Join(errs...))
	}
	return domain.Recorded()
}

func (t *Tracker) timestamp() time.Time {
	return t.now().UTC().Truncate(time.Millisecond)
}

func (t *Tracker) logFailure(event string, id int64, err error) {
	if t == nil || t.logger == nil {
		return
	}
	logging.WithContext(t.logger, logging.Context{
		UserID: id,
		Event:  event,
	}).WithError(err).Warn("failed to track activity")
}
