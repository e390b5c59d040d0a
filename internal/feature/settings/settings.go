// Package settings manages the feature toggle singleton document.
package settings

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

const globalSettingsID = "global"

type settingsCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// ErrUnknownFeature is returned when toggling a key that is not a feature.
var ErrUnknownFeature = errors.New("unknown feature")

// Store reads and writes the feature settings singleton.
type Store struct {
	settings settingsCollection
	logger   *logrus.Entry
}

// NewStore constructs a Store for the feature settings collection.
func NewStore(settings settingsCollection, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Store{
		settings: settings,
		logger:   logger,
	}
}

// EnsureDefaults creates the singleton with default flags when it is missing.
// Existing values are never overwritten.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	if s == nil || s.settings == nil {
		return errors.New("settings store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	defaults := domain.DefaultFeatureFlags()
	onInsert := bson.M{"created_at": time.Now().UTC().Truncate(time.Millisecond)}
	for _, key := range domain.FeatureKeys {
		value, _ := defaults.Get(key)
		onInsert[key] = value
	}

	result, err := s.settings.UpdateOne(ctx,
		bson.M{"settings_id": globalSettingsID},
		bson.M{"$setOnInsert": onInsert},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure feature settings: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":    "feature_settings_bootstrap",
		"upserted": upsertedCount(result),
	}).Info("ensured feature settings")

	return nil
}

// Load returns the current flags, or the defaults when no document exists.
func (s *Store) Load(ctx context.Context) (domain.FeatureFlags, error) {
	if s == nil || s.settings == nil {
		return domain.FeatureFlags{}, errors.New("settings store is not initialized")
	}
	if ctx == nil {
		return domain.FeatureFlags{}, errors.New("context is required")
	}

	var doc bson.M
	err := s.settings.FindOne(ctx, bson.M{"settings_id": globalSettingsID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DefaultFeatureFlags(), nil
	}
	if err != nil {
		return domain.FeatureFlags{}, fmt.Errorf("find feature settings: %w", err)
	}

	return domain.FeatureFlagsFromDoc(doc), nil
}

// Toggle flips one feature flag and returns its new value.
func (s *Store) Toggle(ctx context.Context, key string) (bool, error) {
	flags, err := s.Load(ctx)
	if err != nil {
		return false, err
	}

	current, ok := flags.Get(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFeature, key)
	}
	next := !current

	if _, err := s.settings.UpdateOne(ctx,
		bson.M{"settings_id": globalSettingsID},
		bson.M{"$set": bson.M{
			key:          next,
			"updated_at": time.Now().UTC().Truncate(time.Millisecond),
		}},
		options.Update().SetUpsert(true),
	); err != nil {
		return false, fmt.Errorf("toggle %s: %w", key, err)
	}

	s.logger.WithFields(logging.Fields{
		"event":   "feature_toggled",
		"feature": key,
		"enabled": next,
	}).Info("toggled feature")

	return next, nil
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
