package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type insertFindCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// UserRepository persists and retrieves user and group records in MongoDB.
type UserRepository struct {
	collection insertFindCollection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection insertFindCollection) *UserRepository {
	return &UserRepository{collection: collection}
}

// Create inserts a new user with created_at, join_date and last_activity set
// to the same instant and activity_count starting at 1.
func (r *UserRepository) Create(ctx context.Context, user User) (User, error) {
	if r == nil || r.collection == nil {
		return User{}, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return User{}, errors.New("context is required")
	}
	if user.UserID == 0 {
		return User{}, errors.New("user_id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.JoinDate = user.CreatedAt
	user.LastActivity = user.CreatedAt
	if user.ActivityCount == 0 {
		user.ActivityCount = 1
	}

	if _, err := r.collection.InsertOne(ctx, user); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

// Exists reports whether a record with the given user_id is stored. Only the
// _id is read, so legacy records with odd field types still count.
func (r *UserRepository) Exists(ctx context.Context, userID int64) (bool, error) {
	if r == nil || r.collection == nil {
		return false, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if userID == 0 {
		return false, errors.New("user_id is required")
	}

	result := r.collection.FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetProjection(bson.M{"_id": 1}),
	)
	if result == nil {
		return false, errors.New("find user returned no result")
	}

	err := result.Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find user: %w", err)
	}
	return true, nil
}

// GetByID fetches a user by Telegram user_id.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if r == nil || r.collection == nil {
		return User{}, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return User{}, errors.New("context is required")
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	result := r.collection.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return User{}, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}

	var user User
	if err := result.Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}

	return user, nil
}
