package domain

import "time"

// User is a tracked end user or group chat. Groups share the collection and are
// told apart by IsGroup, which is never cleared once set.
type User struct {
	UserID        int64     `bson:"user_id" json:"user_id"`
	Username      string    `bson:"username,omitempty" json:"username,omitempty"`
	Name          string    `bson:"name,omitempty" json:"name,omitempty"`
	IsGroup       bool      `bson:"is_group,omitempty" json:"is_group,omitempty"`
	MemberCount   int64     `bson:"member_count,omitempty" json:"member_count,omitempty"`
	ActivityCount int64     `bson:"activity_count" json:"activity_count"`
	LastActivity  time.Time `bson:"last_activity" json:"last_activity"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	JoinDate      time.Time `bson:"join_date" json:"join_date"`
}

// Identity carries what a chat event tells us about its sender or chat.
type Identity struct {
	ID          int64
	Username    string
	Name        string
	IsGroup     bool
	MemberCount int64
}

// User type labels shown in listings.
const (
	UserTypeGroup   = "Group"
	UserTypeRegular = "Regular"
)

// UserView is a listing row enriched with derived display fields.
type UserView struct {
	UserID            int64     `json:"user_id"`
	Username          string    `json:"username,omitempty"`
	Name              string    `json:"name,omitempty"`
	IsGroup           bool      `json:"is_group"`
	UserType          string    `json:"user_type"`
	ActivityCount     int64     `json:"activity_count"`
	MemberCount       int64     `json:"member_count,omitempty"`
	LastActivity      time.Time `json:"last_activity,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	DaysSinceActivity int       `json:"days_since_activity"`
	// KnownActivity is false when last_activity is missing or not a timestamp;
	// DaysSinceActivity is meaningless then.
	KnownActivity bool `json:"known_activity"`
}
