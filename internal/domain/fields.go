package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LegacyFields names the historical field names of one logical value, in
// resolution priority order. Documents written by older releases only carry
// one of them.
type LegacyFields []string

// Field orderings per entity. Earlier names win when several are present.
var (
	// UserJoinedFields resolves when a user joined.
	UserJoinedFields = LegacyFields{"created_at", "join_date"}
	// UserActivityCountFields resolves the activity counter.
	UserActivityCountFields = LegacyFields{"activity_count", "message_count"}
	// ImageTimestampFields resolves when an image was generated.
	ImageTimestampFields = LegacyFields{"created_at", "timestamp", "date"}
	// HistoryTimestampFields resolves when a history entry was written.
	HistoryTimestampFields = LegacyFields{"timestamp", "created_at"}
)

// FieldMatch is one equality convention used to tag a document.
type FieldMatch struct {
	Field string
	Value interface{}
}

// Markers tell which history entries are of a given kind.
var (
	// BotResponseMarkers identify AI responses in history.
	BotResponseMarkers = []FieldMatch{
		{Field: "is_bot", Value: true},
		{Field: "sender_type", Value: "bot"},
		{Field: "type", Value: "ai_response"},
	}
	// VoiceMarkers identify voice messages in history.
	VoiceMarkers = []FieldMatch{
		{Field: "type", Value: "voice"},
		{Field: "message_type", Value: "voice"},
	}
)

// ResolveTime returns the first field holding a timestamp.
func (f LegacyFields) ResolveTime(doc bson.M) (time.Time, bool) {
	for _, name := range f {
		if ts, ok := AsTime(doc[name]); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ResolveInt returns the first field holding a number.
func (f LegacyFields) ResolveInt(doc bson.M) (int64, bool) {
	for _, name := range f {
		if n, ok := AsInt(doc[name]); ok {
			return n, true
		}
	}
	return 0, false
}

// Matching builds a disjunction applying cond to every field name.
func (f LegacyFields) Matching(cond interface{}) bson.M {
	if len(f) == 1 {
		return bson.M{f[0]: cond}
	}
	clauses := make(bson.A, 0, len(f))
	for _, name := range f {
		clauses = append(clauses, bson.M{name: cond})
	}
	return bson.M{"$or": clauses}
}

// After matches documents whose timestamp, under any legacy name, is after t.
func (f LegacyFields) After(t time.Time) bson.M {
	return f.Matching(bson.M{"$gt": t})
}

// AnyOf matches documents carrying any of the markers.
func AnyOf(markers []FieldMatch) bson.M {
	clauses := make(bson.A, 0, len(markers))
	for _, m := range markers {
		clauses = append(clauses, bson.M{m.Field: m.Value})
	}
	return bson.M{"$or": clauses}
}

// AnyOfSince matches documents carrying any marker together with a timestamp
// after t under any of the legacy timestamp names.
func AnyOfSince(markers []FieldMatch, timestamps LegacyFields, t time.Time) bson.M {
	clauses := make(bson.A, 0, len(markers)*len(timestamps))
	for _, m := range markers {
		for _, name := range timestamps {
			clauses = append(clauses, bson.M{m.Field: m.Value, name: bson.M{"$gt": t}})
		}
	}
	return bson.M{"$or": clauses}
}

// AsTime converts BSON date representations into time.Time.
func AsTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return v, true
	case primitive.DateTime:
		return v.Time(), true
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, false
		}
		return *v, true
	default:
		return time.Time{}, false
	}
}

// AsInt converts BSON numeric representations into int64.
func AsInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	default:
		return 0, false
	}
}

// AsBool reads a boolean field, reporting whether it was present as one.
func AsBool(value interface{}) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}
