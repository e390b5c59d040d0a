// Package storetest provides an in-memory stand-in for a MongoDB collection.
// It understands the query and update operators the bot issues and nothing
// more, which keeps feature tests free of a live deployment.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Operation names accepted by FailOn.
const (
	OpInsertOne      = "InsertOne"
	OpUpdateOne      = "UpdateOne"
	OpFindOne        = "FindOne"
	OpFind           = "Find"
	OpCountDocuments = "CountDocuments"
)

// Collection is a goroutine-safe slice of documents.
type Collection struct {
	name string

	mu        sync.Mutex
	docs      []bson.M
	uniqueKey string
	failures  map[string]error
	calls     map[string]int
}

// New returns an empty collection. A non-empty uniqueKey makes InsertOne
// reject duplicates with a duplicate key write error.
func New(name, uniqueKey string) *Collection {
	return &Collection{
		name:      name,
		uniqueKey: uniqueKey,
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// FailOn makes every later call of op return err. A nil err clears it.
func (c *Collection) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// Calls reports how often op was invoked.
func (c *Collection) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Seed stores documents as-is, bypassing the unique key.
func (c *Collection) Seed(docs ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range docs {
		c.docs = append(c.docs, normalize(doc))
	}
}

// Docs returns copies of all stored documents in insertion order.
func (c *Collection) Docs() []bson.M {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bson.M, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, normalize(doc))
	}
	return out
}

// Len returns the number of stored documents.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

func (c *Collection) enter(op string) error {
	c.calls[op]++
	return c.failures[op]
}

// InsertOne stores document.
func (c *Collection) InsertOne(ctx context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpInsertOne); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := normalize(document)
	if c.uniqueKey != "" {
		if key, ok := doc[c.uniqueKey]; ok {
			for _, existing := range c.docs {
				if equal(existing[c.uniqueKey], key) {
					return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{
						Code:    11000,
						Message: fmt.Sprintf("E11000 duplicate key error collection: %s", c.name),
					}}}
				}
			}
		}
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	c.docs = append(c.docs, doc)

	return &mongo.InsertOneResult{InsertedID: doc["_id"]}, nil
}

// UpdateOne applies $set, $setOnInsert and $inc to the first match,
// inserting a new document when upsert is requested and nothing matches.
func (c *Collection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpUpdateOne); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cond, ok := asDoc(filter)
	if !ok {
		return nil, fmt.Errorf("unsupported filter type %T", filter)
	}
	ops, ok := asDoc(update)
	if !ok {
		return nil, fmt.Errorf("unsupported update type %T", update)
	}

	for i, doc := range c.docs {
		if !matches(doc, cond) {
			continue
		}
		if err := apply(doc, ops, false); err != nil {
			return nil, err
		}
		c.docs[i] = normalize(doc)
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}

	merged := options.MergeUpdateOptions(opts...)
	if merged.Upsert == nil || !*merged.Upsert {
		return &mongo.UpdateResult{}, nil
	}

	doc := bson.M{}
	for key, value := range cond {
		if len(key) > 0 && key[0] == '$' {
			continue
		}
		if _, isOperator := operatorDoc(value); isOperator {
			continue
		}
		doc[key] = value
	}
	if err := apply(doc, ops, true); err != nil {
		return nil, err
	}
	id := primitive.NewObjectID()
	doc["_id"] = id
	c.docs = append(c.docs, normalize(doc))

	return &mongo.UpdateResult{UpsertedCount: 1, UpsertedID: id}, nil
}

// FindOne returns the first match, honoring a sort option.
func (c *Collection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpFindOne); err != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, err, nil)
	}
	if err := ctx.Err(); err != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, err, nil)
	}

	merged := options.MergeFindOneOptions(opts...)
	found, err := c.query(filter, merged.Sort)
	if err != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, err, nil)
	}
	if len(found) == 0 {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}

	return mongo.NewSingleResultFromDocument(found[0], nil, nil)
}

// Find returns matches after applying sort, skip and limit.
func (c *Collection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpFind); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := options.MergeFindOptions(opts...)
	found, err := c.query(filter, merged.Sort)
	if err != nil {
		return nil, err
	}

	if merged.Skip != nil && *merged.Skip > 0 {
		if int(*merged.Skip) >= len(found) {
			found = nil
		} else {
			found = found[*merged.Skip:]
		}
	}
	if merged.Limit != nil && *merged.Limit > 0 && int(*merged.Limit) < len(found) {
		found = found[:*merged.Limit]
	}

	docs := make([]interface{}, 0, len(found))
	for _, doc := range found {
		docs = append(docs, doc)
	}

	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

// CountDocuments returns the number of matches.
func (c *Collection) CountDocuments(ctx context.Context, filter interface{}, _ ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpCountDocuments); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	found, err := c.query(filter, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(found)), nil
}

func (c *Collection) query(filter interface{}, sortSpec interface{}) ([]bson.M, error) {
	cond, ok := asDoc(filter)
	if !ok {
		return nil, fmt.Errorf("unsupported filter type %T", filter)
	}

	var found []bson.M
	for _, doc := range c.docs {
		if matches(doc, cond) {
			found = append(found, normalize(doc))
		}
	}

	if sortSpec == nil {
		return found, nil
	}
	keys, ok := sortSpec.(bson.D)
	if !ok {
		return nil, fmt.Errorf("unsupported sort type %T", sortSpec)
	}

	sort.SliceStable(found, func(i, j int) bool {
		for _, key := range keys {
			direction := toFloat(key.Value)
			left, leftOK := found[i][key.Key]
			right, rightOK := found[j][key.Key]
			switch {
			case !leftOK && !rightOK:
				continue
			case !leftOK:
				return direction > 0
			case !rightOK:
				return direction < 0
			}
			cmp, comparable := compare(left, right)
			if !comparable || cmp == 0 {
				continue
			}
			if direction < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	return found, nil
}

func apply(doc bson.M, ops map[string]interface{}, inserting bool) error {
	for op, raw := range ops {
		fields, ok := asDoc(raw)
		if !ok {
			return fmt.Errorf("unsupported %s payload %T", op, raw)
		}
		switch op {
		case "$set":
			for key, value := range fields {
				doc[key] = value
			}
		case "$setOnInsert":
			if !inserting {
				continue
			}
			for key, value := range fields {
				doc[key] = value
			}
		case "$inc":
			for key, delta := range fields {
				doc[key] = add(doc[key], delta)
			}
		default:
			return fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return nil
}

func matches(doc bson.M, cond map[string]interface{}) bool {
	for key, expected := range cond {
		switch key {
		case "$or":
			if !anyMatches(doc, expected) {
				return false
			}
			continue
		case "$and":
			for _, clause := range asList(expected) {
				sub, ok := asDoc(clause)
				if !ok || !matches(doc, sub) {
					return false
				}
			}
			continue
		}

		actual, present := doc[key]
		if ops, isOperator := operatorDoc(expected); isOperator {
			if !matchOperators(actual, present, ops) {
				return false
			}
			continue
		}
		if expected == nil {
			if present && actual != nil {
				return false
			}
			continue
		}
		if !present || !equal(actual, expected) {
			return false
		}
	}
	return true
}

func anyMatches(doc bson.M, clauses interface{}) bool {
	for _, clause := range asList(clauses) {
		sub, ok := asDoc(clause)
		if ok && matches(doc, sub) {
			return true
		}
	}
	return false
}

func matchOperators(actual interface{}, present bool, ops map[string]interface{}) bool {
	for op, operand := range ops {
		switch op {
		case "$ne":
			if present && equal(actual, operand) {
				return false
			}
			if !present && operand == nil {
				return false
			}
		case "$exists":
			want, _ := operand.(bool)
			if present != want {
				return false
			}
		case "$in":
			if !present {
				return false
			}
			hit := false
			for _, candidate := range asList(operand) {
				if equal(actual, candidate) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			cmp, ok := compare(actual, operand)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func operatorDoc(value interface{}) (map[string]interface{}, bool) {
	doc, ok := asDoc(value)
	if !ok || len(doc) == 0 {
		return nil, false
	}
	for key := range doc {
		if len(key) == 0 || key[0] != '$' {
			return nil, false
		}
	}
	return doc, true
}

func asDoc(value interface{}) (map[string]interface{}, bool) {
	switch v := value.(type) {
	case bson.M:
		return v, true
	case map[string]interface{}:
		return v, true
	case bson.D:
		out := make(map[string]interface{}, len(v))
		for _, elem := range v {
			out[elem.Key] = elem.Value
		}
		return out, true
	case nil:
		return map[string]interface{}{}, true
	default:
		return nil, false
	}
}

func asList(value interface{}) []interface{} {
	switch v := value.(type) {
	case bson.A:
		return v
	case []interface{}:
		return v
	case []bson.M:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, item)
		}
		return out
	case []bson.D:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, item)
		}
		return out
	case []int64:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, item)
		}
		return out
	case []string:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			out = append(out, item)
		}
		return out
	default:
		return nil
	}
}

// normalize round-trips a document through BSON so stored values carry the
// same types a real deployment would return.
func normalize(document interface{}) bson.M {
	raw, err := bson.Marshal(document)
	if err != nil {
		panic(fmt.Sprintf("storetest: marshal document: %v", err))
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("storetest: unmarshal document: %v", err))
	}
	return doc
}

func equal(a, b interface{}) bool {
	cmp, ok := compare(a, b)
	if ok {
		return cmp == 0
	}
	return a == b
}

func compare(a, b interface{}) (int, bool) {
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	if isNumber(a) && isNumber(b) {
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if ab == bb {
			return 0, true
		}
		if !ab {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func asTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Truncate(time.Millisecond), true
	case primitive.DateTime:
		return v.Time().UTC(), true
	default:
		return time.Time{}, false
	}
}

func isNumber(value interface{}) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}

func toInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func add(current, delta interface{}) interface{} {
	if current == nil {
		current = int64(0)
	}
	ci, cok := toInt(current)
	di, dok := toInt(delta)
	if cok && dok {
		return ci + di
	}
	return toFloat(current) + toFloat(delta)
}
