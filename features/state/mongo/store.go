// Package mongo provides the MongoDB-backed execution state store.
// Callers build a Mongo client, pass it to New, and receive an
// orchestration.StateStore that persists one document per plan. The
// state body is stored as versioned JSON so the on-disk contract
// matches the file store exactly.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/llmos/runtime/orchestration"
)

const (
	defaultCollection = "plan_states"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "state-mongo"
)

type (
	// Options configures the Mongo state store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database names the database. Required.
		Database string
		// Collection overrides the default plan_states collection.
		Collection string
		// Timeout bounds individual operations.
		Timeout time.Duration
	}

	// Store implements orchestration.StateStore on MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	stateDocument struct {
		PlanID       string    `bson:"plan_id"`
		StateVersion int       `bson:"state_version"`
		Status       string    `bson:"plan_status"`
		UpdatedAt    time.Time `bson:"updated_at"`
		// State is the JSON-encoded ExecutionState per the versioned
		// state contract.
		State []byte `bson:"state"`
	}
)

// New returns a store backed by MongoDB, creating the plan_id index.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "plan_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name identifies the store to health checks.
func (s *Store) Name() string { return clientName }

// Ping verifies the Mongo connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save upserts the state document keyed by plan id.
func (s *Store) Save(ctx context.Context, state *orchestration.ExecutionState) error {
	snap := state.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := stateDocument{
		PlanID:       snap.PlanID,
		StateVersion: snap.StateVersion,
		Status:       string(snap.Status),
		UpdatedAt:    time.Now().UTC(),
		State:        data,
	}
	filter := bson.M{"plan_id": snap.PlanID}
	update := bson.M{"$set": doc}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Load fetches a state by plan id. Missing documents report ok=false.
func (s *Store) Load(ctx context.Context, planID string) (*orchestration.ExecutionState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stateDocument
	if err := s.coll.FindOne(ctx, bson.M{"plan_id": planID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var state orchestration.ExecutionState
	if err := json.Unmarshal(doc.State, &state); err != nil {
		return nil, false, err
	}
	return &state, true, nil
}

// List returns the plan ids with stored state.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.coll.Find(ctx, bson.D{}, options.Find().SetProjection(bson.M{"plan_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			PlanID string `bson:"plan_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.PlanID)
	}
	return ids, cursor.Err()
}

// Delete removes a state document. Missing documents are a no-op.
func (s *Store) Delete(ctx context.Context, planID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"plan_id": planID})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
