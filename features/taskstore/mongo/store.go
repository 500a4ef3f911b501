// Package mongo provides a MongoDB-backed task store. Each task is stored as
// one document keyed by task id, replaced wholesale on every save so the
// stored snapshot always matches the last committed event fold.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/task/store"
)

const (
	defaultCollection = "tasks"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "taskstore-mongo"
)

type (
	// Options configures the Mongo task store.
	Options struct {
		// Client is the connected Mongo client.
		Client *mongodriver.Client
		// Database is the database name.
		Database string
		// Collection overrides the default "tasks" collection name.
		Collection string
		// Timeout bounds individual store operations.
		Timeout time.Duration
	}

	// Store implements store.Store on a MongoDB collection. It also
	// implements clue health.Pinger so the transport can report storage
	// health.
	Store struct {
		mongo   *mongodriver.Client
		tasks   collection
		timeout time.Duration
	}

	// collection captures the subset of *mongodriver.Collection the store
	// uses, so tests can substitute a fake.
	collection interface {
		ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
		FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongodriver.SingleResult
		Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongodriver.Cursor, error)
	}

	// taskDocument is the stored shape. Top-level fields are duplicated out
	// of the snapshot for indexing and filtering.
	taskDocument struct {
		TaskID    string     `bson:"task_id"`
		ContextID string     `bson:"context_id"`
		State     string     `bson:"state"`
		UpdatedAt time.Time  `bson:"updated_at"`
		Task      *task.Task `bson:"task"`
	}
)

// New builds a Mongo-backed task store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "context_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, tasks: coll, timeout: timeout}, nil
}

// newWithCollection wires a store over a fake collection. Test-only.
func newWithCollection(coll collection, timeout time.Duration) *Store {
	return &Store{tasks: coll, timeout: timeout}
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return clientName }

// Ping verifies connectivity with the primary.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Load returns the stored task snapshot.
func (s *Store) Load(ctx context.Context, taskID string) (*task.Task, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrTaskNotFound
		}
		return nil, err
	}
	if doc.Task == nil {
		return nil, store.ErrTaskNotFound
	}
	return doc.Task, nil
}

// Save replaces the stored snapshot for the task, inserting on first write.
func (s *Store) Save(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := taskDocument{
		TaskID:    t.ID,
		ContextID: t.ContextID,
		State:     string(t.Status.State),
		UpdatedAt: time.Now().UTC(),
		Task:      t,
	}
	_, err := s.tasks.ReplaceOne(ctx, bson.M{"task_id": t.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

// ListByContext returns the tasks of a conversation context, most recently
// updated first.
func (s *Store) ListByContext(ctx context.Context, contextID string) ([]*task.Task, error) {
	if contextID == "" {
		return nil, errors.New("context id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.tasks.Find(ctx, bson.M{"context_id": contextID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var tasks []*task.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.Task != nil {
			tasks = append(tasks, doc.Task)
		}
	}
	return tasks, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
