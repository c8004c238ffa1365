package record

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	// Entries queued beyond this are dropped rather than stalling sessions.
	mongoQueueSize = 4096
	// A batch is flushed early once it reaches this many entries.
	mongoMaxBatch = 512
)

// MongoConfig selects where MongoRecorder writes.
type MongoConfig struct {
	URI           string
	Database      string
	Collection    string
	FlushInterval time.Duration
}

// inserter is the part of *mongo.Collection the recorder needs.
type inserter interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

// MongoRecorder batches entries and inserts them into a MongoDB collection
// once per flush interval. Record never blocks: when the queue is full the
// entry is counted as dropped.
type MongoRecorder struct {
	client *mongo.Client
	coll   inserter
	flush  time.Duration
	logger *zap.Logger

	entries chan Entry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

// NewMongoRecorder connects to cfg.URI, checks the server is reachable and
// starts the background flush loop.
func NewMongoRecorder(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoRecorder, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo recorder: missing uri")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo recorder: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo recorder: ping: %w", err)
	}

	r := newMongoRecorder(client.Database(cfg.Database).Collection(cfg.Collection), cfg.FlushInterval, logger)
	r.client = client
	return r, nil
}

func newMongoRecorder(coll inserter, flush time.Duration, logger *zap.Logger) *MongoRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flush <= 0 {
		flush = time.Second
	}
	r := &MongoRecorder{
		coll:    coll,
		flush:   flush,
		logger:  logger,
		entries: make(chan Entry, mongoQueueSize),
		done:    make(chan struct{}),
	}
	r.wg.Go(r.persistLoop)
	return r
}

func (r *MongoRecorder) Record(e Entry) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.entries <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because the queue was
// full or the recorder was closed.
func (r *MongoRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes whatever is queued and disconnects. ctx bounds the final
// insert and the disconnect.
func (r *MongoRecorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()

	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("mongo recorder dropped entries", zap.Int64("count", n))
	}
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

func (r *MongoRecorder) persistLoop() {
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	var batch []Entry
	for {
		select {
		case e := <-r.entries:
			batch = append(batch, e)
			if len(batch) >= mongoMaxBatch {
				batch = r.save(batch)
			}

		case <-ticker.C:
			batch = r.save(batch)

		case <-r.done:
			for {
				select {
				case e := <-r.entries:
					batch = append(batch, e)
				default:
					r.save(batch)
					return
				}
			}
		}
	}
}

// save inserts batch and returns it emptied for reuse.
func (r *MongoRecorder) save(batch []Entry) []Entry {
	if len(batch) == 0 {
		return batch
	}

	docs := make([]interface{}, len(batch))
	for i := range batch {
		docs[i] = batch[i]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		r.logger.Warn("mongo recorder insert failed", zap.Int("entries", len(batch)), zap.Error(err))
	}

	return batch[:0]
}
