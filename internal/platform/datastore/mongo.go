package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCollection is the collection holding every stored document.
const MongoCollection = "documents"

const maxMongoAttempts = 25

var errMongoContention = errors.New("mongo: too much write contention")

// mongoRecord is one stored document. The _id is "collection/docID".
type mongoRecord struct {
	ID         string `bson:"_id"`
	Collection string `bson:"collection"`
	DocID      string `bson:"doc_id"`
	Value      any    `bson:"value"`
	Revision   int64  `bson:"revision"`
}

// MongoStore maps the first two path segments onto a document in a single
// collection and uses change streams for subscriptions. Change streams need
// a replica set; without one Subscribe still delivers the initial value and
// local writes.
type MongoStore struct {
	coll   *mongo.Collection
	logger zerolog.Logger
	subs   *subscriberSet
	rev    atomic.Uint64

	watchOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewMongoStore uses db's documents collection. The client is owned by the
// caller.
func NewMongoStore(db *mongo.Database, logger zerolog.Logger) *MongoStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &MongoStore{
		coll:   db.Collection(MongoCollection),
		logger: logger.With().Str("component", "datastore.mongo").Logger(),
		subs:   newSubscriberSet(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnsureIndexes creates the collection/doc_id index used for collection
// reads.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "collection", Value: 1}, {Key: "doc_id", Value: 1}},
	})
	return err
}

func (m *MongoStore) Read(ctx context.Context, path string) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return m.read(ctx, segs)
}

func (m *MongoStore) read(ctx context.Context, segs []string) (any, error) {
	collection, docID, field := docAddress(segs)
	if docID == "" {
		children, err := m.QueryChildren(ctx, collection, Constraints{})
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, nil
		}
		out := make(map[string]any, len(children))
		for _, c := range children {
			out[c.Key] = c.Value
		}
		return out, nil
	}
	rec, err := m.find(ctx, collection, docID)
	if err != nil || rec == nil {
		return nil, err
	}
	return Lookup(fromBSON(rec.Value), field), nil
}

func (m *MongoStore) find(ctx context.Context, collection, docID string) (*mongoRecord, error) {
	var rec mongoRecord
	err := m.coll.FindOne(ctx, bson.M{"_id": collection + "/" + docID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, docID, err)
	}
	return &rec, nil
}

func (m *MongoStore) Write(ctx context.Context, path string, value any, mode Mode) (string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	norm, err := normalizeWrite(value, mode)
	if err != nil {
		return "", err
	}
	collection, docID, field := docAddress(segs)

	var id string
	changed := segs
	switch mode {
	case ModeCreate:
		if docID == "" {
			err = m.replaceCollection(ctx, collection, norm)
			break
		}
		_, err = m.mutate(ctx, collection, docID, func(cur any) (any, error) {
			return setField(cur, field, norm), nil
		})
	case ModeUpdate:
		patch, ok := norm.(map[string]any)
		if !ok && norm != nil {
			return "", fmt.Errorf("%w: update requires an object", ErrInvalidValue)
		}
		if err := validatePatch(patch); err != nil {
			return "", err
		}
		if docID == "" {
			for k, v := range patch {
				sub, _ := SplitPath(k)
				if _, err = m.mutate(ctx, collection, sub[0], func(cur any) (any, error) {
					return setField(cur, sub[1:], v), nil
				}); err != nil {
					break
				}
			}
			break
		}
		_, err = m.mutate(ctx, collection, docID, func(cur any) (any, error) {
			root, _ := cur.(map[string]any)
			return mergeMap(root, field, patch), nil
		})
	case ModeDelete:
		if docID == "" {
			_, err = m.coll.DeleteMany(ctx, bson.M{"collection": collection})
			break
		}
		_, err = m.mutate(ctx, collection, docID, func(cur any) (any, error) {
			return setField(cur, field, nil), nil
		})
	case ModeCreateWithID:
		id = uuid.NewString()
		changed = append(append([]string{}, segs...), id)
		if docID == "" {
			_, err = m.mutate(ctx, collection, id, func(any) (any, error) { return norm, nil })
			break
		}
		_, err = m.mutate(ctx, collection, docID, func(cur any) (any, error) {
			return setField(cur, append(append([]string{}, field...), id), norm), nil
		})
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}
	if err != nil {
		return "", err
	}
	m.refresh(m.subs.matching(changed))
	return id, nil
}

// Transact retries fn until its write lands on an unchanged revision.
func (m *MongoStore) Transact(ctx context.Context, path string, fn TransactFunc) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	collection, docID, field := docAddress(segs)
	if docID == "" {
		return nil, fmt.Errorf("%w: transactions are scoped to a single document", ErrInvalidPath)
	}
	var result any
	_, err = m.mutate(ctx, collection, docID, func(cur any) (any, error) {
		next, err := fn(Clone(Lookup(cur, field)))
		if err != nil {
			return nil, err
		}
		norm, err := Normalize(next)
		if err != nil {
			return nil, err
		}
		result = norm
		return setField(cur, field, norm), nil
	})
	if err != nil {
		return nil, err
	}
	m.refresh(m.subs.matching(segs))
	return Clone(result), nil
}

// mutate is an optimistic read-modify-write keyed on the record revision.
func (m *MongoStore) mutate(ctx context.Context, collection, docID string, fn func(cur any) (any, error)) (any, error) {
	key := collection + "/" + docID
	for attempt := 0; attempt < maxMongoAttempts; attempt++ {
		rec, err := m.find(ctx, collection, docID)
		if err != nil {
			return nil, err
		}
		var cur any
		var rev int64
		if rec != nil {
			cur, rev = fromBSON(rec.Value), rec.Revision
		}
		next, err := fn(Clone(cur))
		if err != nil {
			return nil, err
		}

		switch {
		case rec == nil && next == nil:
			return nil, nil
		case rec == nil:
			_, err = m.coll.InsertOne(ctx, mongoRecord{ID: key, Collection: collection, DocID: docID, Value: next, Revision: 1})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("insert %s: %w", key, err)
			}
			return next, nil
		case next == nil:
			res, err := m.coll.DeleteOne(ctx, bson.M{"_id": key, "revision": rev})
			if err != nil {
				return nil, fmt.Errorf("delete %s: %w", key, err)
			}
			if res.DeletedCount == 0 {
				continue
			}
			return nil, nil
		default:
			res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": key, "revision": rev},
				mongoRecord{ID: key, Collection: collection, DocID: docID, Value: next, Revision: rev + 1})
			if err != nil {
				return nil, fmt.Errorf("replace %s: %w", key, err)
			}
			if res.MatchedCount == 0 {
				continue
			}
			return next, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", key, errMongoContention)
}

func (m *MongoStore) replaceCollection(ctx context.Context, collection string, v any) error {
	docs, ok := v.(map[string]any)
	if !ok && v != nil {
		return fmt.Errorf("%w: collection value must be an object", ErrInvalidValue)
	}
	for id := range docs {
		if _, err := SplitPath(id); err != nil {
			return err
		}
	}
	if _, err := m.coll.DeleteMany(ctx, bson.M{"collection": collection}); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	if len(docs) == 0 {
		return nil
	}
	records := make([]interface{}, 0, len(docs))
	for id, doc := range docs {
		records = append(records, mongoRecord{ID: collection + "/" + id, Collection: collection, DocID: id, Value: doc, Revision: 1})
	}
	_, err := m.coll.InsertMany(ctx, records)
	return err
}

// QueryChildren sorts by value.<field> server-side for collection paths.
func (m *MongoStore) QueryChildren(ctx context.Context, path string, c Constraints) ([]Child, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) > 1 {
		v, err := m.read(ctx, segs)
		if err != nil {
			return nil, err
		}
		return ApplyConstraints(ChildrenOf(v), c), nil
	}

	reverse := c.LimitLast && c.Limit > 0
	cursor, err := m.coll.Find(ctx, bson.M{"collection": segs[0]}, childFindOptions(c, reverse))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", segs[0], err)
	}
	defer cursor.Close(ctx)

	var out []Child
	for cursor.Next(ctx) {
		var rec mongoRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", segs[0], err)
		}
		out = append(out, Child{Key: rec.DocID, Value: fromBSON(rec.Value)})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func childFindOptions(c Constraints, reverse bool) *options.FindOptions {
	dir := 1
	if reverse {
		dir = -1
	}
	sort := bson.D{}
	if c.OrderBy != "" {
		sort = append(sort, bson.E{Key: "value." + strings.Join(FieldPath(c.OrderBy), "."), Value: dir})
	}
	sort = append(sort, bson.E{Key: "doc_id", Value: dir})
	opts := options.Find().SetSort(sort)
	if c.Limit > 0 {
		opts.SetLimit(int64(c.Limit))
	}
	return opts
}

func (m *MongoStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	m.watchOnce.Do(func() { go m.watch() })

	sub, unsub := m.subs.add(ctx, segs, fn)
	rev := m.rev.Add(1)
	v, err := m.read(ctx, segs)
	if err != nil {
		unsub()
		return nil, err
	}
	sub.offer(rev, v, nil)
	return unsub, nil
}

// Close stops the change stream and drops every subscription.
func (m *MongoStore) Close() {
	m.cancel()
	m.subs.closeAll()
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

func (m *MongoStore) watch() {
	backoff := time.Second
	for {
		err := m.watchStream()
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Error().Err(err).Dur("retry_in", backoff).Msg("change stream stopped")
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (m *MongoStore) watchStream() error {
	stream, err := m.coll.Watch(m.ctx, mongo.Pipeline{})
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer stream.Close(context.Background())
	m.refresh(m.subs.all())

	for stream.Next(m.ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			m.logger.Warn().Err(err).Msg("ignoring undecodable change event")
			continue
		}
		switch ev.OperationType {
		case "drop", "invalidate", "dropDatabase":
			m.refresh(m.subs.all())
			continue
		}
		segs, err := SplitPath(ev.DocumentKey.ID)
		if err != nil {
			continue
		}
		m.refresh(m.subs.matching(segs))
	}
	return stream.Err()
}

func (m *MongoStore) refresh(subs []*subscription) {
	for _, sub := range subs {
		rev := m.rev.Add(1)
		v, err := m.read(m.ctx, sub.segs)
		sub.offer(rev, v, err)
	}
}

// fromBSON converts decoded BSON into the plain tree representation.
func fromBSON(v any) any {
	switch t := v.(type) {
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
