package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	mongoIDField      = "_id"
	mongoVersionField = "_v"
	maxPutAttempts    = 5
)

// MongoConfig holds connection settings for MongoStore.
type MongoConfig struct {
	URI            string
	Database       string
	MaxInFilter    int
	ConnectTimeout time.Duration
}

// MongoStore is the production Store. Documents keep their id in _id and a
// write counter in _v. Transactions and live queries need a replica set.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	limits Limits
}

// NewMongoStore connects and pings the server.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	maxIn := cfg.MaxInFilter
	if maxIn <= 0 {
		maxIn = DefaultMaxInFilter
	}
	return &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		limits: Limits{MaxInFilter: maxIn},
	}, nil
}

func (s *MongoStore) Limits() Limits { return s.limits }

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func idFilter(id string) bson.D {
	return bson.D{{Key: mongoIDField, Value: id}}
}

func (s *MongoStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var raw bson.M
	err := s.coll(collection).FindOne(ctx, idFilter(id)).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyMongoError(err)
	}
	doc := fromBSON(raw)
	return &doc, nil
}

func (s *MongoStore) Create(ctx context.Context, collection, id string, data map[string]any) error {
	doc := toBSONDocument(id, data, 1)
	if _, err := s.coll(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return classifyMongoError(err)
	}
	return nil
}

// Put replaces the whole document, bumping _v with a compare-and-swap loop.
func (s *MongoStore) Put(ctx context.Context, collection, id string, data map[string]any) error {
	c := s.coll(collection)
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		var cur struct {
			Version int64 `bson:"_v"`
		}
		err := c.FindOne(ctx, idFilter(id),
			options.FindOne().SetProjection(bson.D{{Key: mongoVersionField, Value: 1}})).Decode(&cur)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			if _, err := c.InsertOne(ctx, toBSONDocument(id, data, 1)); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					continue
				}
				return classifyMongoError(err)
			}
			return nil
		case err != nil:
			return classifyMongoError(err)
		}

		filter := append(idFilter(id), versionCondition(cur.Version))
		res, err := c.ReplaceOne(ctx, filter, toBSONDocument(id, data, cur.Version+1))
		if err != nil {
			return classifyMongoError(err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: put %s/%s raced %d times", ErrConflict, collection, id, maxPutAttempts)
}

func versionCondition(v int64) bson.E {
	if v == 0 {
		return bson.E{Key: mongoVersionField, Value: bson.D{{Key: "$exists", Value: false}}}
	}
	return bson.E{Key: mongoVersionField, Value: v}
}

func (s *MongoStore) Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) error {
	update, err := buildUpdate(mutations)
	if err != nil {
		return err
	}
	o := collectOptions(opts)
	filter, err := buildUpdateFilter(id, o)
	if err != nil {
		return err
	}

	c := s.coll(collection)
	res, err := c.UpdateOne(ctx, filter, update)
	if err != nil {
		return classifyMongoError(err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if !o.hasPreconditions() {
		return ErrNotFound
	}
	n, err := c.CountDocuments(ctx, idFilter(id), options.Count().SetLimit(1))
	if err != nil {
		return classifyMongoError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.coll(collection).DeleteOne(ctx, idFilter(id))
	if err != nil {
		return classifyMongoError(err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := q.Validate(s.limits); err != nil {
		return nil, err
	}
	filter, err := buildQueryFilter(q)
	if err != nil {
		return nil, err
	}
	findOpts := options.Find().SetSort(buildSort(q.OrderBy))
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.coll(q.Collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classifyMongoError(err)
	}
	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, classifyMongoError(err)
	}

	docs := make([]Document, 0, len(raws))
	for _, raw := range raws {
		docs = append(docs, fromBSON(raw))
	}
	return docs, nil
}

// Subscribe re-runs q whenever the collection's change stream reports a write.
func (s *MongoStore) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error) {
	initial, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	stream, err := s.coll(q.Collection).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, classifyMongoError(err)
	}

	sub := &subscription{query: q, ch: make(chan Snapshot, 1)}
	sub.deliver(Snapshot{Documents: initial})

	go func() {
		defer close(sub.ch)
		defer func() { _ = stream.Close(context.Background()) }()

		for stream.Next(ctx) {
			docs, err := s.Query(ctx, q)
			if err != nil {
				if ctx.Err() == nil {
					sub.deliver(Snapshot{Err: err})
				}
				return
			}
			sub.deliver(Snapshot{Documents: docs})
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			sub.deliver(Snapshot{Err: classifyMongoError(err)})
		}
	}()

	return sub.ch, nil
}

// RunTransaction runs fn inside a session transaction with snapshot reads and
// majority writes. The driver retries fn on transient transaction errors.
func (s *MongoStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return classifyMongoError(err)
	}
	defer session.EndSession(ctx)

	txnOptions := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx, mongoTx{store: s})
	}, txnOptions)
	return classifyMongoError(err)
}

// mongoTx runs operations against the session context handed to the
// transaction function, so plain store calls join the transaction.
type mongoTx struct {
	store *MongoStore
}

func (t mongoTx) Get(ctx context.Context, collection, id string) (*Document, error) {
	return t.store.Get(ctx, collection, id)
}

func (t mongoTx) Create(ctx context.Context, collection, id string, data map[string]any) error {
	return t.store.Create(ctx, collection, id, data)
}

func (t mongoTx) Update(ctx context.Context, collection, id string, mutations []Mutation, opts ...UpdateOption) error {
	return t.store.Update(ctx, collection, id, mutations, opts...)
}

func (t mongoTx) Delete(ctx context.Context, collection, id string) error {
	return t.store.Delete(ctx, collection, id)
}

// Index describes a secondary index a collection needs.
type Index struct {
	Collection string
	Keys       []Order
	Unique     bool
}

// EnsureIndexes creates the given indexes if they do not exist yet.
func (s *MongoStore) EnsureIndexes(ctx context.Context, indexes []Index) error {
	for _, idx := range indexes {
		model := mongo.IndexModel{
			Keys:    buildSort(idx.Keys),
			Options: options.Index().SetUnique(idx.Unique),
		}
		if _, err := s.coll(idx.Collection).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("create index on %s: %w", idx.Collection, classifyMongoError(err))
		}
	}
	return nil
}

func classifyMongoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func mongoField(field string) string {
	if field == DocumentID {
		return mongoIDField
	}
	return field
}

func toBSONDocument(id string, data map[string]any, version int64) bson.M {
	doc := bson.M{}
	for k, v := range resolveTimestamps(data, time.Now().UTC()) {
		doc[k] = v
	}
	doc[mongoIDField] = id
	doc[mongoVersionField] = version
	return doc
}

func buildUpdate(mutations []Mutation) (bson.D, error) {
	set := bson.M{}
	addToSet := bson.M{}
	pull := bson.M{}
	inc := bson.M{mongoVersionField: int64(1)}
	currentDate := bson.M{}
	unset := bson.M{}

	for _, m := range mutations {
		if m.Field == "" || m.Field == mongoIDField || m.Field == mongoVersionField {
			return nil, fmt.Errorf("%w: field %q cannot be mutated", ErrInvalidMutation, m.Field)
		}
		switch m.kind {
		case mutSet:
			if _, ok := m.value.(serverTimestamp); ok {
				currentDate[m.Field] = true
				continue
			}
			set[m.Field] = m.value
		case mutArrayUnion:
			addToSet[m.Field] = bson.M{"$each": bson.A(m.values)}
		case mutArrayRemove:
			pull[m.Field] = bson.M{"$in": bson.A(m.values)}
		case mutIncrement:
			inc[m.Field] = m.value
		case mutServerTimestamp:
			currentDate[m.Field] = true
		case mutDeleteField:
			unset[m.Field] = ""
		}
	}

	update := bson.D{}
	for _, op := range []struct {
		name string
		doc  bson.M
	}{
		{"$set", set},
		{"$addToSet", addToSet},
		{"$pull", pull},
		{"$inc", inc},
		{"$currentDate", currentDate},
		{"$unset", unset},
	} {
		if len(op.doc) > 0 {
			update = append(update, bson.E{Key: op.name, Value: op.doc})
		}
	}
	return update, nil
}

func buildUpdateFilter(id string, o updateOptions) (bson.D, error) {
	filter := idFilter(id)
	if o.version != nil {
		filter = append(filter, versionCondition(*o.version))
	}
	if len(o.conditions) == 0 {
		return filter, nil
	}
	conds := bson.A{}
	for _, f := range o.conditions {
		c, err := buildCondition(f)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return append(filter, bson.E{Key: "$and", Value: conds}), nil
}

var mongoOperators = map[Operator]string{
	OpEq:  "$eq",
	OpIn:  "$in",
	OpGt:  "$gt",
	OpGte: "$gte",
	OpLt:  "$lt",
	OpLte: "$lte",
}

func buildCondition(f Filter) (bson.D, error) {
	field := mongoField(f.Field)
	if f.Op == OpArrayContains {
		return bson.D{{Key: field, Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$eq", Value: f.Value}}}}}}, nil
	}
	op, ok := mongoOperators[f.Op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
	}
	value := f.Value
	if vals, isList := value.([]any); isList {
		value = bson.A(vals)
	}
	return bson.D{{Key: field, Value: bson.D{{Key: op, Value: value}}}}, nil
}

func buildQueryFilter(q Query) (bson.D, error) {
	conds := bson.A{}
	for _, f := range q.Filters {
		c, err := buildCondition(f)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	for _, o := range q.OrderBy {
		if o.Field == DocumentID {
			continue
		}
		conds = append(conds, bson.D{{Key: o.Field, Value: bson.D{{Key: "$exists", Value: true}}}})
	}
	if len(q.StartAfter) > 0 {
		conds = append(conds, buildCursorCondition(q.OrderBy, q.StartAfter))
	}
	if len(conds) == 0 {
		return bson.D{}, nil
	}
	return bson.D{{Key: "$and", Value: conds}}, nil
}

// buildCursorCondition expresses "strictly after cursor" for a compound sort
// as a disjunction: k1 beyond c1, or k1 = c1 and k2 beyond c2, and so on.
func buildCursorCondition(order []Order, cursor []any) bson.D {
	or := bson.A{}
	for i := range cursor {
		clause := bson.D{}
		for j := 0; j < i; j++ {
			clause = append(clause, bson.E{Key: mongoField(order[j].Field), Value: bson.D{{Key: "$eq", Value: cursor[j]}}})
		}
		op := "$gt"
		if order[i].Direction == Desc {
			op = "$lt"
		}
		clause = append(clause, bson.E{Key: mongoField(order[i].Field), Value: bson.D{{Key: op, Value: cursor[i]}}})
		or = append(or, clause)
	}
	return bson.D{{Key: "$or", Value: or}}
}

func buildSort(order []Order) bson.D {
	sort := bson.D{}
	hasID := false
	for _, o := range order {
		dir := 1
		if o.Direction == Desc {
			dir = -1
		}
		field := mongoField(o.Field)
		if field == mongoIDField {
			hasID = true
		}
		sort = append(sort, bson.E{Key: field, Value: dir})
	}
	if !hasID {
		sort = append(sort, bson.E{Key: mongoIDField, Value: 1})
	}
	return sort
}

func fromBSON(raw bson.M) Document {
	doc := Document{Data: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case mongoIDField:
			doc.ID = fmt.Sprint(fromBSONValue(v))
		case mongoVersionField:
			if n, ok := fromBSONValue(v).(int64); ok {
				doc.Version = n
			}
		default:
			doc.Data[k] = fromBSONValue(v)
		}
	}
	return doc
}

func fromBSONValue(v any) any {
	switch x := v.(type) {
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.ObjectID:
		return x.Hex()
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case primitive.A:
		return fromBSONSlice(x)
	case []any:
		return fromBSONSlice(x)
	case primitive.M:
		return fromBSONMap(x)
	case map[string]any:
		return fromBSONMap(x)
	case primitive.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	}
	return v
}

func fromBSONSlice(in []any) []any {
	out := make([]any, len(in))
	for i, e := range in {
		out[i] = fromBSONValue(e)
	}
	return out
}

func fromBSONMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, e := range in {
		out[k] = fromBSONValue(e)
	}
	return out
}
