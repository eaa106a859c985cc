package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dentiq/payrecon/internal/payment"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
}

// mongoSession is the stored document. Amount is kept as a decimal string so
// no precision is lost through BSON doubles.
type mongoSession struct {
	LocalID       string     `bson:"_id"`
	ExternalRef   string     `bson:"external_ref"`
	Amount        string     `bson:"amount"`
	Currency      string     `bson:"currency"`
	Status        string     `bson:"status"`
	Attempts      int        `bson:"attempts"`
	MaxAttempts   int        `bson:"max_attempts"`
	LastCheckedAt *time.Time `bson:"last_checked_at,omitempty"`
	RedirectURL   string     `bson:"redirect_url"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	FinalizedAt   *time.Time `bson:"finalized_at,omitempty"`
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database, collection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if collection == "" {
		collection = DefaultTableName
	}
	store := &MongoDBStore{
		client:   client,
		sessions: client.Database(database).Collection(collection),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// createIndexes creates necessary indexes for the session collection.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	// _id is the localId and already unique.
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "external_ref", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	return nil
}

// CreateSession inserts a new session document.
func (s *MongoDBStore) CreateSession(ctx context.Context, session payment.Session) error {
	if err := validateAndPrepareSession(&session); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.sessions.InsertOne(ctx, toMongoSession(session))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetSession retrieves a session by localId.
func (s *MongoDBStore) GetSession(ctx context.Context, localID string) (payment.Session, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	return s.findOne(ctx, bson.M{"_id": localID})
}

// FindByExternalRef retrieves the session bound to ref.
func (s *MongoDBStore) FindByExternalRef(ctx context.Context, ref string) (payment.Session, error) {
	if ref == "" {
		return payment.Session{}, ErrNotFound
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	return s.findOne(ctx, bson.M{"external_ref": ref})
}

func (s *MongoDBStore) findOne(ctx context.Context, filter bson.M) (payment.Session, error) {
	var doc mongoSession
	err := s.sessions.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return payment.Session{}, ErrNotFound
	}
	if err != nil {
		return payment.Session{}, err
	}
	return fromMongoSession(doc)
}

// ListActiveSessions returns non-terminal sessions ordered by creation time.
func (s *MongoDBStore) ListActiveSessions(ctx context.Context) ([]payment.Session, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"status": bson.M{"$nin": terminalStatusStrings()}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []payment.Session
	for cursor.Next(ctx) {
		var doc mongoSession
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		session, err := fromMongoSession(doc)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, cursor.Err()
}

// BindExternalRef sets external_ref only while it is still empty.
func (s *MongoDBStore) BindExternalRef(ctx context.Context, localID, ref string) (payment.Session, error) {
	if ref == "" {
		return payment.Session{}, fmt.Errorf("storage: empty external reference")
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": localID, "external_ref": ""}
	update := bson.M{"$set": bson.M{"external_ref": ref, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoSession
	err := s.sessions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return fromMongoSession(doc)
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return payment.Session{}, err
	}

	current, err := s.findOne(ctx, bson.M{"_id": localID})
	if err != nil {
		return payment.Session{}, err
	}
	if _, err := checkBinding(current, ref); err != nil {
		return current, err
	}
	return current, nil
}

// CommitStatus updates the document only while its status is non-terminal.
func (s *MongoDBStore) CommitStatus(ctx context.Context, c Commit) (payment.Session, bool, error) {
	if err := validateCommit(c); err != nil {
		return payment.Session{}, false, err
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{"status": string(c.Status), "updated_at": at}
	if c.Status.IsTerminal() {
		set["finalized_at"] = at
	}
	maxFields := bson.M{"attempts": c.Attempts}
	if !c.LastCheckedAt.IsZero() {
		maxFields["last_checked_at"] = c.LastCheckedAt.UTC()
	}

	filter := bson.M{"_id": c.LocalID, "status": bson.M{"$nin": terminalStatusStrings()}}
	update := bson.M{"$set": set, "$max": maxFields}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoSession
	err := s.sessions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		session, convErr := fromMongoSession(doc)
		return session, true, convErr
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return payment.Session{}, false, fmt.Errorf("commit status: %w", err)
	}

	current, err := s.findOne(ctx, bson.M{"_id": c.LocalID})
	if err != nil {
		return payment.Session{}, false, err
	}
	return current, false, nil
}

// DeleteSession removes a session document.
func (s *MongoDBStore) DeleteSession(ctx context.Context, localID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.sessions.DeleteOne(ctx, bson.M{"_id": localID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMongoSession(s payment.Session) mongoSession {
	doc := mongoSession{
		LocalID:     s.LocalID,
		ExternalRef: s.ExternalRef,
		Amount:      s.Amount.String(),
		Currency:    s.Currency,
		Status:      string(s.Status),
		Attempts:    s.Attempts,
		MaxAttempts: s.MaxAttempts,
		RedirectURL: s.RedirectURL,
		CreatedAt:   s.CreatedAt.UTC(),
		UpdatedAt:   s.UpdatedAt.UTC(),
		FinalizedAt: s.FinalizedAt,
	}
	if !s.LastCheckedAt.IsZero() {
		doc.LastCheckedAt = ptrTime(s.LastCheckedAt.UTC())
	}
	return doc
}

func fromMongoSession(doc mongoSession) (payment.Session, error) {
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return payment.Session{}, fmt.Errorf("session %s: parse amount: %w", doc.LocalID, err)
	}
	status, err := payment.ParseStatus(doc.Status)
	if err != nil {
		return payment.Session{}, fmt.Errorf("session %s: %w", doc.LocalID, err)
	}
	s := payment.Session{
		LocalID:     doc.LocalID,
		ExternalRef: doc.ExternalRef,
		Amount:      amount,
		Currency:    doc.Currency,
		Status:      status,
		Attempts:    doc.Attempts,
		MaxAttempts: doc.MaxAttempts,
		RedirectURL: doc.RedirectURL,
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}
	if doc.LastCheckedAt != nil {
		s.LastCheckedAt = doc.LastCheckedAt.UTC()
	}
	if doc.FinalizedAt != nil {
		s.FinalizedAt = ptrTime(doc.FinalizedAt.UTC())
	}
	return s, nil
}
