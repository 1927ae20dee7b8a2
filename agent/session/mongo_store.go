package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/gander-ai/gander/types"
)

// sessionDocument is the Mongo document for one session. Messages are
// stored as their JSON encodings inside the document, matching the
// payload format of the Redis and GORM backends.
type sessionDocument struct {
	ID               string    `bson:"_id"`
	Description      string    `bson:"description,omitempty"`
	WorkingDir       string    `bson:"working_dir,omitempty"`
	StartedAt        time.Time `bson:"started_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
	MessageCount     int       `bson:"message_count"`
	PromptTokens     int       `bson:"prompt_tokens"`
	CompletionTokens int       `bson:"completion_tokens"`
	TotalTokens      int       `bson:"total_tokens"`
	Cost             float64   `bson:"cost"`
	Messages         []string  `bson:"messages,omitempty"`
}

// MongoStore is a MongoDB implementation of Store. Each session is one
// document in the sessions collection, appended to in place.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore creates a new MongoDB-based session store.
func NewMongoStore(cfg MongoConfig) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "gander"
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection("sessions"),
	}, nil
}

// Load returns the session with the given id.
func (s *MongoStore) Load(ctx context.Context, id string) (*Session, error) {
	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(doc.Messages))
	for _, payload := range doc.Messages {
		var msg types.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode session message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	return &Session{Metadata: metadataFromDocument(doc), Messages: msgs}, nil
}

// Append adds messages to the session log.
func (s *MongoStore) Append(ctx context.Context, id string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	payloads, err := messagePayloads(msgs)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"messages": bson.M{"$each": payloads}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Replace overwrites the session log.
func (s *MongoStore) Replace(ctx context.Context, id string, msgs []types.Message) error {
	payloads, err := messagePayloads(msgs)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"messages": payloads}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMetadata creates or updates the session metadata record.
func (s *MongoStore) SaveMetadata(ctx context.Context, meta Metadata) error {
	if meta.ID == "" {
		return ErrInvalidInput
	}

	normalizeMetadata(&meta)

	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": meta.ID},
		bson.M{"$set": bson.M{
			"description":       meta.Description,
			"working_dir":       meta.WorkingDir,
			"started_at":        meta.StartedAt,
			"updated_at":        meta.UpdatedAt,
			"message_count":     meta.MessageCount,
			"prompt_tokens":     meta.TokenUsage.PromptTokens,
			"completion_tokens": meta.TokenUsage.CompletionTokens,
			"total_tokens":      meta.TokenUsage.TotalTokens,
			"cost":              meta.TokenUsage.Cost,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// List returns metadata for all sessions, most recently updated first.
func (s *MongoStore) List(ctx context.Context) ([]Metadata, error) {
	cursor, err := s.coll.Find(ctx, bson.M{},
		options.Find().
			SetSort(bson.D{{Key: "updated_at", Value: -1}}).
			SetProjection(bson.M{"messages": 0}),
	)
	if err != nil {
		return nil, err
	}

	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	metas := make([]Metadata, 0, len(docs))
	for _, doc := range docs {
		metas = append(metas, metadataFromDocument(doc))
	}
	return metas, nil
}

// Delete removes the session document.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// messagePayloads encodes messages as JSON strings.
func messagePayloads(msgs []types.Message) ([]string, error) {
	payloads := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		payloads = append(payloads, string(data))
	}
	return payloads, nil
}

func metadataFromDocument(doc sessionDocument) Metadata {
	return Metadata{
		ID:           doc.ID,
		Description:  doc.Description,
		WorkingDir:   doc.WorkingDir,
		StartedAt:    doc.StartedAt,
		UpdatedAt:    doc.UpdatedAt,
		MessageCount: doc.MessageCount,
		TokenUsage: types.TokenUsage{
			PromptTokens:     doc.PromptTokens,
			CompletionTokens: doc.CompletionTokens,
			TotalTokens:      doc.TotalTokens,
			Cost:             doc.Cost,
		},
	}
}

// Ensure MongoStore implements Store
var _ Store = (*MongoStore)(nil)
