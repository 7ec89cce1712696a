package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
)

const (
	contactsCollection = "contacts"
	countersCollection = "counters"
	contactsCounterID  = "contacts"
)

// MongoDB wraps a connected client and the database holding contacts
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongo connects to MongoDB and ensures the contact indexes exist
func NewMongo(ctx context.Context, uri, database string) (*MongoDB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := &MongoDB{Client: client, Database: client.Database(database)}
	if err := db.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return db, nil
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	_, err := m.Database.Collection(contactsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}},
		{Keys: bson.D{{Key: "phone_number", Value: 1}}},
		{Keys: bson.D{{Key: "linked_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create contact indexes: %w", err)
	}
	return nil
}

// Health pings the primary
func (m *MongoDB) Health(ctx context.Context) error {
	return m.Client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

type contactDocument struct {
	ID             int64      `bson:"_id"`
	PhoneNumber    *string    `bson:"phone_number,omitempty"`
	Email          *string    `bson:"email,omitempty"`
	LinkedID       *int64     `bson:"linked_id,omitempty"`
	LinkPrecedence string     `bson:"link_precedence"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty"`
}

func (d contactDocument) toModel() models.Contact {
	return models.Contact{
		ID:             d.ID,
		PhoneNumber:    d.PhoneNumber,
		Email:          d.Email,
		LinkedID:       d.LinkedID,
		LinkPrecedence: models.LinkPrecedence(d.LinkPrecedence),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		DeletedAt:      d.DeletedAt,
	}
}

// MongoContactRepository stores contacts as documents keyed by a sequential id
// drawn from a counter document, so "oldest wins" keeps working.
type MongoContactRepository struct {
	contacts *mongo.Collection
	counters *mongo.Collection
	clock    func() time.Time
}

// NewMongoContactRepository creates a repository over the given database
func NewMongoContactRepository(db *MongoDB) *MongoContactRepository {
	return &MongoContactRepository{
		contacts: db.Database.Collection(contactsCollection),
		counters: db.Database.Collection(countersCollection),
		clock:    time.Now,
	}
}

// FindMatching returns live contacts whose email or phone number equals a non-nil argument, oldest first
func (r *MongoContactRepository) FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	var or bson.A
	if email != nil {
		or = append(or, bson.M{"email": *email})
	}
	if phoneNumber != nil {
		or = append(or, bson.M{"phone_number": *phoneNumber})
	}
	if len(or) == 0 {
		return nil, nil
	}
	return r.find(ctx, bson.M{"$or": or, "deleted_at": nil})
}

// FindByIDsOrLinkedIDs returns live contacts with an id in ids or linked to one, skipping excludeIDs
func (r *MongoContactRepository) FindByIDsOrLinkedIDs(ctx context.Context, ids, excludeIDs []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{
		"$or": bson.A{
			bson.M{"_id": bson.M{"$in": ids}},
			bson.M{"linked_id": bson.M{"$in": ids}},
		},
		"deleted_at": nil,
	}
	if len(excludeIDs) > 0 {
		filter["_id"] = bson.M{"$nin": excludeIDs}
	}
	return r.find(ctx, filter)
}

// Create stores a new contact and returns it with its assigned id and timestamps
func (r *MongoContactRepository) Create(ctx context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error) {
	if !precedence.Valid() {
		return nil, fmt.Errorf("invalid link precedence %q", precedence)
	}
	id, err := r.nextID(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock().UTC().Truncate(time.Millisecond)
	doc := contactDocument{
		ID:             id,
		PhoneNumber:    phoneNumber,
		Email:          email,
		LinkedID:       linkedID,
		LinkPrecedence: string(precedence),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := r.contacts.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert contact: %w", err)
	}

	c := doc.toModel()
	return &c, nil
}

// DemoteToSecondary relinks the given contacts as secondaries of newPrimaryID
func (r *MongoContactRepository) DemoteToSecondary(ctx context.Context, ids []int64, newPrimaryID int64) error {
	if len(ids) == 0 {
		return nil
	}
	update := bson.M{"$set": bson.M{
		"link_precedence": string(models.LinkPrecedenceSecondary),
		"linked_id":       newPrimaryID,
		"updated_at":      r.clock().UTC(),
	}}
	if _, err := r.contacts.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, update); err != nil {
		return fmt.Errorf("failed to demote contacts: %w", err)
	}
	return nil
}

// nextID atomically increments the contacts counter
func (r *MongoContactRepository) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": contactsCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate contact id: %w", err)
	}
	return counter.Seq, nil
}

func (r *MongoContactRepository) find(ctx context.Context, filter bson.M) ([]models.Contact, error) {
	cursor, err := r.contacts.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	var docs []contactDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode contacts: %w", err)
	}

	contacts := make([]models.Contact, 0, len(docs))
	for _, d := range docs {
		contacts = append(contacts, d.toModel())
	}
	return contacts, nil
}
