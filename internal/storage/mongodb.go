package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/reliefline/donation_verifier/internal/domain"
)

const (
	DonationsCollection        = "donations"
	BankDetailsCollection      = "organization_bank_details"
	DonationServicesCollection = "donation_services"
	ExtractionsCollection      = "donation_receipt_extractions"
)

// Collection is the part of *mongo.Collection the stores use.
type Collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// CollectionProvider hands out collections by name.
type CollectionProvider interface {
	Collection(name string) Collection
}

// DatabaseProvider adapts *mongo.Database to CollectionProvider.
type DatabaseProvider struct {
	db *mongo.Database
}

func NewDatabaseProvider(db *mongo.Database) *DatabaseProvider {
	return &DatabaseProvider{db: db}
}

func (p *DatabaseProvider) Collection(name string) Collection {
	return p.db.Collection(name)
}

// Connect opens and pings a MongoDB client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log.Println("✅ Connected to MongoDB successfully!")
	return client, nil
}

// Disconnect closes client, waiting at most 10 seconds.
func Disconnect(client *mongo.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.Printf("⚠️  MongoDB disconnect: %v", err)
		return
	}
	log.Println("MongoDB connection closed")
}

// MongoStore keeps donations, reference data and extraction audit records
// in MongoDB.
type MongoStore struct {
	provider CollectionProvider
	now      func() time.Time
}

func NewMongoStore(provider CollectionProvider) *MongoStore {
	return &MongoStore{provider: provider, now: time.Now}
}

// idFilter matches a string _id, or the ObjectID it spells when the
// documents were inserted by a driver that generated ObjectIDs.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": bson.M{"$in": bson.A{id, oid}}}
	}
	return bson.M{"_id": id}
}

// findOne decodes the first match into out, mapping no match to domain.ErrNotFound.
func (s *MongoStore) findOne(ctx context.Context, collection string, filter bson.M, out interface{}) error {
	err := s.provider.Collection(collection).FindOne(ctx, filter).Decode(out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to query %s: %w", collection, err)
	}
	return nil
}

// GetDonation loads a donation by id.
func (s *MongoStore) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	var donation domain.Donation
	if err := s.findOne(ctx, DonationsCollection, idFilter(id), &donation); err != nil {
		return nil, err
	}
	return &donation, nil
}

// UpdateDonationState writes the decision. A nil note removes the field.
func (s *MongoStore) UpdateDonationState(ctx context.Context, id string, update domain.StateUpdate) error {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	set := bson.M{
		"state":     update.State,
		"updatedAt": updatedAt,
	}
	change := bson.M{"$set": set}
	if update.Note != nil {
		set["note"] = *update.Note
	} else {
		change["$unset"] = bson.M{"note": ""}
	}

	result, err := s.provider.Collection(DonationsCollection).UpdateOne(ctx, idFilter(id), change)
	if err != nil {
		return fmt.Errorf("failed to update donation %s: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimPending stamps processingStartedAt on a pending donation that no run
// has claimed yet. It reports false when the donation is not pending or was
// already claimed.
func (s *MongoStore) ClaimPending(ctx context.Context, id string, at time.Time) (bool, error) {
	filter := idFilter(id)
	filter["state"] = domain.StatePending
	filter["processingStartedAt"] = bson.M{"$exists": false}

	result, err := s.provider.Collection(DonationsCollection).UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"processingStartedAt": at}})
	if err != nil {
		return false, fmt.Errorf("failed to claim donation %s: %w", id, err)
	}
	return result.MatchedCount > 0, nil
}

// SaveExtraction upserts the audit record for a donation; reprocessing
// replaces the earlier record.
func (s *MongoStore) SaveExtraction(ctx context.Context, record domain.ExtractionRecord) error {
	if record.ExtractedAt.IsZero() {
		record.ExtractedAt = s.now()
	}

	_, err := s.provider.Collection(ExtractionsCollection).UpdateOne(ctx,
		bson.M{"donationId": record.DonationID},
		bson.M{"$set": record},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save extraction for donation %s: %w", record.DonationID, err)
	}
	return nil
}

// GetOrganizationBankDetails loads the registered account of an organization.
func (s *MongoStore) GetOrganizationBankDetails(ctx context.Context, organizationID string) (*domain.OrganizationBankDetails, error) {
	var details domain.OrganizationBankDetails
	filter := bson.M{"organizationId": organizationID}
	if err := s.findOne(ctx, BankDetailsCollection, filter, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// GetDonationService loads a donation service by id.
func (s *MongoStore) GetDonationService(ctx context.Context, serviceID string) (*domain.DonationService, error) {
	var service domain.DonationService
	if err := s.findOne(ctx, DonationServicesCollection, idFilter(serviceID), &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// ListStalePending returns up to limit pending donations created before
// cutoff that no run has claimed, oldest first.
func (s *MongoStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int64) ([]domain.Donation, error) {
	filter := bson.M{
		"state":               domain.StatePending,
		"createdAt":           bson.M{"$lt": cutoff},
		"processingStartedAt": bson.M{"$exists": false},
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.provider.Collection(DonationsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending donations: %w", err)
	}
	defer cursor.Close(ctx)

	var donations []domain.Donation
	if err := cursor.All(ctx, &donations); err != nil {
		return nil, fmt.Errorf("failed to decode pending donations: %w", err)
	}
	return donations, nil
}
