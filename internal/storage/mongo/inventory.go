package mongo

import (
	"context"
	"errors"
	"time"

	"bookwise/internal/catalog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type titleDoc struct {
	ID              string    `bson:"_id"`
	TotalCopies     int       `bson:"total_copies"`
	AvailableCopies int       `bson:"available_copies"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

func (d titleDoc) title() (catalog.Title, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return catalog.Title{}, err
	}
	return catalog.Title{ID: id, TotalCopies: d.TotalCopies, AvailableCopies: d.AvailableCopies}, nil
}

type InventoryStore struct {
	col *mongo.Collection
}

func NewInventoryStore(db *mongo.Database) *InventoryStore {
	return &InventoryStore{col: db.Collection(collectionTitles)}
}

var _ catalog.InventoryStore = (*InventoryStore)(nil)

func (s *InventoryStore) GetAvailability(ctx context.Context, titleID uuid.UUID) (catalog.Availability, error) {
	var doc titleDoc
	err := s.col.FindOne(ctx, bson.M{"_id": titleID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return catalog.Availability{}, catalog.ErrTitleNotFound
	}
	if err != nil {
		return catalog.Availability{}, wrap("get availability", err)
	}
	return catalog.Availability{Total: doc.TotalCopies, Available: doc.AvailableCopies}, nil
}

// TryReserveCopy matches only documents with a copy left, so the check and
// the decrement are one server-side operation.
func (s *InventoryStore) TryReserveCopy(ctx context.Context, titleID uuid.UUID) (catalog.Reservation, bool, error) {
	now := time.Now().UTC()
	var doc titleDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": titleID.String(), "available_copies": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"available_copies": -1}, "$set": bson.M{"updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetAvailability(ctx, titleID); err != nil {
			return catalog.Reservation{}, false, err
		}
		return catalog.Reservation{}, false, nil
	}
	if err != nil {
		return catalog.Reservation{}, false, wrap("reserve copy", err)
	}
	return catalog.Reservation{TitleID: titleID, Remaining: doc.AvailableCopies, ReservedAt: now}, true, nil
}

// ReleaseCopy only increments while below total; a title already at total
// is left as is.
func (s *InventoryStore) ReleaseCopy(ctx context.Context, titleID uuid.UUID) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{
			"_id":   titleID.String(),
			"$expr": bson.M{"$lt": bson.A{"$available_copies", "$total_copies"}},
		},
		bson.M{"$inc": bson.M{"available_copies": 1}, "$set": bson.M{"updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return wrap("release copy", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetAvailability(ctx, titleID); err != nil {
			return err
		}
	}
	return nil
}

func (s *InventoryStore) CreateTitle(ctx context.Context, title catalog.Title) error {
	if err := title.Validate(); err != nil {
		return err
	}
	_, err := s.col.InsertOne(ctx, titleDoc{
		ID:              title.ID.String(),
		TotalCopies:     title.TotalCopies,
		AvailableCopies: title.AvailableCopies,
		UpdatedAt:       time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return catalog.ErrTitleExists
	}
	if err != nil {
		return wrap("create title", err)
	}
	return nil
}

func (s *InventoryStore) ListTitles(ctx context.Context) ([]catalog.Title, error) {
	cur, err := s.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrap("list titles", err)
	}
	var docs []titleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("decode titles", err)
	}

	titles := make([]catalog.Title, 0, len(docs))
	for _, d := range docs {
		t, err := d.title()
		if err != nil {
			return nil, err
		}
		titles = append(titles, t)
	}
	return titles, nil
}
