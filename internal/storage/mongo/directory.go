package mongo

import (
	"context"
	"errors"
	"time"

	"bookwise/internal/membership"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type memberDoc struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Directory reads member standing from the members collection.
type Directory struct {
	col *mongo.Collection
}

func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{col: db.Collection(collectionMembers)}
}

var _ membership.Directory = (*Directory)(nil)

func (d *Directory) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	var doc memberDoc
	err := d.col.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return membership.Member{}, membership.ErrMemberNotFound
	}
	if err != nil {
		return membership.Member{}, wrap("get member", err)
	}
	return membership.Member{ID: id, Standing: membership.StandingFromStatus(doc.Status)}, nil
}

// UpsertMember records an account status. Used for seeding and tests.
func (d *Directory) UpsertMember(ctx context.Context, id uuid.UUID, status string) error {
	_, err := d.col.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return wrap("upsert member", err)
	}
	return nil
}
