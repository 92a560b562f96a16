package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type contactEdge struct {
	OwnerID   string `bson:"owner_id"`
	ContactID string `bson:"contact_id"`
}

// AddContact upserts the directed (owner, contact) edge. The unique compound
// index makes a duplicate add a no-op; created reports whether a new edge was
// written.
func (m *Mongo) AddContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	res, err := m.db.Collection(colContacts).UpdateOne(ctx,
		bson.M{"owner_id": ownerID, "contact_id": contactID},
		bson.M{"$setOnInsert": contactEdge{OwnerID: ownerID, ContactID: contactID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

// Contacts returns the full user document for every contact of ownerID.
func (m *Mongo) Contacts(ctx context.Context, ownerID string) ([]User, error) {
	cur, err := m.db.Collection(colContacts).Find(ctx, bson.M{"owner_id": ownerID})
	if err != nil {
		return nil, err
	}
	var edges []contactEdge
	if err := cur.All(ctx, &edges); err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.ContactID)
	}
	ucur, err := m.db.Collection(colUsers).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var users []User
	if err := ucur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}
