package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CreateUser inserts a new user. Username uniqueness is enforced by the
// unique index; violations surface as ErrUsernameTaken.
func (m *Mongo) CreateUser(ctx context.Context, u User) (string, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := m.db.Collection(colUsers).InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return "", ErrUsernameTaken
	}
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (m *Mongo) UserByID(ctx context.Context, id string) (*User, error) {
	return m.findUser(ctx, bson.M{"_id": id})
}

func (m *Mongo) UserByUsername(ctx context.Context, username string) (*User, error) {
	return m.findUser(ctx, bson.M{"username": username})
}

func (m *Mongo) findUser(ctx context.Context, filter bson.M) (*User, error) {
	var u User
	err := m.db.Collection(colUsers).FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (m *Mongo) SetModelPreference(ctx context.Context, userID, model string) error {
	res, err := m.db.Collection(colUsers).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"model_preference": model}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
