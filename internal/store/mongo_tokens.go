package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func (m *Mongo) SaveRefreshToken(ctx context.Context, rt RefreshToken) error {
	_, err := m.db.Collection(colRefreshTokens).InsertOne(ctx, rt)
	return err
}

// ConsumeRefreshToken revokes a live token matching jti+hash in a single
// find-and-update step. The compare-and-set on revoked:false is what makes a
// rotated token single-use even under concurrent replays.
func (m *Mongo) ConsumeRefreshToken(ctx context.Context, jti, tokenHash string) error {
	now := time.Now().UTC()
	res := m.db.Collection(colRefreshTokens).FindOneAndUpdate(ctx,
		bson.M{
			"jti":        jti,
			"token_hash": tokenHash,
			"revoked":    false,
			"expires_at": bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{
			"revoked":       true,
			"revoked_at":    now,
			"revoke_reason": "rotated",
		}},
	)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrTokenSpent
		}
		return err
	}
	return nil
}

func (m *Mongo) RevokeToken(ctx context.Context, jti, reason string) error {
	_, err := m.db.Collection(colRefreshTokens).UpdateOne(ctx,
		bson.M{"jti": jti, "revoked": false},
		bson.M{"$set": bson.M{
			"revoked":       true,
			"revoked_at":    time.Now().UTC(),
			"revoke_reason": reason,
		}},
	)
	return err
}

// RevokeUserTokens revokes every live token for userID except replacedBy,
// which is the already-saved successor of a rotation. Empty replacedBy
// (logout) revokes everything.
func (m *Mongo) RevokeUserTokens(ctx context.Context, userID, replacedBy string) error {
	filter := bson.M{"user_id": userID, "revoked": false}
	set := bson.M{
		"revoked":    true,
		"revoked_at": time.Now().UTC(),
	}
	if replacedBy != "" {
		filter["jti"] = bson.M{"$ne": replacedBy}
		set["replaced_by_jti"] = replacedBy
	}
	_, err := m.db.Collection(colRefreshTokens).UpdateMany(ctx, filter, bson.M{"$set": set})
	return err
}
