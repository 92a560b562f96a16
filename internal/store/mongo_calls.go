package store

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// InsertCall writes one finished call record with its embedded transcript.
func (m *Mongo) InsertCall(ctx context.Context, rec CallRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Transcripts == nil {
		rec.Transcripts = []TranscriptLine{}
	}
	if _, err := m.db.Collection(colCalls).InsertOne(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// CallHistory returns up to limit calls involving userID, newest first.
func (m *Mongo) CallHistory(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"caller_id": userID},
		bson.M{"callee_id": userID},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := m.db.Collection(colCalls).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var recs []CallRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
