package store

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the production Store backed by mongo-driver.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

const (
	colUsers         = "users"
	colContacts      = "contacts"
	colCalls         = "calls"
	colRefreshTokens = "refresh_tokens"
)

// Connect dials MongoDB, verifies the connection, and ensures indexes.
func Connect(ctx context.Context, uri, dbName string, log zerolog.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	m := &Mongo{client: client, db: client.Database(dbName), log: log}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	log.Info().
		Str("uri", maskDSN(uri)).
		Str("database", dbName).
		Msg("mongodb connected")
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.db.Collection(colUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(colContacts).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "contact_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(colRefreshTokens).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "jti", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(colCalls).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: -1}},
	})
	return err
}

func (m *Mongo) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	m.log.Info().Msg("disconnecting mongodb client")
	return m.client.Disconnect(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
