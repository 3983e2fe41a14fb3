package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lionchief-bridge/pkg/entry"
)

const entriesCollection = "entries"

// MongoStore implementa entry.Store no MongoDB (ex: Atlas, para vários bridges).
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore inicializa a conexão com o MongoDB e garante o índice único por MAC.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty (set MONGODB_URI)")
	}

	dbLog := logrus.WithField("component", "db")
	dbLog.Info("Conectando ao MongoDB...")
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	// Testa a conexão
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(entriesCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "mac_address", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create mac index: %w", err)
	}

	dbLog.Info("✅ Conectado ao MongoDB com sucesso!")
	return &MongoStore{client: client, coll: coll}, nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *MongoStore) List(ctx context.Context) ([]entry.Entry, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []entry.Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*entry.Entry, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) GetByMAC(ctx context.Context, mac string) (*entry.Entry, error) {
	return s.findOne(ctx, bson.D{{Key: "mac_address", Value: entry.NormalizeMAC(mac)}})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D) (*entry.Entry, error) {
	var e entry.Entry
	err := s.coll.FindOne(ctx, filter).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *MongoStore) Create(ctx context.Context, e *entry.Entry) error {
	if !entry.ValidMAC(e.MACAddress) {
		return entry.ErrInvalidMAC
	}
	e.MACAddress = entry.NormalizeMAC(e.MACAddress)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.coll.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", e.MACAddress, entry.ErrAlreadyConfigured)
	}
	return err
}

func (s *MongoStore) Update(ctx context.Context, e *entry.Entry) error {
	current, err := s.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if entry.NormalizeMAC(e.MACAddress) != current.MACAddress {
		return entry.ErrImmutableMAC
	}
	_, err = s.coll.UpdateByID(ctx, e.ID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "name", Value: e.Name},
		{Key: "service_uuid", Value: e.ServiceUUID},
		{Key: "train_model", Value: e.TrainModel},
	}}})
	return err
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return entry.ErrNotFound
	}
	return nil
}
