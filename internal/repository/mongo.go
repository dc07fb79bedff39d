package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capstone-brain/backend/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names
const (
	accountsCollection = "Users"
	chatsCollection    = "Chats"
)

// NewMongoStore ensures indexes and returns mongo-backed repositories
func NewMongoStore(ctx context.Context, db *mongo.Database) (*Store, error) {
	accounts := NewMongoAccountRepository(db)
	chats := NewMongoChatRepository(db)

	if _, err := accounts.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to create account email index: %w", err)
	}
	if _, err := chats.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userEmail", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("failed to create chat owner index: %w", err)
	}

	return &Store{
		Accounts: accounts,
		Chats:    chats,
		Ping: func(ctx context.Context) error {
			return db.Client().Ping(ctx, readpref.Primary())
		},
	}, nil
}

type MongoAccountRepository struct {
	col *mongo.Collection
}

func NewMongoAccountRepository(db *mongo.Database) *MongoAccountRepository {
	return &MongoAccountRepository{col: db.Collection(accountsCollection)}
}

func (r *MongoAccountRepository) Create(ctx context.Context, account *models.Account) error {
	if _, err := r.col.InsertOne(ctx, account); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *MongoAccountRepository) findOne(ctx context.Context, filter bson.M) (*models.Account, error) {
	var account models.Account
	if err := r.col.FindOne(ctx, filter).Decode(&account); err != nil {
		return nil, translateMongo(err)
	}
	return &account, nil
}

func (r *MongoAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *MongoAccountRepository) List(ctx context.Context) ([]models.Account, error) {
	cur, err := r.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	accounts := []models.Account{}
	if err := cur.All(ctx, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *MongoAccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"passwordHash": passwordHash, "updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoAccountRepository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"lastLogin": at}})
	return err
}

func (r *MongoAccountRepository) Delete(ctx context.Context, id string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoChatRepository stores each chat as one document with an embedded messages array
type MongoChatRepository struct {
	col *mongo.Collection
}

func NewMongoChatRepository(db *mongo.Database) *MongoChatRepository {
	return &MongoChatRepository{col: db.Collection(chatsCollection)}
}

func (r *MongoChatRepository) Create(ctx context.Context, chat *models.Chat) error {
	if chat.Messages == nil {
		chat.Messages = []models.Message{}
	}
	_, err := r.col.InsertOne(ctx, chat)
	return err
}

func (r *MongoChatRepository) Get(ctx context.Context, id, ownerEmail string) (*models.Chat, error) {
	var chat models.Chat
	err := r.col.FindOne(ctx, bson.M{"_id": id, "userEmail": ownerEmail}).Decode(&chat)
	if err != nil {
		return nil, translateMongo(err)
	}
	return &chat, nil
}

func (r *MongoChatRepository) ListByOwner(ctx context.Context, ownerEmail string) ([]models.Chat, error) {
	cur, err := r.col.Find(ctx, bson.M{"userEmail": ownerEmail}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	chats := []models.Chat{}
	if err := cur.All(ctx, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *MongoChatRepository) AppendMessages(ctx context.Context, id, ownerEmail string, messages ...models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": id, "userEmail": ownerEmail},
		bson.M{
			"$push": bson.M{"messages": bson.M{"$each": messages}},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoChatRepository) Delete(ctx context.Context, id, ownerEmail string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id, "userEmail": ownerEmail})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoChatRepository) DeleteByOwner(ctx context.Context, ownerEmail string) (int64, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"userEmail": ownerEmail})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func translateMongo(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
