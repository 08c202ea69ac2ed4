package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// addAttempts bounds the increment/push race on a product line that another
// writer creates concurrently.
const addAttempts = 3

type mongoRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewMongoRepository(db *mongo.Database) CartRepository {
	return &mongoRepository{
		collection: db.Collection("carts"),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (m *mongoRepository) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"_id": cartID})
}

func (m *mongoRepository) GetActive(ctx context.Context, accountID string) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"account_id": accountID, "status": string(domain.StatusActive)})
}

func (m *mongoRepository) findOne(ctx context.Context, filter bson.M) (*domain.Cart, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return doc.toDomain()
}

func (m *mongoRepository) CreateCart(ctx context.Context, cart *domain.Cart) error {
	now := m.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	doc, err := toDocument(cart)
	if err != nil {
		return err
	}
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrActiveCartExists
		}
		return fmt.Errorf("failed to create cart: %w", err)
	}
	return nil
}

// AddItem increments the quantity of the line for item.ProductID, or pushes
// item as a new line. An existing line keeps its price and snapshot.
func (m *mongoRepository) AddItem(ctx context.Context, cartID string, item domain.CartItem) (*domain.Cart, error) {
	itemDoc, err := toItemDocument(item)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < addAttempts; attempt++ {
		now := m.now()
		cart, err := m.update(ctx,
			activeFilter(cartID, bson.E{Key: "items.product_id", Value: item.ProductID}),
			bson.M{
				"$inc": bson.M{"items.$.quantity": item.Quantity},
				"$set": bson.M{"updated_at": now},
			})
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return cart, wrap("failed to increment item", err)
		}

		cart, err = m.update(ctx,
			activeFilter(cartID, bson.E{Key: "items.product_id", Value: bson.M{"$ne": item.ProductID}}),
			bson.M{
				"$push": bson.M{"items": itemDoc},
				"$set":  bson.M{"updated_at": now},
			})
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return cart, wrap("failed to add new item", err)
		}

		if err := m.explainMiss(ctx, cartID); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to add item to cart %s: concurrent updates", cartID)
}

func (m *mongoRepository) UpdateItemQuantity(ctx context.Context, cartID, itemID string, quantity int) (*domain.Cart, error) {
	cart, err := m.update(ctx,
		activeFilter(cartID, bson.E{Key: "items.item_id", Value: itemID}),
		bson.M{
			"$set": bson.M{
				"items.$.quantity": quantity,
				"updated_at":       m.now(),
			},
		})
	if errors.Is(err, mongo.ErrNoDocuments) {
		if err := m.explainMiss(ctx, cartID); err != nil {
			return nil, err
		}
		return nil, ErrItemNotFound
	}
	return cart, wrap("failed to update item quantity", err)
}

// RemoveItem pulls the line for productID. Removing a product that is not in
// the cart is not an error.
func (m *mongoRepository) RemoveItem(ctx context.Context, cartID string, productID int64) (*domain.Cart, error) {
	cart, err := m.update(ctx,
		activeFilter(cartID),
		bson.M{
			"$pull": bson.M{"items": bson.M{"product_id": productID}},
			"$set":  bson.M{"updated_at": m.now()},
		})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.explainMiss(ctx, cartID)
	}
	return cart, wrap("failed to remove item", err)
}

func (m *mongoRepository) ClearItems(ctx context.Context, cartID string) (*domain.Cart, error) {
	cart, err := m.update(ctx,
		activeFilter(cartID),
		bson.M{"$set": bson.M{"items": bson.A{}, "updated_at": m.now()}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.explainMiss(ctx, cartID)
	}
	return cart, wrap("failed to clear cart", err)
}

// SetStatus moves an ACTIVE cart to status. Setting the status a cart
// already has is a no-op; an ORDERED cart never goes back to ACTIVE.
func (m *mongoRepository) SetStatus(ctx context.Context, cartID string, status domain.Status) (*domain.Cart, error) {
	cart, err := m.update(ctx,
		activeFilter(cartID),
		bson.M{"$set": bson.M{"status": string(status), "updated_at": m.now()}})
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return cart, wrap("failed to set cart status", err)
	}

	current, err := m.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}
	return nil, ErrCartNotActive
}

func (m *mongoRepository) update(ctx context.Context, filter bson.D, update bson.M) (*domain.Cart, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc cartDocument
	if err := m.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.toDomain()
}

// explainMiss turns a write that matched nothing into ErrCartNotFound or
// ErrCartNotActive. It returns nil when the cart exists and is ACTIVE.
func (m *mongoRepository) explainMiss(ctx context.Context, cartID string) error {
	cart, err := m.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	if cart.Status != domain.StatusActive {
		return ErrCartNotActive
	}
	return nil
}

const (
	orderedTTLIndex  = "ordered_updated_at_ttl"
	orderedRetention = int32(90 * 24 * 60 * 60)
)

func (m *mongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			// one ACTIVE cart per account
			Keys: bson.D{{Key: "account_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(domain.StatusActive)}),
		},
		{
			// ACTIVE carts never expire; only checked-out ones age out
			Keys: bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().
				SetName(orderedTTLIndex).
				SetExpireAfterSeconds(orderedRetention).
				SetPartialFilterExpression(bson.M{"status": string(domain.StatusOrdered)}),
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

func activeFilter(cartID string, extra ...bson.E) bson.D {
	filter := bson.D{
		{Key: "_id", Value: cartID},
		{Key: "status", Value: string(domain.StatusActive)},
	}
	return append(filter, extra...)
}

func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// CreateIndexes prepares the carts collection of db.
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	repo := &mongoRepository{collection: db.Collection("carts")}
	return repo.CreateIndexes(ctx)
}
