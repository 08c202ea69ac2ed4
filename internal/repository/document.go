package repository

import (
	"fmt"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type cartDocument struct {
	ID        string         `bson:"_id"`
	AccountID string         `bson:"account_id"`
	Status    string         `bson:"status"`
	Items     []itemDocument `bson:"items"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type itemDocument struct {
	ItemID       string               `bson:"item_id"`
	ProductID    int64                `bson:"product_id"`
	Quantity     int                  `bson:"quantity"`
	UnitPriceTTC primitive.Decimal128 `bson:"unit_price_ttc"`
	DisplayName  string               `bson:"display_name"`
	ImageURL     string               `bson:"image_url"`
	AddedAt      time.Time            `bson:"added_at"`
}

func toDocument(cart *domain.Cart) (cartDocument, error) {
	doc := cartDocument{
		ID:        cart.ID,
		AccountID: cart.AccountID,
		Status:    string(cart.Status),
		Items:     make([]itemDocument, 0, len(cart.Items)),
		CreatedAt: cart.CreatedAt,
		UpdatedAt: cart.UpdatedAt,
	}
	for _, item := range cart.Items {
		itemDoc, err := toItemDocument(item)
		if err != nil {
			return cartDocument{}, err
		}
		doc.Items = append(doc.Items, itemDoc)
	}
	return doc, nil
}

func toItemDocument(item domain.CartItem) (itemDocument, error) {
	price, err := primitive.ParseDecimal128(item.UnitPriceTTC.String())
	if err != nil {
		return itemDocument{}, fmt.Errorf("encode price of product %d: %w", item.ProductID, err)
	}
	return itemDocument{
		ItemID:       item.ItemID,
		ProductID:    item.ProductID,
		Quantity:     item.Quantity,
		UnitPriceTTC: price,
		DisplayName:  item.DisplayName,
		ImageURL:     item.ImageURL,
		AddedAt:      item.AddedAt,
	}, nil
}

func (d cartDocument) toDomain() (*domain.Cart, error) {
	cart := &domain.Cart{
		ID:        d.ID,
		AccountID: d.AccountID,
		Origin:    domain.OriginAccount,
		Status:    domain.Status(d.Status),
		Items:     make([]domain.CartItem, 0, len(d.Items)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPriceTTC.String())
		if err != nil {
			return nil, fmt.Errorf("decode price of product %d: %w", item.ProductID, err)
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:    item.ProductID,
			ItemID:       item.ItemID,
			Quantity:     item.Quantity,
			UnitPriceTTC: price,
			DisplayName:  item.DisplayName,
			ImageURL:     item.ImageURL,
			AddedAt:      item.AddedAt,
			Origin:       domain.OriginAccount,
		})
	}
	return cart, nil
}
