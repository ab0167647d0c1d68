// Package catalog holds the product listing served by the API and mirrored into the local cache.
package catalog

import "time"

// Product is a sellable item. Stock is authoritative only on the server.
type Product struct {
	ProductID string    `json:"product_id" dynamodbav:"product_id" validate:"required"` // PK
	Name      string    `json:"name" dynamodbav:"name" validate:"required"`
	Category  string    `json:"category,omitempty" dynamodbav:"category,omitempty"`
	Price     float64   `json:"price" dynamodbav:"price" validate:"gt=0"`
	Stock     int       `json:"stock" dynamodbav:"stock" validate:"gte=0"`
	Sizes     []string  `json:"sizes,omitempty" dynamodbav:"sizes,omitempty"`
	Colors    []string  `json:"colors,omitempty" dynamodbav:"colors,omitempty"`
	ImageURL  string    `json:"image_url,omitempty" dynamodbav:"image_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// InStock reports whether qty units can be sold.
func (p Product) InStock(qty int) bool {
	return qty > 0 && p.Stock >= qty
}
