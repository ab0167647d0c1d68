package orders

import (
	"math"
	"time"
)

// Customer is the buyer contact captured at checkout.
type Customer struct {
	Name     string `json:"name" dynamodbav:"name" validate:"required"`
	Phone    string `json:"phone" dynamodbav:"phone" validate:"required"`
	Location string `json:"location" dynamodbav:"location" validate:"required"`
}

// LineItem is a product snapshot taken when the order was placed.
type LineItem struct {
	ProductID  string            `json:"product_id" dynamodbav:"product_id" validate:"required"`
	Name       string            `json:"name" dynamodbav:"name" validate:"required"`
	UnitPrice  float64           `json:"unit_price" dynamodbav:"unit_price" validate:"gt=0"`
	Quantity   int               `json:"quantity" dynamodbav:"quantity" validate:"min=1"`
	Size       string            `json:"size,omitempty" dynamodbav:"size,omitempty"`
	Color      string            `json:"color,omitempty" dynamodbav:"color,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" dynamodbav:"attributes,omitempty"`
	ImageURL   string            `json:"image_url,omitempty" dynamodbav:"image_url,omitempty"`
}

// Order is the contract shared by the checkout path, the local cache and the remote API.
// Once created only Status (and UpdatedAt) change.
type Order struct {
	OrderID        string     `json:"order_id" dynamodbav:"order_id" validate:"required"` // PK
	Customer       Customer   `json:"customer" dynamodbav:"customer"`
	Items          []LineItem `json:"items" dynamodbav:"items" validate:"required,min=1,dive"`
	Subtotal       float64    `json:"subtotal" dynamodbav:"subtotal" validate:"gte=0"`
	ShippingFee    float64    `json:"shipping_fee" dynamodbav:"shipping_fee" validate:"gte=0"`
	Total          float64    `json:"total" dynamodbav:"total" validate:"gt=0"` // Subtotal + ShippingFee
	Status         Status     `json:"status" dynamodbav:"status" validate:"required,order_status"`
	PaymentRef     string     `json:"payment_ref,omitempty" dynamodbav:"payment_ref,omitempty"`
	ShippingMethod string     `json:"shipping_method,omitempty" dynamodbav:"shipping_method,omitempty"`
	Notes          string     `json:"notes,omitempty" dynamodbav:"notes,omitempty"`
	StockConflict  bool       `json:"stock_conflict,omitempty" dynamodbav:"stock_conflict,omitempty"` // needs manual review
	CreatedAt      time.Time  `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" dynamodbav:"updated_at"`
}

// ItemsSubtotal sums UnitPrice x Quantity over the line items.
func (o Order) ItemsSubtotal() float64 {
	var sum float64
	for _, it := range o.Items {
		sum += float64(it.Quantity) * it.UnitPrice
	}
	return sum
}

// ApplyTotals sets Subtotal from the items and Total from Subtotal + ShippingFee.
func (o *Order) ApplyTotals() {
	o.Subtotal = float64(Cents(o.ItemsSubtotal())) / 100
	o.Total = float64(Cents(o.Subtotal)+Cents(o.ShippingFee)) / 100
}

// Quantities returns the requested quantity per product, in first-seen order.
func (o Order) Quantities() ([]string, map[string]int) {
	ids := make([]string, 0, len(o.Items))
	qty := make(map[string]int, len(o.Items))
	for _, it := range o.Items {
		if _, ok := qty[it.ProductID]; !ok {
			ids = append(ids, it.ProductID)
		}
		qty[it.ProductID] += it.Quantity
	}
	return ids, qty
}

// Cents converts an amount to integer cents for exact comparisons.
func Cents(v float64) int64 {
	return int64(math.Round(v * 100))
}
