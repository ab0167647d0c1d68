package validation

// StatusRequest is the payload for PATCH /orders/:id/status.
// Status is parsed with orders.ParseStatus so legacy aliases are accepted.
type StatusRequest struct {
	Status string `json:"status" validate:"required,order_status"`
}
