package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// New returns a configured validator with the order rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// accepts orders.Status as well as raw strings; aliases count as valid
	mustRegister(v, "order_status", func(fl validatorv10.FieldLevel) bool {
		_, err := orders.ParseStatus(fl.Field().String())
		return err == nil
	})

	// the totals carried by an order must agree with its line items (within cents)
	v.RegisterStructValidation(orderStructValidation, orders.Order{})

	return v
}

// mustRegister panics when a rule cannot be registered; that is a programming
// error and every validator built afterwards would silently skip the rule.
func mustRegister(v *validatorv10.Validate, tag string, fn validatorv10.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", tag, err))
	}
}

func orderStructValidation(sl validatorv10.StructLevel) {
	o := sl.Current().Interface().(orders.Order)

	sum := o.ItemsSubtotal()
	if orders.Cents(sum) != orders.Cents(o.Subtotal) {
		sl.ReportError(o.Subtotal, "subtotal", "Subtotal", "subtotal_match_items", fmt.Sprintf("items sum %.2f != subtotal %.2f", sum, o.Subtotal))
	}
	if orders.Cents(o.Subtotal)+orders.Cents(o.ShippingFee) != orders.Cents(o.Total) {
		sl.ReportError(o.Total, "total", "Total", "total_match_subtotal", fmt.Sprintf("subtotal %.2f + shipping %.2f != total %.2f", o.Subtotal, o.ShippingFee, o.Total))
	}
}
