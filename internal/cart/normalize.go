// Package cart converts client-submitted cart payloads into canonical line items
// and computes the authoritative subtotal.
package cart

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/onnwee/limestore/internal/order"
)

// Field spellings accepted for each line item attribute, in lookup order.
// Clients have used all of these at some point.
var (
	ProductRefKeys    = []string{"product_id", "productId", "id", "product"}
	QuantityKeys      = []string{"quantity"}
	UnitPriceKeys     = []string{"price", "unit_price", "unitPrice"}
	VariationRefKeys  = []string{"variation_id", "variationId", "selectedVariationId"}
	VariationNameKeys = []string{"variation_name", "variationName"}
	NameKeys          = []string{"name", "title"}
	ImageKeys         = []string{"imageUrl", "image_url", "image"}
)

// DefaultQuantity is used when a quantity is missing or unusable.
const DefaultQuantity = 1

var (
	// ErrEmptyCart is returned when no line item survives normalization.
	ErrEmptyCart = errors.New("cart has no valid items")

	// ErrInvalidItem is wrapped by ItemError in strict mode.
	ErrInvalidItem = errors.New("invalid cart item")
)

// ItemError describes the first item rejected by NormalizeStrict.
type ItemError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %s %s", e.Index, e.Field, e.Reason)
}

func (e *ItemError) Unwrap() error {
	return ErrInvalidItem
}

// Snapshot is the canonical form of a cart.
type Snapshot struct {
	Items      []order.LineItem
	Subtotal   decimal.Decimal
	TotalItems int
}

// Validate returns ErrEmptyCart if the snapshot has no items.
func (s Snapshot) Validate() error {
	if len(s.Items) == 0 {
		return ErrEmptyCart
	}
	return nil
}

// Normalize converts raw item descriptors leniently: items without a product
// reference are dropped, bad quantities become 1 and bad prices become 0.00.
func Normalize(raw []map[string]any) Snapshot {
	items := make([]order.LineItem, 0, len(raw))
	for _, entry := range raw {
		item, ok := normalizeItem(entry)
		if ok {
			items = append(items, item)
		}
	}
	return newSnapshot(items)
}

// NormalizeStrict converts raw item descriptors, rejecting any item that the
// lenient path would have dropped or coerced.
func NormalizeStrict(raw []map[string]any) (Snapshot, error) {
	items := make([]order.LineItem, 0, len(raw))
	for i, entry := range raw {
		if _, ok := ProductRef(entry); !ok {
			return Snapshot{}, &ItemError{Index: i, Field: "product reference", Reason: "is missing"}
		}
		if v, ok := lookup(entry, QuantityKeys); ok {
			if _, valid := parseQuantity(v); !valid {
				return Snapshot{}, &ItemError{Index: i, Field: "quantity", Reason: "must be a positive integer"}
			}
		}
		if v, ok := lookup(entry, UnitPriceKeys); ok {
			if _, valid := parsePrice(v); !valid {
				return Snapshot{}, &ItemError{Index: i, Field: "price", Reason: "must be a finite non-negative number"}
			}
		}
		item, _ := normalizeItem(entry)
		items = append(items, item)
	}

	s := newSnapshot(items)
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func newSnapshot(items []order.LineItem) Snapshot {
	s := Snapshot{Items: items, Subtotal: decimal.Zero}
	for _, item := range items {
		s.Subtotal = s.Subtotal.Add(item.LineTotal())
		s.TotalItems += item.Quantity
	}
	s.Subtotal = s.Subtotal.Round(2)
	return s
}

func normalizeItem(entry map[string]any) (order.LineItem, bool) {
	ref, ok := ProductRef(entry)
	if !ok {
		return order.LineItem{}, false
	}
	return order.LineItem{
		ProductRef:    ref,
		Name:          stringField(entry, NameKeys),
		Quantity:      Quantity(entry),
		UnitPrice:     UnitPrice(entry),
		VariationRef:  stringField(entry, VariationRefKeys),
		VariationName: stringField(entry, VariationNameKeys),
		ImageURL:      stringField(entry, ImageKeys),
	}, true
}

// ProductRef resolves the product reference of an item.
func ProductRef(entry map[string]any) (string, bool) {
	ref := stringField(entry, ProductRefKeys)
	return ref, ref != ""
}

// Quantity resolves the quantity of an item, falling back to DefaultQuantity.
func Quantity(entry map[string]any) int {
	v, ok := lookup(entry, QuantityKeys)
	if !ok {
		return DefaultQuantity
	}
	q, valid := parseQuantity(v)
	if !valid {
		return DefaultQuantity
	}
	return q
}

// UnitPrice resolves the unit price of an item, falling back to zero.
func UnitPrice(entry map[string]any) decimal.Decimal {
	v, ok := lookup(entry, UnitPriceKeys)
	if !ok {
		return decimal.Zero
	}
	p, valid := parsePrice(v)
	if !valid {
		return decimal.Zero
	}
	return p
}

// lookup returns the first non-nil value under any of keys.
func lookup(entry map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := entry[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// stringField returns the first non-empty string form of any of keys.
// Numeric ids are accepted and formatted without a fractional part.
func stringField(entry map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := entry[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			if math.IsNaN(t) || math.IsInf(t, 0) {
				continue
			}
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		case fmt.Stringer:
			s = strings.TrimSpace(t.String())
		}
		if s != "" {
			return s
		}
	}
	return ""
}

// toFloat coerces JSON-ish numeric values. Non-finite results are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case fmt.Stringer:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t.String()), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseQuantity(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	q := math.Floor(f)
	if q < 1 || q > math.MaxInt32 {
		return 0, false
	}
	return int(q), true
}

func parsePrice(v any) (decimal.Decimal, bool) {
	var d decimal.Decimal
	switch t := v.(type) {
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		d = parsed
	default:
		f, ok := toFloat(v)
		if !ok {
			return decimal.Zero, false
		}
		d = decimal.NewFromFloat(f)
	}
	if d.IsNegative() {
		return decimal.Zero, false
	}
	return d.Round(2), true
}
