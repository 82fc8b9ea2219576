package cart

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalize_SubtotalIgnoresClientTotals(t *testing.T) {
	raw := []map[string]any{
		{"id": "p1", "price": 10.00, "qty": 2},
		{"id": "p2", "price": "bad", "qty": 0},
	}

	s := Normalize(raw)

	if len(s.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(s.Items))
	}
	for i, item := range s.Items {
		if item.Quantity != 1 {
			t.Errorf("item %d: quantity = %d, want 1 (qty is not a recognised spelling)", i, item.Quantity)
		}
	}
	if !s.Items[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("item 0 price = %s, want 10.00", s.Items[0].UnitPrice)
	}
	if !s.Items[1].UnitPrice.IsZero() {
		t.Errorf("item 1 price = %s, want 0.00", s.Items[1].UnitPrice)
	}
	if s.Subtotal.StringFixed(2) != "10.00" {
		t.Errorf("subtotal = %s, want 10.00", s.Subtotal.StringFixed(2))
	}
}

func TestNormalize_ProductRefAliases(t *testing.T) {
	tests := []struct {
		name  string
		entry map[string]any
		want  string
		keep  bool
	}{
		{"product_id", map[string]any{"product_id": "a"}, "a", true},
		{"productId", map[string]any{"productId": "b"}, "b", true},
		{"id", map[string]any{"id": "c"}, "c", true},
		{"product", map[string]any{"product": "d"}, "d", true},
		{"numeric id", map[string]any{"id": float64(42)}, "42", true},
		{"precedence", map[string]any{"product_id": "first", "id": "second"}, "first", true},
		{"blank falls through", map[string]any{"product_id": "  ", "id": "e"}, "e", true},
		{"missing", map[string]any{"name": "no id"}, "", false},
		{"null", map[string]any{"id": nil}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Normalize([]map[string]any{tt.entry})
			if !tt.keep {
				if len(s.Items) != 0 {
					t.Errorf("expected item to be dropped, got %+v", s.Items)
				}
				return
			}
			if len(s.Items) != 1 {
				t.Fatalf("expected 1 item, got %d", len(s.Items))
			}
			if s.Items[0].ProductRef != tt.want {
				t.Errorf("ProductRef = %q, want %q", s.Items[0].ProductRef, tt.want)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"integer", float64(3), 3},
		{"floored", 2.9, 2},
		{"numeric string", "4", 4},
		{"zero", float64(0), 1},
		{"negative", float64(-5), 1},
		{"fraction below one", 0.5, 1},
		{"garbage", "many", 1},
		{"bool", true, 1},
		{"infinity", math.Inf(1), 1},
		{"json number", json.Number("7"), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Quantity(map[string]any{"quantity": tt.value})
			if got != tt.want {
				t.Errorf("Quantity(%v) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}

	if got := Quantity(map[string]any{}); got != DefaultQuantity {
		t.Errorf("missing quantity = %d, want %d", got, DefaultQuantity)
	}
}

func TestUnitPrice(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"float", 12.5, "12.50"},
		{"rounds half up", 1.005, "1.01"},
		{"string", "3.333", "3.33"},
		{"negative", -4.0, "0.00"},
		{"unparsable", "abc", "0.00"},
		{"nan", math.NaN(), "0.00"},
		{"json number", json.Number("19.99"), "19.99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnitPrice(map[string]any{"price": tt.value})
			if got.StringFixed(2) != tt.want {
				t.Errorf("UnitPrice(%v) = %s, want %s", tt.value, got.StringFixed(2), tt.want)
			}
		})
	}

	if got := UnitPrice(map[string]any{"unitPrice": "2.00"}); got.StringFixed(2) != "2.00" {
		t.Errorf("unitPrice alias = %s, want 2.00", got.StringFixed(2))
	}
}

func TestNormalize_OptionalFields(t *testing.T) {
	s := Normalize([]map[string]any{{
		"productId":           "p1",
		"name":                "Lime Hoodie",
		"price":               "40",
		"quantity":            2,
		"selectedVariationId": "v-xl",
		"variationName":       "XL",
		"image_url":           "https://cdn.example.com/hoodie.png",
	}})

	if len(s.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(s.Items))
	}
	item := s.Items[0]
	if item.Name != "Lime Hoodie" || item.VariationRef != "v-xl" || item.VariationName != "XL" {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.ImageURL != "https://cdn.example.com/hoodie.png" {
		t.Errorf("ImageURL = %q", item.ImageURL)
	}
	if s.TotalItems != 2 || s.Subtotal.StringFixed(2) != "80.00" {
		t.Errorf("TotalItems=%d Subtotal=%s, want 2 and 80.00", s.TotalItems, s.Subtotal.StringFixed(2))
	}
}

func TestSnapshot_ValidateEmpty(t *testing.T) {
	s := Normalize([]map[string]any{{"name": "no product"}})
	if err := s.Validate(); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart, got %v", err)
	}
	if err := Normalize(nil).Validate(); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart for nil cart, got %v", err)
	}
}

func TestNormalizeStrict(t *testing.T) {
	tests := []struct {
		name      string
		raw       []map[string]any
		wantErr   error
		wantIndex int
		wantField string
	}{
		{
			name: "valid",
			raw:  []map[string]any{{"id": "p1", "price": 5, "quantity": 2}},
		},
		{
			name:      "missing product",
			raw:       []map[string]any{{"id": "p1"}, {"price": 5}},
			wantErr:   ErrInvalidItem,
			wantIndex: 1,
			wantField: "product reference",
		},
		{
			name:      "zero quantity",
			raw:       []map[string]any{{"id": "p1", "quantity": 0}},
			wantErr:   ErrInvalidItem,
			wantField: "quantity",
		},
		{
			name:      "bad price",
			raw:       []map[string]any{{"id": "p1", "price": "free"}},
			wantErr:   ErrInvalidItem,
			wantField: "price",
		},
		{
			name:    "empty",
			raw:     nil,
			wantErr: ErrEmptyCart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NormalizeStrict(tt.raw)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if s.Subtotal.StringFixed(2) != "10.00" {
					t.Errorf("subtotal = %s, want 10.00", s.Subtotal.StringFixed(2))
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var itemErr *ItemError
			if tt.wantField != "" {
				if !errors.As(err, &itemErr) {
					t.Fatalf("expected *ItemError, got %T", err)
				}
				if itemErr.Index != tt.wantIndex || itemErr.Field != tt.wantField {
					t.Errorf("got index=%d field=%q, want index=%d field=%q",
						itemErr.Index, itemErr.Field, tt.wantIndex, tt.wantField)
				}
			}
		})
	}
}
