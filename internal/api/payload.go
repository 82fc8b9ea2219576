package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/onnwee/limestore/internal/order"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 1 << 20

// Field spellings accepted by the storefront endpoints, in lookup order.
var (
	orderRefKeys   = []string{"orderId", "order_id", "order_reference", "checkout_reference"}
	checkoutIDKeys = []string{"checkoutId", "checkout_id"}
	emailKeys      = []string{"email", "customer_email", "customerEmail"}
	nameKeys       = []string{"name", "customer_name", "customerName"}
	methodKeys     = []string{"paymentMethod", "payment_method"}
	addressKeys    = []string{"shippingAddress", "shipping_address", "address"}
	itemsKeys      = []string{"items", "cart"}
	totalKeys      = []string{"total", "amount"}
	currencyKeys   = []string{"currency"}
	providerKeys   = []string{"provider"}
)

var errInvalidBody = errors.New("request body must be a JSON object")

// payload is a decoded JSON object with alias-tolerant accessors.
type payload map[string]any

// decodePayload reads a JSON object body. An empty body decodes to an empty payload.
func decodePayload(r *http.Request) (payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: body too large", errInvalidBody)
	}
	if strings.TrimSpace(string(body)) == "" {
		return payload{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var p map[string]any
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if p == nil {
		return nil, errInvalidBody
	}
	return payload(p), nil
}

// str returns the first non-empty string form of any of keys.
func (p payload) str(keys ...string) string {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// object returns the first nested object found under keys.
func (p payload) object(keys ...string) payload {
	for _, k := range keys {
		if m, ok := p[k].(map[string]any); ok {
			return payload(m)
		}
	}
	return nil
}

// items returns the first list of objects found under keys. Non-object
// entries are skipped; cart normalization decides what else to drop.
func (p payload) items(keys ...string) []map[string]any {
	for _, k := range keys {
		list, ok := p[k].([]any)
		if !ok {
			continue
		}
		out := make([]map[string]any, 0, len(list))
		for _, entry := range list {
			if m, ok := entry.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// amount returns the first parseable decimal under keys.
func (p payload) amount(keys ...string) decimal.NullDecimal {
	for _, k := range keys {
		var raw string
		switch v := p[k].(type) {
		case json.Number:
			raw = v.String()
		case string:
			raw = strings.TrimSpace(v)
		default:
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		return decimal.NewNullDecimal(d)
	}
	return decimal.NullDecimal{}
}

// customer reads the purchaser from top-level fields, falling back to a
// nested "customer" object. The user reference is never taken from the body.
func (p payload) customer() order.Customer {
	c := order.Customer{
		Email: p.str(emailKeys...),
		Name:  p.str(nameKeys...),
	}
	if nested := p.object("customer"); nested != nil {
		if c.Email == "" {
			c.Email = nested.str(emailKeys...)
		}
		if c.Name == "" {
			c.Name = nested.str(nameKeys...)
		}
	}
	return c
}

func (p payload) address() order.Address {
	if a := p.object(addressKeys...); a != nil {
		return order.Address(a)
	}
	return nil
}
