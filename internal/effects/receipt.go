package effects

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"

	"github.com/onnwee/limestore/internal/order"
)

// Receipt defaults.
const (
	DefaultStoreName = "Lime Store"
	DefaultFrom      = "Lime Store <orders@limeshop.store>"
	ReceiptSubject   = "Thank you for your Purchase"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	htmlReceipt = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/receipt.html.tmpl"))
	textReceipt = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/receipt.txt.tmpl"))
)

// Receipt is a rendered order confirmation.
type Receipt struct {
	Subject string
	HTML    string
	Text    string
}

type receiptLine struct {
	Name      string
	Variation string
	Quantity  int
	UnitPrice string
	LineTotal string
}

type receiptView struct {
	StoreName string
	Reference string
	CreatedAt string
	Currency  string
	Total     string
	Items     []receiptLine
}

// RenderReceipt renders the HTML and plain-text confirmation for o.
// The total shown is the paid amount when known, else the stored subtotal.
func RenderReceipt(o *order.Order, storeName string) (*Receipt, error) {
	if storeName == "" {
		storeName = DefaultStoreName
	}

	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	total := o.Subtotal
	currency := o.Currency
	if o.Payment != nil && !o.Payment.Amount.IsZero() {
		total = o.Payment.Amount
		if o.Payment.Currency != "" {
			currency = o.Payment.Currency
		}
	}

	view := receiptView{
		StoreName: storeName,
		Reference: o.Reference,
		CreatedAt: created.UTC().Format("2006-01-02 15:04"),
		Currency:  currency,
		Total:     total.StringFixed(2),
		Items:     make([]receiptLine, 0, len(o.Items)),
	}
	for _, li := range o.Items {
		name := li.Name
		if name == "" {
			name = li.ProductRef
		}
		view.Items = append(view.Items, receiptLine{
			Name:      name,
			Variation: li.VariationName,
			Quantity:  li.Quantity,
			UnitPrice: li.UnitPrice.StringFixed(2),
			LineTotal: li.LineTotal().StringFixed(2),
		})
	}

	var html, text bytes.Buffer
	if err := htmlReceipt.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("failed to render html receipt: %w", err)
	}
	if err := textReceipt.Execute(&text, view); err != nil {
		return nil, fmt.Errorf("failed to render text receipt: %w", err)
	}

	return &Receipt{
		Subject: ReceiptSubject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
