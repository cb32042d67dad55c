package receipt

import (
	"time"

	"github.com/zombor/budget-bear/internal/scanning"
)

// Receipt is a confirmed capture: the still image, its transcript and the
// line items the user accepted
type Receipt struct {
	ID          string              `json:"id"`
	Filename    string              `json:"filename"`
	ContentType string              `json:"content_type"`
	Width       int                 `json:"width"`
	Height      int                 `json:"height"`
	DeviceID    string              `json:"device_id"`
	RawText     string              `json:"raw_text"`
	Language    string              `json:"language"`
	Engine      string              `json:"engine"`
	Items       []scanning.LineItem `json:"items"`
	PurchaseIDs []string            `json:"purchase_ids"` // IDs of purchases created from the items
	CapturedAt  time.Time           `json:"captured_at"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Purchase is a single purchase record
type Purchase struct {
	ID         string    `json:"id"`
	ItemName   string    `json:"item_name"`
	Quantity   int       `json:"quantity,omitempty"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	TotalCost  int       `json:"total_cost"`           // Amount in cents
	UnitPrice  int       `json:"unit_price,omitempty"` // Amount in cents
	CategoryID string    `json:"category_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
