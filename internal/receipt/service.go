package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/budget-bear/internal/capture"
	"github.com/zombor/budget-bear/internal/scanning"
)

// ErrInvalidItem is returned when a confirmed line item cannot become a purchase
var ErrInvalidItem = errors.New("invalid line item")

// IDGenerator generates unique IDs for receipts and purchases
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// uuidGenerator generates random UUIDs
type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// Service stores confirmed captures as receipts and purchases
type Service struct {
	db          DB
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

var _ capture.Sink = (*Service)(nil)

// NewService creates a new Service with UUID IDs and the wall clock
func NewService(db DB, storage Storage) *Service {
	return NewServiceWithDeps(db, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// sanitizeFilename reduces a device name to something safe to store
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "capture"
	}
	return base
}

// purchases converts confirmed line items into purchases for receiptID
func (s *Service) purchases(receiptID string, items []scanning.LineItem, now time.Time) ([]*Purchase, error) {
	purchases := make([]*Purchase, 0, len(items))
	for i, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: item %d has no name", ErrInvalidItem, i)
		}
		cents, err := scanning.PriceCents(item.PriceText)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d %q: %w", ErrInvalidItem, i, name, err)
		}
		purchases = append(purchases, &Purchase{
			ID:        s.idGenerator.Generate(),
			ItemName:  name,
			Quantity:  1,
			ReceiptID: receiptID,
			TotalCost: cents,
			UnitPrice: cents,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return purchases, nil
}

// SaveCapture stores the still image, the transcript and one purchase per
// line item. Nothing is kept if any step fails.
func (s *Service) SaveCapture(ctx context.Context, c capture.Confirmation) (string, error) {
	if len(c.Still.Data) == 0 {
		return "", fmt.Errorf("saving capture: empty image")
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	purchases, err := s.purchases(id, c.Items, now)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s.png", id, sanitizeFilename(filepath.Base(c.Still.DeviceID)))
	savedPath, err := s.storage.Save(name, c.Still.Data)
	if err != nil {
		return "", fmt.Errorf("saving image: %w", err)
	}

	receipt := &Receipt{
		ID:          id,
		Filename:    savedPath,
		ContentType: c.Still.ContentType,
		Width:       c.Still.Width,
		Height:      c.Still.Height,
		DeviceID:    c.Still.DeviceID,
		RawText:     c.Recognition.RawText,
		Language:    c.Recognition.Language,
		Engine:      c.Recognition.Engine,
		Items:       c.Items,
		PurchaseIDs: make([]string, 0, len(purchases)),
		CapturedAt:  c.Still.CapturedAt,
		CreatedAt:   now,
	}
	if receipt.Items == nil {
		receipt.Items = []scanning.LineItem{}
	}
	for _, p := range purchases {
		receipt.PurchaseIDs = append(receipt.PurchaseIDs, p.ID)
	}

	if err := s.db.SaveReceipt(receipt, purchases); err != nil {
		// Clean up file if database save fails
		if derr := s.storage.Delete(savedPath); derr != nil {
			slog.Warn("Failed to delete orphaned image", "filename", savedPath, "error", derr)
		}
		return "", fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Saved receipt", "id", id, "purchases", len(purchases), "engine", receipt.Engine)
	return id, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt, its purchases and its image
func (s *Service) DeleteReceipt(id string) error {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.storage.Delete(receipt.Filename); err != nil {
		// Log error but continue with database deletion
		slog.Warn("Failed to delete file", "filename", receipt.Filename, "error", err)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the captured image for a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.ContentType, nil
}

// GetPurchase retrieves a purchase by ID
func (s *Service) GetPurchase(id string) (*Purchase, error) {
	purchase, err := s.db.GetPurchase(id)
	if err != nil {
		return nil, fmt.Errorf("getting purchase: %w", err)
	}
	return purchase, nil
}

// ListPurchases returns all purchases, optionally limited to one receipt
func (s *Service) ListPurchases(receiptID string) ([]*Purchase, error) {
	purchases, err := s.db.ListPurchases()
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	if receiptID == "" {
		return purchases, nil
	}

	filtered := make([]*Purchase, 0, len(purchases))
	for _, p := range purchases {
		if p.ReceiptID == receiptID {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// DeletePurchase removes a purchase
func (s *Service) DeletePurchase(id string) error {
	if err := s.db.DeletePurchase(id); err != nil {
		return fmt.Errorf("deleting purchase: %w", err)
	}
	return nil
}
