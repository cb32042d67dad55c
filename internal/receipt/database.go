package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucketName  = "receipts"
	purchaseBucketName = "purchases"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt saves a receipt together with its purchases in one transaction
	SaveReceipt(receipt *Receipt, purchases []*Purchase) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns all receipts
	ListReceipts() ([]*Receipt, error)

	// DeleteReceipt removes a receipt and its purchases
	DeleteReceipt(id string) error

	// GetPurchase retrieves a purchase by ID
	GetPurchase(id string) (*Purchase, error)

	// ListPurchases returns all purchases
	ListPurchases() ([]*Purchase, error)

	// DeletePurchase removes a purchase and unlinks it from its receipt
	DeletePurchase(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptBucketName, purchaseBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// put marshals v into bucket under id
func put(tx *bbolt.Tx, bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(id), data)
}

// get unmarshals the record stored under id into v
func get(tx *bbolt.Tx, bucket, id string, v any) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, id, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// SaveReceipt saves a receipt and its purchases
func (b *BoltDB) SaveReceipt(receipt *Receipt, purchases []*Purchase) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx, receiptBucketName, receipt.ID, receipt); err != nil {
			return err
		}
		for _, p := range purchases {
			if err := put(tx, purchaseBucketName, p.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, receiptBucketName, id, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListReceipts returns all receipts
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and the purchases created from it
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var receipt Receipt
		if err := get(tx, receiptBucketName, id, &receipt); err != nil {
			return err
		}
		purchases := tx.Bucket([]byte(purchaseBucketName))
		for _, pid := range receipt.PurchaseIDs {
			if err := purchases.Delete([]byte(pid)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(receiptBucketName)).Delete([]byte(id))
	})
}

// GetPurchase retrieves a purchase by ID
func (b *BoltDB) GetPurchase(id string) (*Purchase, error) {
	var purchase Purchase
	err := b.db.View(func(tx *bbolt.Tx) error {
		return get(tx, purchaseBucketName, id, &purchase)
	})
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// ListPurchases returns all purchases
func (b *BoltDB) ListPurchases() ([]*Purchase, error) {
	purchases := make([]*Purchase, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(purchaseBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var purchase Purchase
			if err := json.Unmarshal(v, &purchase); err != nil {
				return fmt.Errorf("unmarshaling purchase: %w", err)
			}
			purchases = append(purchases, &purchase)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return purchases, nil
}

// DeletePurchase removes a purchase and unlinks it from its receipt
func (b *BoltDB) DeletePurchase(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		var purchase Purchase
		if err := get(tx, purchaseBucketName, id, &purchase); err != nil {
			return err
		}

		if purchase.ReceiptID != "" {
			var receipt Receipt
			err := get(tx, receiptBucketName, purchase.ReceiptID, &receipt)
			switch {
			case err == nil:
				ids := receipt.PurchaseIDs[:0]
				for _, pid := range receipt.PurchaseIDs {
					if pid != id {
						ids = append(ids, pid)
					}
				}
				receipt.PurchaseIDs = ids
				if err := put(tx, receiptBucketName, receipt.ID, &receipt); err != nil {
					return err
				}
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		return tx.Bucket([]byte(purchaseBucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
