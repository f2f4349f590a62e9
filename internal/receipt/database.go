package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

const fuelTypesBucket = "fuel_types"

// ErrFuelTypeNotFound is returned for an unknown catalog ID
var ErrFuelTypeNotFound = errors.New("fuel type not found")

// BoltDB is a fuel-type catalog stored in BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens the catalog and seeds it with the default fuel types when it is empty
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(fuelTypesBucket))
		if err != nil {
			return err
		}
		if k, _ := bucket.Cursor().First(); k != nil {
			return nil
		}
		for _, name := range scanning.DefaultFuelTypes {
			if err := putFuelType(bucket, &FuelType{ID: slug(name), Name: name, Active: true}); err != nil {
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

func slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

func putFuelType(bucket *bbolt.Bucket, ft *FuelType) error {
	data, err := json.Marshal(ft)
	if err != nil {
		return fmt.Errorf("marshaling fuel type: %w", err)
	}
	return bucket.Put([]byte(ft.ID), data)
}

// SaveFuelType creates or replaces a fuel type. An empty ID is derived from the name.
func (b *BoltDB) SaveFuelType(ft *FuelType) error {
	if strings.TrimSpace(ft.Name) == "" {
		return fmt.Errorf("fuel type name is required")
	}
	if ft.ID == "" {
		ft.ID = slug(ft.Name)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putFuelType(tx.Bucket([]byte(fuelTypesBucket)), ft)
	})
}

// GetFuelType retrieves a fuel type by ID
func (b *BoltDB) GetFuelType(id string) (*FuelType, error) {
	var ft *FuelType
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(fuelTypesBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrFuelTypeNotFound, id)
		}
		return json.Unmarshal(data, &ft)
	})
	if err != nil {
		return nil, err
	}
	return ft, nil
}

// SetActive enables or disables a fuel type
func (b *BoltDB) SetActive(id string, active bool) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(fuelTypesBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrFuelTypeNotFound, id)
		}
		var ft FuelType
		if err := json.Unmarshal(data, &ft); err != nil {
			return fmt.Errorf("unmarshaling fuel type: %w", err)
		}
		ft.Active = active
		return putFuelType(bucket, &ft)
	})
}

// ListFuelTypes returns every fuel type sorted by name
func (b *BoltDB) ListFuelTypes(ctx context.Context) ([]FuelType, error) {
	fuelTypes := make([]FuelType, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(fuelTypesBucket)).ForEach(func(k, v []byte) error {
			var ft FuelType
			if err := json.Unmarshal(v, &ft); err != nil {
				return fmt.Errorf("unmarshaling fuel type: %w", err)
			}
			fuelTypes = append(fuelTypes, ft)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(fuelTypes, func(i, j int) bool {
		return fuelTypes[i].Name < fuelTypes[j].Name
	})
	return fuelTypes, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
