package receipt

import (
	"context"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

// FuelType is a canonical fuel-type catalog entry
type FuelType struct {
	ID          string `json:"id"`
	Name        string `json:"nome"`
	Description string `json:"descrizione,omitempty"`
	Active      bool   `json:"attivo"`
}

// User is the identity behind a verified bearer credential
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// ExtractRequest is the body of an extraction request
type ExtractRequest struct {
	ImageBase64 string `json:"image_base64"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// ExtractionResult is the corrected field set with its confidence and warnings.
// It is built once per request and never modified afterwards.
type ExtractionResult struct {
	scanning.ReceiptFields
	RawText            string   `json:"raw_text"`
	Confidence         *int     `json:"confidence_score,omitempty"`
	Warnings           []string `json:"validation_warnings,omitempty"`
	AvailableFuelTypes []string `json:"-"`
}

// Catalog lists fuel types
type Catalog interface {
	// ListFuelTypes returns the catalog entries, possibly including inactive ones
	ListFuelTypes(ctx context.Context) ([]FuelType, error)
}

// CatalogEditor is a Catalog that can be changed at runtime
type CatalogEditor interface {
	Catalog
	SaveFuelType(ft *FuelType) error
	GetFuelType(id string) (*FuelType, error)
	SetActive(id string, active bool) error
}

// Verifier checks a bearer credential
type Verifier interface {
	// Verify returns the caller identity or an error if the token is not valid
	Verify(ctx context.Context, token string) (*User, error)
}

// activeNames returns the names of the active entries, in catalog order
func activeNames(fuelTypes []FuelType) []string {
	names := make([]string, 0, len(fuelTypes))
	for _, ft := range fuelTypes {
		if ft.Active {
			names = append(names, ft.Name)
		}
	}
	return names
}

// activeOnly filters out inactive entries
func activeOnly(fuelTypes []FuelType) []FuelType {
	active := make([]FuelType, 0, len(fuelTypes))
	for _, ft := range fuelTypes {
		if ft.Active {
			active = append(active, ft)
		}
	}
	return active
}
