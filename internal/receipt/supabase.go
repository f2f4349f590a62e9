package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gotrue "github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/postgrest-go"
)

const fuelTypesTable = "tipi_carburante"

// Supabase reads the fuel-type catalog from PostgREST and verifies access tokens with GoTrue
type Supabase struct {
	auth gotrue.Client
	rest *postgrest.Client
}

// NewSupabase creates a new Supabase client. The service key is used for catalog reads,
// the anon key for token verification.
func NewSupabase(baseURL, anonKey, serviceKey string) (*Supabase, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if anonKey == "" && serviceKey == "" {
		return nil, fmt.Errorf("a supabase key is required")
	}
	if anonKey == "" {
		anonKey = serviceKey
	}
	if serviceKey == "" {
		serviceKey = anonKey
	}
	baseURL = strings.TrimRight(baseURL, "/")

	rest := postgrest.NewClient(baseURL+"/rest/v1", "public", map[string]string{
		"apikey":        serviceKey,
		"Authorization": "Bearer " + serviceKey,
	})
	if rest.ClientError != nil {
		return nil, fmt.Errorf("creating postgrest client: %w", rest.ClientError)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 10 * time.Second
	rest.Transport.Parent = transport

	auth := gotrue.New("", anonKey).
		WithCustomGoTrueURL(baseURL + "/auth/v1").
		WithClient(http.Client{Timeout: 10 * time.Second})

	return &Supabase{auth: auth, rest: rest}, nil
}

// Verify resolves the access token to a user.
// Neither client library takes a context; the http timeouts bound each call.
func (s *Supabase) Verify(ctx context.Context, token string) (*User, error) {
	resp, err := s.auth.WithToken(token).GetUser()
	if err != nil {
		switch gotrueStatus(err) {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("calling supabase auth: %w", err)
	}
	if resp.ID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return &User{ID: resp.ID.String(), Email: resp.Email}, nil
}

// gotrueStatus recovers the HTTP status from a GoTrue client error, 0 when there is none
func gotrueStatus(err error) int {
	var status int
	if _, scanErr := fmt.Sscanf(err.Error(), "response status code %d", &status); scanErr != nil {
		return 0
	}
	return status
}

type fuelTypeRow struct {
	ID          json.RawMessage `json:"id"`
	Name        string          `json:"nome"`
	Description *string         `json:"descrizione"`
	Active      bool            `json:"attivo"`
}

// ListFuelTypes reads the active entries of tipi_carburante ordered by name
func (s *Supabase) ListFuelTypes(ctx context.Context) ([]FuelType, error) {
	var rows []fuelTypeRow
	_, err := s.rest.From(fuelTypesTable).
		Select("id,nome,descrizione,attivo", "", false).
		Eq("attivo", "true").
		Order("nome", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", fuelTypesTable, err)
	}

	fuelTypes := make([]FuelType, 0, len(rows))
	for _, row := range rows {
		ft := FuelType{ID: strings.Trim(string(row.ID), `"`), Name: row.Name, Active: row.Active}
		if row.Description != nil {
			ft.Description = *row.Description
		}
		fuelTypes = append(fuelTypes, ft)
	}
	return fuelTypes, nil
}
