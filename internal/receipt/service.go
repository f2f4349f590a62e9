package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/fuel-receipts/internal/scanning"
)

const (
	// DefaultMaxImageBytes is the largest decoded image accepted
	DefaultMaxImageBytes = 10 << 20
	// base64Expansion approximates how much larger the encoded payload is
	base64Expansion = 1.37
	// EmptyTextPlaceholder is the raw text reported when recognition finds nothing
	EmptyTextPlaceholder = "no text extracted from the image"
)

// IDGenerator generates request IDs for log correlation
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes the extraction pipeline
type Options struct {
	// MaxImageBytes bounds the decoded image size, DefaultMaxImageBytes when zero
	MaxImageBytes int
	// HeuristicFill lets the pattern extractor fill fields the model left null
	HeuristicFill bool
	// RetryPause is the wait before retrying a transient upstream failure
	RetryPause time.Duration
}

// Service runs the extraction pipeline for one receipt image at a time.
// A nil verifier disables authentication, a nil recognizer sends the image
// to the extractor directly and a nil extractor runs the pattern extractor only.
type Service struct {
	catalog     Catalog
	verifier    Verifier
	recognizer  scanning.Recognizer
	extractor   *scanning.Extractor
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with a UUID request ID generator and the wall clock
func NewService(catalog Catalog, verifier Verifier, recognizer scanning.Recognizer, extractor *scanning.Extractor, opts Options) *Service {
	return NewServiceWithDeps(catalog, verifier, recognizer, extractor, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(catalog Catalog, verifier Verifier, recognizer scanning.Recognizer, extractor *scanning.Extractor, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = 500 * time.Millisecond
	}
	return &Service{
		catalog:     catalog,
		verifier:    verifier,
		recognizer:  recognizer,
		extractor:   extractor,
		opts:        opts,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// AuthRequired reports whether callers must present a bearer credential
func (s *Service) AuthRequired() bool {
	return s.verifier != nil
}

// Authenticate verifies a bearer credential
func (s *Service) Authenticate(ctx context.Context, credential string) (*User, error) {
	if s.verifier == nil {
		return &User{ID: "anonymous"}, nil
	}
	if strings.TrimSpace(credential) == "" {
		return nil, authError("missing authorization header", nil)
	}
	user, err := s.verifier.Verify(ctx, credential)
	if errors.Is(err, ErrInvalidToken) {
		return nil, authError("invalid or expired token", err)
	}
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	return user, nil
}

// ActiveFuelTypes returns the active catalog names
func (s *Service) ActiveFuelTypes(ctx context.Context) ([]string, error) {
	fuelTypes, err := s.catalog.ListFuelTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing fuel types: %w", err)
	}
	return activeNames(fuelTypes), nil
}

// editor returns the catalog when it accepts writes
func (s *Service) editor() (CatalogEditor, error) {
	ed, ok := s.catalog.(CatalogEditor)
	if !ok {
		return nil, &Error{Kind: KindRejected, Message: "fuel-type catalog is read-only", Status: http.StatusForbidden}
	}
	return ed, nil
}

// SaveFuelType creates or replaces a catalog entry keyed by its name
func (s *Service) SaveFuelType(ctx context.Context, ft FuelType) (*FuelType, error) {
	ed, err := s.editor()
	if err != nil {
		return nil, err
	}
	ft.Name = strings.TrimSpace(ft.Name)
	if ft.Name == "" {
		return nil, inputError("fuel type name is required")
	}
	ft.Description = strings.TrimSpace(ft.Description)

	if err := ed.SaveFuelType(&ft); err != nil {
		return nil, fmt.Errorf("saving fuel type: %w", err)
	}
	slog.Info("Fuel type saved", "id", ft.ID, "name", ft.Name, "active", ft.Active)
	return &ft, nil
}

// SetFuelTypeActive toggles a catalog entry and returns it
func (s *Service) SetFuelTypeActive(ctx context.Context, id string, active bool) (*FuelType, error) {
	ed, err := s.editor()
	if err != nil {
		return nil, err
	}
	if err := ed.SetActive(id, active); err != nil {
		return nil, fmt.Errorf("updating fuel type: %w", err)
	}
	ft, err := ed.GetFuelType(id)
	if err != nil {
		return nil, fmt.Errorf("reading fuel type: %w", err)
	}
	slog.Info("Fuel type updated", "id", ft.ID, "active", ft.Active)
	return ft, nil
}

// Extract authenticates the caller, recognizes the image and returns the
// validated fields. Only the empty-text and unparseable-reply paths produce a
// partial result, every collaborator failure is returned as an *Error.
func (s *Service) Extract(ctx context.Context, credential string, req ExtractRequest) (*ExtractionResult, error) {
	log := slog.With("req_id", s.idGenerator.Generate())

	result, err := s.extract(ctx, log, credential, req)
	if err != nil {
		typed := classify(err)
		log.Error("Extraction failed", "state", "failed", "kind", typed.Kind.String(), "error", err)
		return nil, typed
	}
	log.Info("Extraction finished", "state", "done")
	return result, nil
}

func (s *Service) extract(ctx context.Context, log *slog.Logger, credential string, req ExtractRequest) (*ExtractionResult, error) {
	if s.verifier != nil && strings.TrimSpace(credential) == "" {
		return nil, authError("missing authorization header", nil)
	}

	doc, err := s.decodeImage(req)
	if err != nil {
		return nil, err
	}

	log.Debug("Extraction state", "state", "authenticating")
	user, err := s.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	log = log.With("user_id", user.ID)

	log.Debug("Extraction state", "state", "fetching_catalog")
	var (
		fuelTypes   []FuelType
		recognition *scanning.Recognition
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		all, err := s.catalog.ListFuelTypes(gctx)
		if err != nil {
			return fmt.Errorf("listing fuel types: %w", err)
		}
		fuelTypes = activeOnly(all)
		return nil
	})
	if s.recognizer != nil {
		g.Go(func() error {
			log.Debug("Extraction state", "state", "recognizing", "mime_type", doc.MIMEType, "bytes", len(doc.Data))
			rec, err := scanning.Retry(gctx, s.opts.RetryPause, func(ctx context.Context) (*scanning.Recognition, error) {
				return s.recognizer.Recognize(ctx, doc)
			})
			if err != nil {
				return fmt.Errorf("recognizing text: %w", err)
			}
			recognition = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	names := activeNames(fuelTypes)

	if recognition != nil && strings.TrimSpace(recognition.Text) == "" {
		log.Warn("No text recognized in image", "state", "done")
		return &ExtractionResult{RawText: EmptyTextPlaceholder, AvailableFuelTypes: names}, nil
	}

	log.Debug("Extraction state", "state", "extracting")
	extraction, err := s.extractFields(ctx, doc, recognition, names)
	if err != nil {
		return nil, err
	}
	if !extraction.ParseFailed && extraction.RawText == "" && extraction.Fields == (scanning.ReceiptFields{}) {
		log.Warn("Model returned no text and no fields", "state", "done")
		return &ExtractionResult{RawText: EmptyTextPlaceholder, AvailableFuelTypes: names}, nil
	}

	fields := extraction.Fields
	if s.opts.HeuristicFill && extraction.RawText != "" {
		fields = fields.FillMissing(scanning.ParseText(extraction.RawText, names))
	}

	log.Debug("Extraction state", "state", "matching")
	detected := fields.TipoCarburante
	fields.TipoCarburante = MatchFuelType(detected, fuelTypes)
	if detected != nil {
		log.Info("Fuel type mapping", "detected", *detected, "matched", deref(fields.TipoCarburante))
	}

	if extraction.ParseFailed {
		zero := 0
		log.Warn("Model reply could not be parsed", "state", "done", "error", extraction.ParseError)
		return &ExtractionResult{
			ReceiptFields:      fields,
			RawText:            extraction.RawText,
			Confidence:         &zero,
			Warnings:           []string{scanning.ParseFailureWarning},
			AvailableFuelTypes: names,
		}, nil
	}

	log.Debug("Extraction state", "state", "validating")
	outcome := Validate(fields, s.timeSource.Now())
	log.Info("Validation result", "confidence", outcome.Confidence, "warnings", len(outcome.Warnings))

	confidence := outcome.Confidence
	return &ExtractionResult{
		ReceiptFields:      outcome.Apply(fields),
		RawText:            extraction.RawText,
		Confidence:         &confidence,
		Warnings:           outcome.Warnings,
		AvailableFuelTypes: names,
	}, nil
}

// extractFields picks the extraction path for the configured collaborators
func (s *Service) extractFields(ctx context.Context, doc scanning.Document, recognition *scanning.Recognition, names []string) (*scanning.Extraction, error) {
	switch {
	case s.extractor == nil && recognition != nil:
		return &scanning.Extraction{Fields: scanning.ParseText(recognition.Text, names), RawText: recognition.Text}, nil
	case s.extractor == nil:
		return nil, fmt.Errorf("no recognizer or extractor configured")
	case recognition == nil:
		extraction, err := scanning.Retry(ctx, s.opts.RetryPause, func(ctx context.Context) (*scanning.Extraction, error) {
			return s.extractor.FromImage(ctx, doc, names)
		})
		if err != nil {
			return nil, fmt.Errorf("extracting fields from image: %w", err)
		}
		return extraction, nil
	default:
		extraction, err := scanning.Retry(ctx, s.opts.RetryPause, func(ctx context.Context) (*scanning.Extraction, error) {
			return s.extractor.FromText(ctx, recognition.Text, names)
		})
		if err != nil {
			return nil, fmt.Errorf("extracting fields from text: %w", err)
		}
		return extraction, nil
	}
}

// decodeImage enforces the size bound on the encoded payload and decodes it
func (s *Service) decodeImage(req ExtractRequest) (scanning.Document, error) {
	payload := strings.TrimSpace(req.ImageBase64)
	mimeType := strings.TrimSpace(req.MIMEType)

	if strings.HasPrefix(payload, "data:") {
		header, data, ok := strings.Cut(payload, ",")
		if !ok {
			return scanning.Document{}, inputError("malformed data URL")
		}
		if m, _, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";"); m != "" {
			mimeType = m
		}
		payload = data
	}

	if payload == "" {
		return scanning.Document{}, inputError("missing image_base64")
	}
	if float64(len(payload)) > float64(s.opts.MaxImageBytes)*base64Expansion {
		return scanning.Document{}, inputError(fmt.Sprintf("image too large, maximum is %d MB", s.opts.MaxImageBytes>>20))
	}

	payload = strings.Join(strings.Fields(payload), "")
	var data []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err = enc.DecodeString(payload); err == nil {
			break
		}
	}
	if err != nil {
		return scanning.Document{}, inputError("image_base64 is not valid base64")
	}
	if len(data) > s.opts.MaxImageBytes {
		return scanning.Document{}, inputError(fmt.Sprintf("image too large, maximum is %d MB", s.opts.MaxImageBytes>>20))
	}

	if mimeType == "" {
		mimeType = scanning.SniffMIME(data)
	}
	return scanning.Document{Data: data, MIMEType: mimeType}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
