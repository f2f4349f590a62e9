package scanning

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	documentai "google.golang.org/api/documentai/v1"
	"google.golang.org/api/option"
)

// DocumentAIConfig identifies a Document AI OCR processor
type DocumentAIConfig struct {
	ProjectNumber   string
	Location        string // defaults to "eu"
	ProcessorID     string
	CredentialsJSON []byte // service account key
	Endpoint        string // overrides the regional endpoint
}

// DocumentAI implements the Recognizer interface using a Google Document AI processor
type DocumentAI struct {
	service *documentai.Service
	name    string
}

// NewDocumentAI creates a new DocumentAI Recognizer instance
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, opts ...option.ClientOption) (*DocumentAI, error) {
	if cfg.ProjectNumber == "" {
		return nil, fmt.Errorf("document ai project number is required")
	}
	if cfg.ProcessorID == "" {
		return nil, fmt.Errorf("document ai processor id is required")
	}
	if cfg.Location == "" {
		cfg.Location = "eu"
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-documentai.googleapis.com/", cfg.Location)
	}
	clientOpts := []option.ClientOption{option.WithEndpoint(endpoint)}
	if len(cfg.CredentialsJSON) > 0 {
		clientOpts = append(clientOpts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := documentai.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating document ai client: %w", err)
	}

	return &DocumentAI{
		service: svc,
		name:    fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.ProjectNumber, cfg.Location, cfg.ProcessorID),
	}, nil
}

// Recognize sends the document to the processor and returns the full recognized text
func (d *DocumentAI) Recognize(ctx context.Context, doc Document) (*Recognition, error) {
	prepared, err := PrepareDocument(doc)
	if err != nil {
		return nil, err
	}

	req := &documentai.GoogleCloudDocumentaiV1ProcessRequest{
		RawDocument: &documentai.GoogleCloudDocumentaiV1RawDocument{
			Content:  base64.StdEncoding.EncodeToString(prepared.Data),
			MimeType: prepared.MIMEType,
		},
	}
	resp, err := d.service.Projects.Locations.Processors.Process(d.name, req).Context(ctx).Do()
	if err != nil {
		return nil, upstreamFromGoogleAPI("document ai", err)
	}

	if resp.Document == nil {
		return &Recognition{}, nil
	}
	rec := &Recognition{Text: resp.Document.Text}
	for _, e := range resp.Document.Entities {
		rec.Entities = append(rec.Entities, Entity{
			Type:        e.Type,
			MentionText: e.MentionText,
			Confidence:  e.Confidence,
		})
	}
	slog.Debug("Document AI recognition finished", "text_length", len(rec.Text), "entities", len(rec.Entities))
	return rec, nil
}

// Close is a no-op, the REST client holds no resources
func (d *DocumentAI) Close() error {
	return nil
}
