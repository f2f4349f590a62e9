package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// replySchema describes the JSON object the model must return. "chilometri" is the
// odometer key used by older prompts and is accepted as an alias.
const replySchema = `{
  "type": "object",
  "properties": {
    "targa":             {"type": ["string", "null"]},
    "punto_vendita":     {"type": ["string", "null"]},
    "data_rifornimento": {"type": ["string", "null"]},
    "tipo_carburante":   {"type": ["string", "null"]},
    "quantita":          {"type": ["number", "null"]},
    "prezzo_unitario":   {"type": ["number", "null"]},
    "importo_totale":    {"type": ["number", "null"]},
    "chilometraggio":    {"type": ["number", "null"]},
    "chilometri":        {"type": ["number", "null"]},
    "raw_text":          {"type": ["string", "null"]}
  }
}`

var compiledReplySchema = jsonschema.MustCompileString("receipt_reply.json", replySchema)

// ParseFailureWarning is the only warning attached to an unparseable reply
const ParseFailureWarning = "parse failure"

// Extraction is the outcome of a structured extraction.
// When ParseFailed is set all fields are nil and ParseError explains why.
type Extraction struct {
	Fields      ReceiptFields
	RawText     string
	ParseFailed bool
	ParseError  string
}

type reply struct {
	ReceiptFields
	Chilometri *float64 `json:"chilometri"`
	RawText    *string  `json:"raw_text"`
}

// Extractor turns recognized text or an image into ReceiptFields with the help of a Completer
type Extractor struct {
	completer Completer
}

// NewExtractor creates a new Extractor
func NewExtractor(completer Completer) *Extractor {
	return &Extractor{completer: completer}
}

// FromText extracts the fields from recognized text.
// Only completer failures are returned as errors, an unusable reply yields a failed Extraction.
func (e *Extractor) FromText(ctx context.Context, text string, fuelNames []string) (*Extraction, error) {
	content, err := e.completer.Complete(ctx, CompletionRequest{Prompt: BuildPrompt(text, fuelNames)})
	if err != nil {
		return nil, fmt.Errorf("completing extraction prompt: %w", err)
	}
	return ParseReply(content, text), nil
}

// FromImage extracts the fields by sending the image itself to the model.
// The raw text comes from the model's own transcription.
func (e *Extractor) FromImage(ctx context.Context, doc Document, fuelNames []string) (*Extraction, error) {
	content, err := e.completer.Complete(ctx, CompletionRequest{Prompt: BuildImagePrompt(fuelNames), Image: &doc})
	if err != nil {
		return nil, fmt.Errorf("completing image extraction prompt: %w", err)
	}
	return ParseReply(content, ""), nil
}

// ParseReply parses the model reply. It strips code fences, tries a direct parse and,
// if that fails, parses the span between the first '{' and the last '}' once.
// rawText is kept as the extraction's raw text; when empty the reply's raw_text is used.
func ParseReply(content string, rawText string) *Extraction {
	text := stripCodeFences(content)

	r, err := decodeReply(text)
	if err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start >= 0 && end > start {
			r, err = decodeReply(text[start : end+1])
		}
	}
	if err != nil {
		slog.Warn("Unparseable model reply", "error", err, "reply_length", len(content))
		return &Extraction{RawText: rawText, ParseFailed: true, ParseError: err.Error()}
	}

	if rawText == "" && r.RawText != nil {
		rawText = *r.RawText
	}
	return &Extraction{Fields: cleanFields(r), RawText: rawText}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// decodeReply parses a reply object. Properties of the wrong type are nulled
// so one bad field does not discard the others.
func decodeReply(text string) (*reply, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("reply is not a JSON object")
	}

	if err := compiledReplySchema.Validate(obj); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return nil, fmt.Errorf("validating reply: %w", err)
		}
		for _, field := range invalidProperties(verr) {
			slog.Warn("Dropping mistyped field from model reply", "field", field, "value", obj[field])
			obj[field] = nil
		}
		if err := compiledReplySchema.Validate(obj); err != nil {
			return nil, fmt.Errorf("reply does not match schema: %w", err)
		}
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encoding reply: %w", err)
	}
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return &r, nil
}

// invalidProperties lists the top-level properties named by the leaf validation errors
func invalidProperties(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		field, _, _ := strings.Cut(strings.TrimPrefix(verr.InstanceLocation, "/"), "/")
		if field == "" {
			return nil
		}
		return []string{field}
	}
	var fields []string
	for _, cause := range verr.Causes {
		fields = append(fields, invalidProperties(cause)...)
	}
	return fields
}

// cleanFields trims strings, drops empty ones and normalizes the date
func cleanFields(r *reply) ReceiptFields {
	f := r.ReceiptFields
	if f.Chilometraggio == nil {
		f.Chilometraggio = r.Chilometri
	}

	f.Targa = cleanString(f.Targa)
	f.PuntoVendita = cleanString(f.PuntoVendita)
	f.TipoCarburante = cleanString(f.TipoCarburante)
	if d := cleanString(f.DataRifornimento); d != nil {
		if normalized, ok := NormalizeDate(*d); ok {
			f.DataRifornimento = &normalized
		} else {
			slog.Warn("Dropping unparseable date from model reply", "date", *d)
			f.DataRifornimento = nil
		}
	} else {
		f.DataRifornimento = nil
	}
	return f
}

func cleanString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	return &trimmed
}
