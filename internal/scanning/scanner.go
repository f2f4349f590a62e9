package scanning

import "context"

// ReceiptFields contains the fields extracted from a fuel receipt.
// A nil field means the field was not detected.
type ReceiptFields struct {
	Targa            *string  `json:"targa"`
	PuntoVendita     *string  `json:"punto_vendita"`
	DataRifornimento *string  `json:"data_rifornimento"` // YYYY-MM-DD
	TipoCarburante   *string  `json:"tipo_carburante"`
	Quantita         *float64 `json:"quantita"`
	PrezzoUnitario   *float64 `json:"prezzo_unitario"`
	ImportoTotale    *float64 `json:"importo_totale"`
	Chilometraggio   *float64 `json:"chilometraggio"`
}

// FillMissing returns a copy of f where every nil field takes the value from other.
// Fields already set on f are never overwritten.
func (f ReceiptFields) FillMissing(other ReceiptFields) ReceiptFields {
	if f.Targa == nil {
		f.Targa = other.Targa
	}
	if f.PuntoVendita == nil {
		f.PuntoVendita = other.PuntoVendita
	}
	if f.DataRifornimento == nil {
		f.DataRifornimento = other.DataRifornimento
	}
	if f.TipoCarburante == nil {
		f.TipoCarburante = other.TipoCarburante
	}
	if f.Quantita == nil {
		f.Quantita = other.Quantita
	}
	if f.PrezzoUnitario == nil {
		f.PrezzoUnitario = other.PrezzoUnitario
	}
	if f.ImportoTotale == nil {
		f.ImportoTotale = other.ImportoTotale
	}
	if f.Chilometraggio == nil {
		f.Chilometraggio = other.Chilometraggio
	}
	return f
}

// Document is an image or PDF submitted for recognition
type Document struct {
	Data     []byte
	MIMEType string
}

// Entity is a typed value the recognition service found in the document
type Entity struct {
	Type        string
	MentionText string
	Confidence  float64
}

// Recognition is the output of a text recognition call
type Recognition struct {
	Text     string
	Entities []Entity
}

// Recognizer converts document bytes into plain text
type Recognizer interface {
	// Recognize runs OCR on the document
	Recognize(ctx context.Context, doc Document) (*Recognition, error)
	// Close closes the recognizer and releases resources
	Close() error
}

// CompletionRequest is a single prompt, optionally with an inline image
type CompletionRequest struct {
	Prompt string
	Image  *Document
}

// Completer sends a prompt to a text/JSON generation backend
type Completer interface {
	// Complete returns the raw text of the model reply
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Close closes the completer and releases resources
	Close() error
}

func ptr[T any](v T) *T { return &v }
