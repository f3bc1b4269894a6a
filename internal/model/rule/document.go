package rule

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OverrideVersion is stamped on every override document this module writes.
const OverrideVersion = "1.0"

// ErrMalformedDocument marks rule documents that fail to parse or validate.
var ErrMalformedDocument = errors.New("malformed rule document")

// Format selects the decoder for a rule document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath guesses the document format from a file name or URL path.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Document is the bundled default rule source.
type Document struct {
	Rules Set `json:"rules" yaml:"rules"`
}

// OverrideDocument is the administrator override persisted in storage and
// carried verbatim by sync notifications.
type OverrideDocument struct {
	Version   string    `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	Rules     Set       `json:"rules" yaml:"rules"`
}

// NewOverride wraps a rule set for persistence.
func NewOverride(rules Set, now time.Time) OverrideDocument {
	return OverrideDocument{
		Version:   OverrideVersion,
		CreatedAt: now.UTC(),
		Rules:     rules.Clone(),
	}
}

// Encode serializes the override as JSON.
func (d OverrideDocument) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// ParseDocument decodes and validates a default rule document.
func ParseDocument(data []byte, format Format) (Document, error) {
	var doc Document
	if err := decode(data, format, &doc); err != nil {
		return Document{}, err
	}
	if err := doc.Rules.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ParseOverride decodes and validates an override document. Overrides are
// always JSON.
func ParseOverride(data []byte) (OverrideDocument, error) {
	var doc OverrideDocument
	if err := decode(data, FormatJSON, &doc); err != nil {
		return OverrideDocument{}, err
	}
	if doc.Version == "" {
		return OverrideDocument{}, fmt.Errorf("%w: missing version", ErrMalformedDocument)
	}
	if err := doc.Rules.Validate(); err != nil {
		return OverrideDocument{}, err
	}
	return doc, nil
}

func decode(data []byte, format Format, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty document", ErrMalformedDocument)
	}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, out)
	default:
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return nil
}
