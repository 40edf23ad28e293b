// Package serialization converts events to and from message bodies.
package serialization

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ContentTypeJSON is the content type of JSONSerializer bodies
const ContentTypeJSON = "application/json"

var (
	// ErrNilValue is returned when encoding a nil value
	ErrNilValue = errors.New("serialization: value cannot be nil")
	// ErrEmptyBody is returned when decoding an empty body
	ErrEmptyBody = errors.New("serialization: data cannot be empty")
)

// Serializer encodes events for transport and decodes them on delivery
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string
}

// JSONSerializer implements Serializer using json-iterator
type JSONSerializer struct {
	api         jsoniter.API
	prettyPrint bool
}

// JSONSerializerOption configures the JSON serializer
type JSONSerializerOption func(*jsonConfig)

type jsonConfig struct {
	escapeHTML  bool
	prettyPrint bool
	strict      bool
}

// WithPrettyPrint enables pretty printing
func WithPrettyPrint(pretty bool) JSONSerializerOption {
	return func(c *jsonConfig) {
		c.prettyPrint = pretty
	}
}

// WithEscapeHTML toggles HTML escaping of string values
func WithEscapeHTML(escape bool) JSONSerializerOption {
	return func(c *jsonConfig) {
		c.escapeHTML = escape
	}
}

// WithDisallowUnknownFields rejects bodies carrying fields the target lacks
func WithDisallowUnknownFields(strict bool) JSONSerializerOption {
	return func(c *jsonConfig) {
		c.strict = strict
	}
}

// NewJSONSerializer creates a new JSON serializer
func NewJSONSerializer(opts ...JSONSerializerOption) *JSONSerializer {
	cfg := jsonConfig{escapeHTML: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &JSONSerializer{
		api: jsoniter.Config{
			EscapeHTML:             cfg.escapeHTML,
			SortMapKeys:            true,
			ValidateJsonRawMessage: true,
			DisallowUnknownFields:  cfg.strict,
		}.Froze(),
		prettyPrint: cfg.prettyPrint,
	}
}

// Encode serializes v to JSON
func (s *JSONSerializer) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}

	var (
		data []byte
		err  error
	)
	if s.prettyPrint {
		data, err = s.api.MarshalIndent(v, "", "  ")
	} else {
		data, err = s.api.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

// Decode deserializes JSON data into v, which must be a pointer
func (s *JSONSerializer) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyBody
	}
	if err := s.api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal into %T: %w", v, err)
	}
	return nil
}

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string {
	return ContentTypeJSON
}
