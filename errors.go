package lawbridge

import (
	"errors"

	"github.com/brunobiangulo/lawbridge/index"
	"github.com/brunobiangulo/lawbridge/llm"
	"github.com/brunobiangulo/lawbridge/mapper"
	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/parser"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("lawbridge: document not found")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("lawbridge: invalid configuration")
)

// Errors raised by the components, re-exported so callers can match them
// with errors.Is without importing each package.
var (
	ErrMalformedInput        = normalizer.ErrMalformedInput
	ErrUnsupportedFormat     = parser.ErrUnsupportedFormat
	ErrConfigurationMismatch = index.ErrConfigurationMismatch
	ErrIndexConsistency      = index.ErrIndexConsistency
	ErrInvalidK              = index.ErrInvalidK
	ErrUnitImmutable         = store.ErrUnitImmutable
	ErrNotFound              = store.ErrNotFound
	ErrInvalidMapping        = mapper.ErrInvalidMapping
	ErrInvalidSectionID      = mapper.ErrInvalidSectionID
	ErrUnsupportedTable      = mapper.ErrUnsupportedTable
	ErrUpstreamTimeout       = llm.ErrUpstreamTimeout
	ErrEmptyQuery            = retrieval.ErrEmptyQuery
)
