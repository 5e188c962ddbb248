// Package output renders instances, templates and images for the CLI
// (table, YAML, JSON).
package output

import (
	"fmt"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/storage"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML stream, one document per item.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON array for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats vmctl resources for output.
type Formatter interface {
	// FormatInstance formats a single instance.
	FormatInstance(inst *backend.Instance) (string, error)

	// FormatInstances formats a list of instances.
	FormatInstances(list []*backend.Instance) (string, error)

	// FormatTemplates formats a list of templates.
	FormatTemplates(list []*backend.Template) (string, error)

	// FormatImages formats the volumes of an image pool.
	FormatImages(list []storage.VolumeInfo) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable, "":
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}
