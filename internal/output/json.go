package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/storage"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatInstance formats a single instance as a JSON object.
func (f *JSONFormatter) FormatInstance(inst *backend.Instance) (string, error) {
	return marshalJSON(inst, "instance")
}

// FormatInstances formats instances as a JSON array.
func (f *JSONFormatter) FormatInstances(list []*backend.Instance) (string, error) {
	if len(list) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(list, "instances")
}

func (f *JSONFormatter) FormatTemplates(list []*backend.Template) (string, error) {
	if len(list) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(list, "templates")
}

func (f *JSONFormatter) FormatImages(list []storage.VolumeInfo) (string, error) {
	if len(list) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(list, "images")
}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
