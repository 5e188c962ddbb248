package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/storage"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatInstance formats a single instance as YAML.
func (f *YAMLFormatter) FormatInstance(inst *backend.Instance) (string, error) {
	data, err := yaml.Marshal(inst)
	if err != nil {
		return "", fmt.Errorf("failed to marshal instance %s to YAML: %w", inst.Label, err)
	}
	return string(data), nil
}

// FormatInstances formats instances as a YAML stream (documents separated
// by ---).
func (f *YAMLFormatter) FormatInstances(list []*backend.Instance) (string, error) {
	return stream(list, func(i *backend.Instance) string { return i.Label })
}

func (f *YAMLFormatter) FormatTemplates(list []*backend.Template) (string, error) {
	return stream(list, func(t *backend.Template) string { return t.Name })
}

func (f *YAMLFormatter) FormatImages(list []storage.VolumeInfo) (string, error) {
	return stream(list, func(v storage.VolumeInfo) string { return v.Name })
}

func stream[T any](items []T, name func(T) string) (string, error) {
	var buf bytes.Buffer
	for i, item := range items {
		data, err := yaml.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s to YAML: %w", name(item), err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
