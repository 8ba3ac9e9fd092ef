package yaml

import (
	"os"

	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeWorkspace       = "workspace"
	FileTypeStateExecutions = "state_executions"
)

// skeletons maps every known file_type to the body fields of an empty
// document of that type.
var skeletons = map[string]map[string]any{
	FileTypeWorkspace: {
		"phases":   []any{},
		"projects": []any{},
	},
	FileTypeStateExecutions: {
		"executions": []any{},
		"updated_at": nil,
	},
}

// SchemaHeader is embedded inline at the top of every state and definition
// file taskweave reads.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

// check reports whether h is readable by this build as fileType. An empty
// fileType accepts any registered type.
func (h SchemaHeader) check(fileType string) error {
	switch {
	case h.SchemaVersion < 1:
		return errors.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return errors.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return errors.New("missing file_type")
	}
	if _, known := skeletons[h.FileType]; !known {
		return errors.Errorf("unknown file_type: %q", h.FileType)
	}
	if fileType != "" && h.FileType != fileType {
		return errors.Errorf("file_type mismatch: got %q, expected %q", h.FileType, fileType)
	}
	return nil
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read file")
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var h SchemaHeader
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return errors.Wrap(err, "parse yaml")
	}
	return h.check(expectedFileType)
}

// skeleton returns an empty, valid document of fileType.
func skeleton(fileType string) map[string]any {
	doc := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	for k, v := range skeletons[fileType] {
		doc[k] = v
	}
	return doc
}
