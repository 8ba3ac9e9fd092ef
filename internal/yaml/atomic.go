// Package yaml reads and writes the schema-tagged YAML files under a taskweave
// directory. Writes go through a verified temp file and keep one backup;
// unreadable files are quarantined and rebuilt.
package yaml

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"
)

const tempPattern = ".taskweave-tmp-*.yaml"

// AtomicWrite marshals data and replaces path with it, keeping the previous
// content in path.bak.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "yaml marshal")
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw is AtomicWrite for already encoded content. Content that
// does not decode as YAML is rejected and path is left untouched.
func AtomicWriteRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create dir")
	}

	staged, err := stage(dir, content)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(staged)
		}
	}()

	if err := backup(path); err != nil {
		return err
	}
	if err := os.Rename(staged, path); err != nil {
		return errors.Wrap(err, "atomic rename")
	}
	committed = true
	return nil
}

// ReadFile validates the schema header of path against fileType and decodes
// the document into v. A missing file is returned unwrapped.
func ReadFile(path, fileType string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return errors.Wrap(err, name)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return errors.Wrapf(err, "%s: parse yaml", name)
	}
	return nil
}

// stage writes content to a synced temp file in dir and checks that what
// landed on disk still decodes.
func stage(dir string, content []byte) (string, error) {
	f, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	name := f.Name()

	_, werr := f.Write(content)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(name)
		return "", errors.Wrap(werr, "write temp file")
	}

	onDisk, err := os.ReadFile(name)
	if err == nil {
		var probe any
		err = yamlv3.Unmarshal(onDisk, &probe)
	}
	if err != nil {
		_ = os.Remove(name)
		return "", errors.Wrap(err, "yaml validation failed")
	}
	return name, nil
}

// backup copies the current content of path, if any, to path.bak.
func backup(path string) error {
	current, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read current file")
	}
	if err := writeSynced(path+".bak", current); err != nil {
		return errors.Wrap(err, "create backup")
	}
	return nil
}

func writeSynced(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
