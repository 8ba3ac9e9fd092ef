package yaml

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"
)

const quarantineDirName = "quarantine"

// Quarantine moves a corrupt file into baseDir/quarantine, stamping its name
// with the time it was set aside.
func Quarantine(baseDir, filePath string) error {
	dest := filepath.Join(baseDir, quarantineDirName)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return errors.Wrap(err, "create quarantine dir")
	}
	dest = filepath.Join(dest, filepath.Base(filePath)+"."+time.Now().Format("20060102T150405")+".corrupt")
	if err := os.Rename(filePath, dest); err != nil {
		return errors.Wrap(err, "move to quarantine")
	}
	log.Printf("quarantined corrupted file: %s -> %s", filePath, dest)
	return nil
}

// RestoreFromBackup copies path.bak over path if the backup still carries a
// valid header for fileType.
func RestoreFromBackup(filePath, fileType string) error {
	bak := filePath + ".bak"
	content, err := os.ReadFile(bak)
	switch {
	case os.IsNotExist(err):
		return errors.Errorf("no backup file: %s", bak)
	case err != nil:
		return errors.Wrap(err, "read backup")
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return errors.Wrap(err, "backup is also corrupted")
	}
	if err := writeSynced(filePath, content); err != nil {
		return errors.Wrap(err, "restore from backup")
	}
	log.Printf("restored from backup: %s -> %s", bak, filePath)
	return nil
}

// GenerateSkeleton writes an empty document of fileType to filePath.
func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(skeleton(fileType))
	if err != nil {
		return errors.Wrap(err, "marshal skeleton")
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return errors.Wrap(err, "write skeleton")
	}
	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores it from its backup
// or, failing that, from an empty skeleton of fileType.
func RecoverCorruptedFile(baseDir, filePath, fileType string) error {
	if err := Quarantine(baseDir, filePath); err != nil {
		return errors.Wrap(err, "quarantine failed")
	}
	berr := RestoreFromBackup(filePath, fileType)
	if berr == nil {
		return nil
	}
	log.Printf("backup restore failed for %s: %v, falling back to skeleton", filePath, berr)
	return errors.Wrap(GenerateSkeleton(filePath, fileType), "skeleton generation failed")
}
