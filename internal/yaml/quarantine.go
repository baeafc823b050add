package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into <mendDir>/quarantine with a
// timestamped name so the evidence survives recovery.
func Quarantine(mendDir, filePath string) error {
	quarantineDir := filepath.Join(mendDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup replaces filePath with its .bak sibling after checking
// the backup itself still parses.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// Recover quarantines a corrupted file and restores the last good backup.
// There is no skeleton fallback: when the backup is unusable the error
// propagates and the caller refuses to run rather than continue over lost
// state.
func Recover(mendDir, filePath string) error {
	if err := Quarantine(mendDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	return nil
}
