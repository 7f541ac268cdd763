package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func ExportJSON(filename string, data any) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("write JSON: %w", err)
	}
	return file.Close()
}

func TimestampedFilename(baseDir, name, ext string, now time.Time) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s_%s.%s", name, now.Format("20060102_150405"), ext))
}
