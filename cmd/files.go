package cmd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// maxImportFileSize bounds files read by import commands.
const maxImportFileSize = 10 * 1024 * 1024

// validateFilePath rejects paths that traverse or resolve outside the working
// directory, including URL-encoded traversal.
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}

	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	absPath, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	rel, err := filepath.Rel(workDir, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes current directory")
	}
	return nil
}

// readImportFile validates and reads a file for import.
func readImportFile(filename string) ([]byte, error) {
	if err := validateFilePath(filename); err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > maxImportFileSize {
		return nil, fmt.Errorf("file too large: maximum size is %d bytes (%d MB), got %d bytes",
			maxImportFileSize, maxImportFileSize/(1024*1024), info.Size())
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
