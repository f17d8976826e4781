package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

const (
	maxConfigSize = 10 << 20
	maxJSONDepth  = 100
	maxPathLen    = 4096
)

// formatOf maps a config file extension to its decoder, or "" when the
// extension is not supported.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return ""
	}
}

func fileError(op, path string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, path, err), "config", op, "access config file")
}

// checkConfigPath rejects empty and oversized paths, unsupported extensions
// and relative paths that climb out of the working directory.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty config path")
	case len(path) > maxPathLen:
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	case formatOf(path) == "":
		return fmt.Errorf("only JSON or YAML config files allowed")
	}

	if !filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("relative path leaves the working directory")
		}
	}
	return nil
}

// readConfigFile reads one configuration layer. Only regular files up to
// maxConfigSize are accepted.
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, fileError("readConfigFile", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fileError("readConfigFile", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fileError("readConfigFile", path, fmt.Errorf("not a regular file"))
	}
	if info.Size() > maxConfigSize {
		return nil, fileError("readConfigFile", path, fmt.Errorf("file too large: %d bytes", info.Size()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileError("readConfigFile", path, err)
	}
	return data, nil
}

// writeConfigFile writes data readable only by the owner.
func writeConfigFile(path string, data []byte) error {
	if err := checkConfigPath(path); err != nil {
		return fileError("writeConfigFile", path, err)
	}
	if len(data) > maxConfigSize {
		return fileError("writeConfigFile", path, fmt.Errorf("config too large: %d bytes", len(data)))
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.WrapTransient(err, "config", "writeConfigFile", "write "+path)
	}
	return nil
}

// validateJSONDepth walks the token stream and fails on nesting deeper than
// maxJSONDepth or unbalanced brackets, before the document is decoded into
// a generic map.
func validateJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("malformed JSON: %w", err)
		}

		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return fmt.Errorf("JSON nesting too deep: more than %d levels", maxJSONDepth)
			}
		case '}', ']':
			depth--
		}
	}

	if depth != 0 {
		return fmt.Errorf("malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
