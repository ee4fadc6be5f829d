package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Save writes the provided key/value pairs to a file in .env format.
//
//   - path  - absolute or relative file path to create/overwrite.
//   - vars  - map of environment variables (keys MUST be non-empty).
//
// The function ensures deterministic ordering by sorting variable names
// alphabetically. Values containing whitespace or `#` characters are quoted
// to preserve their contents. Internal quotes and backslashes are escaped.
func Save(path string, vars map[string]string) error {
	if len(vars) == 0 {
		return nil // nothing to write
	}

	// Ensure destination directory exists.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create env directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create env file %s: %w", path, err)
	}
	defer f.Close()

	// Write variables in deterministic order to ease diffing.
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := vars[k]
		if strings.ContainsAny(v, " \t\n\r#") {
			// Escape internal backslashes and quotes before quoting the whole value.
			v = strings.ReplaceAll(v, `\\`, `\\\\`)
			v = strings.ReplaceAll(v, `"`, `\\"`)
			v = fmt.Sprintf("\"%s\"", v)
		}
		if _, err := fmt.Fprintf(f, "%s=%s\n", k, v); err != nil {
			return fmt.Errorf("failed to write env variable %s: %w", k, err)
		}
	}

	return nil
}

// Load reads a .env style file into a map. Blank lines and lines starting
// with `#` are skipped. Values are returned verbatim apart from surrounding
// double quotes, which are stripped. A missing file is not an error; the
// function returns an empty map so callers can fall back to defaults.
func Load(path string) (map[string]string, error) {
	vars := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, fmt.Errorf("failed to open env file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		vars[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	return vars, nil
}

// IsTruthy reports whether an environment-style value enables a boolean flag.
// Recognized values are "1", "true", "yes" and "on" (case-insensitive).
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
