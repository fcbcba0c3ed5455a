package config

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// LoadDotEnv exports KEY=VALUE pairs from the given files into the process environment.
// Variables already present in the environment win. Missing files are skipped.
// It returns the keys that were set.
func LoadDotEnv(paths ...string) ([]string, error) {
	var loaded []string
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		keys, err := loadDotEnvFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return loaded, err
		}
		loaded = append(loaded, keys...)
	}
	return loaded, nil
}

func loadDotEnvFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := parseDotEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}

func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, raw, ok := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(raw)), true
}

func unquote(raw string) string {
	if len(raw) >= 2 {
		first, last := raw[0], raw[len(raw)-1]
		if first == last && first == '\'' {
			return raw[1 : len(raw)-1]
		}
		if first == last && first == '"' {
			return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\\`, `\`).Replace(raw[1 : len(raw)-1])
		}
	}
	// VALUE # trailing comment
	if index := strings.Index(raw, " #"); index >= 0 {
		return strings.TrimSpace(raw[:index])
	}
	return raw
}
