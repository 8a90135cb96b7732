package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// targetsFile lists the instances to sweep.
type targetsFile struct {
	Instances []string `yaml:"instances"`
}

// loadTargets merges a comma-separated instance list with an optional YAML file,
// dropping blanks and duplicates while keeping first-seen order.
func loadTargets(csv, path string) ([]string, error) {
	ids := strings.Split(csv, ",")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read targets file %q: %w", path, err)
		}
		var tf targetsFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		ids = append(ids, tf.Instances...)
	}

	seen := make(map[string]bool, len(ids))
	var result []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no instances given: use -instances or -targets")
	}
	return result, nil
}
