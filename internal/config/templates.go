// Package config provides configuration loading utilities.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// instructionMaxLen caps template instructions; longer prompts dilute the
// fine-tuning signal.
const instructionMaxLen = 200

// TrainingTemplate holds the instruction/input text pair rendered into
// training examples for one record type.
type TrainingTemplate struct {
	Instruction string `yaml:"instruction"`
	Input       string `yaml:"input"`
}

// LoadTrainingTemplates reads per-record-type template overrides from a
// YAML file keyed by record type name. An empty path returns an empty map
// so the built-in defaults apply unchanged.
func LoadTrainingTemplates(path string) (map[string]TrainingTemplate, error) {
	if path == "" {
		return map[string]TrainingTemplate{}, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTrainingTemplates: %w", err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("op=config.LoadTrainingTemplates: template file not found: %s", absPath)
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTrainingTemplates: %w", err)
	}

	var overrides map[string]TrainingTemplate
	if err := yaml.Unmarshal(content, &overrides); err != nil {
		return nil, fmt.Errorf("op=config.LoadTrainingTemplates: %w", err)
	}

	for rt, tpl := range overrides {
		if len(tpl.Instruction) > instructionMaxLen {
			return nil, fmt.Errorf("op=config.LoadTrainingTemplates: instruction for %s exceeds %d chars", rt, instructionMaxLen)
		}
	}
	return overrides, nil
}
