package models

import "time"

// Preset is a named set of experiment defaults loaded from YAML.
type Preset struct {
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	Backend       string        `yaml:"backend"`
	Model         string        `yaml:"model"`
	Language      string        `yaml:"language"`
	SystemPrompt  string        `yaml:"system_prompt"`
	MaxIterations int           `yaml:"max_iterations"`
	ExecTimeout   time.Duration `yaml:"execution_timeout"`
}
