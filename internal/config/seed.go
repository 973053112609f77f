package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chronicle/governance/internal/store"
)

// WorkflowSeed is the YAML document loaded by the seed command.
type WorkflowSeed struct {
	Workspace string         `yaml:"workspace"`
	Templates []TemplateSeed `yaml:"templates"`
}

type TemplateSeed struct {
	Title       string            `yaml:"title"`
	Aggregation store.Aggregation `yaml:"aggregation"`
	Steps       []StepSeed        `yaml:"steps"`
}

type StepSeed struct {
	Title                 string                  `yaml:"title"`
	Type                  store.StepType          `yaml:"type"`
	Permissions           []store.Permission      `yaml:"permissions"`
	Reviewers             []string                `yaml:"reviewers"`
	RequiredReviews       int                     `yaml:"requiredReviews"`
	FinalStep             bool                    `yaml:"finalStep"`
	AppealReviewers       []string                `yaml:"appealReviewers"`
	AppealRequiredReviews int                     `yaml:"appealRequiredReviews"`
	RubricCriteria        []store.RubricCriterion `yaml:"rubricCriteria"`
}

// LoadWorkflowSeed reads and decodes a seed file. Unknown keys are
// rejected so typos in step fields surface at load time.
func LoadWorkflowSeed(path string) (WorkflowSeed, error) {
	file, err := os.Open(path)
	if err != nil {
		return WorkflowSeed{}, fmt.Errorf("open seed file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	var seed WorkflowSeed
	if err := decoder.Decode(&seed); err != nil {
		return WorkflowSeed{}, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	if seed.Workspace == "" {
		return WorkflowSeed{}, fmt.Errorf("seed file %s: workspace is required", path)
	}
	return seed, nil
}
