// Package pipeline contains the fixed stage table, the stage handlers and
// the orchestrator that drives a build through them.
package pipeline

import (
	"context"
	"time"

	"github.com/codegrove/appforge/internal/appforge"
)

// StageContext is the per-invocation view a handler receives. Inputs holds
// the stage's declared input artifacts by name; Attempt is 1-based and
// increments across retries of the same stage.
type StageContext struct {
	Build   *appforge.BuildContext
	Stage   StageDescriptor
	Request appforge.BuildRequest
	Inputs  map[string]any
	Attempt int
	// Progress reports fan-out advancement; wired to stage:progress events.
	Progress func(completed, total int, currentFile string)
}

// HandlerFunc is the uniform handler signature. A non-nil error fails the
// attempt; the returned result may still carry partial artifacts, which the
// orchestrator persists even on failure.
type HandlerFunc func(ctx context.Context, sc *StageContext) (*appforge.StageResult, error)

// StageDescriptor declares one pipeline stage. Descriptors are immutable
// after registration.
type StageDescriptor struct {
	ID              int
	Name            string
	RequiresAI      bool
	InputArtifacts  []string
	OutputArtifacts []string
	Handler         HandlerFunc
	PromptTemplate  string
	Timeout         time.Duration
	Retries         int
	Concurrency     int
}

// DefaultStages returns the canonical ten-stage table bound to the given
// handlers.
func DefaultStages(h *Handlers) []StageDescriptor {
	return []StageDescriptor{
		{
			ID: 0, Name: "questionnaire",
			OutputArtifacts: []string{"specs.json"},
			Handler:         h.Questionnaire,
			Concurrency:     1,
		},
		{
			ID: 1, Name: "refinement", RequiresAI: true,
			InputArtifacts:  []string{"specs.json"},
			OutputArtifacts: []string{"refined_specs.json", "clarification_history.json"},
			Handler:         h.Refinement,
			PromptTemplate:  "clarifier",
			Timeout:         5 * time.Minute, Retries: 2, Concurrency: 1,
		},
		{
			ID: 2, Name: "docs-creation", RequiresAI: true,
			InputArtifacts:  []string{"refined_specs.json"},
			OutputArtifacts: []string{"documentation.md"},
			Handler:         h.DocsCreation,
			PromptTemplate:  "docs-creator",
			Timeout:         10 * time.Minute, Retries: 2, Concurrency: 1,
		},
		{
			ID: 3, Name: "schema-creation", RequiresAI: true,
			InputArtifacts:  []string{"documentation.md"},
			OutputArtifacts: []string{"schema.json", "documentation_with_schema.md"},
			Handler:         h.SchemaCreation,
			PromptTemplate:  "schema-generator",
			Timeout:         10 * time.Minute, Retries: 2, Concurrency: 1,
		},
		{
			ID: 4, Name: "file-structure", RequiresAI: true,
			InputArtifacts:  []string{"documentation_with_schema.md"},
			OutputArtifacts: []string{"file_structure.json"},
			Handler:         h.FileStructure,
			PromptTemplate:  "file-structure-generator",
			Timeout:         10 * time.Minute, Retries: 2, Concurrency: 1,
		},
		{
			ID: 5, Name: "structure-validation", RequiresAI: true,
			InputArtifacts:  []string{"documentation_with_schema.md", "file_structure.json"},
			OutputArtifacts: []string{"validated_structure.json"},
			Handler:         h.StructureValidation,
			PromptTemplate:  "structural-validator",
			Timeout:         5 * time.Minute, Retries: 2, Concurrency: 1,
		},
		{
			ID: 6, Name: "empty-file-creation",
			InputArtifacts:  []string{"validated_structure.json"},
			OutputArtifacts: []string{"empty_files_created"},
			Handler:         h.EmptyFileCreation,
			Timeout:         5 * time.Minute, Retries: 1, Concurrency: 1,
		},
		{
			ID: 7, Name: "prompt-builder", RequiresAI: true,
			InputArtifacts:  []string{"validated_structure.json", "documentation_with_schema.md", "schema.json"},
			OutputArtifacts: []string{"gemini_prompts.json"},
			Handler:         h.PromptBuilder,
			PromptTemplate:  "prompt-builder",
			Timeout:         10 * time.Minute, Retries: 2, Concurrency: 1,
		},
		{
			ID: 8, Name: "code-generation", RequiresAI: true,
			InputArtifacts:  []string{"gemini_prompts.json"},
			OutputArtifacts: []string{"generated_files.json"},
			Handler:         h.CodeGeneration,
			PromptTemplate:  "gemini-coder",
			Timeout:         60 * time.Minute, Retries: 3, Concurrency: 5,
		},
		{
			ID: 9, Name: "repo-push",
			OutputArtifacts: []string{"github_repo_url", "commit_sha"},
			Handler:         h.RepoPush,
			Timeout:         10 * time.Minute, Retries: 2, Concurrency: 1,
		},
	}
}
