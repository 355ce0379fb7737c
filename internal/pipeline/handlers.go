package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/codegrove/appforge/internal/appforge"
	"github.com/codegrove/appforge/internal/artifact"
	"github.com/codegrove/appforge/internal/fault"
	"github.com/codegrove/appforge/internal/llmutil"
	"github.com/codegrove/appforge/internal/prompt"
	"github.com/codegrove/appforge/internal/provider"
	"github.com/codegrove/appforge/internal/publish"
)

// Handlers bundles the collaborators stage handlers need. One instance is
// shared by every build.
type Handlers struct {
	Router    *provider.StageRouter
	Prompts   *prompt.Registry
	Store     *artifact.Store
	Publisher publish.RepoPublisher
	RepoOwner string
}

func (h *Handlers) callOpts(sc *StageContext) provider.CallOptions {
	return provider.CallOptions{
		BuildID:   sc.Build.BuildID,
		ProjectID: sc.Build.ProjectID,
		StageID:   sc.Stage.ID,
	}
}

// Questionnaire (stage 0) records the request's spec as specs.json without
// any model involvement.
func (h *Handlers) Questionnaire(_ context.Context, sc *StageContext) (*appforge.StageResult, error) {
	if len(sc.Build.SpecJSON) == 0 {
		return nil, fault.New(fault.KindInputMissing, "build request carries no spec")
	}
	return &appforge.StageResult{
		Success:   true,
		Artifacts: map[string]any{"specs.json": sc.Build.SpecJSON},
	}, nil
}

var questionPattern = regexp.MustCompile(`^\s*\d+[\.)]\s*(.+?)\s*$`)

// Refinement (stage 1) asks the clarifier for open questions, auto-answers
// them from keyword heuristics, and consolidates the Q/A history into a
// refined spec. A consolidation parse failure falls back to a deterministic
// merge rather than failing the stage.
func (h *Handlers) Refinement(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	spec, ok := sc.Inputs["specs.json"].(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindInputMissing, "specs.json is not a mapping")
	}

	clarifierPrompt, err := h.Prompts.Render("clarifier", map[string]any{"spec": spec})
	if err != nil {
		return nil, err
	}
	resp, err := h.Router.CallStage(ctx, sc.Stage.ID, clarifierPrompt, h.callOpts(sc))
	if err != nil {
		return nil, err
	}

	var history []map[string]any
	for _, line := range strings.Split(resp.Content, "\n") {
		m := questionPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		question := m[1]
		history = append(history, map[string]any{
			"question": question,
			"answer":   autoAnswer(question),
		})
	}

	var diagnostics []string
	refined := deterministicMerge(spec, history)

	consolidationPrompt, err := h.Prompts.Render("refinement-consolidation", map[string]any{
		"spec":    spec,
		"history": history,
	})
	if err != nil {
		return nil, err
	}
	resp, err = h.Router.CallStage(ctx, sc.Stage.ID, consolidationPrompt, h.callOpts(sc))
	if err != nil {
		return nil, err
	}
	if parsed, parseErr := llmutil.ExtractJSON(resp.Content); parseErr == nil {
		if m, ok := parsed.(map[string]any); ok {
			refined = m
		} else {
			diagnostics = append(diagnostics, "consolidation response is not an object; using deterministic merge")
		}
	} else {
		diagnostics = append(diagnostics, fmt.Sprintf("consolidation parse failed: %v; using deterministic merge", parseErr))
	}

	// Best-effort normalisation pass; the consolidated spec stands if the
	// normaliser output cannot be used.
	if normPrompt, err := h.Prompts.Render("normalizer", map[string]any{"spec": refined}); err == nil {
		if normResp, callErr := h.Router.CallStage(ctx, sc.Stage.ID, normPrompt, h.callOpts(sc)); callErr == nil {
			if parsed, parseErr := llmutil.ExtractJSON(normResp.Content); parseErr == nil {
				if m, ok := parsed.(map[string]any); ok {
					refined = m
				}
			} else {
				diagnostics = append(diagnostics, fmt.Sprintf("normalizer parse failed: %v", parseErr))
			}
		} else if fault.IsCancelled(callErr) {
			return nil, callErr
		} else {
			diagnostics = append(diagnostics, fmt.Sprintf("normalizer call failed: %v", callErr))
		}
	}

	if history == nil {
		history = []map[string]any{}
	}
	return &appforge.StageResult{
		Success: true,
		Artifacts: map[string]any{
			"refined_specs.json":         refined,
			"clarification_history.json": history,
		},
		Diagnostics: diagnostics,
	}, nil
}

// DocsCreation (stage 2) turns the refined spec into Markdown docs.
func (h *Handlers) DocsCreation(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	p, err := h.Prompts.Render("docs-creator", map[string]any{"refined_specs": sc.Inputs["refined_specs.json"]})
	if err != nil {
		return nil, err
	}
	resp, err := h.Router.CallStage(ctx, sc.Stage.ID, p, h.callOpts(sc))
	if err != nil {
		return nil, err
	}
	docs := llmutil.StripCodeFence(resp.Content)
	if strings.TrimSpace(docs) == "" {
		return nil, fault.New(fault.KindParseFailure, "docs-creator returned empty documentation")
	}
	return &appforge.StageResult{
		Success:   true,
		Artifacts: map[string]any{"documentation.md": docs},
	}, nil
}

// SchemaCreation (stage 3) derives the schema and appends it to the docs as
// a fenced JSON section.
func (h *Handlers) SchemaCreation(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	docs, _ := sc.Inputs["documentation.md"].(string)
	p, err := h.Prompts.Render("schema-generator", map[string]any{"documentation": docs})
	if err != nil {
		return nil, err
	}
	resp, err := h.Router.CallStage(ctx, sc.Stage.ID, p, h.callOpts(sc))
	if err != nil {
		return nil, err
	}
	schema, err := llmutil.ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.KindParseFailure, err, "re-encode schema")
	}
	combined := strings.TrimRight(docs, "\n") + "\n\n## Database Schema\n\n```json\n" + string(schemaJSON) + "\n```\n"
	return &appforge.StageResult{
		Success: true,
		Artifacts: map[string]any{
			"schema.json":                  schema,
			"documentation_with_schema.md": combined,
		},
	}, nil
}

// FileStructure (stage 4) asks the model for the nested file-structure
// mapping.
func (h *Handlers) FileStructure(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	docs, _ := sc.Inputs["documentation_with_schema.md"].(string)
	p, err := h.Prompts.Render("file-structure-generator", map[string]any{"documentation": docs})
	if err != nil {
		return nil, err
	}
	resp, err := h.Router.CallStage(ctx, sc.Stage.ID, p, h.callOpts(sc))
	if err != nil {
		return nil, err
	}
	structure, err := llmutil.ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	if _, ok := structure.(map[string]any); !ok {
		return nil, fault.New(fault.KindParseFailure, "file structure response is not an object")
	}
	return &appforge.StageResult{
		Success:   true,
		Artifacts: map[string]any{"file_structure.json": structure},
	}, nil
}

// StructureValidation (stage 5) lets the model correct the proposed
// structure. When the response stays unparseable after the retry, the
// unvalidated structure is passed through as a soft success with the parse
// failure surfaced in diagnostics.
func (h *Handlers) StructureValidation(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	docs, _ := sc.Inputs["documentation_with_schema.md"].(string)
	structure := sc.Inputs["file_structure.json"]
	p, err := h.Prompts.Render("structural-validator", map[string]any{
		"documentation":  docs,
		"file_structure": structure,
	})
	if err != nil {
		return nil, err
	}
	resp, err := h.Router.CallStage(ctx, sc.Stage.ID, p, h.callOpts(sc))
	if err != nil {
		return nil, err
	}
	validated, parseErr := llmutil.ExtractJSON(resp.Content)
	if parseErr == nil {
		if _, ok := validated.(map[string]any); !ok {
			parseErr = fault.New(fault.KindParseFailure, "validator response is not an object")
		}
	}
	if parseErr != nil {
		if sc.Attempt < 2 {
			return nil, parseErr
		}
		return &appforge.StageResult{
			Success:   true,
			Artifacts: map[string]any{"validated_structure.json": structure},
			Diagnostics: []string{
				fmt.Sprintf("validator response unparseable after %d attempts: %v; using unvalidated structure", sc.Attempt, parseErr),
			},
		}, nil
	}
	return &appforge.StageResult{
		Success:   true,
		Artifacts: map[string]any{"validated_structure.json": validated},
	}, nil
}

// RepoPush (stage 9) publishes everything under code/ as a single initial
// commit and reports the repository URL and commit id.
func (h *Handlers) RepoPush(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	files, err := h.Store.ListCode(sc.Build.ProjectDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fault.New(fault.KindInputMissing, "no files under code/ to publish")
	}

	contents := make(map[string]string, len(files))
	for _, rel := range files {
		value, readErr := h.Store.Read(sc.Build.ProjectDir, "code/"+rel)
		if readErr != nil {
			return nil, fault.Wrap(fault.KindArtifactIO, readErr, "read code file %s", rel)
		}
		switch v := value.(type) {
		case string:
			contents[rel] = v
		default:
			data, _ := json.MarshalIndent(v, "", "  ")
			contents[rel] = string(data)
		}
	}

	repoName := publish.SanitizeRepoName(h.repoDisplayName(sc))
	if repoName == "" {
		repoName = publish.SanitizeRepoName(sc.Build.ProjectID)
	}
	description := fmt.Sprintf("Generated application for project %s", sc.Build.ProjectID)

	repo, err := h.Publisher.CreateRepo(ctx, repoName, description, sc.Request.RepoPrivate)
	if err != nil {
		return nil, fault.Wrap(fault.KindProviderUnavailable, err, "create repository %s", repoName)
	}
	owner := repo.Owner
	if owner == "" {
		owner = h.RepoOwner
	}
	sha, err := h.Publisher.PushFiles(ctx, owner, repo.Name, contents, "Initial commit", "main")
	if err != nil {
		return nil, fault.Wrap(fault.KindProviderUnavailable, err, "push files to %s", repo.Name)
	}

	return &appforge.StageResult{
		Success: true,
		Artifacts: map[string]any{
			"github_repo_url": repo.URL,
			"commit_sha":      sha,
		},
	}, nil
}

func (h *Handlers) repoDisplayName(sc *StageContext) string {
	if refined, ok := sc.Build.Artifact("refined_specs.json"); ok {
		if m, ok := refined.(map[string]any); ok {
			for _, key := range []string{"appName", "app_name", "name"} {
				if s, ok := m[key].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return sc.Build.ProjectID
}

// autoAnswer maps a clarification question onto a canned answer via keyword
// heuristics. This stands in for the human-in-the-loop flow.
func autoAnswer(question string) string {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "auth"):
		return "Use email/password authentication with session cookies."
	case strings.Contains(q, "platform") || strings.Contains(q, "mobile"):
		return "Target the web; responsive layout, no native mobile app."
	case strings.Contains(q, "database") || strings.Contains(q, "storage") || strings.Contains(q, "persist"):
		return "Use a relational database; a single PostgreSQL instance is fine."
	case strings.Contains(q, "user") || strings.Contains(q, "role"):
		return "Single user role; no admin backoffice in the first version."
	case strings.Contains(q, "style") || strings.Contains(q, "design") || strings.Contains(q, "theme"):
		return "Clean minimal styling with a light theme."
	case strings.Contains(q, "deploy") || strings.Contains(q, "host"):
		return "Deploy as a single containerised service."
	case strings.Contains(q, "integrat") || strings.Contains(q, "api"):
		return "No third-party integrations in the first version."
	default:
		return "Use the simplest reasonable default."
	}
}

// deterministicMerge is the non-AI consolidation fallback: the original
// spec plus the Q/A history under _clarifications, with well-known keys
// updated from the answers.
func deterministicMerge(spec map[string]any, history []map[string]any) map[string]any {
	refined := make(map[string]any, len(spec)+1)
	for k, v := range spec {
		refined[k] = v
	}
	clarifications := make([]map[string]any, 0, len(history))
	for _, qa := range history {
		clarifications = append(clarifications, qa)
		q, _ := qa["question"].(string)
		a, _ := qa["answer"].(string)
		lower := strings.ToLower(q)
		switch {
		case strings.Contains(lower, "auth"):
			refined["authentication"] = a
		case strings.Contains(lower, "platform"):
			refined["platform"] = a
		case strings.Contains(lower, "database") || strings.Contains(lower, "storage"):
			refined["database"] = a
		case strings.Contains(lower, "deploy") || strings.Contains(lower, "host"):
			refined["deployment"] = a
		}
	}
	refined["_clarifications"] = clarifications
	return refined
}
