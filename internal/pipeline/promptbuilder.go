package pipeline

import (
	"context"
	"encoding/json"
	gopath "path"
	"strings"

	"github.com/codegrove/appforge/internal/appforge"
	"github.com/codegrove/appforge/internal/fault"
)

// docsExcerptLimit caps the documentation excerpt embedded per file prompt.
const docsExcerptLimit = 2000

// PromptBuilder (stage 7) builds one self-contained code-generation prompt
// per file in the validated structure, pairing each file with a relevant
// documentation excerpt and inferred imports/functions.
func (h *Handlers) PromptBuilder(ctx context.Context, sc *StageContext) (*appforge.StageResult, error) {
	structure, ok := sc.Inputs["validated_structure.json"].(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindInputMissing, "validated_structure.json is not a mapping")
	}
	docs, _ := sc.Inputs["documentation_with_schema.md"].(string)
	schema := sc.Inputs["schema.json"]

	files, err := FlattenStructure(structure)
	if err != nil {
		return nil, err
	}

	schemaJSON := ""
	if data, err := json.MarshalIndent(schema, "", "  "); err == nil {
		schemaJSON = string(data)
	}

	records := make([]any, 0, len(files))
	for i, f := range files {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "cancelled during prompt building")
		}
		imports := inferImports(f.Path)
		functions := inferFunctions(f.Path)

		p, err := h.Prompts.Render("prompt-builder", map[string]any{
			"filename":     f.Path,
			"purpose":      f.Purpose,
			"imports":      strings.Join(imports, ", "),
			"functions":    strings.Join(functions, ", "),
			"docs_excerpt": docsExcerpt(docs, f.Path),
			"schema":       schemaJSON,
		})
		if err != nil {
			return nil, err
		}
		opts := h.callOpts(sc)
		opts.FilePath = f.Path
		resp, err := h.Router.CallStage(ctx, sc.Stage.ID, p, opts)
		if err != nil {
			return nil, err
		}

		records = append(records, map[string]any{
			"filename":        f.Path,
			"purpose":         f.Purpose,
			"schema":          schemaJSON,
			"imports":         imports,
			"generatedPrompt": strings.TrimSpace(resp.Content),
			"functions":       functions,
		})
		if sc.Progress != nil {
			sc.Progress(i+1, len(files), f.Path)
		}
	}

	return &appforge.StageResult{
		Success:   true,
		Artifacts: map[string]any{"gemini_prompts.json": records},
	}, nil
}

// docsExcerpt returns the first documentation section whose heading shares
// a keyword with the filename, capped at docsExcerptLimit characters. With
// no matching section the head of the document is used.
func docsExcerpt(docs, filename string) string {
	tokens := filenameTokens(filename)
	sections := splitSections(docs)
	for _, sec := range sections {
		heading := strings.ToLower(sec.heading)
		for _, tok := range tokens {
			if strings.Contains(heading, tok) {
				return capString(sec.body, docsExcerptLimit)
			}
		}
	}
	return capString(docs, docsExcerptLimit)
}

type docSection struct {
	heading string
	body    string
}

func splitSections(docs string) []docSection {
	var sections []docSection
	lines := strings.Split(docs, "\n")
	var current *docSection
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			if current != nil {
				sections = append(sections, *current)
			}
			current = &docSection{heading: strings.TrimPrefix(line, "## ")}
			current.body = line + "\n"
			continue
		}
		if current != nil {
			current.body += line + "\n"
		}
	}
	if current != nil {
		sections = append(sections, *current)
	}
	return sections
}

func filenameTokens(filename string) []string {
	base := gopath.Base(filename)
	base = strings.TrimSuffix(base, gopath.Ext(base))
	raw := strings.FieldsFunc(strings.ToLower(base+" "+gopath.Dir(filename)), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var tokens []string
	for _, t := range raw {
		if len(t) > 2 && t != "index" && t != "main" && t != "src" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func capString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// inferImports guesses module dependencies from path keywords.
func inferImports(p string) []string {
	lower := strings.ToLower(p)
	var imports []string
	if strings.Contains(lower, "route") || strings.Contains(lower, "api") {
		imports = append(imports, "auth", "db")
	}
	if strings.Contains(lower, "component") {
		imports = append(imports, "stores")
	}
	return imports
}

// inferFunctions guesses the expected function set from path keywords.
func inferFunctions(p string) []string {
	lower := strings.ToLower(p)
	var fns []string
	if strings.Contains(lower, "auth") {
		fns = append(fns, "login", "register", "logout")
	}
	if strings.Contains(lower, "crud") || strings.Contains(lower, "model") {
		fns = append(fns, "create", "read", "update", "delete")
	}
	return fns
}
