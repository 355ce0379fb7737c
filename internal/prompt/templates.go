package prompt

// builtins are the templates the fixed pipeline renders. Placeholder names
// are part of the external contract: each stage handler supplies exactly the
// variables its template names.
var builtins = map[string]string{
	"clarifier": `You are a requirements analyst. Read the application specification below and
produce a numbered list of clarifying questions covering any ambiguous or
missing details (target platform, authentication, data retention, styling,
integrations). Output only the numbered questions, one per line.

Specification:
{{spec}}`,

	"refinement-consolidation": `Consolidate the original specification and the clarification Q/A history
into a single refined specification. Respond with a JSON object only: keep
every key from the original spec, fold the answers into the relevant keys,
and add any newly established requirements.

Original specification:
{{spec}}

Clarification history:
{{history}}`,

	"normalizer": `Normalise the refined application specification below into canonical form:
camelCase keys, feature lists as string arrays, no prose outside values.
Respond with the normalised JSON object only.

{{spec}}`,

	"docs-creator": `Write complete technical documentation in Markdown for the application
described by the specification below. Cover: overview, features, pages and
user flows, data entities, and API surface. Use ## headings per section.

Specification:
{{refined_specs}}`,

	"schema-generator": `Derive the database schema for the application documented below. Respond
with a JSON object mapping table names to column definitions, each column
with "type" and optional "references".

Documentation:
{{documentation}}`,

	"structural-validator": `Validate and correct the proposed file structure against the documentation.
Remove files with no documented purpose, add any missing ones, and keep the
nested JSON mapping shape (directories as objects, files as purpose strings).
Respond with the corrected JSON only.

Documentation:
{{documentation}}

Proposed file structure:
{{file_structure}}`,

	"file-structure-generator": `Design the source file structure for the documented application as a nested
JSON mapping: directory names map to objects, file names map to a one-line
purpose string. Respond with the JSON only.

Documentation:
{{documentation}}`,

	"validator": `Review the generated source file below against its stated purpose and the
project documentation. List any missing functions or contract violations as
a JSON array of strings (empty array if none).

File: {{filename}}
Purpose: {{purpose}}

{{content}}`,

	"prompt-builder": `Write a self-contained code-generation prompt for one source file of the
documented application. The prompt must state the file's purpose, its
expected imports and exported functions, and any schema it touches.

File: {{filename}}
Purpose: {{purpose}}
Likely imports: {{imports}}
Expected functions: {{functions}}

Relevant documentation:
{{docs_excerpt}}

Schema:
{{schema}}`,

	"gemini-coder": `{{generated_prompt}}

Respond with the complete contents of {{filename}} and nothing else. Do not
wrap the code in a markdown fence.`,
}
