// Package prompt renders stage prompts. The pipeline treats rendered text as
// opaque; swapping the Provider swaps the entire prompting strategy.
package prompt

import (
	"fmt"
	"strings"
	"text/template"
)

// Stage identifiers understood by the default provider.
const (
	StageSystem          = "system"
	StageResearch        = "research"
	StageStructure       = "structure"
	StageTraceDiagram    = "trace_diagram"
	StageTraceLocations  = "trace_locations"
	StageTraceGuide      = "trace_guide"
	StageDiagramGenerate = "diagram_generate"
	StageDiagramFix      = "diagram_fix"
)

// Provider renders the prompt for one stage.
type Provider interface {
	Render(stageID string, vars map[string]any) (string, error)
}

// TemplateProvider renders prompts from parsed text templates, one named
// template per stage.
type TemplateProvider struct {
	root *template.Template
}

// NewDefaultProvider parses the built-in stage templates. Parse failures are
// programmer errors, so it panics rather than returning one.
func NewDefaultProvider() *TemplateProvider {
	root := template.New("prompts").Option("missingkey=zero")
	for stage, body := range defaults {
		template.Must(root.New(stage).Parse(body))
	}
	return &TemplateProvider{root: root}
}

func (p *TemplateProvider) Render(stageID string, vars map[string]any) (string, error) {
	t := p.root.Lookup(stageID)
	if t == nil {
		return "", fmt.Errorf("prompt: unknown stage %q", stageID)
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("prompt: render %s: %w", stageID, err)
	}
	return strings.TrimSpace(b.String()) + "\n", nil
}

var defaults = map[string]string{
	StageSystem: `You are a codebase analyst. Today is {{.Date}}. Answer in {{.Language}}.
You inspect a workspace with the provided tools and produce execution-trace
maps of how the code answers the user's question. Never invent file paths or
line numbers; every reference must come from tool output.`,

	StageResearch: `# PURPOSE
Investigate the workspace to answer: {{.Query}}

# RULES
- Use the tools to list, read and search files before drawing conclusions.
- Follow the call chain across files; do not stop at the first match.
- Detail level: {{.Detail}}.
- When your investigation is sufficient, write the line "research complete"
  followed by a short summary of what you found.`,

	StageStructure: `# PURPOSE
Convert your findings into a structured codemap.

# OUTPUT_FORMAT
Emit exactly one <codemap> block containing JSON:
<codemap>
{"title": "...", "description": "...", "traces": [{"id": "t1", "title": "...",
"description": "...", "locations": [{"id": "l1", "file": "path", "line": 1,
"title": "...", "description": "..."}]}]}
</codemap>

# RULES
- Every location must cite a file and line you actually inspected.
- Trace ids are short, stable and unique.
- No prose outside the <codemap> block.`,

	StageTraceDiagram: `# PURPOSE
Draw a mermaid flowchart for the trace "{{.TraceTitle}}".
{{if .TraceDescription}}
# BACKGROUND
{{.TraceDescription}}
{{end}}
# RULES
- Output a single fenced mermaid block and nothing else.
- flowchart TD; one subgraph per architectural layer.
- Node identifiers are short alphanumerics; never use reserved words such as
  "end" as identifiers.`,

	StageTraceLocations: `# PURPOSE
Annotate the diagram for "{{.TraceTitle}}" with exact code locations.

# OUTPUT_FORMAT
Emit exactly one <locations> block containing a JSON array:
<locations>
[{"id": "l1", "file": "path", "line": 1, "title": "...", "description": "..."}]
</locations>

# RULES
- One entry per diagram node that corresponds to code.
- Re-verify files and line numbers with the tools if unsure.`,

	StageTraceGuide: `# PURPOSE
Write a reading guide for the trace "{{.TraceTitle}}": a short narrative a
developer follows to walk the code path themselves.

# RULES
- Reference locations by file and line.
- Detail level: {{.Detail}}.
- Plain prose, no code fences.`,

	StageDiagramGenerate: `# PURPOSE
Draw one mermaid flowchart summarizing the whole codemap: {{.Title}}.

# RULES
- Output a single fenced mermaid block and nothing else.
- flowchart TD; one subgraph per trace.
- Node identifiers are short alphanumerics; never use reserved words such as
  "end" as identifiers.`,

	StageDiagramFix: `# PURPOSE
The previous diagram failed validation. Produce a corrected version.
{{if .Diagram}}
# PREVIOUS_DIAGRAM
{{.Diagram}}
{{end}}
# VALIDATOR_ERROR
{{.Error}}

# RULES
- Output a single fenced mermaid block and nothing else, no prose.
- Fix the reported error without discarding unrelated content.
- Never use reserved words such as "end" as node identifiers.`,
}
