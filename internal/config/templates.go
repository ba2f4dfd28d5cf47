package config

import "strings"

// TemplateVars holds the values substituted into commit-message and
// pull-request templates. Empty fields substitute as empty strings.
type TemplateVars struct {
	// Pipeline is the pipeline name.
	Pipeline string

	// RunID is the current run's identifier.
	RunID string

	// Stage is the stage name (empty outside per-stage templates).
	Stage string

	// Branch is the pipeline branch name.
	Branch string

	// Trigger is the trigger type that initiated the run.
	Trigger string
}

// RenderTemplate substitutes {{variable}} placeholders in tmpl with values
// from vars. Unknown placeholders are left untouched so authors notice the
// typo in the rendered output rather than getting a silent blank.
//
// Recognised variables: {{pipeline}}, {{runId}}, {{stage}}, {{branch}},
// {{trigger}}.
func RenderTemplate(tmpl string, vars TemplateVars) string {
	r := strings.NewReplacer(
		"{{pipeline}}", vars.Pipeline,
		"{{runId}}", vars.RunID,
		"{{stage}}", vars.Stage,
		"{{branch}}", vars.Branch,
		"{{trigger}}", vars.Trigger,
	)
	return r.Replace(tmpl)
}
