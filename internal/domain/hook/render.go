package hook

import (
	"fmt"
	"strings"
)

// Render expands {{placeholders}} in a hook payload from the context.
func Render(tmpl string, ctx *Context) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	conf := ""
	if ctx.Confidence != nil {
		conf = fmt.Sprintf("%.2f", *ctx.Confidence)
	}
	r := strings.NewReplacer(
		"{{message}}", ctx.Message,
		"{{action}}", ctx.Action,
		"{{input}}", string(ctx.Input),
		"{{files}}", strings.Join(ctx.Files, ", "),
		"{{agent_type}}", ctx.AgentType,
		"{{execution_id}}", ctx.ExecutionID,
		"{{project_id}}", ctx.ProjectID,
		"{{error}}", ctx.Error,
		"{{confidence}}", conf,
	)
	return r.Replace(tmpl)
}
