package taskengine

import (
	"fmt"
	"strings"

	"github.com/ottolabs/otto/internal/store"
)

// resultContract is appended to every prompt so the agent answers with the
// structured result the parser expects.
const resultContract = `Respond with a single JSON object:
{"status": "success" | "failed" | "skipped", "summary": "<one or two sentences>", "errors": [{"code": "...", "message": "..."}]}
No prose outside the JSON.`

// scheduledPrompt frames a generic scheduled task for the agent.
func scheduledPrompt(job *store.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing the scheduled task %q (type %s).\n", job.ID, job.Type)
	if job.Payload != nil && strings.TrimSpace(*job.Payload) != "" {
		fmt.Fprintf(&b, "Task payload:\n%s\n", *job.Payload)
	}
	b.WriteString("Carry out the task now.\n\n")
	b.WriteString(resultContract)
	return b.String()
}

// backgroundPrompt frames an interactive background request.
func backgroundPrompt(p *backgroundPayload) string {
	var b strings.Builder
	b.WriteString("You are running a background job on behalf of the user.\n")
	fmt.Fprintf(&b, "Request:\n%s\n", p.Request.Text)
	if p.Request.Rationale != "" {
		fmt.Fprintf(&b, "Why it was deferred: %s\n", p.Request.Rationale)
	}
	b.WriteString("Work the request to completion.\n\n")
	b.WriteString(resultContract)
	return b.String()
}
