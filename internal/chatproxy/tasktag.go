package chatproxy

import "fmt"

// TaskTag enumerates the prompt classes the system recognizes. Routing by
// task tag is a pure command-construction step; the proxy never interprets
// PRD semantics itself.
type TaskTag string

const (
	TaskDecomposePRD TaskTag = "prd-decompose"
	TaskAnalyzePRD   TaskTag = "analyze-prd"
	TaskChangePRD    TaskTag = "prd-change"
	TaskConfirmPRD   TaskTag = "confirm-prd"
)

// dispatch is a pure function from (task tag, prompt) to the ACP command
// invocation string the agent subprocess receives on its prompt channel.
func dispatch(tag TaskTag, prompt string) string {
	switch tag {
	case TaskDecomposePRD:
		// prompt is the absolute path of a PRD file.
		return fmt.Sprintf("/decompose-prd %s", prompt)
	case TaskAnalyzePRD:
		// prompt is already a flag-string ("--module … --feature-tree … --prd …").
		return fmt.Sprintf("/analyze-module %s", prompt)
	case TaskChangePRD:
		// prompt is a user review instruction; reuses the existing session's context.
		return fmt.Sprintf("/modify-prd %s", prompt)
	case TaskConfirmPRD:
		// prompt is always empty for this tag.
		return "/confirm-prd-edits"
	default:
		// Any other tag: pass through as free-form chat.
		return prompt
	}
}
