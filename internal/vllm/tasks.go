package vllm

import "strings"

// Task is the routing tag the PaddleOCR family consumes instead of a
// free-form prompt.
type Task string

const (
	TaskOCR     Task = "ocr"
	TaskTable   Task = "table"
	TaskFormula Task = "formula"
	TaskChart   Task = "chart"
)

// Declaration order matters: ties resolve to the earlier category.
var taskKeywords = []struct {
	Task     Task
	Keywords []string
}{
	{TaskOCR, []string{"ocr", "text", "extract", "read", "markdown"}},
	{TaskTable, []string{"table", "rows", "columns", "spreadsheet"}},
	{TaskFormula, []string{"formula", "equation", "latex", "math"}},
	{TaskChart, []string{"chart", "graph", "plot", "bar", "line"}},
}

// AssignTask scores the prompt against each category's keyword set and picks
// the highest count. A prompt matching nothing defaults to plain text
// extraction. Pure function, no model state.
func AssignTask(prompt string) Task {
	lower := strings.ToLower(prompt)

	best := TaskOCR
	bestScore := 0
	for _, entry := range taskKeywords {
		score := 0
		for _, kw := range entry.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best = entry.Task
			bestScore = score
		}
	}
	return best
}
