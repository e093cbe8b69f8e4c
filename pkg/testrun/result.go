package testrun

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// Job is one planned execution of the analysis tool against one input
// case for a given run number. The (RepoID, InputFile, RunNumber) tuple
// must not repeat within one suite execution; duplicates are a caller
// error.
type Job struct {
	RepoID    string `json:"repo_id"`
	InputFile string `json:"input_file"`
	RunNumber int    `json:"run_number"`
	SessionID string `json:"session_id"`
}

// ToolAnalytics aggregates the per-tool execution times the analysis
// tool reports in its output.
type ToolAnalytics struct {
	ToolsExecuted      []ToolExecution `json:"tools_executed"`
	ToolCount          int             `json:"tool_count"`
	TotalExecutionMs   int64           `json:"total_execution_time_ms"`
	TotalExecutionSecs float64         `json:"total_execution_time_s"`
}

// ToolExecution is a single tool invocation reported by the analysis tool.
type ToolExecution struct {
	Tool            string  `json:"tool"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	ExecutionTimeS  float64 `json:"execution_time_s"`
}

// Result is the immutable record of one analysis tool invocation.
// Output holds the structured payload parsed from stdout; when parsing
// fails it is empty and RawStdout preserves everything the tool said,
// so "ran but produced no structured result" stays distinguishable from
// "crashed".
type Result struct {
	Job             Job            `json:"job"`
	Success         bool           `json:"success"`
	DurationSeconds float64        `json:"duration_seconds"`
	Output          map[string]any `json:"output"`
	Analytics       *ToolAnalytics `json:"tool_analytics,omitempty"`
	RawStdout       string         `json:"raw_stdout"`
	RawStderr       string         `json:"raw_stderr"`
	Error           string         `json:"error,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// payload is the known shape of the tool's structured output. Everything
// beyond analysis_results is deliberately left opaque.
type payload struct {
	AnalysisResults []map[string]any `mapstructure:"analysis_results"`
}

// FindingCount extracts the number of analysis results from a parsed
// output payload. Returns zero for empty or unrecognized payloads.
func FindingCount(output map[string]any) int {
	if len(output) == 0 {
		return 0
	}

	var p payload
	if err := mapstructure.Decode(output, &p); err != nil {
		return 0
	}

	return len(p.AnalysisResults)
}
