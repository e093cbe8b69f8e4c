package testrun

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiRe     = regexp.MustCompile(`\x1b\[[0-9;]*[mK]`)
	spinnerRe  = regexp.MustCompile(`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`)
	thinkingRe = regexp.MustCompile(`Thinking\.\.\.`)
	toolTimeRe = regexp.MustCompile(`Tool (\w+) execution time: (\d+)ms`)
	newlinesRe = regexp.MustCompile(`\n+`)
	fencedRe   = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareJSONRe = regexp.MustCompile(`\{[\s\S]*"analysis_results"[\s\S]*\}`)
)

// stripNoise removes ANSI escapes, spinner glyphs and progress chatter
// the interactive tool mixes into stdout.
func stripNoise(raw string) string {
	cleaned := ansiRe.ReplaceAllString(raw, "")
	cleaned = spinnerRe.ReplaceAllString(cleaned, "")
	cleaned = thinkingRe.ReplaceAllString(cleaned, "")
	cleaned = toolTimeRe.ReplaceAllString(cleaned, "")
	cleaned = newlinesRe.ReplaceAllString(cleaned, "\n")

	return cleaned
}

// ExtractPayload attempts to parse the structured JSON payload from raw
// tool stdout. The payload normally arrives inside a ```json fence; a
// bare object mentioning analysis_results is accepted as fallback.
// A nil map with ok=false means no structured result was found — that is
// an anomaly to record, never an error to raise.
func ExtractPayload(rawStdout string) (map[string]any, bool) {
	if rawStdout == "" {
		return nil, false
	}

	cleaned := stripNoise(rawStdout)

	candidate := ""
	if m := fencedRe.FindStringSubmatch(cleaned); m != nil {
		candidate = strings.TrimSpace(m[1])
	} else if m := bareJSONRe.FindString(cleaned); m != "" {
		candidate = strings.TrimSpace(m)
	}

	if candidate == "" {
		return nil, false
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, false
	}

	return parsed, true
}

// ExtractAnalytics collects tool execution timings from raw stdout.
// Returns nil when the output reports no tool executions.
func ExtractAnalytics(rawStdout string) *ToolAnalytics {
	matches := toolTimeRe.FindAllStringSubmatch(rawStdout, -1)
	if len(matches) == 0 {
		return nil
	}

	analytics := &ToolAnalytics{
		ToolsExecuted: make([]ToolExecution, 0, len(matches)),
	}

	for _, m := range matches {
		ms, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}

		analytics.ToolsExecuted = append(analytics.ToolsExecuted, ToolExecution{
			Tool:            m[1],
			ExecutionTimeMs: ms,
			ExecutionTimeS:  float64(ms) / 1000,
		})
		analytics.TotalExecutionMs += ms
		analytics.ToolCount++
	}

	analytics.TotalExecutionSecs = float64(analytics.TotalExecutionMs) / 1000

	return analytics
}
