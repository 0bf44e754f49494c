// Package merge combines multiple agent results into one deterministic
// artifact. Inputs are sorted before folding so concurrent completion order
// never changes the merged output.
package merge

import (
	"reflect"
	"sort"
)

// ResultMetadata describes how an agent result was produced.
type ResultMetadata struct {
	RunID     string   `json:"run_id"`
	Timestamp string   `json:"timestamp"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
}

// AgentResult is one agent's output from a coordinated batch.
type AgentResult struct {
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name"`
	Output    any            `json:"output"`
	Metadata  ResultMetadata `json:"metadata"`
}

// MergedResult aggregates a set of agent results.
type MergedResult struct {
	AgentIDs       []string `json:"agent_ids"`
	RunIDs         []string `json:"run_ids"`
	TotalToolsUsed []string `json:"total_tools_used"`
	AllSucceeded   bool     `json:"all_succeeded"`
	Output         any      `json:"output"`
	Timestamp      string   `json:"timestamp"`
}

// Merge combines results into one MergedResult.
//
// Results are ordered by agent name, tie-broken by metadata timestamp, then
// outputs are folded pairwise left-to-right with a deep merge. Zero inputs
// yield a neutral result with AllSucceeded true.
func Merge(results []AgentResult) MergedResult {
	merged := MergedResult{
		AgentIDs:       []string{},
		RunIDs:         []string{},
		TotalToolsUsed: []string{},
		AllSucceeded:   true,
		Output:         map[string]any{},
	}
	if len(results) == 0 {
		return merged
	}

	sorted := make([]AgentResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AgentName != sorted[j].AgentName {
			return sorted[i].AgentName < sorted[j].AgentName
		}
		return sorted[i].Metadata.Timestamp < sorted[j].Metadata.Timestamp
	})

	var output any
	tools := make(map[string]struct{})
	for i, r := range sorted {
		if i == 0 {
			output = r.Output
		} else {
			output = deepMerge(output, r.Output)
		}

		merged.AgentIDs = append(merged.AgentIDs, r.AgentID)
		if r.Metadata.RunID != "" {
			merged.RunIDs = append(merged.RunIDs, r.Metadata.RunID)
		}
		for _, tool := range r.Metadata.ToolsUsed {
			tools[tool] = struct{}{}
		}
		merged.AllSucceeded = merged.AllSucceeded && r.Metadata.Success
		if r.Metadata.Timestamp > merged.Timestamp {
			merged.Timestamp = r.Metadata.Timestamp
		}
	}

	sort.Strings(merged.AgentIDs)
	sort.Strings(merged.RunIDs)
	for tool := range tools {
		merged.TotalToolsUsed = append(merged.TotalToolsUsed, tool)
	}
	sort.Strings(merged.TotalToolsUsed)

	merged.Output = output
	return merged
}

// deepMerge folds right into left.
//
// Maps merge key-by-key with nested maps recursing. Slices from both sides
// are concatenated then deduplicated by structural equality. For anything
// else the right value wins unless it is nil, in which case left is kept.
func deepMerge(left, right any) any {
	if right == nil {
		return left
	}
	if left == nil {
		return right
	}

	leftMap, leftIsMap := left.(map[string]any)
	rightMap, rightIsMap := right.(map[string]any)
	if leftIsMap && rightIsMap {
		out := make(map[string]any, len(leftMap)+len(rightMap))
		for k, v := range leftMap {
			out[k] = v
		}
		for k, v := range rightMap {
			if existing, ok := out[k]; ok {
				out[k] = deepMerge(existing, v)
			} else {
				out[k] = v
			}
		}
		return out
	}

	leftSlice, leftIsSlice := left.([]any)
	rightSlice, rightIsSlice := right.([]any)
	if leftIsSlice && rightIsSlice {
		return dedupConcat(leftSlice, rightSlice)
	}

	return right
}

// dedupConcat concatenates two slices, dropping elements structurally equal
// to one already kept.
func dedupConcat(left, right []any) []any {
	out := make([]any, 0, len(left)+len(right))
	for _, v := range append(append([]any{}, left...), right...) {
		duplicate := false
		for _, kept := range out {
			if reflect.DeepEqual(kept, v) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, v)
		}
	}
	return out
}
