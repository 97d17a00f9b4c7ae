// The parsed-submission model. Parsing and sandboxed execution of the
// original notebook happen upstream; this layer receives the already
// flattened artefacts and only inspects them.

package grader

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CellOutput is one captured output of an executed code cell.
type CellOutput struct {
	Text string `json:"text" yaml:"text"`
}

// CodeCell pairs a cell's source with its captured outputs.
type CodeCell struct {
	Source  string       `json:"source" yaml:"source"`
	Outputs []CellOutput `json:"outputs" yaml:"outputs"`
}

// ParsedSubmission is the upstream parser's view of one student notebook.
// It lives only for the grading request that received it.
type ParsedSubmission struct {
	CodeCells                []CodeCell `json:"code_cells" yaml:"code_cells"`
	MarkdownCells            []string   `json:"markdown_cells" yaml:"markdown_cells"`
	RequiredVariablesPresent []string   `json:"required_variables_present" yaml:"required_variables_present"`
	ErrorsPresent            []string   `json:"errors_present" yaml:"errors_present"`
}

// LoadSubmission reads a parsed submission document (JSON).
func LoadSubmission(path string) (*ParsedSubmission, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submission %s: %w", path, err)
	}
	var sub ParsedSubmission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("parse submission %s: %w", path, err)
	}
	return &sub, nil
}

// HasVariable reports whether the upstream executor saw name defined.
func (s *ParsedSubmission) HasVariable(name string) bool {
	for _, v := range s.RequiredVariablesPresent {
		if v == name {
			return true
		}
	}
	return false
}

// ReferencesFunction reports whether any code cell calls name.
func (s *ParsedSubmission) ReferencesFunction(name string) bool {
	needle := name + "("
	for _, cell := range s.CodeCells {
		if strings.Contains(cell.Source, needle) {
			return true
		}
	}
	return false
}

// ReferencesColumn reports whether any code cell names the column as a
// string literal, covering the common df["col"] / df['col'] accesses.
func (s *ParsedSubmission) ReferencesColumn(name string) bool {
	single := "'" + name + "'"
	double := `"` + name + `"`
	for _, cell := range s.CodeCells {
		if strings.Contains(cell.Source, single) || strings.Contains(cell.Source, double) {
			return true
		}
	}
	return false
}

// OutputText flattens one cell's outputs into a single comparable string.
func (c CodeCell) OutputText() string {
	parts := make([]string, 0, len(c.Outputs))
	for _, out := range c.Outputs {
		parts = append(parts, out.Text)
	}
	return strings.Join(parts, "\n")
}

// OutputBytes is the total size of all captured outputs, used by the
// comparison size guard.
func (s *ParsedSubmission) OutputBytes() int {
	n := 0
	for _, cell := range s.CodeCells {
		for _, out := range cell.Outputs {
			n += len(out.Text)
		}
	}
	return n
}
