package exporter

import (
	"encoding/json"
	"strings"

	"github.com/johndauphine/sqlconv/internal/ledger"
)

// notebook is an nbformat 4.4 document; cells carry no ids.
type notebook struct {
	Cells         []any          `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// codeCell always carries execution_count and outputs, even when empty.
type codeCell struct {
	CellType       string         `json:"cell_type"`
	ExecutionCount *int           `json:"execution_count"`
	Metadata       map[string]any `json:"metadata"`
	Outputs        []any          `json:"outputs"`
	Source         []string       `json:"source"`
}

type markdownCell struct {
	CellType string         `json:"cell_type"`
	Metadata map[string]any `json:"metadata"`
	Source   []string       `json:"source"`
}

func renderNotebook(units []ledger.Unit, placeholder func(*ledger.Unit) string) ([]byte, error) {
	nb := notebook{
		Cells:         make([]any, 0, len(units)),
		Metadata:      map[string]any{"language_info": map[string]any{"name": "sql"}},
		NBFormat:      4,
		NBFormatMinor: 4,
	}
	for i := range units {
		u := &units[i]
		if u.Status == ledger.StatusSuccess {
			nb.Cells = append(nb.Cells, codeCell{
				CellType: "code",
				Metadata: map[string]any{"unit": u.ID},
				Outputs:  []any{},
				Source:   sourceLines(u.GeneratedText),
			})
			continue
		}
		nb.Cells = append(nb.Cells, markdownCell{
			CellType: "markdown",
			Metadata: map[string]any{"unit": u.ID},
			Source:   sourceLines("```\n" + placeholder(u) + "```\n"),
		})
	}
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// sourceLines splits text the way Jupyter stores cell sources: one string per
// line, each keeping its trailing newline except possibly the last.
func sourceLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return []string{}
	}
	return strings.SplitAfter(text, "\n")
}
