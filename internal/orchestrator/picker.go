package orchestrator

import (
	"errors"
	"fmt"

	"github.com/quarrylabs/conveyor/internal/ledger"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// Ranker orders candidate tools by recorded reliability. Satisfied by
// *ledger.Ledger.
type Ranker interface {
	RankedTools(category string, candidates []string) []ledger.Ranking
}

// Picker chooses which registered tool serves a category, best ranked
// first. It implements the gate's tool selection.
type Picker struct {
	registry *tools.Registry
	ranker   Ranker
}

// NewPicker wires the picker.
func NewPicker(reg *tools.Registry, ranker Ranker) (*Picker, error) {
	if reg == nil {
		return nil, errors.New("tool registry required")
	}
	if ranker == nil {
		return nil, errors.New("ranker required")
	}
	return &Picker{registry: reg, ranker: ranker}, nil
}

// Pick returns the best-ranked registered tool of a category. With no
// reliability history every candidate sits on the neutral prior and
// the tie breaks by id, so the choice is still deterministic.
func (p *Picker) Pick(category tools.Category) (tools.ToolID, error) {
	candidates := p.registry.Candidates(category)
	if len(candidates) == 0 {
		return "", fmt.Errorf("no tools registered for category %s", category)
	}
	ids := make([]string, len(candidates))
	for i, id := range candidates {
		ids[i] = string(id)
	}
	ranked := p.ranker.RankedTools(string(category), ids)
	if len(ranked) == 0 {
		return candidates[0], nil
	}
	return tools.ToolID(ranked[0].Tool), nil
}
