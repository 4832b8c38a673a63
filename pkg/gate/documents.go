package gate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"strata/pkg/fsx"
	"strata/pkg/protocol"
)

// orphanOwner marks a promise nobody owns.
const orphanOwner = "none"

// Promise is an externally-owned completion commitment. The gate only reads
// these records.
type Promise struct {
	ID          string                    `yaml:"id"`
	Description string                    `yaml:"description,omitempty"`
	OwnedBy     string                    `yaml:"owned_by"`
	Status      protocol.CompletionStatus `yaml:"status"`
}

// Orphaned reports whether no session owns p.
func (p Promise) Orphaned() bool {
	return p.OwnedBy == "" || p.OwnedBy == orphanOwner
}

// loadPromises reads every promise record, skipping ones that fail to
// decode. A missing directory means no promises.
func (g *Gate) loadPromises() ([]Promise, error) {
	dir := filepath.Join(g.cfg.StateDir, protocol.PromisesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read promises: %w", err)
	}
	var out []Promise
	for _, e := range entries {
		if e.IsDir() || !fsx.IsRecord(e.Name(), ".yaml") {
			continue
		}
		var p Promise
		ok, err := fsx.ReadYAML(filepath.Join(dir, e.Name()), &p)
		if err != nil {
			g.logger.Warn("skipping unreadable promise", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if p.ID == "" {
			p.ID = e.Name()
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Completion is the externally-owned completion-state document.
type Completion struct {
	Goals []Goal `yaml:"goals"`
}

// Goal groups epics.
type Goal struct {
	ID     string                    `yaml:"id"`
	Title  string                    `yaml:"title,omitempty"`
	Status protocol.CompletionStatus `yaml:"status,omitempty"`
	Epics  []Epic                    `yaml:"epics"`
}

// Epic groups features.
type Epic struct {
	ID       string                    `yaml:"id"`
	Title    string                    `yaml:"title,omitempty"`
	Status   protocol.CompletionStatus `yaml:"status,omitempty"`
	Features []Feature                 `yaml:"features"`
}

// Feature is the unit the business-outcome check evaluates.
type Feature struct {
	ID                 string                    `yaml:"id"`
	Title              string                    `yaml:"title,omitempty"`
	Status             protocol.CompletionStatus `yaml:"status"`
	AcceptanceCriteria []string                  `yaml:"acceptance_criteria,omitempty"`
}

// Unfinished returns the IDs of features whose status is not passed.
func (c *Completion) Unfinished() []string {
	var ids []string
	for _, g := range c.Goals {
		for _, e := range g.Epics {
			for _, f := range e.Features {
				if f.Status != protocol.CompletionPassed {
					ids = append(ids, f.ID)
				}
			}
		}
	}
	return ids
}

// loadCompletion reads the completion-state document. It reports false when
// the document does not exist.
func (g *Gate) loadCompletion() (*Completion, bool, error) {
	var c Completion
	ok, err := fsx.ReadYAML(filepath.Join(g.cfg.StateDir, protocol.CompletionFile), &c)
	if err != nil || !ok {
		return nil, false, err
	}
	return &c, true, nil
}
