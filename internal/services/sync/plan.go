package sync

import (
	"sort"

	"github.com/TheMichaelB/kbsync/internal/models"
)

// Action is what a run does for one path.
type Action string

const (
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionUpdateNoCleanup Action = "update_no_cleanup" // previous remote id unknown
	ActionUnchanged       Action = "unchanged"
	ActionDelete          Action = "delete"
)

// PlanItem pairs a path with its action.
type PlanItem struct {
	Path     string           `json:"path"`
	Action   Action           `json:"action"`
	Document *models.Document `json:"-"` // nil for deletes
	Previous models.SyncEntry `json:"previous"`
}

// Plan is the ordered list of actions for a run: current paths sorted, then
// removed paths sorted.
type Plan struct {
	Items []PlanItem `json:"items"`
}

// BuildPlan diffs the previous snapshot against the scanned documents.
func BuildPlan(prev *models.Snapshot, docs []*models.Document) *Plan {
	current := make([]*models.Document, len(docs))
	copy(current, docs)
	sort.Slice(current, func(i, j int) bool {
		return current[i].Path < current[j].Path
	})

	plan := &Plan{}
	seen := make(map[string]bool, len(current))

	for _, doc := range current {
		seen[doc.Path] = true

		entry, ok := prev.Get(doc.Path)
		item := PlanItem{
			Path:     doc.Path,
			Document: doc,
			Previous: entry,
		}

		switch {
		case !ok:
			item.Action = ActionCreate
		case entry.Fingerprint == doc.Fingerprint:
			item.Action = ActionUnchanged
		case entry.HasRemoteID():
			item.Action = ActionUpdate
		default:
			item.Action = ActionUpdateNoCleanup
		}

		plan.Items = append(plan.Items, item)
	}

	for _, path := range prev.Paths() {
		if seen[path] {
			continue
		}
		entry, _ := prev.Get(path)
		plan.Items = append(plan.Items, PlanItem{
			Path:     path,
			Action:   ActionDelete,
			Previous: entry,
		})
	}

	return plan
}

// Count returns how many items carry the action.
func (p *Plan) Count(action Action) int {
	n := 0
	for _, item := range p.Items {
		if item.Action == action {
			n++
		}
	}
	return n
}

// HasChanges reports whether any item needs a remote operation.
func (p *Plan) HasChanges() bool {
	return p.Count(ActionUnchanged) != len(p.Items)
}
