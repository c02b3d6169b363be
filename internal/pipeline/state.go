package pipeline

import (
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

var transitions = map[models.ReportState][]models.ReportState{
	models.StatePending:    {models.StateCollecting, models.StateRendering, models.StateFailed},
	models.StateCollecting: {models.StateAnalyzing, models.StateFailed},
	models.StateAnalyzing:  {models.StateRendering, models.StateFailed},
	models.StateRendering:  {models.StateDelivering, models.StateFailed},
	models.StateDelivering: {models.StateComplete, models.StateFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.ReportState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves req to the next state. Stage keeps the last
// non-terminal state so failures can report where they happened.
func transition(req *models.ReportRequest, to models.ReportState) error {
	if !CanTransition(req.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, req.State, to)
	}
	if !to.Terminal() {
		req.Stage = to
	} else if req.Stage == "" {
		req.Stage = req.State
	}
	req.State = to
	return nil
}
