package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/oracle"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/tools"
)

// Oracle is the model-backed decision source the loop consults.
type Oracle interface {
	ValidatePlan(ctx context.Context, goal string, screen []byte) (oracle.PlanValidation, error)
	DecideNext(ctx context.Context, in oracle.DecisionInput) (oracle.NextActionDecision, error)
	Verify(ctx context.Context, action, expectation string, screen []byte) (oracle.VerificationResult, error)
}

// Executor performs one primitive action per call.
type Executor interface {
	Invoke(ctx context.Context, a tools.Action) (tools.Result, error)
	Describe() []tools.Tool
}

// expectedEffect phrases what the screen should show after a, for the
// verification oracle.
func expectedEffect(a tools.Action) string {
	switch a.Name {
	case oracle.ActionClick:
		return fmt.Sprintf("The element %q should have reacted to the click: it is now selected, focused or opened, or the screen changed as a result.", a.Target)
	case oracle.ActionType:
		if a.Target != "" {
			return fmt.Sprintf("The text %q should now be visible in %q.", a.Data, a.Target)
		}
		return fmt.Sprintf("The text %q should now be visible.", a.Data)
	case oracle.ActionPress:
		key := a.Data
		if key == "" {
			key = a.Target
		}
		return fmt.Sprintf("The %q key press should have taken effect on the focused element.", key)
	case oracle.ActionScroll:
		return fmt.Sprintf("The content should have scrolled %s compared to before.", tools.ParseScroll(a.Data).Direction)
	default:
		return fmt.Sprintf("The action %s should have taken effect.", a)
	}
}

func toPastActions(history []ActionHistoryEntry) []oracle.PastAction {
	res := make([]oracle.PastAction, 0, len(history))
	for _, h := range history {
		res = append(res, oracle.PastAction{
			Action:      h.Action,
			Target:      h.Target,
			Data:        h.Data,
			Success:     h.Success,
			Observation: h.Observation,
		})
	}
	return res
}

func toActionSpecs(ts []tools.Tool) []oracle.ActionSpec {
	res := make([]oracle.ActionSpec, 0, len(ts))
	for _, t := range ts {
		res = append(res, oracle.ActionSpec{
			Name:        t.Name,
			Description: t.Description,
			Input:       t.InputSchema,
		})
	}
	return res
}

func truncateTextForDebug(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
