package oracle

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusFound     Status = "found"
	StatusNotFound  Status = "not_found"
	StatusAmbiguous Status = "ambiguous"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// CellIdentificationResult is the targeting oracle's answer for one grid.
// Cell is 0 when nothing was selected, including a null cell in the reply.
type CellIdentificationResult struct {
	Cell           int        `json:"cell"`
	Confidence     Confidence `json:"confidence"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason"`
	SuggestedRetry string     `json:"suggested_retry,omitempty"`
}

// PlanValidation is the planning oracle's answer for the initial screen.
type PlanValidation struct {
	Feasible bool   `json:"feasible"`
	Plan     string `json:"plan"`
	Reason   string `json:"reason"`
}

// Action names the decision oracle may return.
const (
	ActionClick  = "click"
	ActionType   = "type"
	ActionPress  = "press"
	ActionWait   = "wait"
	ActionScroll = "scroll"
	ActionDone   = "done"
	ActionError  = "error"
)

type NextActionDecision struct {
	Action       string `json:"action"`
	Target       string `json:"target,omitempty"`
	Data         string `json:"data,omitempty"`
	Reason       string `json:"reason"`
	GoalComplete bool   `json:"goalComplete"`
}

// Finished reports whether the decision ends the run successfully.
func (d NextActionDecision) Finished() bool {
	return d.GoalComplete || d.Action == ActionDone
}

func (d *NextActionDecision) normalize() error {
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	d.Target = strings.TrimSpace(d.Target)
	switch d.Action {
	case ActionClick, ActionType, ActionPress, ActionWait, ActionScroll, ActionDone, ActionError:
		return nil
	}
	return fmt.Errorf("unknown action %q", d.Action)
}

type VerificationResult struct {
	Success     bool   `json:"success"`
	Observation string `json:"observation"`
}

var (
	cellSchema = MustCompile("cell_identification", `{
		"type": "object",
		"required": ["cell", "status"],
		"properties": {
			"cell": {"type": ["integer", "null"]},
			"confidence": {"enum": ["high", "medium", "low", "none"]},
			"status": {"enum": ["found", "not_found", "ambiguous"]},
			"reason": {"type": "string"},
			"suggested_retry": {"type": ["string", "null"]}
		}
	}`)

	planSchema = MustCompile("plan_validation", `{
		"type": "object",
		"required": ["feasible"],
		"properties": {
			"feasible": {"type": "boolean"},
			"plan": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`)

	decisionSchema = MustCompile("next_action", `{
		"type": "object",
		"required": ["action"],
		"properties": {
			"action": {"type": "string", "minLength": 1},
			"target": {"type": ["string", "null"]},
			"data": {"type": ["string", "null"]},
			"reason": {"type": "string"},
			"goalComplete": {"type": "boolean"}
		}
	}`)

	verificationSchema = MustCompile("verification", `{
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"observation": {"type": "string"}
		}
	}`)
)
