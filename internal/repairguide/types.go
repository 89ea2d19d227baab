// Package repairguide mediates calls to the iFixit repair guide API and
// normalises its responses into stable result shapes.
package repairguide

// GuideSummary is one search hit, in upstream order
type GuideSummary struct {
	GuideID  int64  `json:"guide_id"`
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	ImageURL string `json:"image_url"`
}

// RepairDetail is a single guide with its tools, parts and steps.
// Sequences are never nil so they encode as [] rather than null.
type RepairDetail struct {
	Title         string   `json:"title"`
	Difficulty    string   `json:"difficulty"`
	ToolsRequired []string `json:"tools_required"`
	PartsRequired []string `json:"parts_required"`
	Steps         []Step   `json:"steps"`

	GuideID      int64  `json:"guide_id,omitempty"`
	URL          string `json:"url,omitempty"`
	Introduction string `json:"introduction,omitempty"`
	TimeRequired string `json:"time_required,omitempty"`
}

// Step is one instruction block of a guide
type Step struct {
	StepNumber   int      `json:"step_number,omitempty"`
	Title        string   `json:"title,omitempty"`
	Instructions string   `json:"instructions"`
	Images       []string `json:"images"`
}
