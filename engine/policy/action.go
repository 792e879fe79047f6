// Package policy chooses the loop's next action by Expected Information
// Value net of cost (§4.4) and translates the chosen action into a
// concrete Proposal template.
package policy

// Action is the tagged union of things the loop can do each cycle.
type Action string

const (
	ActionExplore     Action = "EXPLORE"
	ActionCalibrate   Action = "CALIBRATE"
	ActionReplicate   Action = "REPLICATE"
	ActionMitigate    Action = "MITIGATE"
	ActionNoDetection Action = "NO_DETECTION"
	ActionNone        Action = "NONE"
)
