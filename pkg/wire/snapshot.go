package wire

// Snapshot is a device-reported state dump. The HIL engine's verification
// queries address these fields by their JSON names.
type Snapshot struct {
	Scene             int     `json:"scene"`
	InspectionTime    *uint64 `json:"inspection_time"`
	SolveTime         *uint64 `json:"solve_time"`
	Penalty           *int64  `json:"penalty"`
	TimeConfirmed     bool    `json:"time_confirmed"`
	PossibleGroups    int     `json:"possible_groups"`
	GroupSelectedIdx  int     `json:"group_selected_idx"`
	CurrentCompetitor *uint64 `json:"current_competitor"`
	CurrentJudge      *uint64 `json:"current_judge"`
}
