package hil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// The snapshot DSL: three-token expressions "<field> <op> <operand>"
// evaluated against the device's last snapshot. Optional fields compare
// as absent: any ordering or equality test on an absent value is false,
// and only "is some"/"is none" observes presence itself.

type dslOp int

const (
	opLess dslOp = iota
	opGreater
	opEqual
	opNotEqual
	opIs
)

// EvalSnapshotQuery evaluates one DSL query against a snapshot.
// lastSolveTime resolves the "timer" operand keyword. Malformed queries
// return an error, which the engine treats as fatal.
func EvalSnapshotQuery(snap *wire.Snapshot, lastSolveTime uint64, query string) (bool, error) {
	tokens := strings.Split(query, " ")
	if len(tokens) != 3 {
		return false, fmt.Errorf("dsl query %q: want 3 tokens, got %d", query, len(tokens))
	}

	var op dslOp
	switch tokens[1] {
	case "<":
		op = opLess
	case ">":
		op = opGreater
	case "==":
		op = opEqual
	case "!=":
		op = opNotEqual
	case "is":
		op = opIs
	default:
		return false, fmt.Errorf("dsl query %q: unknown operator %q", query, tokens[1])
	}

	if op == opIs {
		value := snapshotField(snap, tokens[0])
		if value == nil && !snapshotFieldKnown(tokens[0]) {
			return false, fmt.Errorf("dsl query %q: unknown field %q", query, tokens[0])
		}
		switch tokens[2] {
		case "some":
			return value != nil, nil
		case "none":
			return value == nil, nil
		default:
			return false, fmt.Errorf("dsl query %q: 'is' wants some/none, got %q", query, tokens[2])
		}
	}

	var operand int64
	switch tokens[2] {
	case "true":
		operand = 1
	case "false":
		operand = 0
	case "timer":
		operand = int64(lastSolveTime)
	default:
		n, err := strconv.ParseInt(tokens[2], 10, 64)
		if err != nil {
			return false, fmt.Errorf("dsl query %q: bad operand %q", query, tokens[2])
		}
		operand = n
	}

	if !snapshotFieldKnown(tokens[0]) {
		return false, fmt.Errorf("dsl query %q: unknown field %q", query, tokens[0])
	}
	value := snapshotField(snap, tokens[0])
	if value == nil {
		// Absent optional values satisfy no comparison.
		return false, nil
	}

	switch op {
	case opLess:
		return *value < operand, nil
	case opGreater:
		return *value > operand, nil
	case opEqual:
		return *value == operand, nil
	case opNotEqual:
		return *value != operand, nil
	default:
		return false, fmt.Errorf("dsl query %q: unreachable operator", query)
	}
}

// snapshotField resolves a field name to its value; nil means absent.
func snapshotField(snap *wire.Snapshot, field string) *int64 {
	val := func(v int64) *int64 { return &v }

	switch field {
	case "scene":
		return val(int64(snap.Scene))
	case "inspection_time":
		if snap.InspectionTime == nil {
			return nil
		}
		return val(int64(*snap.InspectionTime))
	case "solve_time":
		if snap.SolveTime == nil {
			return nil
		}
		return val(int64(*snap.SolveTime))
	case "penalty":
		// Null penalty reads as 0.
		if snap.Penalty == nil {
			return val(0)
		}
		return val(*snap.Penalty)
	case "time_confirmed":
		if snap.TimeConfirmed {
			return val(1)
		}
		return val(0)
	case "possible_groups":
		return val(int64(snap.PossibleGroups))
	case "group_selected_idx":
		return val(int64(snap.GroupSelectedIdx))
	case "current_competitor":
		if snap.CurrentCompetitor == nil {
			return nil
		}
		return val(int64(*snap.CurrentCompetitor))
	case "current_judge":
		if snap.CurrentJudge == nil {
			return nil
		}
		return val(int64(*snap.CurrentJudge))
	default:
		return nil
	}
}

// snapshotFieldKnown distinguishes absent optionals from unknown names.
func snapshotFieldKnown(field string) bool {
	switch field {
	case "scene", "inspection_time", "solve_time", "penalty", "time_confirmed",
		"possible_groups", "group_selected_idx", "current_competitor", "current_judge":
		return true
	default:
		return false
	}
}
