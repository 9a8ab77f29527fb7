// Package hil implements the hardware-in-the-loop test engine: the
// back-end side of the control-plane protocol driving virtual devices
// through scripted test programs. The engine is single-threaded and,
// given a fixed clock and random source, fully deterministic; a driver
// feeds it inbound records and ticks it on a cadence.
package hil

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// DefaultSleepBetween is the pause appended after every non-Sleep step
// when a test does not configure its own.
const DefaultSleepBetween = 500

// Program is a full test program: the fixtures shared by all tests and
// the ordered test list. Loaded once at startup, immutable afterwards.
type Program struct {
	DumpStateAfterTest bool
	Groups             []wire.PossibleGroup
	Cards              map[uint64]Card
	Buttons            map[string]uint8
	Tests              []Test
}

// Card is a competitor fixture addressed by card id.
type Card struct {
	RegistrantID int64    `yaml:"registrantId"`
	Name         string   `yaml:"name"`
	WcaID        string   `yaml:"wcaId"`
	CanCompete   bool     `yaml:"canCompete"`
	Groups       []string `yaml:"groups"`
}

// Test is one named scenario.
type Test struct {
	Name string

	// SleepBetween is appended to the schedule after every non-Sleep
	// step, in milliseconds.
	SleepBetween uint64

	Steps []Step
}

// Step is the union of test program steps.
type Step interface {
	stepType() string
}

// SleepStep pauses the program without the trailing sleep-between.
type SleepStep struct {
	Ms uint64
}

// ResetStateStep returns the device to idle and awaits its ack.
type ResetStateStep struct{}

// SolveTimeStep emits a random stackmat solve and awaits its ack.
type SolveTimeStep struct{}

// ScanCardStep emits a card scan and awaits its ack.
type ScanCardStep struct {
	CardID uint64
}

// ButtonStep presses a named button for Time milliseconds. Ack defaults
// to true.
type ButtonStep struct {
	Name string `yaml:"name"`
	Time uint64 `yaml:"time"`
	Ack  *bool  `yaml:"ack"`
}

// VerifySendStep checks the last attempt the device submitted upstream.
// Time -1 (or absent) substitutes the last emitted solve time.
type VerifySendStep struct {
	Time     *int64 `yaml:"time"`
	Penalty  *int64 `yaml:"penalty"`
	Delegate bool   `yaml:"delegate"`
}

// VerifySnapshotStep evaluates DSL queries against the last snapshot.
type VerifySnapshotStep struct {
	Queries []string
}

// DelegateResolveStep resolves a pending delegate incident.
type DelegateResolveStep struct {
	ShouldScanCards bool    `yaml:"shouldScanCards"`
	Penalty         *int64  `yaml:"penalty"`
	Value           *uint64 `yaml:"value"`
}

func (SleepStep) stepType() string           { return "Sleep" }
func (ResetStateStep) stepType() string      { return "ResetState" }
func (SolveTimeStep) stepType() string       { return "SolveTime" }
func (ScanCardStep) stepType() string        { return "ScanCard" }
func (ButtonStep) stepType() string          { return "Button" }
func (VerifySendStep) stepType() string      { return "VerifySend" }
func (VerifySnapshotStep) stepType() string  { return "VerifySnapshot" }
func (DelegateResolveStep) stepType() string { return "DelegateResolve" }

// StepName returns a step's type name for logs and failure messages.
func StepName(s Step) string {
	if s == nil {
		return ""
	}
	return s.stepType()
}

// UnmarshalYAML decodes a test with its step union and the sleep-between
// default.
func (t *Test) UnmarshalYAML(node *yaml.Node) error {
	var shell struct {
		Name         string      `yaml:"name"`
		SleepBetween *uint64     `yaml:"sleepBetween"`
		Steps        []yaml.Node `yaml:"steps"`
	}
	if err := node.Decode(&shell); err != nil {
		return err
	}

	t.Name = shell.Name
	t.SleepBetween = DefaultSleepBetween
	if shell.SleepBetween != nil {
		t.SleepBetween = *shell.SleepBetween
	}

	t.Steps = make([]Step, 0, len(shell.Steps))
	for i := range shell.Steps {
		step, err := decodeStep(&shell.Steps[i])
		if err != nil {
			return fmt.Errorf("test %q step %d: %w", t.Name, i, err)
		}
		t.Steps = append(t.Steps, step)
	}
	return nil
}

func decodeStep(node *yaml.Node) (Step, error) {
	var shell struct {
		Type string    `yaml:"type"`
		Data yaml.Node `yaml:"data"`
	}
	if err := node.Decode(&shell); err != nil {
		return nil, err
	}

	switch shell.Type {
	case "Sleep":
		var ms uint64
		if err := shell.Data.Decode(&ms); err != nil {
			return nil, fmt.Errorf("Sleep: %w", err)
		}
		return SleepStep{Ms: ms}, nil
	case "ResetState":
		return ResetStateStep{}, nil
	case "SolveTime":
		return SolveTimeStep{}, nil
	case "ScanCard":
		var id uint64
		if err := shell.Data.Decode(&id); err != nil {
			return nil, fmt.Errorf("ScanCard: %w", err)
		}
		return ScanCardStep{CardID: id}, nil
	case "Button":
		var v ButtonStep
		if err := shell.Data.Decode(&v); err != nil {
			return nil, fmt.Errorf("Button: %w", err)
		}
		return v, nil
	case "VerifySend":
		var v VerifySendStep
		if err := shell.Data.Decode(&v); err != nil {
			return nil, fmt.Errorf("VerifySend: %w", err)
		}
		return v, nil
	case "VerifySnapshot":
		var queries []string
		if err := shell.Data.Decode(&queries); err != nil {
			return nil, fmt.Errorf("VerifySnapshot: %w", err)
		}
		return VerifySnapshotStep{Queries: queries}, nil
	case "DelegateResolve":
		var v DelegateResolveStep
		if err := shell.Data.Decode(&v); err != nil {
			return nil, fmt.Errorf("DelegateResolve: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown step type %q", shell.Type)
	}
}
