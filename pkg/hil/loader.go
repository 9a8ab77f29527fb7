package hil

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// LoadError describes a program that failed to load or validate.
type LoadError struct {
	File    string
	Message string
	Cause   error
}

// Error formats the load failure.
func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

type groupShell struct {
	GroupID       string `yaml:"groupId"`
	UseInspection bool   `yaml:"useInspection"`
	SecondaryText string `yaml:"secondaryText"`
}

type programShell struct {
	DumpStateAfterTest bool              `yaml:"dumpStateAfterTest"`
	Groups             []groupShell      `yaml:"groups"`
	Cards              map[uint64]Card   `yaml:"cards"`
	Buttons            map[string]uint8  `yaml:"buttons"`
	Tests              []Test            `yaml:"tests"`
}

// ParseProgram parses a test program from YAML bytes and validates it.
func ParseProgram(data []byte) (*Program, error) {
	var shell programShell
	if err := yaml.Unmarshal(data, &shell); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}

	p := &Program{
		DumpStateAfterTest: shell.DumpStateAfterTest,
		Cards:              shell.Cards,
		Buttons:            shell.Buttons,
		Tests:              shell.Tests,
	}
	for _, g := range shell.Groups {
		p.Groups = append(p.Groups, wire.PossibleGroup{
			GroupID:       g.GroupID,
			UseInspection: g.UseInspection,
			SecondaryText: g.SecondaryText,
		})
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProgram loads a test program from a file.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}

	p, err := ParseProgram(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{File: path, Message: err.Error()}
	}
	return p, nil
}

// validate rejects programs the engine cannot run: an empty test list,
// empty tests, or button steps naming unknown buttons.
func (p *Program) validate() error {
	if len(p.Tests) == 0 {
		return &LoadError{Message: "program must have at least one test"}
	}

	for ti, test := range p.Tests {
		if len(test.Steps) == 0 {
			return &LoadError{Message: fmt.Sprintf("test %d (%q) has no steps", ti, test.Name)}
		}
		for si, step := range test.Steps {
			button, ok := step.(ButtonStep)
			if !ok {
				continue
			}
			if _, ok := p.Buttons[button.Name]; !ok {
				return &LoadError{Message: fmt.Sprintf(
					"test %d (%q) step %d presses unknown button %q",
					ti, test.Name, si, button.Name)}
			}
		}
	}
	return nil
}
