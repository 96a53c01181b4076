// Package testdata holds recorded detector frames shared by tests.
package testdata

import (
	"bytes"
	"embed"
	"fmt"
	"io"
)

//go:embed scenarios/*.jsonl
var scenariosFS embed.FS

// Scenario names.
const (
	// FirstSighting seeds an apple on the left and moves it right: one +1.
	FirstSighting = "first_sighting_then_crossing"
	// SameRegion moves an apple within the left half: no transaction.
	SameRegion = "same_region"
	// RightToLeft takes an apple out: one -1.
	RightToLeft = "right_to_left"
	// BelowThreshold moves an apple right with a confidence below 0.6: no
	// transaction.
	BelowThreshold = "below_threshold"
	// Kitchen is a longer session with a malformed line. It ends with
	// apple and bread in the pantry after four transactions.
	Kitchen = "kitchen"
)

// LoadScenario returns the JSONL frames of a recorded scenario.
func LoadScenario(name string) ([]byte, error) {
	data, err := scenariosFS.ReadFile("scenarios/" + name + ".jsonl")
	if err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", name, err)
	}
	return data, nil
}

// ScenarioReader is LoadScenario as an io.Reader. It panics on an unknown
// name.
func ScenarioReader(name string) io.Reader {
	data, err := LoadScenario(name)
	if err != nil {
		panic(err)
	}
	return bytes.NewReader(data)
}
