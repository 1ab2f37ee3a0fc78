package train

import (
	"fmt"
	"slices"

	"github.com/banshee-data/splatdepth/internal/loss"
)

// DensifySchedule says when to ask the model to densify and prune.
type DensifySchedule struct {
	From     int `json:"densify_from"`
	Until    int `json:"densify_until"`
	Interval int `json:"densify_interval"`
}

// DefaultDensify is the usual 3DGS schedule.
var DefaultDensify = DensifySchedule{From: 500, Until: 15000, Interval: 100}

// Due reports whether densification runs after iteration.
func (d DensifySchedule) Due(iteration int) bool {
	return d.Interval > 0 && iteration > d.From && iteration < d.Until && iteration%d.Interval == 0
}

// Config is the immutable scheduler configuration.
type Config struct {
	Supervision    loss.SupervisionConfig
	Iterations     int
	TestIterations []int
	SaveIterations []int
	Densify        DensifySchedule
	// DivergenceTolerance is how many consecutive non-finite losses are
	// tolerated; one more aborts the run.
	DivergenceTolerance int
	CalibrationWorkers  int
	// LogInterval controls progress lines; zero disables them.
	LogInterval int
}

// DefaultConfig returns the standard 30k-iteration schedule.
func DefaultConfig(sup loss.SupervisionConfig) Config {
	return Config{
		Supervision:         sup,
		Iterations:          30000,
		TestIterations:      []int{7000, 30000},
		SaveIterations:      []int{7000, 30000},
		Densify:             DefaultDensify,
		DivergenceTolerance: 10,
		LogInterval:         1000,
	}
}

// Validate checks the schedule.
func (c Config) Validate() error {
	if err := c.Supervision.Validate(); err != nil {
		return err
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.DivergenceTolerance < 0 {
		return fmt.Errorf("divergence tolerance must be non-negative, got %d", c.DivergenceTolerance)
	}
	for _, it := range slices.Concat(c.TestIterations, c.SaveIterations) {
		if it <= 0 {
			return fmt.Errorf("test and save iterations must be positive, got %d", it)
		}
	}
	if c.Densify.Interval < 0 {
		return fmt.Errorf("densify interval must be non-negative, got %d", c.Densify.Interval)
	}
	return nil
}

func iterationSet(its []int) map[int]bool {
	set := make(map[int]bool, len(its))
	for _, it := range its {
		set[it] = true
	}
	return set
}
