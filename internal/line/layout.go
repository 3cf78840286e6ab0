package line

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sebastiankruger/battery-line-simulator/internal/station"
)

//go:embed layout.yaml
var defaultLayout []byte

// Layout is the ordered list of stations of one line. Station i feeds
// station i+1 through a handoff queue.
type Layout struct {
	Name     string            `yaml:"name"`
	Stations []station.Profile `yaml:"stations"`
}

// DefaultLayout returns the built-in five-station battery line
func DefaultLayout() (*Layout, error) {
	return ParseLayout(defaultLayout)
}

// LoadLayout reads a layout file, or the built-in layout when path is empty
func LoadLayout(path string) (*Layout, error) {
	if path == "" {
		return DefaultLayout()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read line layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout decodes and validates a YAML layout
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse line layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks that the layout has stations with unique codes
func (l *Layout) Validate() error {
	if len(l.Stations) == 0 {
		return fmt.Errorf("line layout has no stations")
	}
	seen := make(map[string]bool, len(l.Stations))
	for i, p := range l.Stations {
		if p.Code == "" {
			return fmt.Errorf("line layout station %d has no code", i)
		}
		if seen[p.Code] {
			return fmt.Errorf("line layout has duplicate station %s", p.Code)
		}
		seen[p.Code] = true
	}
	return nil
}
