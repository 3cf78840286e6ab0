package station

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/sebastiankruger/battery-line-simulator/internal/core"
)

// DefectUnknown is reported for bad units of a station without a defect table
const DefectUnknown = "ETC"

// Profile is the static identity of a station: its code, display name, the
// BOM process label it consumes material for, and its defect table.
type Profile struct {
	Code    string   `yaml:"code" json:"code"`
	Name    string   `yaml:"name" json:"name"`
	Process string   `yaml:"process" json:"process"`
	Defects []string `yaml:"defects" json:"defects"`
}

func (p Profile) pickDefect(rng *rand.Rand) string {
	if len(p.Defects) == 0 {
		return DefectUnknown
	}
	return p.Defects[rng.Intn(len(p.Defects))]
}

// MaterialsFor returns the BOM entries consumed by this station's process
func (p Profile) MaterialsFor(bom []core.BOMEntry) []core.BOMEntry {
	if p.Process == "" {
		return nil
	}
	var out []core.BOMEntry
	for _, entry := range bom {
		if entry.Process == p.Process {
			out = append(out, entry)
		}
	}
	return out
}

// ConsumptionLog formats the material consumed per good unit, e.g.
// "consumed: Lead(6.00KG), Cathode plate(5.00EA)"
func (p Profile) ConsumptionLog(bom []core.BOMEntry) string {
	if p.Process == "" {
		return "process running"
	}
	materials := p.MaterialsFor(bom)
	if len(materials) == 0 {
		return "no material consumed"
	}

	parts := make([]string, 0, len(materials))
	for _, m := range materials {
		parts = append(parts, fmt.Sprintf("%s(%.2f%s)", m.MaterialName, m.Quantity, m.Unit))
	}
	return "consumed: " + strings.Join(parts, ", ")
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}
