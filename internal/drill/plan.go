package drill

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/wetland-drill/internal/model"
)

// Plan is the output of PartitionAndRegister and the input of Run.
type Plan struct {
	Shapefile string    `yaml:"shapefile"`
	Artifact  string    `yaml:"artifact,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`

	Vessels []PlanVessel `yaml:"vessels"`
	// Excluded holds polygons without geometry. They are never drilled but
	// are finalized with the rest of the run.
	Excluded []PlanPolygon `yaml:"excluded,omitempty"`
	// Complete lists polygons whose result was already ready at
	// registration time.
	Complete []int64 `yaml:"complete,omitempty"`
}

// PlanVessel is one vessel of the plan.
type PlanVessel struct {
	Index    int           `yaml:"index"`
	Polygons []PlanPolygon `yaml:"polygons"`
}

// PlanPolygon identifies a registered polygon and its source feature. ID is
// zero for features that could not be registered.
type PlanPolygon struct {
	ID     int64           `yaml:"id"`
	Name   string          `yaml:"name"`
	Source model.SourceRef `yaml:"source"`
}

// PolygonIDs returns the ids of every drillable polygon, vessel by vessel.
func (p *Plan) PolygonIDs() []int64 {
	var ids []int64
	for _, v := range p.Vessels {
		for _, poly := range v.Polygons {
			ids = append(ids, poly.ID)
		}
	}
	return ids
}

// ExcludedIDs returns the registered ids of excluded polygons.
func (p *Plan) ExcludedIDs() []int64 {
	var ids []int64
	for _, poly := range p.Excluded {
		if poly.ID != 0 {
			ids = append(ids, poly.ID)
		}
	}
	return ids
}

// SavePlan writes p to path as YAML.
func SavePlan(path string, p *Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "drill: marshal plan")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "drill: write plan %s", path)
	}
	return nil
}

// LoadPlan reads a plan written by SavePlan.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "drill: read plan %s", path)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "drill: parse plan")
	}
	seen := make(map[int64]bool)
	for _, v := range p.Vessels {
		if v.Index < 1 {
			return nil, eris.Errorf("drill: plan vessel index %d must be >= 1", v.Index)
		}
		for _, poly := range v.Polygons {
			if poly.ID < 1 || seen[poly.ID] {
				return nil, eris.Errorf("drill: plan polygon id %d is invalid or repeated", poly.ID)
			}
			seen[poly.ID] = true
		}
	}
	return &p, nil
}
