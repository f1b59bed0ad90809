package stores

import (
	"github.com/openfroyo/froyomake/pkg/engine"
)

// EntityResults builds the per-entity rows of a finished batch.
func EntityResults(runID string, entities []*engine.Configurable, result *engine.BatchResult) []*EntityResult {
	out := make([]*EntityResult, 0, len(entities))
	for _, c := range entities {
		r := &EntityResult{
			RunID:      runID,
			Entity:     c.Name(),
			EntityType: c.Type().Name(),
			Status:     engine.RunStatusSkipped,
		}
		if st, ok := result.Entities[c.Name()]; ok {
			r.Status = st
		}
		if r.Status == engine.RunStatusSucceeded {
			r.Configurations = len(c.Configurations())
		}
		if err, ok := result.Errors[c.Name()]; ok && err != nil {
			msg := err.Error()
			r.Error = &msg
			if class := engine.ClassOf(err); class != "" {
				cls := string(class)
				r.ErrorClass = &cls
			}
		}
		out = append(out, r)
	}
	return out
}

// Snapshots collects the published configurations of the given entities.
func Snapshots(entities []*engine.Configurable) []engine.Snapshot {
	var out []engine.Snapshot
	for _, c := range entities {
		for _, conf := range c.Configurations() {
			out = append(out, conf.Snapshot())
		}
	}
	return out
}
