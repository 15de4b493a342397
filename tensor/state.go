package tensor

import (
	"fmt"
	"sort"
)

// StateDict is a name -> tensor snapshot of model weights.
type StateDict map[string]*Tensor

// Names returns the keys of the state dict in sorted order.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadReport lists what a state dict load did with each name.
type LoadReport struct {
	Loaded     []string
	Missing    []string // parameters with no entry in the state dict
	Unexpected []string // state dict entries with no parameter
	Mismatched []string // present in both with different shapes
}

// Clean reports whether every name matched exactly.
func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.Mismatched) == 0
}

// SnapshotState deep-copies params into a state dict.
func SnapshotState(params []*Parameter) StateDict {
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadState copies matching entries of sd into params.
//
// With strict set, any missing, unexpected or mismatched name fails the load
// before a single weight is touched. Otherwise unmatched names are skipped and
// listed in the report.
func LoadState(params []*Parameter, sd StateDict, strict bool) (LoadReport, error) {
	var report LoadReport

	byName, err := Index(params)
	if err != nil {
		return report, err
	}

	for _, p := range params {
		src, ok := sd[p.Name]
		switch {
		case !ok:
			report.Missing = append(report.Missing, p.Name)
		case !SameShape(p.Value, src):
			report.Mismatched = append(report.Mismatched, p.Name)
		default:
			report.Loaded = append(report.Loaded, p.Name)
		}
	}
	for _, name := range sd.Names() {
		if _, ok := byName[name]; !ok {
			report.Unexpected = append(report.Unexpected, name)
		}
	}

	if strict && !report.Clean() {
		return report, fmt.Errorf("strict state load failed: %d missing, %d unexpected, %d mismatched",
			len(report.Missing), len(report.Unexpected), len(report.Mismatched))
	}

	for _, name := range report.Loaded {
		copy(byName[name].Value.Data, sd[name].Data)
	}
	return report, nil
}
