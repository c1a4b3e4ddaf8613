package fitting

import (
	"sort"
	"strings"
)

func (c Cell) data(name string) any {
	if isCurveColumn(name) {
		return c.Curve
	}
	return c.Value
}

// column finds the snapshot column of name for entity id. Parameter names
// (@n) always belong to the fit.
func (f *Fitting) column(id, name string) (int, bool) {
	if strings.HasPrefix(name, "@") {
		id = f.ID()
	}
	cols, ok := f.nameDict[id]
	if !ok {
		return 0, false
	}
	i, ok := cols[name]
	return i, ok
}

// EntityData returns the value of name for entity id (a phase, dataset or
// fit ID) at step. Negative steps count from the end, -1 being the latest.
// ok is false when there is no such step or column.
func (f *Fitting) EntityData(id, name string, step int) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	col, ok := f.column(id, name)
	if !ok {
		return nil, false
	}
	if step < 0 {
		step += len(f.snapshots)
	}
	if step < 0 || step >= len(f.snapshots) {
		return nil, false
	}
	return f.snapshots[step][col].data(name), true
}

// EntityHistory returns the value of name for entity id at the given steps,
// or at every step when steps is nil.
func (f *Fitting) EntityHistory(id, name string, steps []int) ([]any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.snapshots) == 0 {
		return nil, false
	}
	col, ok := f.column(id, name)
	if !ok {
		return nil, false
	}
	if steps == nil {
		out := make([]any, len(f.snapshots))
		for i, s := range f.snapshots {
			out[i] = s[col].data(name)
		}
		return out, true
	}
	out := make([]any, 0, len(steps))
	for _, i := range steps {
		if i < 0 {
			i += len(f.snapshots)
		}
		if i < 0 || i >= len(f.snapshots) {
			return nil, false
		}
		out = append(out, f.snapshots[i][col].data(name))
	}
	return out, true
}

// GetData returns a metadata value of the first dataset or the fit's own
// column name at step.
func (f *Fitting) GetData(name string, step int) (any, bool) {
	if v, ok := f.MetaData(name); ok {
		return v, true
	}
	return f.EntityData(f.ID(), name, step)
}

// MetaData returns a metadata value of the first dataset.
func (f *Fitting) MetaData(name string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.Datasets) == 0 {
		return 0, false
	}
	v, ok := f.Datasets[0].Metadata[name]
	return v, ok
}

// MetaDataNames lists the metadata keys shared by all datasets.
func (f *Fitting) MetaDataNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var names []string
	for i, d := range f.Datasets {
		if i == 0 {
			for k := range d.Metadata {
				names = append(names, k)
			}
			continue
		}
		kept := names[:0]
		for _, k := range names {
			if _, ok := d.Metadata[k]; ok {
				kept = append(kept, k)
			}
		}
		names = kept
	}
	sort.Strings(names)
	return names
}

// YNames lists the fit columns that can be plotted against step.
func (f *Fitting) YNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.Parameters)+1)
	for _, idx := range f.Parameters.Indices() {
		out = append(out, ParameterColumn(idx))
	}
	return append(out, "rw")
}

// XNames lists what fit columns can be plotted against.
func (f *Fitting) XNames() []string {
	return append([]string{"step"}, f.MetaDataNames()...)
}

// Snapshots returns a copy of the step history.
func (f *Fitting) Snapshots() []Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Snapshot, len(f.snapshots))
	for i, s := range f.snapshots {
		out[i] = s.clone()
	}
	return out
}

// Columns returns a copy of the snapshot column table keyed by entity ID.
func (f *Fitting) Columns() map[string]map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]map[string]int, len(f.nameDict))
	for id, cols := range f.nameDict {
		m := make(map[string]int, len(cols))
		for k, v := range cols {
			m[k] = v
		}
		out[id] = m
	}
	return out
}
