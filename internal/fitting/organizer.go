package fitting

import (
	"context"
	"errors"
	"slices"

	"pdfctl/internal/calculation"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/dataset"
	"pdfctl/internal/engine"
	"pdfctl/internal/phase"
)

func insertAt[T any](list []T, item T, pos int) []T {
	if pos < 0 || pos > len(list) {
		pos = len(list)
	}
	return slices.Insert(list, pos, item)
}

// Add inserts a phase, dataset or calculation at pos. A negative pos
// appends.
func (f *Fitting) Add(item any, pos int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch it := item.(type) {
	case *phase.Phase:
		f.Phases = insertAt(f.Phases, it, pos)
	case *dataset.Dataset:
		f.Datasets = insertAt(f.Datasets, it, pos)
	case *calculation.Calculation:
		f.Calculations = insertAt(f.Calculations, it, pos)
	default:
		return controlerr.Type("Unknown type object '%T'", item)
	}
	return nil
}

// Index returns the position of item in its list.
func (f *Fitting) Index(item any) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.indexLocked(item)
}

func (f *Fitting) indexLocked(item any) (int, error) {
	i := -1
	var name string
	switch it := item.(type) {
	case *phase.Phase:
		i, name = slices.Index(f.Phases, it), it.Name
	case *dataset.Dataset:
		i, name = slices.Index(f.Datasets, it), it.Name
	case *calculation.Calculation:
		i, name = slices.Index(f.Calculations, it), it.Name
	default:
		return -1, controlerr.Type("Unknown type object '%T'", item)
	}
	if i < 0 {
		return -1, controlerr.Key("'%s' does not exist", name)
	}
	return i, nil
}

// Remove takes item out of the fit.
func (f *Fitting) Remove(item any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, err := f.indexLocked(item)
	if err != nil {
		return err
	}
	switch item.(type) {
	case *phase.Phase:
		f.Phases = slices.Delete(f.Phases, i, i+1)
	case *dataset.Dataset:
		f.Datasets = slices.Delete(f.Datasets, i, i+1)
	case *calculation.Calculation:
		f.Calculations = slices.Delete(f.Calculations, i, i+1)
	}
	return nil
}

// Rename gives item a name not yet used by its siblings.
func (f *Fitting) Rename(item any, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.indexLocked(item); err != nil {
		return err
	}
	taken := false
	switch it := item.(type) {
	case *phase.Phase:
		taken = slices.ContainsFunc(f.Phases, func(p *phase.Phase) bool { return p.Name == newName })
		if !taken {
			it.Name = newName
		}
	case *dataset.Dataset:
		taken = slices.ContainsFunc(f.Datasets, func(d *dataset.Dataset) bool { return d.Name == newName })
		if !taken {
			it.Name = newName
		}
	case *calculation.Calculation:
		taken = slices.ContainsFunc(f.Calculations, func(c *calculation.Calculation) bool { return c.Name == newName })
		if !taken {
			it.Name = newName
		}
	}
	if taken {
		return controlerr.Key("'%s' already exists", newName)
	}
	return nil
}

// Phase returns the phase called name.
func (f *Fitting) Phase(name string) (*phase.Phase, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.phaseLocked(name)
}

func (f *Fitting) phaseLocked(name string) (*phase.Phase, error) {
	for _, p := range f.Phases {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, controlerr.Key("'%s' does not exist", name)
}

// Dataset returns the dataset called name.
func (f *Fitting) Dataset(name string) (*dataset.Dataset, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, d := range f.Datasets {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, controlerr.Key("'%s' does not exist", name)
}

// Calculation returns the calculation called name.
func (f *Fitting) Calculation(name string) (*calculation.Calculation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calculationLocked(name)
}

func (f *Fitting) calculationLocked(name string) (*calculation.Calculation, error) {
	for _, c := range f.Calculations {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, controlerr.Key("'%s' does not exist", name)
}

// Copy returns an idle deep copy named name, keeping the parameters and
// the step history.
func (f *Fitting) Copy(name string) *Fitting {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := New(name)
	out.Tolerance = f.Tolerance
	out.Engine, out.Lookup, out.Log, out.MaxSteps = f.Engine, f.Lookup, f.Log, f.MaxSteps
	for _, d := range f.Datasets {
		out.Datasets = append(out.Datasets, d.Clone())
	}
	for _, p := range f.Phases {
		out.Phases = append(out.Phases, p.Copy())
	}
	for _, c := range f.Calculations {
		out.Calculations = append(out.Calculations, c.Clone())
	}
	out.Parameters = f.Parameters.Clone()
	out.rw, out.res, out.step = f.rw, f.res, f.step
	out.itemIndex = f.itemIndex
	for id, cols := range f.nameDict {
		m := make(map[string]int, len(cols))
		for k, v := range cols {
			m[k] = v
		}
		// the fit's own columns follow the new name
		if id == f.ID() {
			id = out.ID()
		}
		out.nameDict[id] = m
	}
	for _, s := range f.snapshots {
		out.snapshots = append(out.snapshots, s.clone())
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for i, c := range s {
		out[i].Value = c.Value
		if c.Curve != nil {
			out[i].Curve = append([]float64{}, c.Curve...)
		}
	}
	return out
}

// bondEngine prepares a transient engine holding the named phase with the
// current parameter values applied. The refined structure is used when
// there is one.
func (f *Fitting) bondEngine(ctx context.Context, phaseName string) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.phaseLocked(phaseName)
	if err != nil {
		return nil, err
	}
	if err := f.updateParametersLocked(); err != nil {
		return nil, err
	}
	if err := f.applyParametersLocked(); err != nil {
		return nil, err
	}
	if f.Engine == nil {
		return nil, controlerr.Config("Fitting '%s' has no engine configured", f.Name)
	}
	s := p.Initial
	if p.Refined != nil {
		s = p.Refined
	}
	eng, err := f.Engine(ctx)
	if err != nil {
		return nil, err
	}
	if err := eng.Reset(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	if err := eng.ReadStructString(ctx, s.WriteString()); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}

// bondError turns an engine complaint about bad atom arguments into a
// ValueError.
func bondError(err error) error {
	var ee *controlerr.EngineError
	if errors.As(err, &ee) && ee.Type == "ValueError" {
		return controlerr.Value("%s", ee.Msg)
	}
	return err
}

// BondAngle reports the angle between atoms i, j and k (1-based) of the
// named phase.
func (f *Fitting) BondAngle(ctx context.Context, phaseName string, i, j, k int) (string, error) {
	eng, err := f.bondEngine(ctx, phaseName)
	if err != nil {
		return "", err
	}
	defer eng.Close()
	out, err := eng.BondAngle(ctx, i, j, k)
	return out, bondError(err)
}

// BondLengthAtoms reports the distance between atoms i and j (1-based).
func (f *Fitting) BondLengthAtoms(ctx context.Context, phaseName string, i, j int) (string, error) {
	eng, err := f.bondEngine(ctx, phaseName)
	if err != nil {
		return "", err
	}
	defer eng.Close()
	out, err := eng.BondLengthAtoms(ctx, i, j)
	return out, bondError(err)
}

// BondLengthTypes reports all distances between atoms of type a1 and a2
// within [lo, hi].
func (f *Fitting) BondLengthTypes(ctx context.Context, phaseName, a1, a2 string, lo, hi float64) (string, error) {
	eng, err := f.bondEngine(ctx, phaseName)
	if err != nil {
		return "", err
	}
	defer eng.Close()
	out, err := eng.BondLengthTypes(ctx, a1, a2, lo, hi)
	return out, bondError(err)
}
