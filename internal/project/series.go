package project

import (
	"fmt"
	"path/filepath"
	"strings"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/dataset"
	"pdfctl/internal/fitting"
)

// RSeries describes a series of fits over a growing r-range. Either the
// maximum or the minimum of the fit range moves, or both. Unset bounds
// are nil.
type RSeries struct {
	MaxFirst, MaxLast, MaxStep *float64
	MinFirst, MinLast, MinStep *float64
}

func (s RSeries) check() error {
	if s.MinFirst != nil && s.MinLast != nil && !(*s.MinFirst < *s.MinLast) {
		return controlerr.Value("The first value of the minimum (%.2f) must be less than the last value of the minimum (%.2f)", *s.MinFirst, *s.MinLast)
	}
	if s.MaxFirst != nil && s.MaxLast != nil && !(*s.MaxFirst < *s.MaxLast) {
		return controlerr.Value("The first value of the maximum (%.2f) must be less than the last value of the maximum (%.2f)", *s.MaxFirst, *s.MaxLast)
	}
	if s.MaxFirst != nil && s.MinFirst != nil && !(*s.MaxFirst > *s.MinFirst) {
		return controlerr.Value("The first value of the fit maximum (%.2f) must be greater than first value of the fit minimum (%.2f).", *s.MaxFirst, *s.MinFirst)
	}
	if s.MaxLast != nil && s.MinLast != nil && !(*s.MaxLast > *s.MinLast) {
		return controlerr.Value("The last value of the fit maximum (%.2f) must be greater than last value of the fit minimum (%.2f).", *s.MaxLast, *s.MinLast)
	}
	for _, st := range []*float64{s.MaxStep, s.MinStep} {
		if st != nil && !(*st > 0) {
			return controlerr.Value("Step size (%.2f) must be greater than 0.", *st)
		}
	}
	if (s.MaxFirst == nil) != (s.MaxLast == nil) || (s.MinFirst == nil) != (s.MinLast == nil) {
		return controlerr.Value("First and last values are partially specified")
	}
	if s.MaxStep == nil && s.MinStep == nil {
		return controlerr.Value("Either minstep or maxstep must be specified.")
	}
	return nil
}

func seriesValues(first, last, step float64) []float64 {
	n := int((last-first)/step + 1)
	out := make([]float64, n)
	for i := range out {
		out[i] = first + float64(i)*step
	}
	return out
}

// linkTo points every parameter of f at the same index of fit name.
func linkTo(f *fitting.Fitting, name string) error {
	if err := f.UpdateParameters(); err != nil {
		return err
	}
	for _, par := range f.Parameters {
		if err := par.SetInitial("=" + name); err != nil {
			return err
		}
	}
	return nil
}

// MakeRSeries appends copies of the fit called name with shifted fit ranges.
// Every fit after the first starts from the refined parameters of the one
// before it.
func (p *Project) MakeRSeries(name string, s RSeries) ([]*fitting.Fitting, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	src, err := p.Fit(name)
	if err != nil {
		return nil, err
	}
	var maxList, minList []float64
	if s.MaxFirst != nil {
		step := s.MaxStep
		if step == nil {
			step = s.MinStep
		}
		maxList = seriesValues(*s.MaxFirst, *s.MaxLast, *step)
	}
	if s.MinFirst != nil {
		step := s.MinStep
		if step == nil {
			step = s.MaxStep
		}
		minList = seriesValues(*s.MinFirst, *s.MinLast, *step)
	}
	n := min(len(maxList), len(minList))
	if n != 0 {
		maxList, minList = maxList[:n], minList[:n]
	} else {
		n = max(len(maxList), len(minList))
	}

	work := src.Copy(src.Name)
	var out []*fitting.Fitting
	newName := ""
	for i := 0; i < n; i++ {
		lastName := newName
		var rmin, rmax float64
		for _, ds := range work.Datasets {
			rmin, rmax = ds.FitRmin(), ds.FitRmax()
			if minList != nil {
				rmin = minList[i]
			}
			if maxList != nil {
				rmax = maxList[i]
			}
			if rmin < ds.Rmin || rmin >= ds.Rmax {
				return out, controlerr.Value("Fit minimum (%.2f) is outside the data range [%.2f, %.2f]. Adjust the range of the series.", rmin, ds.Rmin, ds.Rmax)
			}
			if rmax <= ds.Rmin || rmax > ds.Rmax {
				return out, controlerr.Value("Fit maximum (%.2f) is outside the data range [%.2f, %.2f]. Adjust the range of the series.", rmax, ds.Rmin, ds.Rmax)
			}
			if rmin >= rmax {
				return out, controlerr.Value("Fit minimum (%.2f) is greater than the maximum (%.2f). Increase maxstep or reduce minstep.", rmin, rmax)
			}
			if minList != nil {
				ds.SetFitRmin(rmin)
			}
			if maxList != nil {
				ds.SetFitRmax(rmax)
			}
		}
		if lastName != "" {
			if err := linkTo(work, lastName); err != nil {
				return out, err
			}
		}
		newName = fmt.Sprintf("%s-(%.2f,%.2f)", src.Name, rmin, rmax)
		o, err := p.Paste(work, newName, -1)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

// replaceDataset swaps the single dataset of f for one read from path,
// carrying over the fit settings of tmpl.
func replaceDataset(f *fitting.Fitting, tmpl *dataset.Dataset, path string) (*dataset.Dataset, error) {
	if err := f.Remove(f.Datasets[0]); err != nil {
		return nil, err
	}
	ds := dataset.New(filepath.Base(path))
	if err := ds.ReadFile(path); err != nil {
		return nil, err
	}
	ds.Qdamp, ds.Qbroad, ds.Dscale = tmpl.Qdamp, tmpl.Qbroad, tmpl.Dscale
	ds.SetFitRmin(tmpl.FitRmin())
	ds.SetFitRmax(tmpl.FitRmax())
	if err := ds.SetSamplingType(tmpl.SamplingType(), tmpl.FitRstep()); err != nil {
		return nil, err
	}
	ds.Constraints = constraint.CloneMap(tmpl.Constraints)
	if err := f.Add(ds, -1); err != nil {
		return nil, err
	}
	return ds, nil
}

func singleDataset(f *fitting.Fitting) (*dataset.Dataset, error) {
	if len(f.Datasets) != 1 {
		return nil, controlerr.Value("Can't apply macro to fits with multiple datasets.")
	}
	return f.Datasets[0], nil
}

// MakeTemperatureSeries appends one copy of the fit called name per data
// file, each tagged with its temperature. Every new fit starts from the
// refined parameters of the one before it, the first from the template.
func (p *Project) MakeTemperatureSeries(name string, paths []string, temperatures []float64) ([]*fitting.Fitting, error) {
	if len(paths) != len(temperatures) {
		return nil, controlerr.Value("%d data files given for %d temperatures", len(paths), len(temperatures))
	}
	src, err := p.Fit(name)
	if err != nil {
		return nil, err
	}
	tmpl, err := singleDataset(src)
	if err != nil {
		return nil, err
	}
	doping, ok := tmpl.Metadata["doping"]
	if !ok {
		doping = 0
	}
	var out []*fitting.Fitting
	lastName := src.Name
	for i, path := range paths {
		work := src.Copy(src.Name)
		ds, err := replaceDataset(work, tmpl, path)
		if err != nil {
			return out, err
		}
		ds.Metadata["doping"] = doping
		ds.Metadata["temperature"] = temperatures[i]
		if err := linkTo(work, lastName); err != nil {
			return out, err
		}
		newName := fmt.Sprintf("%s-T%d=%g", src.Name, i+1, temperatures[i])
		o, err := p.Paste(work, newName, -1)
		if err != nil {
			return out, err
		}
		out = append(out, o)
		lastName = newName
	}
	return out, nil
}

// MakeDopingSeries appends one copy of the fit called name per data file.
// The occupancies of the dopant and base atoms follow the doping level.
func (p *Project) MakeDopingSeries(name, base, dopant string, paths []string, doping []float64) ([]*fitting.Fitting, error) {
	if len(paths) != len(doping) {
		return nil, controlerr.Value("%d data files given for %d doping levels", len(paths), len(doping))
	}
	base, dopant = titleCase(base), titleCase(dopant)
	if !IsElement(base) {
		return nil, controlerr.Value("'%s' is not an element!", base)
	}
	if !IsElement(dopant) {
		return nil, controlerr.Value("'%s' is not an element!", dopant)
	}
	src, err := p.Fit(name)
	if err != nil {
		return nil, err
	}
	hasBase, hasDopant := false, false
	src.View(func() {
		for _, ph := range src.Phases {
			for _, a := range ph.Initial.Atoms {
				hasBase = hasBase || a.Element == base
				hasDopant = hasDopant || a.Element == dopant
			}
		}
	})
	if !hasBase {
		return nil, controlerr.Value("The template structure does not contain the base atom.")
	}
	if !hasDopant {
		return nil, controlerr.Value("The template structure does not contain the dopant atom.")
	}
	tmpl, err := singleDataset(src)
	if err != nil {
		return nil, err
	}
	temperature, ok := tmpl.Metadata["temperature"]
	if !ok {
		temperature = 300
	}

	var out []*fitting.Fitting
	lastName := src.Name
	for i, path := range paths {
		work := src.Copy(src.Name)
		ds, err := replaceDataset(work, tmpl, path)
		if err != nil {
			return out, err
		}
		ds.Metadata["temperature"] = temperature
		ds.Metadata["doping"] = doping[i]
		for _, ph := range work.Phases {
			for _, a := range ph.Initial.Atoms {
				switch a.Element {
				case dopant:
					a.Occupancy = doping[i]
				case base:
					a.Occupancy = 1 - doping[i]
				}
			}
		}
		if err := linkTo(work, lastName); err != nil {
			return out, err
		}
		newName := fmt.Sprintf("%s-%1.4f", src.Name, doping[i])
		o, err := p.Paste(work, newName, -1)
		if err != nil {
			return out, err
		}
		out = append(out, o)
		lastName = newName
	}
	return out, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
