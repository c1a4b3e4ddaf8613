package dataset

import (
	"gopkg.in/yaml.v3"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
)

// legacyDatasetVars maps names written by old project files.
var legacyDatasetVars = map[string]string{
	"qsig": "qdamp",
	"qalp": "qbroad",
}

// calcRecord is the persisted part of the fit results.
type calcRecord struct {
	Rcalc    []float64          `yaml:"rcalc"`
	Gcalc    []float64          `yaml:"Gcalc"`
	DGcalc   []float64          `yaml:"dGcalc"`
	FitRmin  *float64           `yaml:"fitrmin"`
	FitRmax  *float64           `yaml:"fitrmax"`
	FitRstep *float64           `yaml:"fitrstep"`
	Initial  map[string]float64 `yaml:"initial"`
	Refined  map[string]float64 `yaml:"refined"`
}

func ptr(v float64) *float64 { return &v }

// ArchiveFiles returns the project archive entries of the dataset keyed by
// their name inside the dataset directory.
func (d *Dataset) ArchiveFiles() (map[string][]byte, error) {
	rec := calcRecord{
		Rcalc:    d.Rcalc(),
		Gcalc:    d.Gcalc(),
		DGcalc:   d.DGcalc(),
		FitRmin:  ptr(d.fitrmin),
		FitRmax:  ptr(d.fitrmax),
		FitRstep: ptr(d.fitrstep),
		Initial:  map[string]float64{"qdamp": d.Qdamp, "qbroad": d.Qbroad, "dscale": d.Dscale},
		Refined:  d.Refined,
	}
	calc, err := yaml.Marshal(rec)
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{
		"obs":  []byte(d.WriteObsString()),
		"calc": calc,
	}
	if len(d.Constraints) > 0 {
		data, err := constraint.MarshalMap(d.Constraints)
		if err != nil {
			return nil, err
		}
		files["constraints"] = data
	}
	return files, nil
}

// LoadArchiveFiles restores the dataset from entries written by
// ArchiveFiles. Entries missing from old archives keep their defaults.
func (d *Dataset) LoadArchiveFiles(files map[string][]byte) error {
	obs, ok := files["obs"]
	if !ok {
		return controlerr.File("dataset '%s' has no observed data", d.Name)
	}
	if err := d.ReadString(string(obs)); err != nil {
		return err
	}
	if data, ok := files["calc"]; ok {
		var rec calcRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return controlerr.File("dataset '%s': %v", d.Name, err)
		}
		d.rcalc, d.gcalc, d.dgcalc = rec.Rcalc, rec.Gcalc, rec.DGcalc
		if rec.FitRmin != nil {
			d.fitrmin = *rec.FitRmin
		}
		if rec.FitRmax != nil {
			d.fitrmax = *rec.FitRmax
		}
		if rec.FitRstep != nil {
			d.fitrstep = *rec.FitRstep
		}
		for k, v := range rec.Initial {
			if nk, ok := legacyDatasetVars[k]; ok {
				k = nk
			}
			if k == "spdiameter" {
				d.SPDiameter = ptr(v)
				continue
			}
			_ = d.SetVar(k, v)
		}
		for k, v := range rec.Refined {
			if nk, ok := legacyDatasetVars[k]; ok {
				k = nk
			}
			d.Refined[k] = v
		}
		d.updateRcalcRange()
	}
	if data, ok := files["constraints"]; ok {
		cs, err := constraint.UnmarshalMap(data, legacyDatasetVars)
		if err != nil {
			return controlerr.File("dataset '%s': %v", d.Name, err)
		}
		d.Constraints = cs
	}
	return nil
}
