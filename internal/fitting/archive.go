package fitting

import (
	"net/url"
	"sort"

	"gopkg.in/yaml.v3"

	"pdfctl/internal/calculation"
	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/dataset"
	"pdfctl/internal/parameter"
	"pdfctl/internal/phase"
)

// ArchiveWriter stores one project archive entry.
type ArchiveWriter interface {
	WriteFile(name string, data []byte) error
}

// ArchiveReader walks the entries of a project archive.
type ArchiveReader interface {
	// Files returns the entries directly inside dir keyed by base name.
	Files(dir string) map[string][]byte
	// Dirs returns the names of the subdirectories of dir in archive order.
	Dirs(dir string) []string
}

type resultRecord struct {
	RW  float64 `yaml:"rw"`
	Res string  `yaml:"res"`
}

type stepsRecord struct {
	ItemIndex int                       `yaml:"itemIndex"`
	Columns   map[string]map[string]int `yaml:"columns"`
	Snapshots []Snapshot                `yaml:"snapshots"`
}

// QuoteName encodes a name for use as an archive path component.
func QuoteName(s string) string { return url.QueryEscape(s) }

// UnquoteName reverses QuoteName.
func UnquoteName(s string) (string, error) { return url.QueryUnescape(s) }

func writeFiles(w ArchiveWriter, dir string, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for k := range files {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := w.WriteFile(dir+k, files[k]); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the fit below dir, which ends in a slash.
func (f *Fitting) Save(w ArchiveWriter, dir string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	files := map[string][]byte{}
	if len(f.Parameters) > 0 {
		recs := make([]parameter.Record, 0, len(f.Parameters))
		for _, idx := range f.Parameters.Indices() {
			recs = append(recs, f.Parameters[idx].ToRecord())
		}
		data, err := yaml.Marshal(recs)
		if err != nil {
			return err
		}
		files["parameters"] = data
	}
	if f.res != "" {
		data, err := yaml.Marshal(resultRecord{RW: f.rw, Res: f.res})
		if err != nil {
			return err
		}
		files["result"] = data
	}
	if len(f.snapshots) > 0 {
		data, err := yaml.Marshal(stepsRecord{ItemIndex: f.itemIndex, Columns: f.nameDict, Snapshots: f.snapshots})
		if err != nil {
			return err
		}
		files["steps"] = data
	}
	if err := writeFiles(w, dir, files); err != nil {
		return err
	}
	for _, p := range f.Phases {
		pf, err := p.ArchiveFiles()
		if err != nil {
			return err
		}
		if err := writeFiles(w, dir+"structure/"+QuoteName(p.Name)+"/", pf); err != nil {
			return err
		}
	}
	for _, d := range f.Datasets {
		df, err := d.ArchiveFiles()
		if err != nil {
			return err
		}
		if err := writeFiles(w, dir+"dataset/"+QuoteName(d.Name)+"/", df); err != nil {
			return err
		}
	}
	for _, c := range f.Calculations {
		cf, err := c.ArchiveFiles()
		if err != nil {
			return err
		}
		if err := writeFiles(w, dir+"calculation/"+QuoteName(c.Name)+"/", cf); err != nil {
			return err
		}
	}
	return nil
}

// Load restores a fit saved below dir.
func (f *Fitting) Load(r ArchiveReader, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files := r.Files(dir)
	if data, ok := files["parameters"]; ok {
		var recs []parameter.Record
		if err := yaml.Unmarshal(data, &recs); err != nil {
			return controlerr.File("Fitting '%s': bad parameters: %v", f.Name, err)
		}
		f.Parameters = parameter.Set{}
		for _, rec := range recs {
			par, err := parameter.FromRecord(rec)
			if err != nil {
				return controlerr.File("Fitting '%s': %v", f.Name, err)
			}
			f.Parameters[par.Index] = par
		}
	}
	if data, ok := files["steps"]; ok {
		var rec stepsRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return controlerr.File("Fitting '%s': bad steps: %v", f.Name, err)
		}
		f.itemIndex, f.snapshots = rec.ItemIndex, rec.Snapshots
		f.nameDict = rec.Columns
		if f.nameDict == nil {
			f.nameDict = map[string]map[string]int{}
		}
		f.step = len(f.snapshots)
	}
	if data, ok := files["result"]; ok {
		var rec resultRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return controlerr.File("Fitting '%s': bad result: %v", f.Name, err)
		}
		f.rw, f.res = rec.RW, rec.Res
	}

	for _, q := range r.Dirs(dir + "structure/") {
		name, err := UnquoteName(q)
		if err != nil {
			return controlerr.File("invalid structure name %q", q)
		}
		p := phase.New(name)
		if err := p.LoadArchiveFiles(r.Files(dir + "structure/" + q + "/")); err != nil {
			return err
		}
		f.Phases = append(f.Phases, p)
	}
	for _, q := range r.Dirs(dir + "dataset/") {
		name, err := UnquoteName(q)
		if err != nil {
			return controlerr.File("invalid dataset name %q", q)
		}
		d := dataset.New(name)
		if err := d.LoadArchiveFiles(r.Files(dir + "dataset/" + q + "/")); err != nil {
			return err
		}
		f.Datasets = append(f.Datasets, d)
	}
	for _, q := range r.Dirs(dir + "calculation/") {
		name, err := UnquoteName(q)
		if err != nil {
			return controlerr.File("invalid calculation name %q", q)
		}
		c := calculation.New(name)
		if err := c.LoadArchiveFiles(r.Files(dir + "calculation/" + q + "/")); err != nil {
			return err
		}
		f.Calculations = append(f.Calculations, c)
	}
	f.forwardSPDiameter()
	return nil
}

// forwardSPDiameter moves a shape diameter stored by old archives on a
// dataset or calculation to the phases. A constrained dataset value wins
// over an assigned one, which wins over a calculation.
func (f *Fitting) forwardSPDiameter() {
	for _, p := range f.Phases {
		if v, _ := p.Initial.GetVar("spdiameter"); v != 0 {
			return
		}
	}
	var val *float64
	var cns *constraint.Constraint
	for _, d := range f.Datasets {
		if c, ok := d.Constraints["spdiameter"]; ok {
			val, cns = d.SPDiameter, c
			break
		}
	}
	if cns == nil {
		for _, d := range f.Datasets {
			if d.SPDiameter != nil && *d.SPDiameter != 0 {
				val = d.SPDiameter
				break
			}
		}
	}
	if cns == nil && val == nil {
		for _, c := range f.Calculations {
			if c.SPDiameter != nil && *c.SPDiameter != 0 {
				val = c.SPDiameter
				break
			}
		}
	}
	for _, p := range f.Phases {
		if cur, _ := p.Initial.GetVar("spdiameter"); val != nil && *val != 0 && cur == 0 {
			_ = p.Initial.SetVar("spdiameter", *val)
		}
		if _, ok := p.Constraints["spdiameter"]; cns != nil && !ok {
			p.Constraints["spdiameter"] = cns.Clone()
		}
	}
	for _, d := range f.Datasets {
		delete(d.Constraints, "spdiameter")
	}
}
