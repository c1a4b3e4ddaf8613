package phase

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/structure"
)

// legacyPhaseVars maps names written by old project files.
var legacyPhaseVars = map[string]string{
	"gamma": "delta1",
	"delta": "delta2",
	"srat":  "sratio",
}

type customGroupRecord struct {
	Name string   `yaml:"name"`
	Ops  []string `yaml:"ops"`
}

// ArchiveFiles returns the project archive entries of the phase keyed by
// their name inside the phase directory.
func (p *Phase) ArchiveFiles() (map[string][]byte, error) {
	files := map[string][]byte{
		"initial":        []byte(p.Initial.WriteString()),
		"selected_pairs": []byte(p.selectedPairs),
	}
	if p.Refined != nil {
		files["refined"] = []byte(p.Refined.WriteString())
	}
	if len(p.Constraints) > 0 {
		data, err := constraint.MarshalMap(p.Constraints)
		if err != nil {
			return nil, err
		}
		files["constraints"] = data
	}
	off := p.Initial.PDFFit.SGOffset
	files["sgoffset"] = []byte(fmt.Sprintf("%g %g %g", off[0], off[1], off[2]))
	if cg := p.CustomSpaceGroup; cg != nil {
		data, err := yaml.Marshal(customGroupRecord{Name: cg.ShortName, Ops: cg.OpStrings()})
		if err != nil {
			return nil, err
		}
		files["custom_spacegroup"] = data
	}
	return files, nil
}

// LoadArchiveFiles restores the phase from entries written by ArchiveFiles.
func (p *Phase) LoadArchiveFiles(files map[string][]byte) error {
	initial, ok := files["initial"]
	if !ok {
		return controlerr.File("phase '%s' has no initial structure", p.Name)
	}
	s, err := structure.ReadString(string(initial))
	if err != nil {
		return controlerr.File("phase '%s': %v", p.Name, err)
	}
	p.Initial = s
	if data, ok := files["refined"]; ok {
		r, err := structure.ReadString(string(data))
		if err != nil {
			return controlerr.File("phase '%s' refined: %v", p.Name, err)
		}
		p.Refined = r
	}
	if data, ok := files["constraints"]; ok {
		cs, err := constraint.UnmarshalMap(data, legacyPhaseVars)
		if err != nil {
			return controlerr.File("phase '%s': %v", p.Name, err)
		}
		p.Constraints = cs
	}
	if data, ok := files["selected_pairs"]; ok {
		p.selectedPairs = string(data)
	}
	if data, ok := files["sgoffset"]; ok {
		words := strings.Fields(string(data))
		for i := 0; i < len(words) && i < 3; i++ {
			v, err := strconv.ParseFloat(words[i], 64)
			if err != nil {
				return controlerr.File("phase '%s': invalid sgoffset %q", p.Name, data)
			}
			p.Initial.PDFFit.SGOffset[i] = v
		}
	}
	if data, ok := files["custom_spacegroup"]; ok {
		var rec customGroupRecord
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return controlerr.File("phase '%s': %v", p.Name, err)
		}
		if err := p.SetCustomSpaceGroup(rec.Name, rec.Ops); err != nil {
			return controlerr.File("phase '%s': %v", p.Name, err)
		}
	}
	return nil
}
