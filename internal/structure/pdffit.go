package structure

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"pdfctl/internal/controlerr"
)

// sigmas of xyz and occupancy, then diagonal U, its sigmas, off-diagonal U
// and its sigmas
const atomRecordLen = 16

// ReadFile loads a structure in pdffit format.
func ReadFile(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, controlerr.File("Unable to read file '%s'\n%v.", path, err)
	}
	defer f.Close()
	s, err := Read(f)
	if err != nil {
		return nil, controlerr.File("Unable to read file '%s'\n%v.", path, err)
	}
	return s, nil
}

// ReadString parses pdffit text.
func ReadString(text string) (*Structure, error) {
	return Read(strings.NewReader(text))
}

// Read parses the pdffit structure format. The legacy three-value sharp
// line (delta2, sratio, rcut) is accepted.
func Read(r io.Reader) (*Structure, error) {
	s := New("")
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	natoms := -1
	inAtoms := false
	var pending []float64
	var cur *Atom

	flushAtom := func() {
		v := pending
		cur.SigXYZ = [3]float64{v[0], v[1], v[2]}
		cur.SigO = v[3]
		cur.U[0][0], cur.U[1][1], cur.U[2][2] = v[4], v[5], v[6]
		cur.SigU[0][0], cur.SigU[1][1], cur.SigU[2][2] = v[7], v[8], v[9]
		cur.U[0][1], cur.U[0][2], cur.U[1][2] = v[10], v[11], v[12]
		cur.U[1][0], cur.U[2][0], cur.U[2][1] = v[10], v[11], v[12]
		cur.SigU[0][1], cur.SigU[0][2], cur.SigU[1][2] = v[13], v[14], v[15]
		cur.SigU[1][0], cur.SigU[2][0], cur.SigU[2][1] = v[13], v[14], v[15]
		s.Atoms = append(s.Atoms, cur)
		cur = nil
	}

	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words := strings.Fields(strings.ReplaceAll(line, ",", " "))
		key := strings.ToLower(words[0])

		if inAtoms {
			if cur == nil {
				if len(words) < 5 || !unicode.IsLetter(rune(words[0][0])) {
					return nil, fmt.Errorf("line %d: expected element x y z occ", lineNo)
				}
				vals, err := parseFloats(words[1:5])
				if err != nil {
					return nil, fmt.Errorf("line %d: %v", lineNo, err)
				}
				cur = &Atom{Element: titleElement(words[0]), XYZ: [3]float64{vals[0], vals[1], vals[2]}, Occupancy: vals[3]}
				pending = pending[:0]
				continue
			}
			vals, err := parseFloats(words)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			pending = append(pending, vals...)
			if len(pending) > atomRecordLen {
				return nil, fmt.Errorf("line %d: too many values for atom %s", lineNo, cur.Element)
			}
			if len(pending) == atomRecordLen {
				flushAtom()
			}
			continue
		}

		rest := strings.TrimSpace(line[len(words[0]):])
		switch key {
		case "title":
			s.Title = rest
		case "format":
			if f := strings.ToLower(strings.TrimSpace(rest)); f != "pdffit" {
				return nil, fmt.Errorf("line %d: unsupported format %q", lineNo, rest)
			}
		case "scale":
			v, err := parseFloats(words[1:2])
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			s.PDFFit.Scale = v[0]
		case "sharp":
			v, err := parseFloats(words[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			switch {
			case len(v) >= 4:
				s.PDFFit.Delta2, s.PDFFit.Delta1, s.PDFFit.SRatio, s.PDFFit.RCut = v[0], v[1], v[2], v[3]
			case len(v) == 3:
				s.PDFFit.Delta2, s.PDFFit.SRatio, s.PDFFit.RCut = v[0], v[1], v[2]
			default:
				return nil, fmt.Errorf("line %d: invalid sharp record", lineNo)
			}
		case "spcgr":
			s.PDFFit.SpcGr = rest
		case "shape":
			if len(words) < 3 {
				return nil, fmt.Errorf("line %d: invalid shape record", lineNo)
			}
			v, err := parseFloats(words[2:3])
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", lineNo, err)
			}
			switch strings.ToLower(words[1]) {
			case "sphere":
				s.PDFFit.SPDiameter = v[0]
			case "stepcut":
				s.PDFFit.StepCut = v[0]
			default:
				return nil, fmt.Errorf("line %d: unknown shape %q", lineNo, words[1])
			}
		case "cell":
			v, err := parseFloats(words[1:])
			if err != nil || len(v) != 6 {
				return nil, fmt.Errorf("line %d: cell needs 6 values", lineNo)
			}
			s.Lattice.SetParams([6]float64(v))
		case "dcell":
			v, err := parseFloats(words[1:])
			if err != nil || len(v) != 6 {
				return nil, fmt.Errorf("line %d: dcell needs 6 values", lineNo)
			}
			s.PDFFit.DCell = [6]float64(v)
		case "ncell":
			if len(words) < 4 {
				return nil, fmt.Errorf("line %d: invalid ncell record", lineNo)
			}
			for i := 0; i < 3; i++ {
				n, err := strconv.Atoi(words[i+1])
				if err != nil {
					return nil, fmt.Errorf("line %d: %v", lineNo, err)
				}
				s.PDFFit.NCell[i] = n
			}
			if len(words) > 4 {
				n, err := strconv.Atoi(words[4])
				if err != nil {
					return nil, fmt.Errorf("line %d: %v", lineNo, err)
				}
				natoms = n
			}
		case "atoms":
			inAtoms = true
		default:
			return nil, fmt.Errorf("line %d: unknown record %q", lineNo, words[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("incomplete record for atom %s", cur.Element)
	}
	if natoms >= 0 && natoms != len(s.Atoms) {
		return nil, fmt.Errorf("expected %d atoms, read %d", natoms, len(s.Atoms))
	}
	return s, nil
}

// WriteString renders the structure in pdffit format. Floats are written
// with the shortest lossless representation.
func (s *Structure) WriteString() string {
	var b strings.Builder
	p := s.PDFFit
	fmt.Fprintf(&b, "title  %s\n", s.Title)
	b.WriteString("format pdffit\n")
	fmt.Fprintf(&b, "scale  %s\n", ff(p.Scale))
	fmt.Fprintf(&b, "sharp  %s\n", join(p.Delta2, p.Delta1, p.SRatio, p.RCut))
	spcgr := p.SpcGr
	if spcgr == "" {
		spcgr = "P1"
	}
	fmt.Fprintf(&b, "spcgr  %s\n", spcgr)
	if p.SPDiameter > 0 {
		fmt.Fprintf(&b, "shape  sphere, %s\n", ff(p.SPDiameter))
	}
	if p.StepCut > 0 {
		fmt.Fprintf(&b, "shape  stepcut, %s\n", ff(p.StepCut))
	}
	lat := s.Lattice.Params()
	fmt.Fprintf(&b, "cell   %s\n", join(lat[:]...))
	fmt.Fprintf(&b, "dcell  %s\n", join(p.DCell[:]...))
	nc := p.NCell
	if nc == [3]int{} {
		nc = [3]int{1, 1, 1}
	}
	fmt.Fprintf(&b, "ncell  %d, %d, %d, %d\n", nc[0], nc[1], nc[2], len(s.Atoms))
	b.WriteString("atoms\n")
	for _, a := range s.Atoms {
		fmt.Fprintf(&b, "%-4s %s\n", strings.ToUpper(a.Element), cols(a.XYZ[0], a.XYZ[1], a.XYZ[2], a.Occupancy))
		fmt.Fprintf(&b, "     %s\n", cols(a.SigXYZ[0], a.SigXYZ[1], a.SigXYZ[2], a.SigO))
		fmt.Fprintf(&b, "     %s\n", cols(a.U[0][0], a.U[1][1], a.U[2][2]))
		fmt.Fprintf(&b, "     %s\n", cols(a.SigU[0][0], a.SigU[1][1], a.SigU[2][2]))
		fmt.Fprintf(&b, "     %s\n", cols(a.U[0][1], a.U[0][2], a.U[1][2]))
		fmt.Fprintf(&b, "     %s\n", cols(a.SigU[0][1], a.SigU[0][2], a.SigU[1][2]))
	}
	return b.String()
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func join(vals ...float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = ff(v)
	}
	return strings.Join(parts, ", ")
}

func cols(vals ...float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%22s", ff(v))
	}
	return strings.Join(parts, " ")
}

func parseFloats(words []string) ([]float64, error) {
	out := make([]float64, 0, len(words))
	for _, w := range words {
		v, err := strconv.ParseFloat(w, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", w)
		}
		out = append(out, v)
	}
	return out, nil
}

// titleElement normalizes "CD" or "cd" to "Cd".
func titleElement(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
