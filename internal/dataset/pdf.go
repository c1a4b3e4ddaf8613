// Package dataset holds observed PDF data together with the fit range,
// resampled and calculated curves and the constraints of a dataset.
package dataset

import (
	"fmt"
	"math"
	"os"
	"os/user"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"pdfctl/internal/controlerr"
)

// Default experimental settings of a new dataset.
const (
	DefaultStype  = "X"
	DefaultQdamp  = 0.001
	DefaultDscale = 1.0
)

// PDF is observed pair distribution function data.
type PDF struct {
	Name  string
	Robs  []float64
	Gobs  []float64
	Drobs []float64
	DGobs []float64

	Stype  string
	Qmax   float64
	Qdamp  float64
	Qbroad float64
	Dscale float64
	// SPDiameter is read only for old files; the shape factor now lives in
	// the phase.
	SPDiameter *float64

	Rmin, Rmax float64
	Filename   string
	Metadata   map[string]float64
}

// NewPDF returns empty data with default settings.
func NewPDF(name string) *PDF {
	p := &PDF{Name: name}
	p.clear()
	return p
}

func (p *PDF) clear() {
	p.Robs, p.Gobs, p.Drobs, p.DGobs = nil, nil, nil, nil
	p.Stype = DefaultStype
	p.Qmax = 0
	p.Qdamp = DefaultQdamp
	p.Qbroad = 0
	p.Dscale = DefaultDscale
	p.SPDiameter = nil
	p.Rmin, p.Rmax = 0, 0
	p.Filename = ""
	p.Metadata = map[string]float64{}
}

const floatRx = `[-+]?(?:\d+(?:\.\d*)?|\d*\.\d+)(?:[eE][-+]?\d+)?`

var (
	startDataRx = regexp.MustCompile(`(?m)^#+ start data\s*(?:#.*\s+)*`)
	firstRowRx  = regexp.MustCompile(`(?m)^\s*` + floatRx)
	metadataRx  = regexp.MustCompile(`(?m)^#+ +metadata\b\n`)
	xrayRx      = regexp.MustCompile(`(?i)(x-?ray|PDFgetX)`)
	neutronRx   = regexp.MustCompile(`(?i)(neutron|PDFgetN)`)
	qmaxRx      = regexp.MustCompile(`(?i)\bqmax *= *(` + floatRx + `)\b`)
	qdampRx     = regexp.MustCompile(`(?i)\b(?:qdamp|qsig) *= *(` + floatRx + `)\b`)
	qbroadRx    = regexp.MustCompile(`(?i)\b(?:qbroad|qalp) *= *(` + floatRx + `)\b`)
	spdiamRx    = regexp.MustCompile(`(?i)\bspdiameter *= *(` + floatRx + `)\b`)
	dscaleRx    = regexp.MustCompile(`(?i)\bdscale *= *(` + floatRx + `)\b`)
	tempRx      = regexp.MustCompile(`\b(?:temp|temperature|T) *= *(` + floatRx + `)\b`)
	dopingRx    = regexp.MustCompile(`\b(?:x|doping) *= *(` + floatRx + `)\b`)
	genericRx   = regexp.MustCompile(`\b(\w+) *= *(` + floatRx + `)\b`)
	infOrNaNRx  = regexp.MustCompile(`(?i)^[+-]?(NaN|Inf)\b`)
)

func headerFloat(rx *regexp.Regexp, header string) (float64, bool) {
	m := rx.FindStringSubmatch(header)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

func formatError(filename string, err error) error {
	return controlerr.File("Could not open '%s' due to unsupported file format or corrupted data. [%v]", filename, err)
}

// ReadFile loads PDFgetX or PDFgetN data from path.
func (p *PDF) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return controlerr.File("Cannot read file '%s': %v", path, err)
	}
	if err := p.readString(string(data), path); err != nil {
		return err
	}
	p.Filename = path
	return nil
}

// ReadString loads observed data from text.
func (p *PDF) ReadString(text string) error {
	return p.readString(text, p.Name)
}

func (p *PDF) readString(text, source string) error {
	p.clear()
	start := 0
	if loc := startDataRx.FindStringIndex(text); loc != nil {
		start = loc[1]
	} else if loc := firstRowRx.FindStringIndex(text); loc != nil {
		start = loc[0]
	}
	header := text[:start]
	body := strings.TrimSpace(text[start:])

	metadata := ""
	if loc := metadataRx.FindStringIndex(header); loc != nil {
		metadata = header[loc[1]:]
		header = header[:loc[0]]
	}

	if xrayRx.MatchString(header) {
		p.Stype = "X"
	} else if neutronRx.MatchString(header) {
		p.Stype = "N"
	}
	if v, ok := headerFloat(qmaxRx, header); ok {
		p.Qmax = v
	}
	if v, ok := headerFloat(qdampRx, header); ok {
		p.Qdamp = v
	}
	if v, ok := headerFloat(qbroadRx, header); ok {
		p.Qbroad = v
	}
	if v, ok := headerFloat(spdiamRx, header); ok {
		p.SPDiameter = &v
	}
	if v, ok := headerFloat(dscaleRx, header); ok {
		p.Dscale = v
	}
	if v, ok := headerFloat(tempRx, header); ok {
		p.Metadata["temperature"] = v
	}
	if v, ok := headerFloat(dopingRx, header); ok {
		p.Metadata["doping"] = v
	}
	for _, m := range genericRx.FindAllStringSubmatch(metadata, -1) {
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			p.Metadata[m[1]] = v
		}
	}

	hasDr, hasDG := true, true
	for _, line := range strings.Split(body, "\n") {
		v := strings.Fields(line)
		if len(v) < 2 {
			return formatError(source, fmt.Errorf("data row %q has fewer than 2 columns", line))
		}
		r, err := strconv.ParseFloat(v[0], 64)
		if err != nil {
			return formatError(source, err)
		}
		g, err := strconv.ParseFloat(v[1], 64)
		if err != nil {
			return formatError(source, err)
		}
		p.Robs = append(p.Robs, r)
		p.Gobs = append(p.Gobs, g)
		hasDr = hasDr && len(v) > 2 && !infOrNaNRx.MatchString(v[2])
		if hasDr {
			dr, err := strconv.ParseFloat(v[2], 64)
			if err != nil {
				return formatError(source, err)
			}
			hasDr = dr > 0
			p.Drobs = append(p.Drobs, dr)
		}
		hasDG = hasDG && len(v) > 3 && !infOrNaNRx.MatchString(v[3])
		if hasDG {
			dg, err := strconv.ParseFloat(v[3], 64)
			if err != nil {
				return formatError(source, err)
			}
			hasDG = dg > 0
			p.DGobs = append(p.DGobs, dg)
		}
	}
	if !hasDr {
		p.Drobs = make([]float64, len(p.Robs))
	}
	if !hasDG {
		p.DGobs = make([]float64, len(p.Robs))
	}
	p.Rmin = p.Robs[0]
	p.Rmax = p.Robs[len(p.Robs)-1]
	return nil
}

func historyHeader(kind string) []string {
	who := "unknown"
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	return []string{
		"History written: " + time.Now().Format(time.ANSIC),
		"produced by " + who,
		"##### PDFgui" + kind,
	}
}

func stypeLine(stype string) (string, bool) {
	switch stype {
	case "X":
		return "stype=X  x-ray scattering", true
	case "N":
		return "stype=N  neutron scattering", true
	}
	return "", false
}

func metadataLines(md map[string]float64) []string {
	if len(md) == 0 {
		return nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := []string{"# metadata"}
	for _, k := range keys {
		lines = append(lines, k+"="+strconv.FormatFloat(md[k], 'g', -1, 64))
	}
	return lines
}

// gfmt renders v like printf %g with the default precision of 6.
func gfmt(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strings.ToLower(fmt.Sprint(v))
	}
	return fmt.Sprintf("%.6g", v)
}

// WriteString renders the observed data in the PDFgui data format.
func (p *PDF) WriteString() string {
	lines := historyHeader("")
	if l, ok := stypeLine(p.Stype); ok {
		lines = append(lines, l)
	}
	if p.Qmax == 0 {
		lines = append(lines, "qmax=0   correction not applied")
	} else {
		lines = append(lines, fmt.Sprintf("qmax=%.2f", p.Qmax))
	}
	lines = append(lines,
		"qdamp="+gfmt(p.Qdamp),
		"qbroad="+gfmt(p.Qbroad),
		"dscale="+gfmt(p.Dscale),
	)
	lines = append(lines, metadataLines(p.Metadata)...)
	lines = append(lines, "##### start data", "#L r(A) G(r) d_r d_Gr")
	for i := range p.Robs {
		lines = append(lines, strings.Join([]string{
			gfmt(p.Robs[i]), gfmt(p.Gobs[i]), gfmt(at(p.Drobs, i)), gfmt(at(p.DGobs, i)),
		}, " "))
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteFile stores the observed data at path.
func (p *PDF) WriteFile(path string) error {
	return os.WriteFile(path, []byte(p.WriteString()), 0o644)
}

func at(s []float64, i int) float64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// ObsSampling is the mean r-step of the observed grid, zero for fewer than
// two points.
func (p *PDF) ObsSampling() float64 {
	n := len(p.Robs)
	if n < 2 {
		return 0
	}
	return (p.Robs[n-1] - p.Robs[0]) / float64(n-1)
}

// NyquistSampling is pi/qmax, or the observed step when qmax is zero.
func (p *PDF) NyquistSampling() float64 {
	if p.Qmax > 0 {
		return math.Pi / p.Qmax
	}
	return p.ObsSampling()
}

// Clone returns a deep copy.
func (p *PDF) Clone() *PDF {
	c := *p
	c.Robs = append([]float64(nil), p.Robs...)
	c.Gobs = append([]float64(nil), p.Gobs...)
	c.Drobs = append([]float64(nil), p.Drobs...)
	c.DGobs = append([]float64(nil), p.DGobs...)
	if p.SPDiameter != nil {
		v := *p.SPDiameter
		c.SPDiameter = &v
	}
	c.Metadata = make(map[string]float64, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
