package server

import (
	"math"
	"net/http"

	"github.com/gorilla/mux"

	"pdfctl/internal/fitting"
	"pdfctl/internal/project"
)

// FitSummary is the list form of a fit.
type FitSummary struct {
	Name      string  `json:"name"`
	FitStatus string  `json:"fit_status"`
	JobStatus string  `json:"job_status"`
	Step      int     `json:"step"`
	RW        float64 `json:"rw"`
	Error     string  `json:"error,omitempty"`
}

// FitDetail adds the contents of a fit to its summary.
type FitDetail struct {
	FitSummary
	Phases       []string `json:"phases"`
	Datasets     []string `json:"datasets"`
	Calculations []string `json:"calculations"`
	Result       string   `json:"result,omitempty"`
}

// ParameterView is the JSON form of one fit parameter.
type ParameterView struct {
	Index   int      `json:"index"`
	Name    string   `json:"name,omitempty"`
	Initial string   `json:"initial"`
	Fixed   bool     `json:"fixed"`
	Refined *float64 `json:"refined,omitempty"`
}

func (s *Server) setupFitRoutes(r *mux.Router) {
	r.HandleFunc("/fits", s.handleFits).Methods("GET")
	r.HandleFunc("/fits/{name}", s.handleFit).Methods("GET")
	r.HandleFunc("/fits/{name}/parameters", s.handleParameters).Methods("GET")
	r.HandleFunc("/fits/{name}/snapshots", s.handleSnapshots).Methods("GET")
	r.HandleFunc("/fits/{name}/run", s.handleRun).Methods("POST")
	r.HandleFunc("/fits/{name}/pause", s.handlePause).Methods("POST")
	r.HandleFunc("/fits/{name}/stop", s.handleStop).Methods("POST")
}

func summarize(f *fitting.Fitting) FitSummary {
	fs, js := f.Status()
	sum := FitSummary{
		Name:      f.Name,
		FitStatus: fs.String(),
		JobStatus: js.String(),
		Step:      f.Step(),
		RW:        f.RW(),
	}
	if math.IsNaN(sum.RW) || math.IsInf(sum.RW, 0) {
		sum.RW = 0
	}
	if err := f.Err(); err != nil {
		sum.Error = err.Error()
	}
	return sum
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*fitting.Fitting, bool) {
	f, err := s.project.Fit(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return f, true
}

func (s *Server) handleFits(w http.ResponseWriter, r *http.Request) {
	fits := s.project.Fits()
	out := make([]FitSummary, 0, len(fits))
	for _, f := range fits {
		out = append(out, summarize(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	d := FitDetail{FitSummary: summarize(f), Result: f.Result()}
	f.View(func() {
		for _, p := range f.Phases {
			d.Phases = append(d.Phases, p.Name)
		}
		for _, ds := range f.Datasets {
			d.Datasets = append(d.Datasets, ds.Name)
		}
		for _, c := range f.Calculations {
			d.Calculations = append(d.Calculations, c.Name)
		}
	})
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	set := f.ParameterSet()
	out := make([]ParameterView, 0, len(set))
	for _, idx := range set.Indices() {
		p := set[idx]
		v := ParameterView{Index: idx, Name: p.Name, Initial: p.InitialString(), Fixed: p.Fixed}
		if p.Refined != nil && !math.IsNaN(*p.Refined) && !math.IsInf(*p.Refined, 0) {
			v.Refined = p.Refined
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSnapshots answers the scalar columns of every step for the fit, or
// for the phase or dataset named by ?entity=p_name|d_name. Curves are left
// out unless ?column=name selects a single column.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		entity = f.ID()
	}
	cols, ok := f.Columns()[entity]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no entity " + entity})
		return
	}
	snaps := f.Snapshots()
	if name := r.URL.Query().Get("column"); name != "" {
		col, ok := cols[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no column " + name})
			return
		}
		out := make([]any, len(snaps))
		for i, snap := range snaps {
			out[i] = cellValue(snap, col)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	out := make([]map[string]any, len(snaps))
	for i, snap := range snaps {
		row := map[string]any{}
		for name, col := range cols {
			if col < len(snap) && snap[col].Curve == nil {
				row[name] = cellValue(snap, col)
			}
		}
		out[i] = row
	}
	writeJSON(w, http.StatusOK, out)
}

// cellValue renders a cell for JSON, which has no NaN.
func cellValue(snap fitting.Snapshot, col int) any {
	if col >= len(snap) {
		return nil
	}
	c := snap[col]
	if c.Curve != nil {
		return c.Curve
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return nil
	}
	return c.Value
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if calc := r.URL.Query().Get("calculation"); calc != "" {
		if err := s.project.Start(r.Context(), []project.Target{{Fit: f.Name, Calculation: calc}}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summarize(f))
		return
	}
	if err := s.project.Enqueue([]*fitting.Fitting{f}, true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(f))
}

// handlePause pauses a running fit; ?resume=true lets it continue.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	f.Pause(r.URL.Query().Get("resume") != "true")
	writeJSON(w, http.StatusOK, summarize(f))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	f, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.project.Enqueue([]*fitting.Fitting{f}, false); err != nil {
		writeError(w, err)
		return
	}
	f.Stop()
	writeJSON(w, http.StatusOK, summarize(f))
}
