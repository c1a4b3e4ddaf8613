package project

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/fitting"
	"pdfctl/internal/fsutil"
)

// zipWriter stores archive entries deflated.
type zipWriter struct{ zw *zip.Writer }

func (w zipWriter) WriteFile(name string, data []byte) error {
	out, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// zipTree is a read archive held in memory with its entry order.
type zipTree struct {
	names []string
	data  map[string][]byte
}

func readZip(path string) (*zipTree, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	t := &zipTree{data: map[string][]byte{}}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		t.names = append(t.names, f.Name)
		t.data[f.Name] = b
	}
	return t, nil
}

// Files implements fitting.ArchiveReader.
func (t *zipTree) Files(dir string) map[string][]byte {
	out := map[string][]byte{}
	for _, n := range t.names {
		if rest, ok := strings.CutPrefix(n, dir); ok && rest != "" && !strings.Contains(rest, "/") {
			out[rest] = t.data[n]
		}
	}
	return out
}

// Dirs implements fitting.ArchiveReader.
func (t *zipTree) Dirs(dir string) []string {
	var out []string
	seen := map[string]bool{}
	for _, n := range t.names {
		rest, ok := strings.CutPrefix(n, dir)
		if !ok {
			continue
		}
		if i := strings.Index(rest, "/"); i > 0 && !seen[rest[:i]] {
			seen[rest[:i]] = true
			out = append(out, rest[:i])
		}
	}
	return out
}

// Save writes the project to path, or to the last used project file when
// path is empty. The archive is built in a temporary file next to path and
// only replaces it when complete.
func (p *Project) Save(path string) error {
	p.mu.Lock()
	if path != "" {
		p.projfile = path
	}
	path = p.projfile
	fits := append([]*fitting.Fitting(nil), p.fits...)
	journal := p.journal
	p.mu.Unlock()
	if path == "" {
		return controlerr.File("no project file given")
	}

	base := filepath.Base(path)
	projName := strings.TrimSuffix(base, filepath.Ext(base))
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+base+".*")
	if err != nil {
		return controlerr.File("Error when writing to %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	writeErr := func() error {
		zw := zip.NewWriter(tmp)
		w := zipWriter{zw}
		names := make([]string, 0, len(fits))
		for _, f := range fits {
			if err := f.Save(w, projName+"/"+fitting.QuoteName(f.Name)+"/"); err != nil {
				return err
			}
			names = append(names, f.Name)
		}
		if journal != "" {
			if err := w.WriteFile(projName+"/journal", []byte(journal)); err != nil {
				return err
			}
		}
		if err := w.WriteFile(projName+"/fits", []byte(strings.Join(names, "\n"))); err != nil {
			return err
		}
		return zw.Close()
	}()
	if cerr := tmp.Close(); writeErr == nil {
		writeErr = cerr
	}
	if writeErr != nil {
		p.log.Error("project save failed", "path", path, "error", writeErr)
		return controlerr.File("Error when writing to %s", path)
	}
	if err := fsutil.ReplaceFile(tmpName, path); err != nil {
		p.log.Error("project save failed", "path", path, "error", err)
		return controlerr.File("Error when writing to %s", path)
	}
	p.log.Info("project saved", "path", path, "fits", len(fits))
	return nil
}

// Load adds the fits stored in the project archive at path and takes over
// its journal. On any error the project is left as it was.
func (p *Project) Load(path string) error {
	if !fsutil.IsFile(path) {
		return controlerr.File("Project file %s does not exist.", path)
	}
	invalid := controlerr.File("Invalid or corrupted project %s.", path)
	tree, err := readZip(path)
	if err != nil || len(tree.names) == 0 {
		return invalid
	}
	projName, _, _ := strings.Cut(tree.names[0], "/")
	root := projName + "/"
	files := tree.Files(root)

	var fitNames []string
	if b, ok := files["fits"]; ok {
		fitNames = strings.Split(string(b), "\n")
	} else {
		// older archives carry no fit list
		fitNames = tree.Dirs(root)
		for i, q := range fitNames {
			if name, err := fitting.UnquoteName(q); err == nil {
				fitNames[i] = name
			}
		}
	}
	var loaded []*fitting.Fitting
	for _, name := range fitNames {
		if name == "" {
			continue
		}
		f := fitting.New(name)
		dir := fitting.QuoteName(name)
		if !hasDir(tree, root+dir+"/") {
			dir = name
		}
		if err := f.Load(tree, root+dir+"/"); err != nil {
			p.log.Error("project load failed", "path", path, "fit", name, "error", err)
			if controlerr.IsControl(err) {
				return err
			}
			return invalid
		}
		loaded = append(loaded, f)
	}

	p.mu.Lock()
	seen := make(map[string]bool, len(loaded))
	for _, f := range loaded {
		if p.findLocked(f.Name) >= 0 || seen[f.Name] {
			p.mu.Unlock()
			return controlerr.Key("'%s' already exists", f.Name)
		}
		seen[f.Name] = true
	}
	for _, f := range loaded {
		p.attachLocked(f)
		p.fits = append(p.fits, f)
	}
	p.projfile = path
	if b, ok := files["journal"]; ok {
		p.journal = string(b)
	}
	p.publishLocked()
	p.mu.Unlock()
	p.log.Info("project loaded", "path", path, "fits", len(loaded))
	return nil
}

func hasDir(t *zipTree, dir string) bool {
	for _, n := range t.names {
		if strings.HasPrefix(n, dir) {
			return true
		}
	}
	return false
}
