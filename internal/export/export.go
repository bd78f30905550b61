// Package export packages a project's files as a zip archive.
package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dshills/codemechanic/internal/domain"
)

// ManifestName is the metadata file added to every archive.
const ManifestName = "codemechanic.json"

// Manifest describes the archived project.
type Manifest struct {
	ProjectID   uuid.UUID      `json:"project_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Framework   string         `json:"framework,omitempty"`
	ExportedAt  time.Time      `json:"exported_at"`
	Files       []ManifestFile `json:"files"`
}

// ManifestFile is one entry of Manifest.Files.
type ManifestFile struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Size     int    `json:"size"`
	Version  int    `json:"version"`
}

// BuildArchive returns a zip containing every file under its path plus the manifest.
func BuildArchive(project *domain.Project, files []*domain.CodeFile) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteZip(&buf, project, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteZip streams the archive to w. Files are written in path order.
func WriteZip(w io.Writer, project *domain.Project, files []*domain.CodeFile) error {
	sorted := make([]*domain.CodeFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	manifest := Manifest{
		ProjectID:   project.ID,
		Name:        project.Name,
		Description: project.Description,
		Framework:   project.Framework,
		ExportedAt:  time.Now().UTC(),
		Files:       make([]ManifestFile, 0, len(sorted)),
	}

	zw := zip.NewWriter(w)
	for _, f := range sorted {
		if f.Path == ManifestName {
			return fmt.Errorf("file %s collides with the manifest: %w", f.Path, domain.ErrConflict)
		}
		hdr := &zip.FileHeader{Name: f.Path, Method: zip.Deflate, Modified: f.UpdatedAt}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("create %s: %w", f.Path, err)
		}
		if _, err := io.WriteString(fw, f.Content); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:     f.Path,
			Language: f.Language,
			Size:     len(f.Content),
			Version:  f.Version,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	fw, err := zw.Create(ManifestName)
	if err != nil {
		return fmt.Errorf("create %s: %w", ManifestName, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", ManifestName, err)
	}
	return zw.Close()
}

// ReadArchive reads an archive produced by BuildArchive back into files and its manifest.
func ReadArchive(data []byte) (map[string]string, *Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	files := make(map[string]string, len(zr.File))
	var manifest *Manifest
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", zf.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", zf.Name, err)
		}
		if zf.Name == ManifestName {
			manifest = &Manifest{}
			if err := json.Unmarshal(content, manifest); err != nil {
				return nil, nil, fmt.Errorf("decode manifest: %w", err)
			}
			continue
		}
		files[zf.Name] = string(content)
	}
	if manifest == nil {
		return nil, nil, fmt.Errorf("archive has no %s: %w", ManifestName, domain.ErrInvalidInput)
	}
	return files, manifest, nil
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug turns a project name into a lowercase DNS- and filename-safe label.
func Slug(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if len(s) > 40 {
		s = strings.TrimSuffix(s[:40], "-")
	}
	if s == "" {
		s = "project"
	}
	return s
}

// Filename is the download name for a project archive.
func Filename(project *domain.Project) string {
	return Slug(project.Name) + ".zip"
}
