package export

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codemechanic/internal/domain"
)

func TestBuildArchive(t *testing.T) {
	project := &domain.Project{
		ID:        uuid.New(),
		Name:      "Test Project",
		Framework: "react",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	files := []*domain.CodeFile{
		{Path: "src/App.tsx", Content: "export default function App() {}", Language: "typescript", Version: 3, UpdatedAt: time.Now().UTC()},
		{Path: "package.json", Content: `{"name":"test"}`, Language: "json", Version: 1, UpdatedAt: time.Now().UTC()},
		{Path: "README.md", Content: "", Language: "markdown", Version: 1, UpdatedAt: time.Now().UTC()},
	}

	data, err := BuildArchive(project, files)
	if err != nil {
		t.Fatalf("BuildArchive() error = %v", err)
	}

	got, manifest, err := ReadArchive(data)
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}

	if len(got) != len(files) {
		t.Errorf("Archive has %d files, want %d", len(got), len(files))
	}
	for _, f := range files {
		if got[f.Path] != f.Content {
			t.Errorf("File %s = %q, want %q", f.Path, got[f.Path], f.Content)
		}
	}

	if manifest.ProjectID != project.ID {
		t.Errorf("Manifest project = %s, want %s", manifest.ProjectID, project.ID)
	}
	if manifest.Framework != "react" {
		t.Errorf("Manifest framework = %q", manifest.Framework)
	}
	if len(manifest.Files) != 3 || manifest.Files[0].Path != "README.md" {
		t.Errorf("Manifest files not sorted by path: %+v", manifest.Files)
	}
	if manifest.Files[2].Version != 3 {
		t.Errorf("Manifest version = %d, want 3", manifest.Files[2].Version)
	}
}

func TestBuildArchiveEmptyProject(t *testing.T) {
	data, err := BuildArchive(&domain.Project{ID: uuid.New(), Name: "Empty"}, nil)
	if err != nil {
		t.Fatalf("BuildArchive() error = %v", err)
	}
	files, manifest, err := ReadArchive(data)
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if len(files) != 0 || len(manifest.Files) != 0 {
		t.Errorf("Expected no files, got %v", files)
	}
}

func TestBuildArchiveManifestCollision(t *testing.T) {
	_, err := BuildArchive(&domain.Project{ID: uuid.New()}, []*domain.CodeFile{{Path: ManifestName}})
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("BuildArchive() error = %v, want ErrConflict", err)
	}
}

func TestReadArchiveRejectsGarbage(t *testing.T) {
	if _, _, err := ReadArchive([]byte("not a zip")); err == nil {
		t.Error("Expected error for invalid archive")
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"My Todo App":           "my-todo-app",
		"  Café  Crème!! ":      "cafe-creme",
		"---":                   "project",
		"":                      "project",
		"Ünïcödé & Friends 2.0": "unicode-friends-2-0",
		"a very long project name that keeps going and going": "a-very-long-project-name-that-keeps-goin",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Filename(&domain.Project{Name: "Demo"}); got != "demo.zip" {
		t.Errorf("Filename() = %q", got)
	}
}
