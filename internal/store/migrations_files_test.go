package store

import (
	"io/fs"
	"regexp"
	"testing"

	"notebook/api/db"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(db.Migrations, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("unexpected file %s in migrations", name)
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/notes?sslmode=disable":   "pgx5://u:p@localhost:5432/notes?sslmode=disable",
		"postgresql://u:p@localhost:5432/notes?sslmode=disable": "pgx5://u:p@localhost:5432/notes?sslmode=disable",
		"pgx5://localhost/notes":                                "pgx5://localhost/notes",
	}
	for in, want := range cases {
		if got := migrationURL(in); got != want {
			t.Fatalf("migrationURL(%q) = %q, want %q", in, got, want)
		}
	}
}
