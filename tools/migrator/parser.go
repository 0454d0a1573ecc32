package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.+)$`)
)

// ParseMigration parses the contents of one migration file named filename.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	m := &Migration{Version: version, Name: matches[2]}
	lines := strings.Split(string(content), "\n")

	up := -1
	for i, line := range lines {
		if sub := upMarkerRegex.FindStringSubmatch(line); sub != nil {
			up = i
			m.NoTransaction = strings.TrimSpace(sub[1]) == "notransaction"
			break
		}
	}
	if up < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Depends directives may appear among the comments right after the marker.
	body := up + 1
	for ; body < len(lines); body++ {
		line := strings.TrimSpace(lines[body])
		if sub := dependsRegex.FindStringSubmatch(line); sub != nil {
			for _, field := range strings.Fields(sub[1]) {
				dep, err := strconv.Atoi(field)
				if err != nil {
					return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", field, filename)
				}
				m.Dependencies = append(m.Dependencies, dep)
			}
			continue
		}
		if line != "" && !strings.HasPrefix(line, "--") {
			break
		}
	}

	m.UpSQL = strings.TrimSpace(strings.Join(lines[body:], "\n"))
	if m.UpSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}
	return m, nil
}

// LoadMigrations reads every NNN_name.sql file in dir of fsys, validates the
// set and returns it sorted by version.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}
		m, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := validateSequence(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// validateSequence requires versions 1..N without gaps and dependencies that
// point backward to existing versions, which also rules out cycles.
func validateSequence(migrations []Migration) error {
	seen := make(map[int]bool, len(migrations))
	for i, m := range migrations {
		if seen[m.Version] {
			return fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		seen[m.Version] = true

		if m.Version != i+1 {
			return fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
		for _, dep := range m.Dependencies {
			if dep >= m.Version {
				return fmt.Errorf("migration %d depends on later or equal version %d", m.Version, dep)
			}
		}
	}
	return nil
}
