package hummingbird

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

type (
	// Plan holds the declared migration order and the inventory of the
	// migration directory. A Plan never re-reads the filesystem once a value
	// has been loaded; build a new one to pick up changes.
	Plan struct {
		planfile     string
		migrationDir string
		plannedFiles []string

		listOnce       sync.Once
		migrationFiles []string
		listErr        error
	}
)

// NewPlan reads planfile and returns a Plan for migrations under migrationDir
func NewPlan(planfile, migrationDir string) (*Plan, error) {
	planned, err := parsePlan(planfile)
	if err != nil {
		return nil, err
	}

	return &Plan{
		planfile:     planfile,
		migrationDir: migrationDir,
		plannedFiles: planned,
	}, nil
}

// parsePlan returns the non-blank lines of planfile in file order
func parsePlan(planfile string) ([]string, error) {
	content, err := os.ReadFile(planfile)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", planfile, err)
	}

	var planned []string
	for line := range strings.SplitSeq(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		planned = append(planned, line)
	}

	return planned, nil
}

// Planfile returns the path the plan was read from
func (p *Plan) Planfile() string {
	return p.planfile
}

// MigrationDir returns the directory migration names are relative to
func (p *Plan) MigrationDir() string {
	return p.migrationDir
}

// PlannedFiles returns the migration names declared by the plan file, in order
func (p *Plan) PlannedFiles() []string {
	return slices.Clone(p.plannedFiles)
}

// MigrationFiles returns every regular file under the migration directory as
// a slash-separated path relative to it. The listing is taken once.
func (p *Plan) MigrationFiles() ([]string, error) {
	p.listOnce.Do(func() {
		p.migrationFiles, p.listErr = listMigrationFiles(p.migrationDir)
	})
	if p.listErr != nil {
		return nil, p.listErr
	}
	return slices.Clone(p.migrationFiles), nil
}

// listMigrationFiles walks dir recursively, skipping hidden entries
func listMigrationFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		// Stat follows symlinks so a link to a regular file is listed
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list migration directory %s: %w", dir, err)
	}

	return files, nil
}

// FilesMissingFromPlan returns files present in the migration directory that
// the plan does not declare
func (p *Plan) FilesMissingFromPlan() ([]string, error) {
	files, err := p.MigrationFiles()
	if err != nil {
		return nil, err
	}
	return difference(files, p.plannedFiles), nil
}

// FilesMissingFromMigrationDir returns planned names with no file on disk
func (p *Plan) FilesMissingFromMigrationDir() ([]string, error) {
	files, err := p.MigrationFiles()
	if err != nil {
		return nil, err
	}
	return difference(p.plannedFiles, files), nil
}

// DuplicatePlannedFiles returns names the plan lists more than once, in the
// order their second occurrence appears
func (p *Plan) DuplicatePlannedFiles() []string {
	seen := make(map[string]bool, len(p.plannedFiles))
	reported := make(map[string]bool)

	var duplicates []string
	for _, name := range p.plannedFiles {
		if seen[name] && !reported[name] {
			duplicates = append(duplicates, name)
			reported[name] = true
		}
		seen[name] = true
	}
	return duplicates
}

// ToBeRunMigrationFileNames reconciles the plan against the recorded history
// and returns the planned migrations that have not run yet, in plan order.
//
// The history must consume the plan from the front: each record, in run_on
// order, has to name the first planned migration not already consumed. A
// recorded migration the plan does not mention at all is reported as
// ErrMissingFromPlan; any other disagreement is ErrOutOfOrder.
func (p *Plan) ToBeRunMigrationFileNames(history []MigrationRecord) ([]string, error) {
	if len(history) == 0 {
		return p.PlannedFiles(), nil
	}

	recorded := make([]string, len(history))
	for i, record := range history {
		recorded[i] = record.MigrationName
	}
	if missing := difference(recorded, p.plannedFiles); len(missing) > 0 {
		return nil, newPlanError(ErrMissingFromPlan,
			"Plan is missing the following already run migrations: "+strings.Join(missing, ", "),
			p.plannedFiles, history)
	}

	remaining := p.PlannedFiles()
	for _, record := range history {
		if len(remaining) == 0 {
			return nil, newPlanError(ErrOutOfOrder,
				fmt.Sprintf("Plan has no migration left to match '%s' which was run on %s",
					record.MigrationName, formatRunOn(record)),
				p.plannedFiles, history)
		}

		if record.MigrationName != remaining[0] {
			return nil, newPlanError(ErrOutOfOrder,
				fmt.Sprintf("Plan has '%s' before '%s' which was run on %s",
					remaining[0], record.MigrationName, formatRunOn(record)),
				p.plannedFiles, history)
		}

		remaining = remaining[1:]
	}

	return remaining, nil
}

// MigrationContents returns the content of the named migration file
func (p *Plan) MigrationContents(name string) (string, error) {
	path := filepath.Join(p.migrationDir, filepath.FromSlash(name))

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read migration file %s: %w", path, err)
	}
	return string(content), nil
}

// MigrationsToBeRun returns the pending migrations with their SQL attached
func (p *Plan) MigrationsToBeRun(history []MigrationRecord) ([]Migration, error) {
	names, err := p.ToBeRunMigrationFileNames(history)
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		sql, err := p.MigrationContents(name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{MigrationName: name, SQL: sql})
	}

	return migrations, nil
}

func formatRunOn(record MigrationRecord) string {
	return record.RunTime().Format(time.RFC3339)
}

// difference returns the members of a not present in b, keeping a's order
func difference(a, b []string) []string {
	exclude := make(map[string]struct{}, len(b))
	for _, s := range b {
		exclude[s] = struct{}{}
	}

	var out []string
	for _, s := range a {
		if _, ok := exclude[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
