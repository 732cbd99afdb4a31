package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"quorumchain/pkg/canonical"
	"quorumchain/pkg/fault"
)

// FileDrift is a tracked file whose content no longer matches the ledger.
type FileDrift struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// FileReport compares the files on disk with the newest block's file map.
// Unregistered lists untracked files that sit next to tracked ones; they
// do not make the report fail.
type FileReport struct {
	Checked      int         `json:"checked"`
	Modified     []FileDrift `json:"modified,omitempty"`
	Missing      []string    `json:"missing,omitempty"`
	Unregistered []string    `json:"unregistered,omitempty"`
}

// Intact reports whether every tracked file still matches.
func (r FileReport) Intact() bool {
	return len(r.Modified) == 0 && len(r.Missing) == 0
}

// VerifyFiles re-fingerprints every file in CurrentState with hasher.
// A file recorded while absent stays valid for as long as it is absent.
func (l *Ledger) VerifyFiles(ctx context.Context, hasher FileHasher) (FileReport, error) {
	state := l.CurrentState()
	paths := make([]string, 0, len(state))
	for p := range state {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	absent := canonical.HashBytes(nil)
	dirs := make(map[string]bool)
	var report FileReport
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		full := hasher.path(rel)
		dirs[filepath.Dir(full)] = true
		report.Checked++

		expected := state[rel]
		if _, err := os.Stat(full); os.IsNotExist(err) {
			if expected != absent {
				report.Missing = append(report.Missing, rel)
			}
			continue
		}
		actual, err := hasher.Fingerprint(rel)
		if err != nil {
			return report, err
		}
		if actual != expected {
			report.Modified = append(report.Modified, FileDrift{Path: rel, Expected: expected, Actual: actual})
		}
	}

	tracked := make(map[string]bool, len(paths))
	for _, rel := range paths {
		tracked[hasher.path(rel)] = true
	}
	for dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return report, fault.Storage("list "+dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			full := filepath.Join(dir, e.Name())
			if tracked[full] {
				continue
			}
			report.Unregistered = append(report.Unregistered, hasher.relative(full))
		}
	}
	sort.Strings(report.Unregistered)
	return report, nil
}
