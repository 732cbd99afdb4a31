package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyFilesDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "candidates.json", `{"candidates":[]}`)
	writeFile(t, dir, "tally.json", `{"votes":0}`)
	writeFile(t, dir, "notes.txt", "keep")
	l := newTestLedger(t, dir)
	_, err := l.Genesis(ctx, []string{"candidates.json", "tally.json", "notes.txt", "later.json"})
	require.NoError(t, err)

	hasher := FileHasher{BaseDir: dir}
	report, err := l.VerifyFiles(ctx, hasher)
	require.NoError(t, err)
	assert.True(t, report.Intact())
	assert.Equal(t, 4, report.Checked)
	assert.Empty(t, report.Unregistered)

	writeFile(t, dir, "tally.json", `{"votes":9000}`)
	require.NoError(t, os.Remove(filepath.Join(dir, "notes.txt")))
	writeFile(t, dir, "stray.json", `{}`)
	writeFile(t, dir, ".hidden", "x")

	report, err = l.VerifyFiles(ctx, hasher)
	require.NoError(t, err)
	assert.False(t, report.Intact())
	require.Len(t, report.Modified, 1)
	assert.Equal(t, "tally.json", report.Modified[0].Path)
	assert.Equal(t, sha(`{"votes":0}`), report.Modified[0].Expected)
	assert.Equal(t, sha(`{"votes":9000}`), report.Modified[0].Actual)
	assert.Equal(t, []string{"notes.txt"}, report.Missing)
	assert.Equal(t, []string{"stray.json"}, report.Unregistered)

	// recording the change brings the chain back in line with the disk
	_, err = l.Append(ctx, Change{Operation: "tally_update", Files: []string{"tally.json", "notes.txt", "stray.json"}})
	require.NoError(t, err)
	report, err = l.VerifyFiles(ctx, hasher)
	require.NoError(t, err)
	assert.True(t, report.Intact())
	assert.Empty(t, report.Unregistered)
}

func TestVerifyFilesEmptyLedger(t *testing.T) {
	l := newTestLedger(t, t.TempDir())
	report, err := l.VerifyFiles(context.Background(), FileHasher{})
	require.NoError(t, err)
	assert.True(t, report.Intact())
	assert.Zero(t, report.Checked)
}

func TestVerifyFilesHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{}`)
	l := newTestLedger(t, dir)
	_, err := l.Genesis(context.Background(), []string{"a.json"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.VerifyFiles(ctx, FileHasher{BaseDir: dir})
	assert.ErrorIs(t, err, context.Canceled)
}
