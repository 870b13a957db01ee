package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const tinyID = "hf:acme/tiny/tiny-q4"

func newTracker(t *testing.T, modelDir string) *Tracker {
	t.Helper()
	var loc Locator
	if modelDir != "" {
		loc = func(id string) (string, bool) {
			if id == tinyID {
				return modelDir, true
			}
			return "", false
		}
	}
	tr, err := New(Config{Path: filepath.Join(t.TempDir(), "state", "downloads.json"), Locator: loc})
	require.NoError(t, err)
	return tr
}

func writeSized(t *testing.T, p string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, n), 0o644))
}

func TestRecordAndUpdate(t *testing.T) {
	tr := newTracker(t, "")
	require.NoError(t, tr.RecordStart(tinyID, "tiny-q4.gguf", 1000))
	require.NoError(t, tr.UpdateProgress(tinyID, "tiny-q4.gguf", 400, false))

	st, ok := tr.Get(tinyID, "tiny-q4.gguf")
	require.True(t, ok)
	require.EqualValues(t, 1000, st.TotalSize)
	require.EqualValues(t, 400, st.DownloadedSize)
	require.False(t, st.IsCompleted)
	require.Equal(t, tinyID, st.ModelID)
	// no locator: ledger value is the resume position
	require.EqualValues(t, 400, tr.ResumePosition(tinyID, "tiny-q4.gguf"))
	require.Zero(t, tr.ResumePosition(tinyID, "other.gguf"))

	// identifiers differing only in case share a record
	_, ok = tr.Get("HF:Acme/Tiny/tiny-q4", "tiny-q4.gguf")
	require.True(t, ok)

	raw, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	var m map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	rec := m["hf:acme/tiny/tiny-q4:tiny-q4.gguf"]
	require.NotNil(t, rec)
	for _, f := range []string{"ModelId", "FilePath", "TotalSize", "DownloadedSize", "IsCompleted", "LastAttempt"} {
		require.Contains(t, rec, f)
	}
}

func TestResumePositionUsesDisk(t *testing.T) {
	dir := t.TempDir()
	tr := newTracker(t, dir)
	require.NoError(t, tr.RecordStart(tinyID, "tiny-q4.gguf", 1000))
	require.NoError(t, tr.UpdateProgress(tinyID, "tiny-q4.gguf", 100, false))

	// missing file: start over
	require.Zero(t, tr.ResumePosition(tinyID, "tiny-q4.gguf"))

	writeSized(t, filepath.Join(dir, "tiny-q4.gguf"), 600)
	require.EqualValues(t, 600, tr.ResumePosition(tinyID, "tiny-q4.gguf"))

	// larger than the recorded total: corrupt, start over
	writeSized(t, filepath.Join(dir, "tiny-q4.gguf"), 1200)
	require.Zero(t, tr.ResumePosition(tinyID, "tiny-q4.gguf"))
}

func TestListIncompleteAndCleanup(t *testing.T) {
	tr := newTracker(t, "")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	tr.now = func() time.Time { step++; return base.Add(time.Duration(step) * time.Minute) }

	require.NoError(t, tr.RecordStart(tinyID, "a.gguf", 10))
	require.NoError(t, tr.RecordStart(tinyID, "b.gguf", 10))
	require.NoError(t, tr.RecordStart("hf:acme/other/x", "c.gguf", 10))
	require.NoError(t, tr.UpdateProgress(tinyID, "a.gguf", 10, true))

	inc := tr.ListIncomplete()
	require.Len(t, inc, 2)
	require.Equal(t, "c.gguf", inc[0].FilePath)
	require.Equal(t, "b.gguf", inc[1].FilePath)

	n, err := tr.CleanupCompleted()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := tr.Get(tinyID, "a.gguf")
	require.False(t, ok)

	require.Len(t, tr.ForModel(tinyID), 1)
	removed, err := tr.RemoveModel(tinyID)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoError(t, tr.Remove("hf:acme/other/x", "c.gguf"))
	require.Empty(t, tr.ListIncomplete())
}

func TestValidateAndRepair(t *testing.T) {
	dir := t.TempDir()
	tr := newTracker(t, dir)
	writeSized(t, filepath.Join(dir, "ok.gguf"), 300)
	writeSized(t, filepath.Join(dir, "done.gguf"), 500)
	writeSized(t, filepath.Join(dir, "big.gguf"), 900)

	require.NoError(t, tr.RecordStart(tinyID, "ok.gguf", 1000))
	require.NoError(t, tr.UpdateProgress(tinyID, "ok.gguf", 100, false))
	require.NoError(t, tr.RecordStart(tinyID, "done.gguf", 500))
	require.NoError(t, tr.RecordStart(tinyID, "big.gguf", 800))
	require.NoError(t, tr.RecordStart(tinyID, "gone.gguf", 800))
	require.NoError(t, tr.RecordStart("hf:unknown/model/x", "x.gguf", 10))

	rep, err := tr.ValidateAndRepair()
	require.NoError(t, err)
	require.Equal(t, RepairReport{Checked: 5, Dropped: 3, Corrected: 2}, rep)

	st, ok := tr.Get(tinyID, "ok.gguf")
	require.True(t, ok)
	require.EqualValues(t, 300, st.DownloadedSize)
	require.False(t, st.IsCompleted)
	st, ok = tr.Get(tinyID, "done.gguf")
	require.True(t, ok)
	require.True(t, st.IsCompleted)
	for _, f := range []string{"big.gguf", "gone.gguf"} {
		_, ok := tr.Get(tinyID, f)
		require.False(t, ok, f)
	}

	before, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	rep, err = tr.ValidateAndRepair()
	require.NoError(t, err)
	require.Equal(t, RepairReport{Checked: 2}, rep)
	after, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCorruptLedgerResets(t *testing.T) {
	tr := newTracker(t, t.TempDir())
	require.NoError(t, os.WriteFile(tr.Path(), []byte("{not json"), 0o644))

	rep, err := tr.ValidateAndRepair()
	require.NoError(t, err)
	require.True(t, rep.Reset)
	require.Empty(t, tr.ListIncomplete())

	raw, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(raw))

	// operations keep working
	require.NoError(t, tr.RecordStart(tinyID, "a.gguf", 1))
	require.Len(t, tr.ListIncomplete(), 1)
}

func TestConcurrentUpdates(t *testing.T) {
	tr := newTracker(t, "")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := string(rune('a'+i)) + ".gguf"
			if err := tr.RecordStart(tinyID, f, 100); err != nil {
				t.Error(err)
			}
			if err := tr.UpdateProgress(tinyID, f, 50, false); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, tr.ListIncomplete(), 16)
}

func TestSecondTrackerSeesWrites(t *testing.T) {
	p := filepath.Join(t.TempDir(), "downloads.json")
	a, err := New(Config{Path: p})
	require.NoError(t, err)
	b, err := New(Config{Path: p})
	require.NoError(t, err)
	require.NoError(t, a.RecordStart(tinyID, "a.gguf", 5))
	_, ok := b.Get(tinyID, "a.gguf")
	require.True(t, ok)
}

func TestRemoveModelLeavesLookalikeIDs(t *testing.T) {
	tr := newTracker(t, "")
	const a, b = "hf:acme_x/tiny/q4", "hf:acme/x_tiny/q4"
	require.NoError(t, tr.RecordStart(a, "q4.gguf", 100))
	require.NoError(t, tr.RecordStart(b, "q4.gguf", 200))

	st, ok := tr.Get(a, "q4.gguf")
	require.True(t, ok)
	require.EqualValues(t, 100, st.TotalSize)

	n, err := tr.RemoveModel(a)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, tr.ForModel(b), 1)
	st, ok = tr.Get(b, "q4.gguf")
	require.True(t, ok)
	require.EqualValues(t, 200, st.TotalSize)
}
