package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"modelhub/internal/download"
	"modelhub/pkg/types"
)

const tinyRepoJSON = `{
  "id": "acme/tiny",
  "author": "acme",
  "sha": "abc123",
  "pipeline_tag": "text-generation",
  "tags": ["gguf", "llama"],
  "gated": false,
  "cardData": {"license": "mit"},
  "siblings": [
    {"rfilename": "README.md", "size": 12},
    {"rfilename": "tiny-q4.gguf", "size": 1000, "lfs": {"size": 1000, "sha256": "deadbeef"}},
    {"rfilename": "tiny-q8.gguf", "lfs": {"size": 2000, "sha256": "feed"}},
    {"rfilename": "big-f16-00001-of-00002.gguf", "size": 300},
    {"rfilename": "big-f16-00002-of-00002.gguf", "size": 200}
  ]
}`

// recorder keeps the headers and query of the last API request.
type recorder struct {
	mu     sync.Mutex
	header http.Header
	query  url.Values
}

func (r *recorder) save(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header = req.Header.Clone()
	r.query = req.URL.Query()
}

func (r *recorder) get() (http.Header, url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header, r.query
}

func hubServer(t *testing.T) (*httptest.Server, *recorder) {
	t.Helper()
	last := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/acme/tiny", func(w http.ResponseWriter, r *http.Request) {
		last.save(r)
		_, _ = w.Write([]byte(tinyRepoJSON))
	})
	mux.HandleFunc("/api/models/acme/gated", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/models", func(w http.ResponseWriter, r *http.Request) {
		last.save(r)
		_, _ = w.Write([]byte(`[{"id":"acme/tiny","modelId":"acme/tiny","downloads":5},{"modelId":"acme/other","likes":2}]`))
	})
	mux.HandleFunc("/acme/tiny/resolve/main/tiny-q4.gguf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Linked-Size", "1000")
		w.Header().Set("X-Linked-Etag", `"etag-1"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, last
}

func TestGetRepoAndFiles(t *testing.T) {
	srv, last := hubServer(t)
	c := New(Config{BaseURL: srv.URL, Token: "hf_x"})

	info, err := c.GetRepo(context.Background(), "acme/tiny")
	require.NoError(t, err)
	require.Equal(t, "acme/tiny", info.ID)
	hdr, q := last.get()
	require.Equal(t, "Bearer hf_x", hdr.Get("Authorization"))
	require.Equal(t, "true", q.Get("blobs"))
	require.False(t, info.Gated())
	lic, ok := types.Get[map[string]string](info.Extra, "cardData")
	require.True(t, ok)
	require.Equal(t, "mit", lic["license"])
	require.False(t, info.Extra.Has("siblings"))

	files, err := c.ListFiles(context.Background(), "acme/tiny")
	require.NoError(t, err)
	require.Len(t, files, 5)
	require.Equal(t, download.RemoteFile{Path: "tiny-q8.gguf", Size: 2000}, files[2])
}

func TestGetRepoErrors(t *testing.T) {
	srv, _ := hubServer(t)
	c := New(Config{BaseURL: srv.URL})

	_, err := c.GetRepo(context.Background(), "acme/gated")
	require.True(t, download.IsAuthRequired(err))

	_, err = c.GetRepo(context.Background(), "acme/missing")
	require.ErrorIs(t, err, ErrRepoNotFound)

	_, err = c.GetRepo(context.Background(), "not-a-repo")
	require.Error(t, err)
}

func TestSearch(t *testing.T) {
	srv, last := hubServer(t)
	c := New(Config{BaseURL: srv.URL})
	res, err := c.Search(context.Background(), Query{Search: "tiny", Filters: []string{"gguf"}, Limit: 5, Sort: "downloads"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, "acme/other", res[1].ID)
	_, q := last.get()
	require.Equal(t, "tiny", q.Get("search"))
	require.Equal(t, "gguf", q.Get("filter"))
	require.Equal(t, "5", q.Get("limit"))
	require.Equal(t, "-1", q.Get("direction"))
}

func TestFileInfoAndURL(t *testing.T) {
	srv, _ := hubServer(t)
	c := New(Config{BaseURL: srv.URL})
	require.Equal(t, srv.URL+"/acme/tiny/resolve/main/sub/a%20b.gguf", c.FileURL("acme/tiny", "sub/a b.gguf"))

	fi, err := c.FileInfo(context.Background(), "acme/tiny", "tiny-q4.gguf")
	require.NoError(t, err)
	require.EqualValues(t, 1000, fi.Size)
	require.Equal(t, "etag-1", fi.ETag)
	require.Equal(t, "application/octet-stream", fi.MIME)
	require.Equal(t, 2006, fi.LastModified.Year())

	_, err = c.FileInfo(context.Background(), "acme/tiny", "missing.gguf")
	var de *download.Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, http.StatusNotFound, de.StatusCode)
}

func TestToRepoGroupsArtifacts(t *testing.T) {
	var info RepoInfo
	require.NoError(t, json.Unmarshal([]byte(tinyRepoJSON), &info))
	repo := info.ToRepo()

	require.Equal(t, "hf:acme/tiny", repo.ID)
	require.Equal(t, "acme/tiny", repo.RepoID)
	require.Equal(t, "tiny", repo.Name)
	require.Equal(t, "acme", repo.Publisher)
	require.Equal(t, types.TypeTextGeneration, repo.Type)
	require.Equal(t, "gguf", repo.DefaultFormat)
	require.Equal(t, "abc123", repo.Version)
	require.Len(t, repo.Artifacts, 3)

	q4, ok := repo.Artifact("tiny-q4")
	require.True(t, ok)
	require.EqualValues(t, 1000, q4.SizeInBytes)
	require.Equal(t, 4, q4.QuantizationBits)
	require.Equal(t, []string{"tiny-q4.gguf"}, q4.FilePaths)

	big, ok := repo.Artifact("big-f16")
	require.True(t, ok)
	require.Len(t, big.FilePaths, 2)
	require.EqualValues(t, 500, big.SizeInBytes)
	require.Equal(t, 16, big.QuantizationBits)

	m, ok := repo.Model("tiny-q8")
	require.True(t, ok)
	require.Equal(t, "hf:acme/tiny/tiny-q8", m.ID)
	require.Equal(t, "gguf", m.Format)
	require.True(t, m.Capabilities.SupportsTextGeneration)
}

func TestQuantizationBits(t *testing.T) {
	for name, bits := range map[string]int{
		"mistral-7b.Q4_K_M": 4,
		"model-Q8_0":        8,
		"phi-IQ3_XS":        3,
		"embed-f32":         32,
		"x.bf16":            16,
		"llama-3.1-8b":      0,
		"plain":             0,
	} {
		require.Equal(t, bits, QuantizationBits(name), name)
	}
}
