package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/contract-assistant/internal/auth"
	"gwi.com/contract-assistant/internal/config"
	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/store"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "u1", "--company", "acme"})
	require.NoError(t, rootCmd.Execute())

	claims, err := auth.ValidateJWT("cli-secret", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "acme", claims.CompanyID)
}

func TestReindexRequiresTarget(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"reindex"})
	assert.Error(t, rootCmd.Execute())
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := newApp(t.Context())
	assert.True(t, errs.IsConfiguration(err))
}

func TestModelSelection(t *testing.T) {
	cfg := config.Config{LLMProvider: "anthropic", EmbeddingProvider: "gemini", ChatModel: "claude", EmbeddingModel: "text-embedding-004"}
	assert.Empty(t, chatModelFor(cfg, "gemini"))
	assert.Equal(t, "claude", chatModelFor(cfg, "anthropic"))
	assert.Equal(t, "text-embedding-004", embeddingModelFor(cfg, "gemini"))
	assert.Empty(t, embeddingModelFor(cfg, "openai"))
}

// fakeEmbeddingServer answers OpenAI embedding requests with a fixed
// two-dimensional vector per input.
func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var data []string
		for i := range req.Input {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[1,0]}`, i))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","model":"text-embedding-3-small","data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`,
			strings.Join(data, ","))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImportCommand(t *testing.T) {
	srv := fakeEmbeddingServer(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cli.db")
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "k")
	t.Setenv("OPENAI_BASE_URL", srv.URL+"/v1")
	t.Setenv("EMBEDDING_DIMENSION", "2")
	t.Setenv("DATABASE_URL", dbPath)
	t.Setenv("LOG_LEVEL", "ERROR")

	lease := filepath.Join(dir, "acme-lease.html")
	require.NoError(t, os.WriteFile(lease, []byte("<p>Tenant may terminate with ninety days notice.</p>"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"import", "--company", "acme", "--id", "", "--title", "Office Lease", lease})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "acme-lease: imported, 1 chunks")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.GetContract(t.Context(), "acme-lease")
	require.NoError(t, err)
	assert.Equal(t, "acme", c.CompanyID)
	assert.Equal(t, "Office Lease", c.Title)
	n, err := s.CountEmbeddings(t.Context(), "acme-lease")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImportRejectsIDForManyFiles(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"import", "--company", "acme", "--id", "x", "--title", "", "a.html", "b.html"})
	assert.ErrorContains(t, rootCmd.Execute(), "exactly one file")
}
