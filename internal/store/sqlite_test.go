package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/contract-assistant/internal/errs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	rev1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rev2 = rev1.Add(time.Hour)
)

func records(contractID string, n int, vec []float32) []EmbeddingRecord {
	out := make([]EmbeddingRecord, n)
	for i := range out {
		out[i] = EmbeddingRecord{
			ContractID: contractID,
			ChunkIndex: i,
			ChunkText:  fmt.Sprintf("%s chunk %d", contractID, i),
			Vector:     vec,
		}
	}
	return out
}

func TestContracts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	updated := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, s.UpsertContract(ctx, Contract{ID: "c1", Title: "Lease", CompanyID: "acme", Content: "<p>x</p>", UpdatedAt: updated}))
	require.NoError(t, s.UpsertContract(ctx, Contract{ID: "c2", Title: "NDA", CompanyID: "acme"}))
	require.NoError(t, s.UpsertContract(ctx, Contract{ID: "c3", Title: "MSA", CompanyID: "globex"}))

	c, err := s.GetContract(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Lease", c.Title)
	assert.True(t, updated.Equal(c.UpdatedAt))

	_, err = s.GetContract(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))

	ids, err := s.ListContractIDsByCompany(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

func TestReplaceEmbeddings_ReplacesWholeSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceEmbeddings(ctx, "c1", rev1, records("c1", 5, []float32{1, 0})))
	version, n, err := s.EmbeddedVersion(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, rev1.Equal(version))

	recs, err := s.ListEmbeddings(ctx, []string{"c1"})
	require.NoError(t, err)
	firstCreated := recs[0].CreatedAt

	require.NoError(t, s.ReplaceEmbeddings(ctx, "c1", rev2, records("c1", 2, []float32{0, 1})))
	count, err := s.CountEmbeddings(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recs, err = s.ListEmbeddings(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []float32{0, 1}, recs[0].Vector)
	assert.True(t, rev2.Equal(recs[0].SourceVersion))
	assert.True(t, firstCreated.Equal(recs[0].CreatedAt), "created_at survives regeneration")
	assert.False(t, recs[0].UpdatedAt.Before(firstCreated))

	version, _, err = s.EmbeddedVersion(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, rev2.Equal(version))
}

func TestReplaceEmbeddings_RequiresSourceVersion(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.ReplaceEmbeddings(context.Background(), "c1", time.Time{}, records("c1", 1, []float32{1, 0})))
}

func TestEmbeddedVersion_NoRecords(t *testing.T) {
	s := newTestStore(t)
	version, n, err := s.EmbeddedVersion(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, version.IsZero())
}

func TestReplaceEmbeddings_RejectsForeignRecordAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceEmbeddings(ctx, "c1", rev1, records("c1", 3, []float32{1, 0})))

	bad := append(records("c1", 2, []float32{0, 1}), EmbeddingRecord{ContractID: "c2", ChunkIndex: 9, Vector: []float32{1, 1}})
	require.Error(t, s.ReplaceEmbeddings(ctx, "c1", rev1, bad))

	count, err := s.CountEmbeddings(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "previous generation must survive a failed replace")
}

func TestDeleteContract_CascadesEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertContract(ctx, Contract{ID: "c1", Title: "Lease", CompanyID: "acme"}))
	require.NoError(t, s.ReplaceEmbeddings(ctx, "c1", rev1, records("c1", 3, []float32{1, 0})))
	require.NoError(t, s.DeleteContract(ctx, "c1"))

	count, err := s.CountEmbeddings(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.True(t, errs.IsNotFound(s.DeleteContract(ctx, "c1")))
}

func TestSearchSimilar(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceEmbeddings(ctx, "a", rev1, []EmbeddingRecord{
		{ContractID: "a", ChunkIndex: 0, ChunkText: "a0", Vector: []float32{1, 0}},
		{ContractID: "a", ChunkIndex: 1, ChunkText: "a1", Vector: []float32{0, 1}},
	}))
	require.NoError(t, s.ReplaceEmbeddings(ctx, "b", rev1, []EmbeddingRecord{
		{ContractID: "b", ChunkIndex: 0, ChunkText: "b0", Vector: []float32{1, 0}},
	}))

	hits, err := s.SearchSimilar(ctx, []float32{1, 0}, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ContractID, "ties break by chunk index then contract id")
	assert.Equal(t, "b", hits[1].ContractID)
	assert.Equal(t, 1, hits[2].ChunkIndex)

	hits, err = s.SearchSimilar(ctx, []float32{1, 0}, []string{"b"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ContractID)

	hits, err = s.SearchSimilar(ctx, []float32{1, 0}, nil, 1, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchSimilar_PerContractCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceEmbeddings(ctx, "big", rev1, records("big", 25, []float32{1, 0})))
	require.NoError(t, s.ReplaceEmbeddings(ctx, "small", rev1, []EmbeddingRecord{
		{ContractID: "small", ChunkIndex: 0, ChunkText: "small0", Vector: []float32{1, 0.1}},
	}))

	hits, err := s.SearchSimilar(ctx, []float32{1, 0}, nil, 10, 0)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "big", h.ContractID, "uncapped, the long contract fills the limit")
	}

	hits, err = s.SearchSimilar(ctx, []float32{1, 0}, nil, 10, 2)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "big", hits[0].ContractID)
	assert.Equal(t, "big", hits[1].ContractID)
	assert.Equal(t, "small", hits[2].ContractID)
}

func TestSearchSimilar_DimensionMismatchIsConfigurationError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceEmbeddings(ctx, "a", rev1, records("a", 1, []float32{1, 0, 0})))
	_, err := s.SearchSimilar(ctx, []float32{1, 0}, nil, 5, 0)
	assert.True(t, errs.IsConfiguration(err))
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.AcquireLease(ctx, "c1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "c1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "unexpired lease must block other holders")

	require.NoError(t, s.ReleaseLease(ctx, "c1", "w2"))
	ok, err = s.AcquireLease(ctx, "c1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, s.ReleaseLease(ctx, "c1", "w1"))
	ok, err = s.AcquireLease(ctx, "c1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeases_ExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.AcquireLease(ctx, "c1", "crashed", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	ok, err = s.AcquireLease(ctx, "c1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChatMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	contractID := "c1"
	for i := 0; i < 3; i++ {
		u := &ChatMessage{SessionID: "s1", UserID: "u1", ContractID: &contractID, Role: RoleUser, Content: fmt.Sprintf("q%d", i)}
		a := &ChatMessage{SessionID: "s1", UserID: "u1", ContractID: &contractID, Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)}
		require.NoError(t, s.AppendExchange(ctx, u, a))
		assert.Less(t, u.ID, a.ID)
	}

	all, err := s.GetSessionMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "q0", all[0].Content)
	assert.Equal(t, "a2", all[5].Content)

	last, err := s.GetSessionMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "q2", last[0].Content)
	assert.Equal(t, "a2", last[1].Content)

	scope, err := s.GetSessionScope(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, scope)
	assert.Equal(t, "u1", scope.UserID)
	require.NotNil(t, scope.ContractID)
	assert.Equal(t, "c1", *scope.ContractID)

	scope, err = s.GetSessionScope(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, scope)

	require.NoError(t, s.SetSessionTitle(ctx, "s1", "Lease questions"))
	title, err := s.GetSessionTitle(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Lease questions", title)

	require.NoError(t, s.DeleteSessionMessages(ctx, "s1"))
	all, err = s.GetSessionMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
	title, err = s.GetSessionTitle(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, title)
}

func TestAppendExchange_ConcurrentSessionsKeepPairs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := &ChatMessage{SessionID: "s", UserID: "u", Role: RoleUser, Content: fmt.Sprintf("q%d", i)}
			a := &ChatMessage{SessionID: "s", UserID: "u", Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)}
			assert.NoError(t, s.AppendExchange(ctx, u, a))
		}(i)
	}
	wg.Wait()

	msgs, err := s.GetSessionMessages(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 16)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, RoleUser, msgs[i].Role)
		assert.Equal(t, RoleAssistant, msgs[i+1].Role)
		assert.Equal(t, msgs[i].Content[1:], msgs[i+1].Content[1:])
	}
}
