package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/store/memory"
	"github.com/alanyoungcy/roundamm/internal/store/storetest"
)

// memBlob is an in-process object store.
type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	puts      int
	multipart int
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

var open = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *memory.Store, status domain.RoundStatus) domain.Round {
	t.Helper()
	ctx := context.Background()
	r := storetest.NewRound("btc", 1, open)
	r.Status = status
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateRound(ctx, r); err != nil {
			return err
		}
		if err := tx.CreatePool(ctx, storetest.NewPool(r)); err != nil {
			return err
		}
		if !status.Terminal() {
			return nil
		}
		return tx.InsertSettlement(ctx, domain.Settlement{
			RoundID:   r.ID,
			Outcome:   domain.OutcomeVoid,
			Model:     domain.PayoutPerShare,
			PoolValue: r.Config.InitialLiquidity,
			SettledAt: r.ResolveTime,
		})
	}))
	return r
}

func readKinds(t *testing.T, b []byte) []string {
	t.Helper()
	var kinds []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var rec struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		kinds = append(kinds, rec.Kind)
	}
	require.NoError(t, sc.Err())
	return kinds
}

func TestArchiver_ArchiveRound(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blob := newMemBlob()
	r := seed(t, store, domain.RoundVoid)

	a := NewArchiver(store, blob, blob, 0)
	created, err := a.ArchiveRound(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, created)

	path := RoundPath(r)
	assert.Equal(t, "archive/rounds/btc/2026-03-01/"+r.ID+".jsonl", path)
	require.Contains(t, blob.objects, path)
	assert.Equal(t, []string{"round", "pool", "settlement"}, readKinds(t, blob.objects[path]))

	entries, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "round_archived", entries[0].Event)
	assert.Equal(t, path, entries[0].Detail["path"])

	created, err = a.ArchiveRound(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, blob.puts)
}

func TestArchiver_RejectsActiveRound(t *testing.T) {
	store := memory.New()
	blob := newMemBlob()
	r := seed(t, store, domain.RoundBetting)

	_, err := NewArchiver(store, blob, blob, 0).ArchiveRound(context.Background(), r.ID)
	assert.ErrorIs(t, err, domain.ErrRoundNotSettleable)
	assert.Empty(t, blob.objects)
}

func TestArchiver_MissingRound(t *testing.T) {
	blob := newMemBlob()
	_, err := NewArchiver(memory.New(), blob, blob, 0).ArchiveRound(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiver_LargeDocumentUsesMultipart(t *testing.T) {
	store := memory.New()
	blob := newMemBlob()
	r := seed(t, store, domain.RoundVoid)

	_, err := NewArchiver(store, blob, blob, 16).ArchiveRound(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, blob.multipart)
}

func TestArchiver_IncludesTradesAndPositions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blob := newMemBlob()
	r := seed(t, store, domain.RoundVoid)

	pos := domain.Position{
		ID: "p1", UserID: "alice", RoundID: r.ID, Side: domain.SideYes,
		Shares: fixed.FromInt(10), CostBasis: fixed.FromInt(5),
		Status: domain.PositionSettled, OpenedAt: open, UpdatedAt: open,
	}
	require.NoError(t, store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreatePosition(ctx, pos); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, domain.Trade{
			ID: "t1", RequestID: "req-1", UserID: "alice", RoundID: r.ID, PositionID: "p1",
			Side: domain.SideYes, Action: domain.ActionBuy, AmountIn: fixed.FromInt(5),
			AmountOut: fixed.FromInt(10), ExecutedAt: open.Add(time.Second),
		})
	}))

	_, err := NewArchiver(store, blob, blob, 0).ArchiveRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"round", "pool", "position", "trade", "settlement"},
		readKinds(t, blob.objects[RoundPath(r)]))
}

func TestClientKeys(t *testing.T) {
	c := &Client{prefix: normalisePrefix("/prod/")}
	assert.Equal(t, "prod/archive/x.jsonl", c.key("/archive/x.jsonl"))
	assert.Equal(t, "archive/x.jsonl", c.path("prod/archive/x.jsonl"))
	assert.Equal(t, "", normalisePrefix(""))

	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
	assert.Equal(t, "https://localhost:9000", normaliseEndpoint("localhost:9000", true))
}
