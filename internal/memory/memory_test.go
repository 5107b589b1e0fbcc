package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingRecallRanksByKeywordHits(t *testing.T) {
	ctx := context.Background()
	ring := NewRing(10)
	require.NoError(t, ring.Remember(ctx, Entry{Input: "deploy the api service", Output: "deployed", Success: true}))
	require.NoError(t, ring.Remember(ctx, Entry{Input: "rotate database keys", Success: false, Error: "vault sealed"}))
	require.NoError(t, ring.Remember(ctx, Entry{Input: "deploy docs", Success: true}))

	got, err := ring.Recall(ctx, Query{Text: "deploy api"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "deploy the api service", got[0].Input)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, SourceRing, got[0].Source)
	assert.NotEmpty(t, got[0].ID)

	none, err := ring.Recall(ctx, Query{Text: "kubernetes"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRingOverwritesOldest(t *testing.T) {
	ctx := context.Background()
	ring := NewRing(2)
	base := time.Now()
	for i, input := range []string{"first", "second", "third"} {
		require.NoError(t, ring.Remember(ctx, Entry{Input: input, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	assert.Equal(t, 2, ring.Len())

	got, err := ring.Recall(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Input)
	assert.Equal(t, "second", got[1].Input)
}

func TestRingFiltersByUser(t *testing.T) {
	ctx := context.Background()
	ring := NewRing(5)
	require.NoError(t, ring.Remember(ctx, Entry{Input: "alice backup", UserID: "alice"}))
	require.NoError(t, ring.Remember(ctx, Entry{Input: "bob backup", UserID: "bob"}))

	got, err := ring.Recall(ctx, Query{Text: "backup", UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
}

type failingRecall struct{}

func (failingRecall) Recall(context.Context, Query) ([]Entry, error) {
	return nil, errors.New("offline")
}

func TestMultiMergesSources(t *testing.T) {
	ctx := context.Background()
	ring := NewRing(5)
	require.NoError(t, ring.Remember(ctx, Entry{Input: "backup the wallet"}))
	knowledge := NewKnowledge([]Snippet{
		{Title: "wallet safety", Content: "never share a seed phrase", Keywords: []string{"wallet"}},
		{Title: "gas", Content: "gas is paid in ether", Keywords: []string{"gas"}},
	}, 3)

	multi := Multi{failingRecall{}, ring, knowledge}
	got, err := multi.Recall(ctx, Query{Text: "backup wallet", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, SourceRing, got[0].Source)
	assert.Equal(t, SourceKnowledge, got[1].Source)
	assert.Equal(t, "never share a seed phrase", got[1].Output)

	require.NoError(t, multi.Remember(ctx, Entry{Input: "new"}))
	assert.Equal(t, 2, ring.Len())

	_, err = Multi{failingRecall{}}.Recall(ctx, Query{Text: "x"})
	assert.EqualError(t, err, "offline")
}

func TestLoadKnowledge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"title": "erc20", "content": "token balances", "keywords": ["token"], "tags": ["erc20"]},
		{"title": "general", "content": "always applies"}
	]`), 0o644))

	k, err := LoadKnowledge(path, 5)
	require.NoError(t, err)
	got, err := k.Recall(context.Background(), Query{Text: "check my ERC20 balance"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "erc20", got[0].Input)
	assert.Equal(t, "general", got[1].Input)

	_, err = LoadKnowledge("", 1)
	require.Error(t, err)
	_, err = LoadKnowledge(filepath.Join(t.TempDir(), "missing.json"), 1)
	require.Error(t, err)
}

// fakeList 在内存中模拟 Redis 列表命令。
type fakeList struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeList) LPush(_ context.Context, _ string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		var s string
		switch b := v.(type) {
		case []byte:
			s = string(b)
		case string:
			s = b
		}
		f.items = append([]string{s}, f.items...)
	}
	return redis.NewIntResult(int64(len(f.items)), nil)
}

func (f *fakeList) LTrim(_ context.Context, _ string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(stop)+1 < len(f.items) {
		f.items = f.items[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeList) LRange(_ context.Context, _ string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := int(stop) + 1
	if end > len(f.items) {
		end = len(f.items)
	}
	return redis.NewStringSliceResult(append([]string(nil), f.items[start:end]...), nil)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	list := &fakeList{}
	store := NewRedisStoreWithClient(list, "test:memory", 2)

	require.NoError(t, store.Remember(ctx, Entry{Input: "mint nft", Success: true}))
	require.NoError(t, store.Remember(ctx, Entry{Input: "transfer nft", Success: false, Error: "insufficient funds"}))
	require.NoError(t, store.Remember(ctx, Entry{Input: "check nft", Success: true}))
	assert.Len(t, list.items, 2)

	got, err := store.Recall(ctx, Query{Text: "nft"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	inputs := []string{got[0].Input, got[1].Input}
	assert.ElementsMatch(t, []string{"check nft", "transfer nft"}, inputs)
	for _, e := range got {
		assert.Equal(t, SourceRedis, e.Source)
	}
	assert.NoError(t, store.Close())
}
