package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eljojo/relaycache/utilities"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = strings.Repeat("a", 64)
	bob   = strings.Repeat("b", 64)
	carol = strings.Repeat("c", 64)
)

func TestStorageKey(t *testing.T) {
	key, err := StorageKey(strings.ToUpper(alice))
	require.NoError(t, err)
	assert.Equal(t, "dmSnapshot:"+alice, key)

	npub, err := nip19.EncodePublicKey(bob)
	require.NoError(t, err)
	key, err = StorageKey(npub)
	require.NoError(t, err)
	assert.Equal(t, "dmSnapshot:"+bob, key)

	_, err = StorageKey("not-a-key")
	assert.ErrorIs(t, err, ErrInvalidActor)
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "hello world", TruncatePreview("  hello \n\t world  "))
	assert.Equal(t, "", TruncatePreview("   "))

	long := strings.Repeat("é", 200)
	got := TruncatePreview(long)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, PreviewMaxRunes+1, len([]rune(got)))

	exact := strings.Repeat("x", PreviewMaxRunes)
	assert.Equal(t, exact, TruncatePreview(exact))
}

func TestNormalizeSummaries(t *testing.T) {
	rows := NormalizeSummaries([]ConversationSummary{
		{RemotePubkey: bob, LatestTimestamp: 10, Preview: "old"},
		{RemotePubkey: "garbage", LatestTimestamp: 99, Preview: "dropped"},
		{RemotePubkey: carol, LatestTimestamp: 20, Preview: "carol"},
		{RemotePubkey: strings.ToUpper(bob), LatestTimestamp: 30, Preview: "new"},
		{RemotePubkey: carol, LatestTimestamp: 5, Preview: "older carol"},
	})

	require.Len(t, rows, 2)
	assert.Equal(t, ConversationSummary{RemotePubkey: bob, LatestTimestamp: 30, Preview: "new"}, rows[0])
	assert.Equal(t, ConversationSummary{RemotePubkey: carol, LatestTimestamp: 20, Preview: "carol"}, rows[1])
}

func exerciseGateway(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()

	rows, err := store.Load(ctx, alice)
	require.NoError(t, err)
	assert.Nil(t, rows, "nothing stored yet")

	require.NoError(t, store.Save(ctx, alice, []ConversationSummary{
		{RemotePubkey: bob, LatestTimestamp: 1, Preview: "hi   bob"},
		{RemotePubkey: carol, LatestTimestamp: 2, Preview: "hi carol"},
	}))

	rows, err = store.Load(ctx, alice)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, carol, rows[0].RemotePubkey)
	assert.Equal(t, "hi bob", rows[1].Preview)

	// Another actor's snapshot is separate.
	rows, err = store.Load(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, store.Clear(ctx, alice))
	rows, err = store.Load(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = store.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidActor)

	state := &VideoState{
		Events:     []*nostr.Event{{ID: "e1", PubKey: alice, Kind: 30078, CreatedAt: 100, Content: "{}"}},
		Tombstones: map[string]int64{"ROOT:x": 50},
	}
	require.NoError(t, store.SaveVideos(ctx, state))
	loaded, err := store.LoadVideos(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Events, 1)
	assert.Equal(t, "e1", loaded.Events[0].ID)
	assert.Equal(t, int64(50), loaded.Tombstones["ROOT:x"])
	assert.NotZero(t, loaded.SavedAt)
	assert.Equal(t, storageVersion, loaded.Version)

	assert.Zero(t, state.Version, "the caller's state is left untouched")
	assert.Zero(t, state.SavedAt)
}

func TestMemoryStore(t *testing.T) {
	exerciseGateway(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := Open(BackendSQLite, filepath.Join(t.TempDir(), "snap.db"), nil)
	require.NoError(t, err)
	defer store.Close()
	exerciseGateway(t, store)
}

func TestBadgerStore(t *testing.T) {
	store, err := Open(BackendBadger, t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	exerciseGateway(t, store)
}

func TestEncryptedStoreSealsValues(t *testing.T) {
	enc, err := utilities.NewEncryptor(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	store, err := Open(BackendMemory, "", enc)
	require.NoError(t, err)
	exerciseGateway(t, store)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, alice, []ConversationSummary{{RemotePubkey: bob, LatestTimestamp: 1, Preview: "secret words"}}))
	raw, ok, err := store.backend.get(ctx, "dmSnapshot:"+alice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "secret words")

	// Reading with the wrong key fails instead of returning garbage.
	other, err := utilities.NewEncryptor(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	wrong := &Store{backend: store.backend, encryptor: other, name: BackendMemory}
	_, err = wrong.Load(ctx, alice)
	assert.Error(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("floppy", "", nil)
	assert.Error(t, err)
}
