package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/infodancer/burngate/internal/config"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &RedisStore{client: client}, mr
}

func TestRedisStoreExistsAndIsMember(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	mr.Set("mb:alice@tempy.email", "1")
	mr.SetAdd("addresses", "bob@tempy.email")

	exists, err := store.Exists(ctx, "mb:alice@tempy.email")
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got exists=%v err=%v", exists, err)
	}

	exists, err = store.Exists(ctx, "mb:missing@tempy.email")
	if err != nil || exists {
		t.Fatalf("expected key to be absent, got exists=%v err=%v", exists, err)
	}

	member, err := store.IsMember(ctx, "addresses", "bob@tempy.email")
	if err != nil || !member {
		t.Fatalf("expected set membership, got member=%v err=%v", member, err)
	}
}

type fakeStore struct {
	existsFn   func(ctx context.Context, key string) (bool, error)
	isMemberFn func(ctx context.Context, set, element string) (bool, error)
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	return f.existsFn(ctx, key)
}

func (f *fakeStore) IsMember(ctx context.Context, set, element string) (bool, error) {
	return f.isMemberFn(ctx, set, element)
}

func TestLookupKeyOnly(t *testing.T) {
	store := &fakeStore{
		existsFn:   func(ctx context.Context, key string) (bool, error) { return key == "mb:a@tempy.email", nil },
		isMemberFn: func(ctx context.Context, set, element string) (bool, error) { t.Fatal("set probe should not run"); return false, nil },
	}
	cfg := config.Default()
	cfg.RedisCheckMode = config.CheckKeyOnly
	l := New(store, cfg)

	if !l.ShouldAccept(context.Background(), "a@tempy.email") {
		t.Error("expected key-only accept for live mailbox")
	}
	if l.ShouldAccept(context.Background(), "b@tempy.email") {
		t.Error("expected key-only reject for absent mailbox")
	}
}

func TestLookupSetOnlyEmptySetName(t *testing.T) {
	store := &fakeStore{
		existsFn:   func(ctx context.Context, key string) (bool, error) { t.Fatal("key probe should not run"); return false, nil },
		isMemberFn: func(ctx context.Context, set, element string) (bool, error) { return true, nil },
	}
	cfg := config.Default()
	cfg.RedisCheckMode = config.CheckSetOnly
	cfg.RedisSetName = ""
	l := New(store, cfg)

	if l.ShouldAccept(context.Background(), "a@tempy.email") {
		t.Error("expected reject when set name is empty, regardless of store result")
	}
}

func TestLookupBothFallsBackToSet(t *testing.T) {
	store := &fakeStore{
		existsFn:   func(ctx context.Context, key string) (bool, error) { return false, nil },
		isMemberFn: func(ctx context.Context, set, element string) (bool, error) { return element == "known@tempy.email", nil },
	}
	cfg := config.Default()
	l := New(store, cfg)

	if !l.ShouldAccept(context.Background(), "known@tempy.email") {
		t.Error("expected both-mode fallback to set to accept a known address")
	}
	if l.ShouldAccept(context.Background(), "unknown@tempy.email") {
		t.Error("expected both-mode to reject an address absent from key and set")
	}
}

func TestLookupFailsClosedOnStoreError(t *testing.T) {
	boom := errors.New("redis down")
	store := &fakeStore{
		existsFn:   func(ctx context.Context, key string) (bool, error) { return false, boom },
		isMemberFn: func(ctx context.Context, set, element string) (bool, error) { return false, boom },
	}
	cfg := config.Default()
	l := New(store, cfg)

	if l.ShouldAccept(context.Background(), "anyone@tempy.email") {
		t.Error("expected fail-closed behavior when the store errors")
	}
}
