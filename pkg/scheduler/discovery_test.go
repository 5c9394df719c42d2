package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/civicdata/acs-harvest/pkg/fetch"
)

// fakeDiscovery scripts metadata responses per key.
type fakeDiscovery struct {
	mu      sync.Mutex
	keys    []string
	respond func(path, key string) ([]byte, error)
}

func (f *fakeDiscovery) Discover(ctx context.Context, path, key string) ([]byte, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return f.respond(path, key)
}

func TestDiscoveryClient_ChargesBudget(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 500)
	exec := &fakeDiscovery{respond: func(path, key string) ([]byte, error) {
		return []byte(`{"groups":[]}`), nil
	}}

	client := NewDiscoveryClient(pool, exec, fastRetryConfig(3), testLogger())

	body, err := client.Discover(context.Background(), "groups")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if string(body) != `{"groups":[]}` {
		t.Errorf("Discover() body = %s", body)
	}
	if got := pool.Remaining("key-a"); got != 499 {
		t.Errorf("Remaining = %d, want 499 (metadata calls spend budget)", got)
	}
	if len(exec.keys) != 1 || exec.keys[0] != "key-a" {
		t.Errorf("keys sent = %v, want [key-a]", exec.keys)
	}
}

func TestDiscoveryClient_RotatesOnRateLimit(t *testing.T) {
	pool := testPool(t, []string{"key-a", "key-b"}, 500)

	// Whichever key is charged first gets throttled; the retry must
	// rotate to the other one.
	var burned string
	exec := &fakeDiscovery{}
	exec.respond = func(path, key string) ([]byte, error) {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		if burned == "" {
			burned = key
		}
		if key == burned {
			return nil, &fetch.Error{Kind: fetch.KindRateLimited, StatusCode: 429}
		}
		return []byte(`{"groups":[]}`), nil
	}

	client := NewDiscoveryClient(pool, exec, fastRetryConfig(3), testLogger())

	if _, err := client.Discover(context.Background(), "groups"); err != nil {
		t.Fatalf("Discover() error = %v, want rotation to the second key", err)
	}
	if len(exec.keys) != 2 {
		t.Fatalf("calls = %d, want 2", len(exec.keys))
	}
	if exec.keys[0] == exec.keys[1] {
		t.Errorf("both attempts used %s, want a different credential after the 429", exec.keys[0])
	}

	// The burned key stays out of rotation for the rest of its window.
	if _, err := client.Discover(context.Background(), "groups/B01001"); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got := exec.keys[2]; got == burned {
		t.Errorf("burned credential %s selected again", got)
	}
}

func TestDiscoveryClient_FailsWhenPoolSpent(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 1)

	exec := &fakeDiscovery{respond: func(path, key string) ([]byte, error) {
		return nil, &fetch.Error{Kind: fetch.KindRateLimited, StatusCode: 429}
	}}

	client := NewDiscoveryClient(pool, exec, fastRetryConfig(3), testLogger())

	if _, err := client.Discover(context.Background(), "groups"); err == nil {
		t.Fatal("Discover() = nil error, want failure once every credential is burned")
	}
}
