package plugin

import (
	"testing"

	"github.com/wudi/porta/internal/config"
)

func TestConsumerStoreLookups(t *testing.T) {
	store := NewConsumerStore([]config.ConsumerConfig{
		{
			Username: "alice",
			CustomID: "a-1",
			Credentials: map[string]interface{}{
				"key-auth": map[string]interface{}{"key": "alice-key"},
			},
		},
		{
			Username: "bob",
			Credentials: map[string]interface{}{
				"key-auth": "bob-key",
			},
		},
		{
			Username: "carol",
			Credentials: map[string]interface{}{
				"key-auth": []interface{}{"carol-key-1", map[string]interface{}{"key": "carol-key-2"}},
			},
		},
	})

	if c, ok := store.ByUsername("alice"); !ok || c.CustomID != "a-1" {
		t.Errorf("ByUsername(alice) = %+v, %v", c, ok)
	}
	if _, ok := store.ByUsername("nobody"); ok {
		t.Error("ByUsername(nobody) = ok")
	}

	for key, want := range map[string]string{
		"alice-key":   "alice",
		"bob-key":     "bob",
		"carol-key-1": "carol",
		"carol-key-2": "carol",
	} {
		c, ok := store.ByAPIKey(key)
		if !ok || c.Username != want {
			t.Errorf("ByAPIKey(%s) = %+v, %v, want %s", key, c, ok, want)
		}
	}
	if _, ok := store.ByAPIKey("stolen"); ok {
		t.Error("ByAPIKey(stolen) = ok")
	}
}

func TestConsumerStoreReload(t *testing.T) {
	store := NewConsumerStore([]config.ConsumerConfig{{Username: "alice"}})
	store.Load([]config.ConsumerConfig{{Username: "bob"}})

	if _, ok := store.ByUsername("alice"); ok {
		t.Error("alice survived reload")
	}
	if _, ok := store.ByUsername("bob"); !ok {
		t.Error("bob missing after reload")
	}
}
