package plugin

import (
	"sync"

	"github.com/wudi/porta/internal/config"
)

// ConsumerStore resolves configured consumers by username or by their
// key-auth credential.
type ConsumerStore struct {
	mu         sync.RWMutex
	byUsername map[string]config.ConsumerConfig
	byAPIKey   map[string]config.ConsumerConfig
}

// NewConsumerStore indexes the given consumers.
func NewConsumerStore(consumers []config.ConsumerConfig) *ConsumerStore {
	s := &ConsumerStore{}
	s.Load(consumers)
	return s
}

// Load replaces the indexed consumer set.
func (s *ConsumerStore) Load(consumers []config.ConsumerConfig) {
	byUsername := make(map[string]config.ConsumerConfig, len(consumers))
	byAPIKey := make(map[string]config.ConsumerConfig)

	for _, c := range consumers {
		byUsername[c.Username] = c
		for _, key := range keyAuthCredentials(c) {
			byAPIKey[key] = c
		}
	}

	s.mu.Lock()
	s.byUsername = byUsername
	s.byAPIKey = byAPIKey
	s.mu.Unlock()
}

// ByUsername returns the consumer with the given username.
func (s *ConsumerStore) ByUsername(name string) (config.ConsumerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byUsername[name]
	return c, ok
}

// ByAPIKey returns the consumer owning the given key-auth credential.
func (s *ConsumerStore) ByAPIKey(key string) (config.ConsumerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAPIKey[key]
	return c, ok
}

// keyAuthCredentials extracts key-auth keys from a consumer's
// credentials block. Both a bare string and a {key: ...} mapping are
// accepted, as is a list of either.
func keyAuthCredentials(c config.ConsumerConfig) []string {
	raw, ok := c.Credentials["key-auth"]
	if !ok {
		return nil
	}

	var keys []string
	collect := func(v interface{}) {
		switch cred := v.(type) {
		case string:
			keys = append(keys, cred)
		case map[string]interface{}:
			if k, ok := cred["key"].(string); ok {
				keys = append(keys, k)
			}
		}
	}

	if list, ok := raw.([]interface{}); ok {
		for _, item := range list {
			collect(item)
		}
		return keys
	}
	collect(raw)
	return keys
}
