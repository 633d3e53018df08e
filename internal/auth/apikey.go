package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// KeySet holds the static API keys accepted by the service
type KeySet struct {
	keys [][]byte
}

func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			ks.keys = append(ks.keys, []byte(k))
		}
	}
	return ks
}

func (ks *KeySet) Empty() bool {
	return len(ks.keys) == 0
}

// Contains compares key against every configured key in constant time
func (ks *KeySet) Contains(key string) bool {
	if key == "" {
		return false
	}
	found := 0
	for _, k := range ks.keys {
		found |= subtle.ConstantTimeCompare(k, []byte(key))
	}
	return found == 1
}

// KeyIdentity names the caller behind an API key without exposing the key
func KeyIdentity(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}
