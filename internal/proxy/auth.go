package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

const (
	HeaderCallerID = "x-caller-id"
	HeaderAPIKey   = "x-api-key"
)

const (
	keyCacheTTL  = 30 * time.Second
	keyCacheSize = 4096
)

const maxCallerIDLen = 128

type cachedKey struct {
	CallerID string
	Enabled  bool
}

// CallerAuth resolves the caller identity of proxy requests. An x-api-key
// wins over x-caller-id; keys are stored and cached by their sha256.
type CallerAuth struct {
	keys       store.CallerKeyStore
	requireKey bool
	cache      *expirable.LRU[string, cachedKey]
}

func NewCallerAuth(keys store.CallerKeyStore, requireKey bool) *CallerAuth {
	return &CallerAuth{
		keys:       keys,
		requireKey: requireKey,
		cache:      expirable.NewLRU[string, cachedKey](keyCacheSize, nil, keyCacheTTL),
	}
}

// HashKey is the stored form of a caller API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (a *CallerAuth) lookup(ctx context.Context, hash string) (string, bool, error) {
	if ck, ok := a.cache.Get(hash); ok {
		return ck.CallerID, ck.Enabled, nil
	}

	k, err := a.keys.FindCallerKey(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	a.cache.Add(hash, cachedKey{CallerID: k.CallerID, Enabled: k.Enabled})
	return k.CallerID, k.Enabled, nil
}

// Invalidate drops a key from the cache.
func (a *CallerAuth) Invalidate(hash string) {
	a.cache.Remove(hash)
}

func (a *CallerAuth) InvalidateAll() {
	a.cache.Purge()
}

func (a *CallerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
			callerID, enabled, err := a.lookup(r.Context(), HashKey(key))
			if err != nil {
				log.Printf("[auth] caller key lookup: %v", err)
				apperr.Write(w, apperr.Store("lookup caller key", err))
				return
			}
			if !enabled {
				apperr.Write(w, apperr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
			return
		}

		if a.requireKey {
			apperr.Write(w, apperr.New(apperr.ErrUnauthenticated, "x-api-key is required"))
			return
		}

		callerID := strings.TrimSpace(r.Header.Get(HeaderCallerID))
		if len(callerID) > maxCallerIDLen {
			apperr.Write(w, apperr.New(apperr.ErrValidation, "x-caller-id is too long"))
			return
		}
		if callerID == "" {
			callerID = AnonymousCaller
		}
		next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
	})
}
