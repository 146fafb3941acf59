// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxroute/acl"
	"github.com/absmach/fluxroute/hooks"
	"github.com/absmach/fluxroute/metrics"
)

// Authenticator validates client credentials. Concrete backends (database,
// LDAP, HTTP, built-in) implement it; the core never imports them.
type Authenticator interface {
	Authenticate(clientID, username, password string) (bool, error)
}

// Authorizer checks topic permissions.
type Authorizer interface {
	Authorize(action acl.Action, clientID, topic string) (bool, error)
}

// AuthEngine runs authentication and authorization with per-session decision
// caching. Authorization is fail-closed: a backend error denies.
type AuthEngine struct {
	mu     sync.RWMutex
	auth   Authenticator
	authz  Authorizer
	caches map[string]*acl.Cache

	cacheSize int
	cacheTTL  time.Duration
	chain     *hooks.Chain
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewAuthEngine creates the engine. A nil authenticator or authorizer
// defaults to allow.
func NewAuthEngine(auth Authenticator, authz Authorizer, chain *hooks.Chain, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *AuthEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthEngine{
		auth:      auth,
		authz:     authz,
		caches:    make(map[string]*acl.Cache),
		cacheSize: cacheSize,
		cacheTTL:  cacheTTL,
		chain:     chain,
		metrics:   m,
		logger:    logger,
	}
}

// Authenticate validates credentials, consulting the client.authenticate
// hook chain first. A hook Stop with false denies; a backend error denies.
func (e *AuthEngine) Authenticate(clientID, username, password string) bool {
	if e.chain != nil {
		if res, ok := e.chain.Run(hooks.ClientAuthenticate, "", true).(bool); ok && !res {
			return false
		}
	}

	e.mu.RLock()
	auth := e.auth
	e.mu.RUnlock()
	if auth == nil {
		return true
	}
	ok, err := auth.Authenticate(clientID, username, password)
	if err != nil {
		e.logger.Warn("authenticator error",
			slog.String("client_id", clientID), slog.Any("error", err))
		return false
	}
	return ok
}

// Authorize checks (action, topic) for a client through its decision cache,
// the client.check_acl hook chain and the authorizer, in that order.
func (e *AuthEngine) Authorize(action acl.Action, clientID, topic string) bool {
	cache := e.sessionCache(clientID)
	if d, ok := cache.Get(action, topic); ok {
		e.metrics.ACLCache(true)
		return d == acl.Allow
	}
	e.metrics.ACLCache(false)

	allowed := e.authorize(action, clientID, topic)
	if allowed {
		cache.Put(action, topic, acl.Allow)
	} else {
		cache.Put(action, topic, acl.Deny)
	}
	return allowed
}

func (e *AuthEngine) authorize(action acl.Action, clientID, topic string) bool {
	if e.chain != nil {
		switch v := e.chain.Run(hooks.ClientCheckACL, topic, nil).(type) {
		case bool:
			// A hook decided; skip the backend.
			return v
		case acl.Decision:
			return v == acl.Allow
		default:
		}
	}

	e.mu.RLock()
	authz := e.authz
	e.mu.RUnlock()
	if authz == nil {
		return true
	}
	ok, err := authz.Authorize(action, clientID, topic)
	if err != nil {
		e.logger.Warn("authorizer error, denying",
			slog.String("client_id", clientID),
			slog.String("topic", topic),
			slog.Any("error", err))
		return false
	}
	return ok
}

// sessionCache returns (or creates) the client's decision cache.
func (e *AuthEngine) sessionCache(clientID string) *acl.Cache {
	e.mu.RLock()
	c, ok := e.caches[clientID]
	e.mu.RUnlock()
	if ok {
		return c
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.caches[clientID]; ok {
		return c
	}
	c = acl.NewCache(e.cacheSize, e.cacheTTL)
	e.caches[clientID] = c
	return c
}

// DropCache removes a client's decision cache when its session dies.
func (e *AuthEngine) DropCache(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.caches, clientID)
}

// EmptyACLCache purges every decision cache. Broadcast on any authorization
// rule change.
func (e *AuthEngine) EmptyACLCache() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.caches {
		c.Purge()
	}
}

// SetAuthorizer swaps the authorizer, e.g. on an ACL reload, and purges the
// decision caches.
func (e *AuthEngine) SetAuthorizer(authz Authorizer) {
	e.mu.Lock()
	e.authz = authz
	e.mu.Unlock()
	e.EmptyACLCache()
}

// SetAuthenticator swaps the authenticator.
func (e *AuthEngine) SetAuthenticator(auth Authenticator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = auth
}
