// Package dangerous implements AeroDB's two-phase confirmation guard for
// destructive operations: drop collection, truncate, factory reset,
// force-promote replica, WAL reset (spec §4.8 "DangerousOperationGuard").
package dangerous

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/logging"
)

// TokenTTL is how long a ConfirmationToken remains valid (spec §4.8:
// "Tokens expire after 5 minutes").
const TokenTTL = 5 * time.Minute

// pendingConfirmation is the state bound to a ConfirmationToken at issue
// time.
type pendingConfirmation struct {
	operation   string
	resource    string
	requester   string
	createdAt   time.Time
	needsPhrase string // empty if no typed-phrase confirmation is required
}

// Guard tracks outstanding confirmation tokens and audits every
// confirmation attempt.
type Guard struct {
	mu      sync.Mutex
	pending map[string]*pendingConfirmation
}

// New creates an empty Guard.
func New() *Guard {
	return &Guard{pending: make(map[string]*pendingConfirmation)}
}

// RequestConfirmation is phase one: it mints a ConfirmationToken bound to
// (operation, resource, requester, creation time). needsPhrase, if
// non-empty, is the literal phrase phase two must present for the
// highest-danger operations.
func (g *Guard) RequestConfirmation(operation, resource, requester, needsPhrase string) string {
	token := uuid.NewString()

	g.mu.Lock()
	g.pending[token] = &pendingConfirmation{
		operation:   operation,
		resource:    resource,
		requester:   requester,
		createdAt:   time.Now(),
		needsPhrase: needsPhrase,
	}
	g.mu.Unlock()

	logging.Get().Info("dangerous operation confirmation requested",
		"operation", operation, "resource", resource, "requester", requester)
	return token
}

// Confirm is phase two: the caller presents the token (and, if required,
// the typed phrase) to actually authorize the operation. Every attempt is
// audit-logged regardless of outcome (spec §4.8).
func (g *Guard) Confirm(token, resource, phrase string) error {
	g.mu.Lock()
	pc, ok := g.pending[token]
	if ok {
		delete(g.pending, token)
	}
	g.mu.Unlock()

	logger := logging.Get().With("token", token, "resource", resource)

	if !ok {
		logger.Warn("dangerous operation confirmation rejected: invalid token")
		return aeroerr.New(aeroerr.CodeConfirmInvalid, "confirmation token not found", aeroerr.SeverityWarning)
	}
	if time.Since(pc.createdAt) > TokenTTL {
		logger.Warn("dangerous operation confirmation rejected: token expired", "operation", pc.operation)
		return aeroerr.New(aeroerr.CodeConfirmExpired, "confirmation token expired", aeroerr.SeverityWarning)
	}
	if pc.resource != resource {
		logger.Warn("dangerous operation confirmation rejected: resource mismatch", "operation", pc.operation, "expected", pc.resource)
		return aeroerr.New(aeroerr.CodeConfirmInvalid, "confirmation token bound to a different resource", aeroerr.SeverityWarning)
	}
	if pc.needsPhrase != "" && phrase != pc.needsPhrase {
		logger.Warn("dangerous operation confirmation rejected: phrase mismatch", "operation", pc.operation)
		return aeroerr.New(aeroerr.CodeConfirmPhrase, "typed confirmation phrase did not match", aeroerr.SeverityWarning)
	}

	logger.Info("dangerous operation confirmed", "operation", pc.operation)
	return nil
}
