// Package conflict decides how a rejected concurrent write is settled.
//
// The engine builds a Context when the server answers a push with a version
// conflict and asks a Resolver for one of two outcomes: keep the server's copy
// or re-issue the local write on top of it.
package conflict

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/uuid"
)

// Outcome is a resolver's decision.
type Outcome int

const (
	AcceptServer Outcome = iota
	AcceptClient
)

func (o Outcome) String() string {
	switch o {
	case AcceptServer:
		return "accept_server"
	case AcceptClient:
		return "accept_client"
	default:
		return "unknown"
	}
}

// Strategy names a built-in policy in configuration.
type Strategy string

const (
	StrategyServerWins    Strategy = "server_wins"
	StrategyClientWins    Strategy = "client_wins"
	StrategyLastWriteWins Strategy = "last_write_wins"
)

// Snapshot is one side of a conflict.
type Snapshot struct {
	Fields    json.RawMessage `json:"fields"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updated_at"`
}

// Context describes a detected conflict.
type Context struct {
	EntityType models.EntityType
	EntityID   models.UUID
	RemoteID   string
	Local      Snapshot
	Server     Snapshot
	DetectedAt int64
}

// Validate checks that the context identifies an entity.
func (c *Context) Validate() error {
	if c == nil || c.EntityID == "" || !c.EntityType.Valid() {
		return ErrInvalidConflict
	}
	return nil
}

// Resolver is the conflict-resolution port.
type Resolver interface {
	Resolve(ctx context.Context, c *Context) (Outcome, error)
}

// PolicyFunc adapts a function to Resolver.
type PolicyFunc func(ctx context.Context, c *Context) (Outcome, error)

// Resolve calls f.
func (f PolicyFunc) Resolve(ctx context.Context, c *Context) (Outcome, error) {
	return f(ctx, c)
}

// ServerWins always keeps the server copy.
type ServerWins struct{}

// Resolve implements Resolver.
func (ServerWins) Resolve(_ context.Context, c *Context) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return AcceptServer, err
	}
	return AcceptServer, nil
}

// ClientWins always re-issues the local write.
type ClientWins struct{}

// Resolve implements Resolver.
func (ClientWins) Resolve(_ context.Context, c *Context) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return AcceptServer, err
	}
	return AcceptClient, nil
}

// LastWriteWins keeps whichever side was modified later. Ties go to the
// local edit.
type LastWriteWins struct{}

// Resolve implements Resolver.
func (LastWriteWins) Resolve(_ context.Context, c *Context) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return AcceptServer, err
	}
	if c.Local.UpdatedAt >= c.Server.UpdatedAt {
		return AcceptClient, nil
	}
	return AcceptServer, nil
}

// Prompter asks a human to choose.
type Prompter interface {
	Ask(ctx context.Context, c *Context) (Outcome, error)
}

// Prompt defers to a Prompter and falls back when it fails or times out.
type Prompt struct {
	Prompter Prompter
	Fallback Outcome
	Timeout  time.Duration
}

// Resolve implements Resolver.
func (p *Prompt) Resolve(ctx context.Context, c *Context) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return AcceptServer, err
	}
	if p.Prompter == nil {
		return p.Fallback, nil
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	outcome, err := p.Prompter.Ask(ctx, c)
	if err != nil {
		logging.Warn("Conflict prompt failed, using fallback", map[string]interface{}{
			"entity_id": c.EntityID.String(),
			"fallback":  p.Fallback.String(),
			"error":     err.Error(),
		})
		return p.Fallback, nil
	}
	return outcome, nil
}

// ByType dispatches on entity type, using Default for unlisted types.
type ByType struct {
	Policies map[models.EntityType]Resolver
	Default  Resolver
}

// Resolve implements Resolver.
func (b *ByType) Resolve(ctx context.Context, c *Context) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return AcceptServer, err
	}
	if r, ok := b.Policies[c.EntityType]; ok {
		return r.Resolve(ctx, c)
	}
	if b.Default == nil {
		return AcceptServer, nil
	}
	return b.Default.Resolve(ctx, c)
}

// NewResolver builds a built-in policy from its configured name. An empty
// name selects last-write-wins.
func NewResolver(strategy Strategy) (Resolver, error) {
	switch strategy {
	case StrategyServerWins:
		return ServerWins{}, nil
	case StrategyClientWins:
		return ClientWins{}, nil
	case StrategyLastWriteWins, "":
		return LastWriteWins{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// NewLog builds the conflict log entry for a resolution. An empty resolution
// records "unresolved".
func NewLog(c *Context, resolution string) *models.ConflictLog {
	if resolution == "" {
		resolution = ResolutionUnresolved
	}
	detected := c.DetectedAt
	if detected == 0 {
		detected = time.Now().Unix()
	}
	entry := &models.ConflictLog{
		ID:              uuid.New(),
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		LocalVersion:    c.Local.Version,
		ServerVersion:   c.Server.Version,
		LocalTimestamp:  c.Local.UpdatedAt,
		RemoteTimestamp: c.Server.UpdatedAt,
		Resolution:      resolution,
		DetectedAt:      detected,
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity_type":      c.EntityType.String(),
		"entity_id":        c.EntityID.String(),
		"local_version":    c.Local.Version,
		"server_version":   c.Server.Version,
		"local_timestamp":  c.Local.UpdatedAt,
		"remote_timestamp": c.Server.UpdatedAt,
		"resolution":       resolution,
	})
	return entry
}

// ResolutionUnresolved is logged when the accept-client retry conflicted again.
const ResolutionUnresolved = "unresolved"

// Errors
var (
	ErrInvalidConflict    = &ConflictError{Message: "invalid conflict: entity id and type are required"}
	ErrConflictUnresolved = &ConflictError{Message: "conflict could not be resolved"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// Retryable reports false; a conflict never clears by waiting.
func (e *ConflictError) Retryable() bool { return false }

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}
