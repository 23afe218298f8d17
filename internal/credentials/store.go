package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/nexasec/shadowbot/internal/config"
	"github.com/nexasec/shadowbot/internal/models"
)

// ErrNotFound is returned when no credential exists for a connection.
var ErrNotFound = errors.New("credential not found")

// RefreshError indicates the platform rejected the refresh token. The
// connection must be marked expired and skipped, never retried this run.
type RefreshError struct {
	ConnectionID uuid.UUID
	Err          error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing credential for connection %s: %v", e.ConnectionID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// SealedCredential is the at-rest representation. Token material lives in
// the sealed blob only.
type SealedCredential struct {
	ConnectionID uuid.UUID          `db:"connection_id"`
	Sealed       []byte             `db:"sealed"`
	TokenType    string             `db:"token_type"`
	Scopes       models.StringArray `db:"scopes"`
	ExpiresAt    time.Time          `db:"expires_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
}

type tokenBlob struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Persistence is the slice of the database layer the store needs.
type Persistence interface {
	GetCredential(ctx context.Context, connectionID uuid.UUID) (*SealedCredential, error)
	PutCredential(ctx context.Context, cred *SealedCredential) error
	UpdateConnectionStatus(ctx context.Context, connectionID uuid.UUID, status models.ConnectionStatus, message string) error
}

// Store owns all credential state. One instance exists per process and is
// injected into every component that needs it; concurrent discovery jobs for
// one connection therefore always observe the same credential. Reads and
// writes are serialized per connection ID, not globally, so unrelated
// organizations never contend.
type Store struct {
	db        Persistence
	sealer    *Sealer
	endpoints map[models.Platform]oauth2.Config
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewStore(db Persistence, sealer *Sealer, platforms config.PlatformsConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	endpoints := map[models.Platform]oauth2.Config{
		models.PlatformSlack: {
			ClientID:     platforms.Slack.ClientID,
			ClientSecret: platforms.Slack.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: platforms.Slack.TokenURL},
		},
		models.PlatformGoogleWorkspace: {
			ClientID:     platforms.GoogleWorkspace.ClientID,
			ClientSecret: platforms.GoogleWorkspace.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: platforms.GoogleWorkspace.TokenURL},
		},
		// OpenAI admin keys are long-lived and have no refresh endpoint.
	}

	return &Store{
		db:        db,
		sealer:    sealer,
		endpoints: endpoints,
		logger:    logger,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockFor returns the per-connection mutex, creating it on first use.
func (s *Store) lockFor(connectionID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[connectionID] = l
	}
	return l
}

// Get returns the live credential for a connection.
func (s *Store) Get(ctx context.Context, connectionID uuid.UUID) (*models.Credential, error) {
	l := s.lockFor(connectionID)
	l.Lock()
	defer l.Unlock()

	return s.getLocked(ctx, connectionID)
}

func (s *Store) getLocked(ctx context.Context, connectionID uuid.UUID) (*models.Credential, error) {
	sealed, err := s.db.GetCredential(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, ErrNotFound
	}

	plaintext, err := s.sealer.Open(sealed.Sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing credential for %s: %w", connectionID, err)
	}

	var blob tokenBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, fmt.Errorf("decoding credential for %s: %w", connectionID, err)
	}

	return &models.Credential{
		ConnectionID: connectionID,
		AccessToken:  blob.AccessToken,
		RefreshToken: blob.RefreshToken,
		TokenType:    sealed.TokenType,
		Scopes:       sealed.Scopes,
		ExpiresAt:    sealed.ExpiresAt,
		UpdatedAt:    sealed.UpdatedAt,
	}, nil
}

// Put seals and stores a credential, replacing any prior one for the
// connection. Exactly one live credential exists per connection ID.
func (s *Store) Put(ctx context.Context, cred *models.Credential) error {
	l := s.lockFor(cred.ConnectionID)
	l.Lock()
	defer l.Unlock()

	return s.putLocked(ctx, cred)
}

func (s *Store) putLocked(ctx context.Context, cred *models.Credential) error {
	plaintext, err := json.Marshal(tokenBlob{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		return err
	}

	return s.db.PutCredential(ctx, &SealedCredential{
		ConnectionID: cred.ConnectionID,
		Sealed:       sealed,
		TokenType:    cred.TokenType,
		Scopes:       cred.Scopes,
		ExpiresAt:    cred.ExpiresAt,
		UpdatedAt:    time.Now(),
	})
}

// RefreshIfExpiring returns a credential guaranteed to live past the
// lookahead window, refreshing it proactively when necessary. Concurrent
// callers for one connection collapse into a single upstream refresh: the
// second caller re-reads under the lock and finds the fresh token. On
// refresh failure the connection is marked expired and a RefreshError is
// returned; callers skip the connection and report a recoverable error.
func (s *Store) RefreshIfExpiring(ctx context.Context, conn *models.Connection, window time.Duration) (*models.Credential, error) {
	l := s.lockFor(conn.ID)
	l.Lock()
	defer l.Unlock()

	cred, err := s.getLocked(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	if !cred.Expiring(window) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		err := fmt.Errorf("credential expired and no refresh token present")
		s.markExpired(ctx, conn.ID, err)
		return nil, &RefreshError{ConnectionID: conn.ID, Err: err}
	}

	oc, ok := s.endpoints[conn.Platform]
	if !ok {
		err := fmt.Errorf("no token endpoint for platform %s", conn.Platform)
		s.markExpired(ctx, conn.ID, err)
		return nil, &RefreshError{ConnectionID: conn.ID, Err: err}
	}

	s.logger.Info("refreshing credential",
		"connection_id", conn.ID,
		"platform", conn.Platform,
		"expires_at", cred.ExpiresAt)

	token, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		s.markExpired(ctx, conn.ID, err)
		return nil, &RefreshError{ConnectionID: conn.ID, Err: err}
	}

	refreshed := &models.Credential{
		ConnectionID: conn.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scopes:       cred.Scopes,
		ExpiresAt:    token.Expiry,
	}
	if refreshed.RefreshToken == "" {
		// Some platforms rotate refresh tokens only occasionally.
		refreshed.RefreshToken = cred.RefreshToken
	}

	if err := s.putLocked(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("storing refreshed credential: %w", err)
	}

	return refreshed, nil
}

func (s *Store) markExpired(ctx context.Context, connectionID uuid.UUID, cause error) {
	if err := s.db.UpdateConnectionStatus(ctx, connectionID, models.ConnectionExpired, cause.Error()); err != nil {
		s.logger.Error("failed to mark connection expired",
			"connection_id", connectionID,
			"error", err)
	}
}
