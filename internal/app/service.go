package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"docsync/internal/access"
	"docsync/internal/auth"
	"docsync/internal/broker"
	"docsync/internal/collab"
	"docsync/internal/config"
	"docsync/internal/history"
	"docsync/internal/token"
)

const (
	maxPresenceName  = 64
	maxPresenceColor = 32
	historyLimit     = 50
)

type dataStore interface {
	access.Directory
	Ping(context.Context) error
}

// HistoryReader lists archived snapshots of a document.
type HistoryReader interface {
	History(documentID string, limit int) ([]history.Commit, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	verifier *access.Verifier
	issuer   *token.Issuer
	registry *collab.Registry
	broker   broker.Broker
	history  HistoryReader
	logger   *zap.Logger
}

// NewService wires the sync endpoints. history may be nil when snapshot
// archiving is disabled.
func NewService(cfg config.Config, store dataStore, registry *collab.Registry, b broker.Broker, history HistoryReader, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		verifier: access.NewVerifier(store),
		issuer:   token.NewIssuer(cfg.TokenSecret),
		registry: registry,
		broker:   b,
		history:  history,
		logger:   logger,
	}
}

// Identify resolves the caller of an HTTP endpoint from the web app's identity
// token. No token is an anonymous caller; a token that fails verification is
// rejected.
func (s *Service) Identify(bearer string) (auth.Identity, error) {
	if bearer == "" {
		return auth.Identity{}, nil
	}
	identity, err := auth.Authenticate([]byte(s.cfg.SessionSecret), bearer)
	if err != nil {
		return auth.Identity{}, errUnauthorized
	}
	return identity, nil
}

// RequestToken mints a sync token carrying the caller's current access level.
func (s *Service) RequestToken(ctx context.Context, documentID string, caller auth.Identity) (token.Token, error) {
	level, err := s.resolve(ctx, documentID, caller.UserID)
	if err != nil {
		return token.Token{}, err
	}
	if level == access.LevelNone {
		return token.Token{}, errForbidden
	}
	issued, err := s.issuer.Issue(documentID, caller.UserID, level, s.cfg.TokenTTL)
	if err != nil {
		return token.Token{}, fmt.Errorf("issue sync token: %w", err)
	}
	s.logger.Debug("sync token issued",
		zap.String("document_id", documentID),
		zap.String("user_id", caller.UserID),
		zap.Stringer("level", level),
	)
	return issued, nil
}

type ConnectParams struct {
	DocumentID string
	Token      string
	Name       string
	Color      string
}

// Connect verifies a sync token and attaches a new connection to the
// document's session.
func (s *Service) Connect(ctx context.Context, params ConnectParams) (*collab.Client, *collab.Session, error) {
	claims, err := s.verify(params.DocumentID, params.Token)
	if err != nil {
		return nil, nil, err
	}
	if !access.Can(claims.Level, access.ActionRead) {
		return nil, nil, errForbidden
	}

	client := collab.NewClient(collab.ClientInfo{
		DocumentID: params.DocumentID,
		UserID:     claims.UserID,
		Name:       truncate(params.Name, maxPresenceName),
		Color:      truncate(params.Color, maxPresenceColor),
		Level:      claims.Level,
		ExpiresAt:  claims.ExpiresAt,
	}, collab.DefaultSendQueue)

	session, err := s.registry.Attach(ctx, client)
	if err != nil {
		return nil, nil, err
	}
	return client, session, nil
}

// Refresh applies a fresh token to a live connection.
func (s *Service) Refresh(client *collab.Client, raw string) (token.Claims, error) {
	claims, err := s.verify(client.DocumentID, raw)
	if err != nil {
		return token.Claims{}, err
	}
	if claims.UserID != client.UserID {
		return token.Claims{}, fmt.Errorf("%w: token issued for another user", collab.ErrUnauthorized)
	}
	client.Refresh(claims.Level, claims.ExpiresAt)
	return claims, nil
}

func (s *Service) verify(documentID, raw string) (token.Claims, error) {
	claims, err := s.issuer.Verify(strings.TrimSpace(raw))
	if err != nil {
		return token.Claims{}, fmt.Errorf("%w: %v", collab.ErrUnauthorized, err)
	}
	if claims.DocumentID != documentID {
		return token.Claims{}, fmt.Errorf("%w: token issued for another document", collab.ErrUnauthorized)
	}
	return claims, nil
}

func (s *Service) History(ctx context.Context, documentID string, caller auth.Identity) ([]history.Commit, error) {
	level, err := s.resolve(ctx, documentID, caller.UserID)
	if err != nil {
		return nil, err
	}
	if !access.Can(level, access.ActionRead) {
		return nil, errForbidden
	}
	if s.history == nil {
		return nil, domainError(http.StatusNotFound, "HISTORY_DISABLED", "Snapshot history is not enabled", nil)
	}
	commits, err := s.history.History(documentID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return commits, nil
}

func (s *Service) resolve(ctx context.Context, documentID, userID string) (access.Level, error) {
	level, err := s.verifier.Resolve(ctx, documentID, userID)
	if errors.Is(err, access.ErrNotFound) {
		return access.LevelNone, errNotFound
	}
	if err != nil {
		return access.LevelNone, fmt.Errorf("resolve access: %w", err)
	}
	return level, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) BrokerMode() string {
	return s.broker.Mode()
}

// BrokerDegraded reports a broker outage. Fan-out is local-only until it
// recovers, but the instance keeps serving.
func (s *Service) BrokerDegraded() bool {
	return broker.Degraded(s.broker)
}

func (s *Service) SessionCount() int {
	return s.registry.SessionCount()
}

func (s *Service) Detach(client *collab.Client) {
	s.registry.Detach(client.DocumentID, client)
}

func (s *Service) TokenTTL() time.Duration {
	return s.cfg.TokenTTL
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
