// Package scroll issues opaque, signed continuation tokens for paginated
// raw-scalar retrieval. A cursor binds the originating query's fingerprint
// and an expiry; it is pure pagination and never re-runs aggregation.
package scroll

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
)

// Page is one slice of the raw scalar stream. NextCursor is empty once the
// underlying result set is exhausted.
type Page struct {
	Scalars    []docstore.RawScalar `json:"scalars"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type cursorClaims struct {
	Fingerprint string `json:"fp"`
	Position    string `json:"pos"`
	jwt.RegisteredClaims
}

// Manager signs and verifies scroll cursors and streams pages from the
// document store.
type Manager struct {
	store      docstore.Store
	secret     []byte
	expiration time.Duration // idle window before a cursor expires
	pageSize   int           // max raw scalars per page
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// NewManager creates a scroll manager. expirationSec is the cursor idle
// window; pageSize caps the scalars returned per advance.
func NewManager(store docstore.Store, secret []byte, expirationSec, pageSize int, logger *slog.Logger) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "scroll", "NewManager", "signing secret required")
	}
	if expirationSec <= 0 {
		expirationSec = 600
	}
	if pageSize <= 0 {
		pageSize = 10000
	}
	return &Manager{
		store:      store,
		secret:     secret,
		expiration: time.Duration(expirationSec) * time.Second,
		pageSize:   pageSize,
		logger:     logger.With("component", "scroll"),
		nowFunc:    time.Now,
	}, nil
}

// Open scopes a new scroll over the query and returns its first cursor,
// positioned at the start of the result set.
func (m *Manager) Open(_ context.Context, q docstore.ScalarQuery) (string, error) {
	return m.sign(q.Fingerprint(), "")
}

// Advance verifies the cursor against the query, fetches the next page and
// returns it with a fresh cursor. An expired cursor fails with
// ErrCursorExpired; a cursor minted for another query fails with
// ErrCursorMismatch. Neither silently restarts the stream.
func (m *Manager) Advance(ctx context.Context, token string, q docstore.ScalarQuery) (Page, error) {
	claims, err := m.verify(token)
	if err != nil {
		return Page{}, err
	}
	if claims.Fingerprint != q.Fingerprint() {
		return Page{}, errors.ErrCursorMismatch
	}

	scalars, next, more, err := m.store.ScrollScalars(ctx, q, docstore.SortKey(claims.Position), m.pageSize)
	if err != nil {
		return Page{}, errors.Wrap(err, "scroll", "Advance", "fetch page")
	}

	page := Page{Scalars: scalars}
	if more {
		page.NextCursor, err = m.sign(claims.Fingerprint, string(next))
		if err != nil {
			return Page{}, err
		}
	}
	return page, nil
}

func (m *Manager) sign(fingerprint, position string) (string, error) {
	now := m.nowFunc()
	claims := cursorClaims{
		Fingerprint: fingerprint,
		Position:    position,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "scroll", "sign", "sign cursor")
	}
	return token, nil
}

func (m *Manager) verify(token string) (*cursorClaims, error) {
	claims := &cursorClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(m.nowFunc),
	)
	switch {
	case err == nil:
		return claims, nil
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return nil, errors.ErrCursorExpired
	default:
		// Tampered, malformed or signed for a different deployment.
		return nil, fmt.Errorf("%w: %v", errors.ErrCursorMismatch, err)
	}
}
