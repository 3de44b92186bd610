// Package services – UserDirectory
//
// UserDirectory owns the profile fields of the users table (handle and
// display name) and the user search. Search folds the query with the same
// Unicode fold as the stored search keys, prefilters candidates in SQL on
// the query's most selective token and ranks them in memory.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-core/internal/domain"
	"github.com/tbourn/go-chat-core/internal/observability"
	"github.com/tbourn/go-chat-core/internal/repo"
	"github.com/tbourn/go-chat-core/internal/search"
)

const (
	maxDisplayNameRunes = 128
	defaultSearchLimit  = 20
	maxSearchLimit      = 50
	defaultCandidates   = 200
)

var usernameRE = regexp.MustCompile(`^[a-z0-9_.]{3,32}$`)

// Profile is the user-editable part of a directory row. An empty Username
// clears the handle.
type Profile struct {
	Username    string
	DisplayName string
}

// UserMatch is one search hit as seen by the searching user.
type UserMatch struct {
	ID             string  `json:"id"`
	Username       string  `json:"username,omitempty"`
	DisplayName    string  `json:"display_name,omitempty"`
	Score          float64 `json:"score"`
	Contact        bool    `json:"contact"`
	RequestPending bool    `json:"request_pending"`
}

// UserDirectory manages profiles and searches the users table.
type UserDirectory struct {
	DB *gorm.DB
	// Candidates caps the rows the SQL prefilter hands to the ranker.
	Candidates int
}

// NewUserDirectory constructs a directory over db.
func NewUserDirectory(db *gorm.DB) *UserDirectory {
	return &UserDirectory{DB: db, Candidates: defaultCandidates}
}

// NormalizeUsername lowercases a handle and drops a leading "@". It
// returns ErrInvalidProfile if the result is not 3-32 of [a-z0-9_.].
func NormalizeUsername(raw string) (string, error) {
	u := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if !usernameRE.MatchString(u) {
		return "", fmt.Errorf("%w: username must be 3-32 characters of a-z, 0-9, '_' or '.'", ErrInvalidProfile)
	}
	return u, nil
}

// UpdateProfile sets the handle and display name of userID.
func (d *UserDirectory) UpdateProfile(ctx context.Context, userID string, p Profile) (*domain.User, error) {
	tr := otel.Tracer("services/UserDirectory")
	ctx, span := tr.Start(ctx, "UpdateProfile",
		trace.WithAttributes(observability.AttrUserID.String(userID)),
	)
	defer span.End()

	name := strings.TrimSpace(p.DisplayName)
	if utf8.RuneCountInString(name) > maxDisplayNameRunes {
		return nil, fmt.Errorf("%w: display name longer than %d characters", ErrInvalidProfile, maxDisplayNameRunes)
	}
	var handle *string
	if strings.TrimSpace(p.Username) != "" {
		u, err := NormalizeUsername(p.Username)
		if err != nil {
			return nil, err
		}
		handle = &u
	}

	if cur, err := repo.GetUser(ctx, d.DB, userID); err == nil && cur.DeletedAt != nil {
		return nil, ErrUserNotFound
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	u, err := repo.UpdateProfile(ctx, d.DB, userID, handle, name)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return u, nil
}

// Search ranks live accounts against q for callerID, who is never listed.
// Each hit says whether the caller already shares a conversation with it
// and whether the caller's request to it is pending. A query with no word
// characters yields no hits.
func (d *UserDirectory) Search(ctx context.Context, callerID, q string, limit int) ([]UserMatch, error) {
	tr := otel.Tracer("services/UserDirectory")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(observability.AttrUserID.String(callerID), attribute.Int("limit", limit)),
	)
	defer span.End()

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	folded := search.Query(q)
	needle := search.Needle(folded)
	if needle == "" {
		return []UserMatch{}, nil
	}

	candidates := d.Candidates
	if candidates <= 0 {
		candidates = defaultCandidates
	}
	users, err := repo.SearchUsers(ctx, d.DB, needle, callerID, candidates)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.User, len(users))
	docs := make([]search.Doc, 0, len(users))
	for _, u := range users {
		byID[u.ID] = u
		docs = append(docs, search.Doc{ID: u.ID, Key: u.SearchKey})
	}
	ranked := search.TopK(folded, docs, limit)
	span.SetAttributes(attribute.Int("candidates", len(users)), attribute.Int("hits", len(ranked)))
	if len(ranked) == 0 {
		return []UserMatch{}, nil
	}

	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.ID)
	}
	contacts, err := repo.Contacts(ctx, d.DB, callerID)
	if err != nil {
		return nil, err
	}
	isContact := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		isContact[c] = true
	}
	pending, err := repo.PendingRequestTargets(ctx, d.DB, callerID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]UserMatch, 0, len(ranked))
	for _, r := range ranked {
		u := byID[r.ID]
		m := UserMatch{
			ID:             u.ID,
			DisplayName:    u.DisplayName,
			Score:          r.Score,
			Contact:        isContact[u.ID],
			RequestPending: pending[u.ID],
		}
		if u.Username != nil {
			m.Username = *u.Username
		}
		out = append(out, m)
	}
	return out, nil
}
