package access

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type grantDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GrantAuthorizer answers reads from the blob_grants table. A grant matches
// when its key_prefix is a prefix of the requested key; user_id '*' grants
// every signed-in user.
type GrantAuthorizer struct {
	DB  grantDB
	Log *zap.Logger
}

const grantQuery = `
	SELECT EXISTS (
		SELECT 1 FROM blob_grants
		WHERE kind = $1 AND scope = $2
		  AND (user_id = $3 OR user_id = '*')
		  AND starts_with($4, key_prefix)
	)`

// CanRead fails closed on query errors.
func (g GrantAuthorizer) CanRead(ctx context.Context, userID *string, ref ResourceRef) bool {
	if ref.PublicReadable {
		return true
	}
	if userID == nil || g.DB == nil {
		return false
	}
	var ok bool
	if err := g.DB.QueryRow(ctx, grantQuery, string(ref.Kind), ref.Scope, *userID, ref.Key).Scan(&ok); err != nil {
		if g.Log != nil {
			g.Log.Warn("grant lookup failed", zap.String("kind", string(ref.Kind)), zap.Error(err))
		}
		return false
	}
	return ok
}

// OwnerAuthorizer lets users read blobs stored under their personal scope
// ("users/<id>").
type OwnerAuthorizer struct{}

func (OwnerAuthorizer) CanRead(_ context.Context, userID *string, ref ResourceRef) bool {
	if userID == nil {
		return false
	}
	owner, ok := strings.CutPrefix(ref.Scope, "users/")
	return ok && owner != "" && owner == *userID
}

// PublicReadableAuthorizer grants only refs flagged publicly readable.
type PublicReadableAuthorizer struct{}

func (PublicReadableAuthorizer) CanRead(_ context.Context, _ *string, ref ResourceRef) bool {
	return ref.PublicReadable
}

// AnyOf grants when at least one authorizer grants.
type AnyOf []ReadAuthorizer

func (a AnyOf) CanRead(ctx context.Context, userID *string, ref ResourceRef) bool {
	for _, auth := range a {
		if auth != nil && auth.CanRead(ctx, userID, ref) {
			return true
		}
	}
	return false
}
