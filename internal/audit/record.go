package audit

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/onnwee/limestore/internal/middleware"
)

var (
	ErrNilRepository     = errors.New("audit repository cannot be nil")
	ErrInvalidEntityType = errors.New("unknown audit entity type")
	ErrInvalidEntityID   = errors.New("audit entity id cannot be empty")
	ErrInvalidAction     = errors.New("unknown audit action")
)

func (e Entry) validate() error {
	switch {
	case !slices.Contains(knownEntities, e.EntityType):
		return ErrInvalidEntityType
	case e.EntityID == "":
		return ErrInvalidEntityID
	case !slices.Contains(knownActions, e.Action):
		return ErrInvalidAction
	}
	return nil
}

// Record appends entry to repo. The actor and request id default to the
// values the auth and request-id middleware put on ctx, and an empty outcome
// is a success.
func Record(ctx context.Context, repo Repository, entry Entry) error {
	if repo == nil {
		return ErrNilRepository
	}
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.ActorID == "" {
		entry.ActorID = middleware.GetUserID(ctx)
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	_, err := repo.Append(ctx, entry)
	return err
}

// RecordFromRequest is Record with the client address and user agent of r.
func RecordFromRequest(r *http.Request, repo Repository, entry Entry) error {
	entry.IPAddress = middleware.ClientIP(r)
	entry.UserAgent = r.UserAgent()
	return Record(r.Context(), repo, entry)
}
