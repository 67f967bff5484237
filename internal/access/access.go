package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Level int

const (
	LevelNone Level = iota
	LevelView
	LevelEdit
	LevelOwner
)

type Action string

const (
	ActionRead     Action = "read"
	ActionPresence Action = "presence"
	ActionWrite    Action = "write"
	ActionDestroy  Action = "destroy"
)

var ErrNotFound = errors.New("document not found")

func (l Level) String() string {
	switch l {
	case LevelView:
		return "view"
	case LevelEdit:
		return "edit"
	case LevelOwner:
		return "owner"
	default:
		return "none"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, ok := Parse(string(text))
	if !ok {
		return fmt.Errorf("unknown access level %q", text)
	}
	*l = parsed
	return nil
}

func Parse(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none":
		return LevelNone, true
	case "view":
		return LevelView, true
	case "edit":
		return LevelEdit, true
	case "owner":
		return LevelOwner, true
	default:
		return LevelNone, false
	}
}

// Can reports whether level permits action. Permissions are monotone in the
// level: anything allowed at one level is allowed at every higher level.
func Can(level Level, action Action) bool {
	switch action {
	case ActionRead, ActionPresence:
		return level >= LevelView
	case ActionWrite:
		return level >= LevelEdit
	case ActionDestroy:
		return level >= LevelOwner
	default:
		return false
	}
}

// Document is the access-relevant view of a document row.
type Document struct {
	ID          string
	OwnerID     string
	WorkspaceID string
	Published   bool
}

// Directory is the externally owned data the verifier reads.
type Directory interface {
	GetDocumentAccess(ctx context.Context, documentID string) (Document, error)
	IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

type Verifier struct {
	directory Directory
}

func NewVerifier(directory Directory) *Verifier {
	return &Verifier{directory: directory}
}

// Resolve computes the access level of userID on documentID. An empty userID
// is an anonymous caller. Results must not be cached by callers.
func (v *Verifier) Resolve(ctx context.Context, documentID, userID string) (Level, error) {
	doc, err := v.directory.GetDocumentAccess(ctx, documentID)
	if err != nil {
		return LevelNone, err
	}

	if userID == "" {
		if doc.Published {
			return LevelView, nil
		}
		return LevelNone, nil
	}
	if userID == doc.OwnerID {
		return LevelOwner, nil
	}
	if doc.WorkspaceID != "" {
		// Every member edits; per-role tiers are not modelled.
		member, err := v.directory.IsWorkspaceMember(ctx, doc.WorkspaceID, userID)
		if err != nil {
			return LevelNone, fmt.Errorf("check workspace membership: %w", err)
		}
		if member {
			return LevelEdit, nil
		}
	}
	if doc.Published {
		return LevelView, nil
	}
	return LevelNone, nil
}
