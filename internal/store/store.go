package store

import (
	"context"
	"errors"
	"time"

	"github.com/asheshgoplani/deck-driver/internal/button"
	"github.com/asheshgoplani/deck-driver/internal/logging"
)

var log = logging.ForComponent(logging.CompStore)

// ErrNotFound is returned when a button id has no definition.
var ErrNotFound = errors.New("store: not found")

// DisplayState is the monitor-derived state written back per button so
// the renderer can color keys without re-deriving anything.
type DisplayState struct {
	Connectivity string    `json:"connectivity,omitempty"` // connected | broken | unknown
	KeywordFound bool      `json:"keyword_found,omitempty"`
	Sticky       bool      `json:"sticky,omitempty"`
	Running      bool      `json:"running,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the button configuration backend. Implementations must be safe
// for concurrent use; the dispatch engine and monitor loops share one.
type Store interface {
	ListButtons(ctx context.Context) ([]button.Config, error)
	GetButton(ctx context.Context, id int) (button.Config, error)
	UpdateButton(ctx context.Context, btn button.Config) error
	GetVariables(ctx context.Context) (button.Variables, error)
	SetVariables(ctx context.Context, vars button.Variables) error
	SetButtonState(ctx context.Context, id int, state DisplayState) error
	Close() error
}
