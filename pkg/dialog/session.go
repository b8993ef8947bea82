package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the adapter-side lifecycle position of one user.
type State string

const (
	Inactive       State = "inactive"
	Active         State = "active"
	AwaitingRating State = "awaiting_rating"
)

var (
	ErrUnknownState = errors.New("unknown dialog state")
	ErrInvariant    = errors.New("session invariant violated")
)

// Session is the per-user dialog state. The zero value is an Inactive
// session without a dialog.
type Session struct {
	State          State  `json:"state"`
	ActiveDialogID string `json:"active_dialog_id,omitempty"`
	// Registered is set once the agent has reported ActiveDialogID as its own.
	Registered bool `json:"registered,omitempty"`
}

func (s Session) normalized() Session {
	if s.State == "" {
		s.State = Inactive
	}

	return s
}

// Validate enforces that a dialog id is present exactly while a dialog is
// open or awaiting its rating.
func (s Session) Validate() error {
	s = s.normalized()

	switch s.State {
	case Inactive:
		if s.ActiveDialogID != "" {
			return fmt.Errorf("%w: inactive session holds dialog %q", ErrInvariant, s.ActiveDialogID)
		}
		if s.Registered {
			return fmt.Errorf("%w: inactive session is marked registered", ErrInvariant)
		}
	case Active, AwaitingRating:
		if s.ActiveDialogID == "" {
			return fmt.Errorf("%w: %s session has no dialog id", ErrInvariant, s.State)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, s.State)
	}

	return nil
}

// Store keeps sessions keyed by external user id. Sessions are created on
// first access and live for the process lifetime.
//
// Each user has an independent lock; operations on different users never
// wait on each other.
type Store struct {
	entries sync.Map // user id -> *entry
}

type entry struct {
	sem     chan struct{}
	session Session
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) entry(userID string) *entry {
	if value, ok := s.entries.Load(userID); ok {
		return value.(*entry)
	}

	value, _ := s.entries.LoadOrStore(userID, &entry{sem: make(chan struct{}, 1)})
	return value.(*entry)
}

func (e *entry) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) unlock() {
	<-e.sem
}

// Get returns a snapshot of the user's session.
func (s *Store) Get(ctx context.Context, userID string) (Session, error) {
	e := s.entry(userID)
	if err := e.lock(ctx); err != nil {
		return Session{}, err
	}
	defer e.unlock()

	return e.session.normalized(), nil
}

// Update runs fn on a copy of the user's session while holding that user's
// lock. The copy is committed only when fn succeeds and the result is valid,
// so a failing external call inside fn leaves the session untouched.
func (s *Store) Update(ctx context.Context, userID string, fn func(*Session) error) error {
	e := s.entry(userID)
	if err := e.lock(ctx); err != nil {
		return err
	}
	defer e.unlock()

	next := e.session.normalized()
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	e.session = next
	return nil
}

// Len reports how many users have a session.
func (s *Store) Len() int {
	count := 0
	s.entries.Range(func(_, _ any) bool {
		count++
		return true
	})

	return count
}
