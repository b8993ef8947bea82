package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Agent is the subset of the conversational agent the state machine needs.
type Agent interface {
	DropActiveDialog(ctx context.Context, userID string) (string, error)
	SetRatingUtterance(ctx context.Context, userID, utteranceID, rating string) error
	SetRatingDialog(ctx context.Context, userID, dialogID, rating string) error
}

// Options carries dialog lifecycle configuration.
type Options struct {
	// UserMustEvaluate blocks /begin until the previous dialog is rated.
	UserMustEvaluate bool
}

// Transition reports the result of one state machine operation.
//
// Accepted is false when the operation is not allowed in the current state;
// that is a normal outcome, not an error.
type Transition struct {
	Accepted bool
	From     State
	To       State
	DialogID string
}

// Machine owns every session mutation. Each operation holds the user's lock
// for its whole read-check-mutate sequence, including the agent call it
// depends on.
type Machine struct {
	store *Store
	agent Agent
	opts  Options
	newID func() string
}

func NewMachine(store *Store, agent Agent, opts Options) (*Machine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if agent == nil {
		return nil, errors.New("agent is required")
	}

	return &Machine{
		store: store,
		agent: agent,
		opts:  opts,
		newID: uuid.NewString,
	}, nil
}

// Session returns the user's current session.
func (m *Machine) Session(ctx context.Context, userID string) (Session, error) {
	return m.store.Get(ctx, userID)
}

// Begin opens a new dialog. It is refused while a dialog is open, and while
// a rating is pending if evaluation is mandatory.
func (m *Machine) Begin(ctx context.Context, userID string) (Transition, error) {
	var result Transition
	err := m.store.Update(ctx, userID, func(s *Session) error {
		result = Transition{From: s.State, To: s.State, DialogID: s.ActiveDialogID}

		switch s.State {
		case Active:
			return nil
		case AwaitingRating:
			if m.opts.UserMustEvaluate {
				return nil
			}
		}

		s.State = Active
		s.ActiveDialogID = m.newID()
		s.Registered = false
		result = Transition{Accepted: true, From: result.From, To: Active, DialogID: s.ActiveDialogID}
		return nil
	})
	if err != nil {
		return Transition{}, fmt.Errorf("begin dialog: %w", err)
	}

	return result, nil
}

// End closes the open dialog. The agent releases its active dialog and the
// returned id is kept only for the rating keyboard. When the agent reports no
// dialog the local id is kept and the rating will be settled locally. If the
// agent call fails the session stays Active.
func (m *Machine) End(ctx context.Context, userID string) (Transition, error) {
	var result Transition
	err := m.store.Update(ctx, userID, func(s *Session) error {
		result = Transition{From: s.State, To: s.State, DialogID: s.ActiveDialogID}
		if s.State != Active {
			return nil
		}

		dialogID, err := m.agent.DropActiveDialog(ctx, userID)
		if err != nil {
			return fmt.Errorf("drop active dialog: %w", err)
		}
		if dialogID = strings.TrimSpace(dialogID); dialogID == "" {
			dialogID = s.ActiveDialogID
		} else {
			s.Registered = true
		}

		s.State = AwaitingRating
		s.ActiveDialogID = dialogID
		result = Transition{Accepted: true, From: Active, To: AwaitingRating, DialogID: dialogID}
		return nil
	})
	if err != nil {
		return Transition{}, fmt.Errorf("end dialog: %w", err)
	}

	return result, nil
}

// Complain reports whether a complaint can be filed, which is only while a
// dialog is open. Complaints are not recorded anywhere.
func (m *Machine) Complain(ctx context.Context, userID string) (bool, error) {
	session, err := m.store.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("complain: %w", err)
	}

	return session.State == Active, nil
}

// ConfirmDialog adopts the dialog id reported by the agent, provided the
// dialog that was open when the message was sent (seenID) is still the open
// one. It is a no-op in any other case.
func (m *Machine) ConfirmDialog(ctx context.Context, userID, seenID, dialogID string) error {
	dialogID = strings.TrimSpace(dialogID)
	if dialogID == "" {
		return nil
	}

	return m.store.Update(ctx, userID, func(s *Session) error {
		if s.State == Active && s.ActiveDialogID == seenID {
			s.ActiveDialogID = dialogID
			s.Registered = true
		}
		return nil
	})
}

// RateUtterance records a rating for one utterance. Only accepted while a
// dialog is open; the session is never changed.
func (m *Machine) RateUtterance(ctx context.Context, userID, utteranceID, rating string) (bool, error) {
	accepted := false
	err := m.store.Update(ctx, userID, func(s *Session) error {
		if s.State != Active {
			return nil
		}

		if err := m.agent.SetRatingUtterance(ctx, userID, utteranceID, rating); err != nil {
			return fmt.Errorf("set utterance rating: %w", err)
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate utterance: %w", err)
	}

	return accepted, nil
}

// RateDialog records a rating for a whole dialog and closes the session.
// It is accepted in any state except Active; a callback arriving while a
// dialog is open is treated as stale and ignored. A pending dialog the agent
// never registered is closed without calling the agent.
func (m *Machine) RateDialog(ctx context.Context, userID, dialogID, rating string) (Transition, error) {
	var result Transition
	err := m.store.Update(ctx, userID, func(s *Session) error {
		result = Transition{From: s.State, To: s.State, DialogID: s.ActiveDialogID}
		if s.State == Active {
			return nil
		}

		unregistered := s.State == AwaitingRating && !s.Registered && dialogID == s.ActiveDialogID
		if !unregistered {
			if err := m.agent.SetRatingDialog(ctx, userID, dialogID, rating); err != nil {
				return fmt.Errorf("set dialog rating: %w", err)
			}
		}

		result = Transition{Accepted: true, From: s.State, To: Inactive, DialogID: dialogID}
		s.State = Inactive
		s.ActiveDialogID = ""
		s.Registered = false
		return nil
	})
	if err != nil {
		return Transition{}, fmt.Errorf("rate dialog: %w", err)
	}

	return result, nil
}
