package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Result Lifecycle ───────────────────────────────────────────────────────
// A work unit travels server → client → server → validator. Reports about
// each hop arrive from two independent channels, possibly duplicated and out
// of order; the stored state is the highest one ever applied.

// ResultState is the ordered lifecycle state of a calculated result.
type ResultState int

const (
	StateUnknown          ResultState = 0
	StateSentToClient     ResultState = 1
	StateReceivedByClient ResultState = 2
	StateSentToServer     ResultState = 3
	StateReceivedByServer ResultState = 4
	StateValidated        ResultState = 5
)

var stateNames = map[ResultState]string{
	StateSentToClient:     "sent_to_client",
	StateReceivedByClient: "received_by_client",
	StateSentToServer:     "sent_to_server",
	StateReceivedByServer: "received_by_server",
	StateValidated:        "validated",
}

// String returns the wire name of the state.
func (s ResultState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Valid reports whether s is one of the five lifecycle states.
func (s ResultState) Valid() bool {
	return s >= StateSentToClient && s <= StateValidated
}

// ParseResultState accepts the wire name (case-insensitive) of a state.
func ParseResultState(s string) (ResultState, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for st, name := range stateNames {
		if name == want {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: unknown result state %q", ErrInvalidState, s)
}

// MarshalText encodes the state as its wire name.
func (s ResultState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a wire name.
func (s *ResultState) UnmarshalText(b []byte) error {
	st, err := ParseResultState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ResultKey is the natural key of a calculated result.
type ResultKey struct {
	ProjectShortName string `json:"project"`
	WorkUnitName     string `json:"work_unit"`
	UserID           UserID `json:"user_id"`
}

func (k ResultKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.ProjectShortName, k.WorkUnitName, k.UserID)
}

// Validate rejects keys with empty components.
func (k ResultKey) Validate() error {
	if k.ProjectShortName == "" || k.WorkUnitName == "" || k.UserID <= 0 {
		return fmt.Errorf("%w: incomplete result key %q", ErrValidation, k.String())
	}
	return nil
}

// CalculatedResult is the reconciled record of one work unit for one user.
type CalculatedResult struct {
	ID                 int64       `json:"id"`
	Key                ResultKey   `json:"key"`
	State              ResultState `json:"state"`
	SentToClientAt     *time.Time  `json:"sent_to_client_at,omitempty"`
	ReceivedByClientAt *time.Time  `json:"received_by_client_at,omitempty"`
	SentToServerAt     *time.Time  `json:"sent_to_server_at,omitempty"`
	ReceivedByServerAt *time.Time  `json:"received_by_server_at,omitempty"`
	ValidatedAt        *time.Time  `json:"validated_at,omitempty"`
	Valid              bool        `json:"valid"`
	Granted            bool        `json:"granted"`
	GrantedCoins       int64       `json:"granted_coins"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Stamp records at as the time the result reached state. A validated result
// was necessarily received by the server, so Validated also fills an unset
// ReceivedByServerAt.
func (r *CalculatedResult) Stamp(state ResultState, at time.Time) {
	t := at
	switch state {
	case StateSentToClient:
		r.SentToClientAt = &t
	case StateReceivedByClient:
		r.ReceivedByClientAt = &t
	case StateSentToServer:
		r.SentToServerAt = &t
	case StateReceivedByServer:
		r.ReceivedByServerAt = &t
	case StateValidated:
		r.ValidatedAt = &t
		if r.ReceivedByServerAt == nil {
			r.ReceivedByServerAt = &t
		}
	}
}

// ServerElapsed returns the time between the server handing the work unit out
// and receiving it back. ok is false unless both are stamped and the receipt
// is strictly after the hand-out; skewed clocks never yield a round trip.
func (r CalculatedResult) ServerElapsed() (d time.Duration, ok bool) {
	if r.SentToClientAt == nil || r.ReceivedByServerAt == nil {
		return 0, false
	}
	if !r.ReceivedByServerAt.After(*r.SentToClientAt) {
		return 0, false
	}
	return r.ReceivedByServerAt.Sub(*r.SentToClientAt), true
}
