package node

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type State string

const (
	StatePending    State = "PENDING"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateOutdated   State = "OUTDATED"
	StateFinishing  State = "FINISHING"
	StateTerminated State = "TERMINATED"
	StateError      State = "ERROR"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// ErrInvalidConfig marks a node request the store refuses to record.
var ErrInvalidConfig = errors.New("invalid node config")

var transitions = map[State][]State{
	StatePending:    {StateStarting, StateFinishing, StateError},
	StateStarting:   {StateRunning, StateOutdated, StateFinishing, StateError},
	StateRunning:    {StateOutdated, StateFinishing, StateError},
	StateOutdated:   {StateFinishing, StateError},
	StateFinishing:  {StateTerminated, StateError},
	StateError:      {StateTerminated},
	StateTerminated: nil,
}

// Node is one unit of provisioned compute capacity.
type Node struct {
	ID                     int64     `json:"id"`
	RoutingID              string    `json:"routing_id"`
	DeploymentID           int64     `json:"deployment_id"`
	State                  State     `json:"state"`
	URL                    string    `json:"url,omitempty"`
	Image                  string    `json:"image"`
	CPUMilli               int       `json:"cpu_milli"`
	MemoryMB               int       `json:"memory_mb"`
	StorageMB              int       `json:"storage_mb"`
	Error                  string    `json:"error,omitempty"`
	TerminateAttempts      int       `json:"terminate_attempts,omitempty"`
	LastTerminateAttemptAt time.Time `json:"last_terminate_attempt_at,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	LastStateTransitionAt  time.Time `json:"last_state_transition_at"`
}

// Config is the sizing and payload used when a caller does not override it.
type Config struct {
	Image     string `json:"image"`
	CPUMilli  int    `json:"cpu_milli"`
	MemoryMB  int    `json:"memory_mb"`
	StorageMB int    `json:"storage_mb"`
}

// Merge fills zero fields of c from defaults.
func (c Config) Merge(defaults Config) Config {
	if strings.TrimSpace(c.Image) == "" {
		c.Image = defaults.Image
	}
	if c.CPUMilli <= 0 {
		c.CPUMilli = defaults.CPUMilli
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaults.MemoryMB
	}
	if c.StorageMB <= 0 {
		c.StorageMB = defaults.StorageMB
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Image) == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}
	if c.CPUMilli <= 0 {
		return fmt.Errorf("%w: cpu_milli must be positive", ErrInvalidConfig)
	}
	if c.MemoryMB <= 0 {
		return fmt.Errorf("%w: memory_mb must be positive", ErrInvalidConfig)
	}
	if c.StorageMB <= 0 {
		return fmt.Errorf("%w: storage_mb must be positive", ErrInvalidConfig)
	}
	return nil
}

// ResourceName is the external resource name for a node identity. Providers use
// it for every backend call so a restarted controller can always find the resource.
func ResourceName(routingID string, id int64) string {
	return routingID + "-" + strconv.FormatInt(id, 10)
}

func (n Node) Name() string {
	return ResourceName(n.RoutingID, n.ID)
}

func (n Node) Config() Config {
	return Config{
		Image:     n.Image,
		CPUMilli:  n.CPUMilli,
		MemoryMB:  n.MemoryMB,
		StorageMB: n.StorageMB,
	}
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) Final() bool {
	return s == StateTerminated
}

// Reachable reports whether a node in this state may carry a URL.
func (s State) Reachable() bool {
	switch s {
	case StateRunning, StateOutdated, StateFinishing:
		return true
	default:
		return false
	}
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionInput describes a requested state change. URL is applied only when
// entering RUNNING; Error only when entering ERROR.
type TransitionInput struct {
	To    State
	URL   string
	Error string
	At    time.Time
}

// Transition returns n moved to input.To, enforcing the state machine and the
// url/error invariants.
func Transition(n Node, input TransitionInput) (Node, error) {
	if !CanTransition(n.State, input.To) {
		return n, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, n.State, input.To)
	}

	at := input.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch input.To {
	case StateRunning:
		url := strings.TrimSpace(input.URL)
		if url == "" {
			url = n.URL
		}
		if url == "" {
			return n, errors.New("url is required to enter RUNNING")
		}
		n.URL = url
		n.Error = ""
	case StateError:
		msg := strings.TrimSpace(input.Error)
		if msg == "" {
			msg = "unknown error"
		}
		n.Error = msg
		n.URL = ""
	case StateTerminated:
		n.Error = ""
		n.URL = ""
	default:
		n.Error = ""
		if !input.To.Reachable() {
			n.URL = ""
		}
	}

	n.State = input.To
	n.LastStateTransitionAt = at
	return n, nil
}

func ParseState(value string) (State, error) {
	state := State(strings.ToUpper(strings.TrimSpace(value)))
	if !state.Valid() {
		return "", fmt.Errorf("invalid node state %q", value)
	}
	return state, nil
}
