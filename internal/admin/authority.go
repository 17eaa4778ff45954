package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Authority authorizes privileged platform actions and names the treasury
// address that receives platform fee withdrawals. Lifecycle code only ever
// sees this interface, so single-key and quorum deployments swap without
// touching the state machines.
type Authority interface {
	Authorize(ctx context.Context, caller, action string) error
	Address() string
}

var (
	// ErrNotMember is returned when the caller is not part of the authority.
	ErrNotMember = errors.New("caller is not an authority member")
	// ErrQuorumNotMet is returned when an action lacks enough approvals.
	ErrQuorumNotMet = errors.New("quorum not met")
)

// SingleKeyAuthority authorizes exactly one administrator address.
type SingleKeyAuthority struct {
	admin    string
	treasury string
}

// NewSingleKeyAuthority creates a single-administrator authority. An empty
// treasury defaults to the admin address.
func NewSingleKeyAuthority(admin, treasury string) *SingleKeyAuthority {
	if treasury == "" {
		treasury = admin
	}
	return &SingleKeyAuthority{
		admin:    strings.ToLower(admin),
		treasury: strings.ToLower(treasury),
	}
}

// Authorize allows any action for the administrator and nothing for anyone
// else.
func (a *SingleKeyAuthority) Authorize(ctx context.Context, caller, action string) error {
	if !strings.EqualFold(caller, a.admin) {
		return ErrNotMember
	}
	return nil
}

// Address returns the treasury address.
func (a *SingleKeyAuthority) Address() string { return a.treasury }

// QuorumAuthority authorizes actions once M of its N members approve.
// Approvals are collected per action key and consumed when the action
// succeeds; a member's own Authorize call counts as their approval. Members
// may revoke an approval any time before the action executes.
type QuorumAuthority struct {
	members   map[string]bool
	threshold int
	treasury  string

	mu        sync.Mutex
	approvals map[string]map[string]bool // action -> member -> approved
}

// NewQuorumAuthority creates an M-of-N authority. The threshold is clamped
// to [1, len(members)].
func NewQuorumAuthority(members []string, threshold int, treasury string) *QuorumAuthority {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[strings.ToLower(m)] = true
	}
	if threshold < 1 {
		threshold = 1
	}
	if threshold > len(set) {
		threshold = len(set)
	}
	return &QuorumAuthority{
		members:   set,
		threshold: threshold,
		treasury:  strings.ToLower(treasury),
		approvals: make(map[string]map[string]bool),
	}
}

// Approve records the caller's approval for an action.
func (a *QuorumAuthority) Approve(caller, action string) error {
	member := strings.ToLower(caller)
	if !a.members[member] {
		return ErrNotMember
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.approvals[action] == nil {
		a.approvals[action] = make(map[string]bool)
	}
	a.approvals[action][member] = true
	return nil
}

// Revoke withdraws the caller's approval for an action.
func (a *QuorumAuthority) Revoke(caller, action string) error {
	member := strings.ToLower(caller)
	if !a.members[member] {
		return ErrNotMember
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.approvals[action], member)
	return nil
}

// Approvals returns the members currently approving an action.
func (a *QuorumAuthority) Approvals(action string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for member := range a.approvals[action] {
		out = append(out, member)
	}
	return out
}

// Authorize succeeds when the caller is a member and the action has reached
// the threshold, counting the caller. Approvals for the action are consumed
// on success so a met quorum authorizes exactly one execution.
func (a *QuorumAuthority) Authorize(ctx context.Context, caller, action string) error {
	member := strings.ToLower(caller)
	if !a.members[member] {
		return ErrNotMember
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	count := 1 // the caller
	for m := range a.approvals[action] {
		if m != member {
			count++
		}
	}
	if count < a.threshold {
		return fmt.Errorf("%w: %d of %d approvals for %s", ErrQuorumNotMet, count, a.threshold, action)
	}
	delete(a.approvals, action)
	return nil
}

// Address returns the treasury address.
func (a *QuorumAuthority) Address() string { return a.treasury }

var (
	_ Authority = (*SingleKeyAuthority)(nil)
	_ Authority = (*QuorumAuthority)(nil)
)
