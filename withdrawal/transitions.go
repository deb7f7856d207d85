package withdrawal

type move struct {
	from    State
	role    Role
	verdict Verdict
}

// decisions are the human-driven moves. Anything not listed is invalid,
// which is what stops an admin from deciding before staff.
var decisions = map[move]State{
	{StateRequested, RoleStaff, Approve}:     StateStaffApproved,
	{StateRequested, RoleStaff, Reject}:      StateStaffRejected,
	{StateStaffApproved, RoleAdmin, Approve}: StateAdminApproved,
	{StateStaffApproved, RoleAdmin, Reject}:  StateAdminRejected,
}

// followUps are the automatic moves out of intermediate states.
var followUps = map[State]State{
	StateStaffRejected: StateReversed,
	StateAdminRejected: StateReversed,
	StateAdminApproved: StateReleased,
}

// Next returns the state a decision leads to.
func Next(from State, role Role, verdict Verdict) (State, bool) {
	to, ok := decisions[move{from, role, verdict}]
	return to, ok
}

// CanTransitionTo reports whether to is reachable from s in one step.
func (s State) CanTransitionTo(to State) bool {
	if next, ok := followUps[s]; ok {
		return next == to
	}
	for m, target := range decisions {
		if m.from == s && target == to {
			return true
		}
	}
	return false
}

// StageRole maps a pending state to the role expected to act on it.
func StageRole(s State) (Role, bool) {
	switch s {
	case StateRequested:
		return RoleStaff, true
	case StateStaffApproved:
		return RoleAdmin, true
	}
	return "", false
}

// StageState maps a role to the state its queue holds.
func StageState(r Role) State {
	if r == RoleAdmin {
		return StateStaffApproved
	}
	return StateRequested
}
