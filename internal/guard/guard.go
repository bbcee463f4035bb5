package guard

import "github.com/estately/client-go/internal/session"

// Kind classifies an admission decision.
type Kind int

const (
	// Allow admits the caller to the screen.
	Allow Kind = iota
	// Redirect denies admission and names the screen to send the caller to.
	Redirect
	// Pending means session resolution has not completed yet; the caller
	// should show a neutral loading state, not redirect.
	Pending
)

// Redirect targets.
const (
	TargetLogin      = "login"
	TargetStaffLogin = "staff-login"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Kind   Kind
	Target string
}

func allow() Decision            { return Decision{Kind: Allow} }
func redirect(t string) Decision { return Decision{Kind: Redirect, Target: t} }
func pending() Decision          { return Decision{Kind: Pending} }

// Admit evaluates whether the session may reach a screen requiring the
// given role. Every entry point consults this one policy table; role
// logic lives nowhere else.
func Admit(required session.Role, snap session.Snapshot) Decision {
	// Public screens never wait on resolution.
	if required == session.RoleAnonymous {
		return allow()
	}
	if !snap.Resolved {
		return pending()
	}

	switch required {
	case session.RoleMember:
		if snap.Session.Role >= session.RoleMember {
			return allow()
		}
		return redirect(TargetLogin)
	case session.RoleStaff:
		if snap.Session.Role == session.RoleStaff {
			return allow()
		}
		return redirect(TargetStaffLogin)
	default:
		return redirect(TargetLogin)
	}
}
