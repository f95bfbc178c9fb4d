package lifecycle

import "github.com/robotpdf/devkeys/internal/audit"

// Caller is who invokes a lifecycle operation. Admin callers see and manage every
// developer. Other callers act for UserID and only reach developers they own.
type Caller struct {
	UserID string
	Admin  bool
	// Actor names an admin caller in audit records. Defaults to "admin".
	Actor string
}

// AdminCaller returns an admin caller recorded as actor.
func AdminCaller(actor string) Caller {
	return Caller{Admin: true, Actor: actor}
}

// UserCaller returns a self-service caller for userID.
func UserCaller(userID string) Caller {
	return Caller{UserID: userID}
}

func (c Caller) actor() string {
	switch {
	case c.Admin && c.Actor != "":
		return c.Actor
	case c.Admin:
		return audit.ActorAdmin
	case c.UserID != "":
		return c.UserID
	default:
		return audit.ActorAnonymous
	}
}
