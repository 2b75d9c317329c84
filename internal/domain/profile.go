package domain

import (
	"strconv"
	"strings"
)

// UserProfile is the subset of the users table rendered into messages.
type UserProfile struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	BusinessName string
}

// BareProfile is used when no users row exists for the destination.
func BareProfile(telegramID int64) UserProfile {
	return UserProfile{TelegramID: telegramID}
}

// FullName joins first and last name, skipping empty parts.
func (p UserProfile) FullName() string {
	return strings.TrimSpace(strings.Join([]string{
		strings.TrimSpace(p.FirstName),
		strings.TrimSpace(p.LastName),
	}, " "))
}

// Label identifies the user as "<id> - <full name> (@username)".
func (p UserProfile) Label() string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(p.TelegramID, 10))
	if name := p.FullName(); name != "" {
		b.WriteString(" - ")
		b.WriteString(name)
	}
	if p.Username != "" {
		b.WriteString(" (@")
		b.WriteString(strings.TrimPrefix(p.Username, "@"))
		b.WriteString(")")
	}
	return b.String()
}
