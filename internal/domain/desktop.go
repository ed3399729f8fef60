// Package domain contains identifiers and status values without logic
// beyond construction and formatting.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const MaxDesktopIDLen = 64

var (
	ErrDesktopIDEmpty   = errors.New("desktop id empty")
	ErrDesktopIDTooLong = errors.New("desktop id too long")
	ErrDesktopIDInvalid = errors.New("desktop id must not contain topic separators or wildcards")
)

type (
	DesktopID string
	SessionID string
)

// NewDesktopID validates a raw desktop id before it is used to build topics.
func NewDesktopID(raw string) (DesktopID, error) {
	if len(raw) == 0 {
		return "", ErrDesktopIDEmpty
	}
	if len(raw) > MaxDesktopIDLen {
		return "", ErrDesktopIDTooLong
	}
	if strings.ContainsAny(raw, "/+#") {
		return "", ErrDesktopIDInvalid
	}
	return DesktopID(raw), nil
}

// NewSessionID returns a short random id, unique per process.
func NewSessionID() SessionID {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return SessionID(id[:12])
}

// SessionPrefix namespaces every signaling topic of one session.
func SessionPrefix(desktop DesktopID, sid SessionID) string {
	return fmt.Sprintf("desktops/%s/sessions/%s", desktop, sid)
}

// DesktopPrefix namespaces topics shared by all sessions of a desktop.
func DesktopPrefix(desktop DesktopID) string {
	return fmt.Sprintf("desktops/%s", desktop)
}
