// Package booking is the client for the remote court scheduling service.
//
// The client is stateless apart from an optional call limiter: tokens are
// returned to the caller, grids are fetched fresh on every call.
package booking

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ReservationLength is the fixed duration of one booking.
const ReservationLength = 75 * time.Minute

// Token is an opaque bearer credential.
type Token string

type SlotStatus int

const (
	SlotOther SlotStatus = iota
	SlotFree
	SlotTaken
)

func (s SlotStatus) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotTaken:
		return "taken"
	default:
		return "other"
	}
}

// ParseSlotStatus maps the service's status labels.
func ParseSlotStatus(raw string) SlotStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "livre", "disponivel", "disponível", "free", "available":
		return SlotFree
	case "ocupado", "reservado", "bloqueado", "taken", "reserved", "blocked":
		return SlotTaken
	default:
		return SlotOther
	}
}

// Slot is one bookable start time of a resource.
type Slot struct {
	Start  string // HH:MM
	Status SlotStatus
	Raw    string // status label as sent by the service
}

// Resource is one court with its slots, in service order.
type Resource struct {
	Code  string
	Name  string
	Slots []Slot
}

type ReserveRequest struct {
	ResourceCode string
	Date         string // YYYY-MM-DD
	Start        string // HH:MM
	MemberID     string
}

// Client is the contract the race engine drives.
type Client interface {
	Authenticate(ctx context.Context, username, secret string) (Token, error)
	FetchGrid(ctx context.Context, token Token, date string) ([]Resource, error)
	// Reserve reports whether the service accepted the booking. A rejection
	// (slot lost to a competitor) is (false, nil).
	Reserve(ctx context.Context, token Token, req ReserveRequest) (bool, error)
}

// EndTime returns start + ReservationLength as HH:MM.
func EndTime(start string) (string, error) {
	t, err := time.Parse("15:04", start)
	if err != nil {
		return "", fmt.Errorf("invalid start time %q: %w", start, err)
	}
	return t.Add(ReservationLength).Format("15:04"), nil
}

// DigestSecret is the one-way digest the login endpoint expects (lowercase MD5 hex).
// It is protocol compliance only, not a security boundary.
func DigestSecret(secret string) string {
	sum := md5.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func normalizeStart(raw string) string {
	s := strings.TrimSpace(raw)
	// "10:00:00" and "2026-10-18T10:00:00" both reduce to "10:00".
	if i := strings.LastIndex(s, "T"); i >= 0 {
		s = s[i+1:]
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04")
		}
	}
	return s
}
