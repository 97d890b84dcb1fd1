package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var ErrInvalidRequest = errors.New("invalid session request")

// Request is the immutable input captured when a session starts.
type Request struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	MemberID string `json:"member_id"`

	// Date is the booking day (YYYY-MM-DD). Empty means "the day after the
	// reservation window opens".
	Date string `json:"date,omitempty"`

	// Times are desired slot start times (HH:MM), highest priority first.
	Times []string `json:"times"`

	// Resources are the accepted resource (court) codes.
	Resources []string `json:"resources"`
}

// Normalize returns a copy with trimmed credentials, zero padded unique times
// (first occurrence kept) and upper-cased unique resource codes.
// Entries that cannot be parsed are kept verbatim so Validate can report them.
func (r Request) Normalize() Request {
	out := Request{
		Username: strings.TrimSpace(r.Username),
		Secret:   r.Secret,
		MemberID: strings.TrimSpace(r.MemberID),
		Date:     strings.TrimSpace(r.Date),
	}

	seen := make(map[string]struct{}, len(r.Times))
	for _, raw := range r.Times {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		if n, err := NormalizeTime(t); err == nil {
			t = n
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out.Times = append(out.Times, t)
	}

	seen = make(map[string]struct{}, len(r.Resources))
	for _, raw := range r.Resources {
		c := strings.ToUpper(strings.TrimSpace(raw))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out.Resources = append(out.Resources, c)
	}
	return out
}

// Validate reports why a normalized request must not start.
func (r Request) Validate() error {
	var problems []string
	if r.Username == "" {
		problems = append(problems, "username is required")
	}
	if r.Secret == "" {
		problems = append(problems, "secret is required")
	}
	if r.MemberID == "" {
		problems = append(problems, "member id is required")
	}
	if len(r.Times) == 0 {
		problems = append(problems, "at least one desired time is required")
	}
	for _, t := range r.Times {
		if _, err := time.Parse(TimeLayout, t); err != nil || len(t) != len(TimeLayout) {
			problems = append(problems, fmt.Sprintf("invalid time %q (want HH:MM)", t))
		}
	}
	if len(r.Resources) == 0 {
		problems = append(problems, "at least one resource is required")
	}
	if r.Date != "" {
		if _, err := time.Parse(DateLayout, r.Date); err != nil {
			problems = append(problems, fmt.Sprintf("invalid date %q (want YYYY-MM-DD)", r.Date))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
}

// Accepts reports whether code is one of the accepted resources.
func (r Request) Accepts(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range r.Resources {
		if c == code {
			return true
		}
	}
	return false
}

// MaskedUsername keeps the first and last character only.
func (r Request) MaskedUsername() string {
	u := []rune(r.Username)
	switch {
	case len(u) == 0:
		return ""
	case len(u) <= 2:
		return strings.Repeat("*", len(u))
	default:
		return string(u[0]) + strings.Repeat("*", len(u)-2) + string(u[len(u)-1])
	}
}

// NormalizeTime turns "7:00", "07:00" or "07:00:00" into "07:00".
func NormalizeTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimeLayout), nil
		}
	}
	return "", fmt.Errorf("invalid time %q", s)
}
