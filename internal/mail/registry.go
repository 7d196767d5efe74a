package mail

import (
	"errors"
	"fmt"
	"strings"

	emailprovider "github.com/example/relaykit/internal/providers/email"
)

// Mode identifies how a provider entry was configured.
type Mode string

const (
	ModeSESIAM    Mode = "ses_iam"
	ModeSESStatic Mode = "ses_static"
	ModeSendGrid  Mode = "sendgrid"
	ModeSMTP      Mode = "smtp"
	ModeMock      Mode = "mock"
)

var modeAliases = map[string]Mode{
	"ses_iam":                      ModeSESIAM,
	"awsses_byiamrole":             ModeSESIAM,
	"ses_static":                   ModeSESStatic,
	"awsses_byenvironmentvariable": ModeSESStatic,
	"sendgrid":                     ModeSendGrid,
	"smtp":                         ModeSMTP,
	"mock":                         ModeMock,
}

// ParseMode resolves a configured provider name, case-insensitively.
func ParseMode(value string) (Mode, bool) {
	m, ok := modeAliases[strings.ToLower(strings.TrimSpace(value))]
	return m, ok
}

// ParseModes keeps the configured order. Unknown names are returned
// separately so callers can log and drop them.
func ParseModes(values []string) ([]Mode, []string) {
	modes := make([]Mode, 0, len(values))
	var unknown []string
	for _, v := range values {
		if m, ok := ParseMode(v); ok {
			modes = append(modes, m)
			continue
		}
		unknown = append(unknown, v)
	}
	return modes, unknown
}

// Entry binds a provider to the mode it was built for.
type Entry struct {
	Mode     Mode
	Provider emailprovider.Provider
}

// Registry is the ordered provider list. It is read-only after construction
// and safe for concurrent use.
type Registry struct {
	entries []Entry
}

// NewRegistry builds a registry preserving the given order.
func NewRegistry(entries ...Entry) (*Registry, error) {
	copied := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Provider == nil {
			return nil, fmt.Errorf("mail: registry entry %d (%s) has no provider", i, e.Mode)
		}
		copied = append(copied, e)
	}
	if len(copied) == 0 {
		return nil, errors.New("mail: registry requires at least one provider")
	}
	return &Registry{entries: copied}, nil
}

// Entries returns a copy of the ordered entries.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Len reports the number of providers.
func (r *Registry) Len() int { return len(r.entries) }

// Names lists provider names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Provider.Name())
	}
	return names
}
