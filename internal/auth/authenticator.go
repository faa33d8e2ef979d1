package auth

import (
	"fmt"
	"path"
	"time"

	"github.com/localup-dev/localup/internal/core"
	"github.com/localup-dev/localup/internal/wire"
)

// Authenticator validates a presented token against a TokenStore and checks
// it against the descriptors a Connect request is asking for.
type Authenticator struct {
	store TokenStore
	now   func() time.Time
}

// NewAuthenticator creates an Authenticator backed by store.
func NewAuthenticator(store TokenStore) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// Authenticate validates token and checks every requested descriptor against
// the record's protocol and subdomain scopes. liveTunnels, when non-nil,
// reports the current number of live tunnels for an owner and is checked
// against the record's MaxTunnels. On success the store's last-used
// timestamp is updated.
func (a *Authenticator) Authenticate(token string, descriptors []wire.ProtocolSpec, liveTunnels func(ownerID string) int) (*TokenRecord, error) {
	if token == "" {
		return nil, fmt.Errorf("auth: empty token: %w", core.ErrAuthFailure)
	}

	record, ok := a.store.Lookup(token)
	if !ok {
		return nil, fmt.Errorf("auth: unknown token: %w", core.ErrAuthFailure)
	}

	if record.Revoked {
		return nil, fmt.Errorf("auth: token revoked: %w", core.ErrAuthFailure)
	}

	if record.Expired(a.now()) {
		return nil, fmt.Errorf("auth: token expired: %w", core.ErrAuthFailure)
	}

	if record.MaxTunnels > 0 && liveTunnels != nil && liveTunnels(record.OwnerID) >= record.MaxTunnels {
		return nil, fmt.Errorf("auth: tunnel limit (%d) reached: %w", record.MaxTunnels, core.ErrPermissionDenied)
	}

	for i := range descriptors {
		if err := a.checkDescriptor(record, &descriptors[i]); err != nil {
			return nil, err
		}
	}

	a.store.Touch(token, a.now())
	return record, nil
}

func (a *Authenticator) checkDescriptor(record *TokenRecord, spec *wire.ProtocolSpec) error {
	if len(record.AllowedProtocols) > 0 {
		allowed := false
		for _, p := range record.AllowedProtocols {
			if p == spec.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("auth: protocol %q not permitted for this token: %w", spec.Type, core.ErrPermissionDenied)
		}
	}

	if len(record.AllowedSubdomainPatterns) > 0 && spec.Subdomain != nil && *spec.Subdomain != "" {
		label := *spec.Subdomain
		for _, pattern := range record.AllowedSubdomainPatterns {
			if ok, err := path.Match(pattern, label); err == nil && ok {
				return nil
			}
		}
		return fmt.Errorf("auth: subdomain %q not permitted for this token: %w", label, core.ErrPermissionDenied)
	}

	return nil
}
