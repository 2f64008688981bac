package acl

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/riftproxy/socksentry/pkg/logger"
)

// GroupProvider resolves the runtime group names for a user — the "OS
// group API" referenced in §4.2 step 2. Evaluate accepts this as an
// optional list directly, so tests can supply one without a real
// directory.
type GroupProvider interface {
	Groups(ctx context.Context, username string) ([]string, error)
}

// LDAPGroupProvider looks up a user's group memberships via an LDAP
// memberOf-style search, the way an OS group API would resolve runtime
// groups for ACL evaluation.
type LDAPGroupProvider struct {
	Addr         string
	BindDN       string
	BindPassword string
	BaseDN       string
	// Filter is applied with one %s substitution for the username.
	Filter       string
	GroupAttr    string

	log *logger.Logger
}

func NewLDAPGroupProvider(addr, bindDN, bindPassword, baseDN, filter, groupAttr string) *LDAPGroupProvider {
	return &LDAPGroupProvider{
		Addr:         addr,
		BindDN:       bindDN,
		BindPassword: bindPassword,
		BaseDN:       baseDN,
		Filter:       filter,
		GroupAttr:    groupAttr,
		log:          logger.Named("acl.groups"),
	}
}

func (p *LDAPGroupProvider) Groups(ctx context.Context, username string) ([]string, error) {
	conn, err := ldap.DialURL(p.Addr)
	if err != nil {
		return nil, fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	if p.BindDN != "" {
		if err := conn.Bind(p.BindDN, p.BindPassword); err != nil {
			return nil, fmt.Errorf("ldap bind: %w", err)
		}
	}

	req := ldap.NewSearchRequest(
		p.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf(p.Filter, ldap.EscapeFilter(username)),
		[]string{p.GroupAttr},
		nil,
	)
	result, err := conn.SearchWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ldap search: %w", err)
	}
	if len(result.Entries) == 0 {
		p.log.Debug("no ldap entry for user", "user", username)
		return nil, nil
	}

	groups := result.Entries[0].GetAttributeValues(p.GroupAttr)
	return groups, nil
}
