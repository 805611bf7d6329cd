package auth

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/loghive/backend/internal/database"
)

// LDAPProvider does the classic three-step dance: bind as a service
// account, search for the user, rebind as the found DN with the supplied
// password.
type LDAPProvider struct {
	row *database.AuthProvider
}

func NewLDAPProvider(row *database.AuthProvider) *LDAPProvider {
	return &LDAPProvider{row: row}
}

const ldapTimeout = 10 * time.Second

func (p *LDAPProvider) url() string        { return configStr(p.row.Config, "url", "") }
func (p *LDAPProvider) bindDN() string     { return configStr(p.row.Config, "bindDn", "") }
func (p *LDAPProvider) bindPass() string   { return configStr(p.row.Config, "bindPassword", "") }
func (p *LDAPProvider) baseDN() string     { return configStr(p.row.Config, "baseDn", "") }
func (p *LDAPProvider) userFilter() string { return configStr(p.row.Config, "userFilter", "") }
func (p *LDAPProvider) emailAttr() string  { return configStr(p.row.Config, "emailAttribute", "mail") }
func (p *LDAPProvider) nameAttr() string   { return configStr(p.row.Config, "nameAttribute", "cn") }

func (p *LDAPProvider) SupportsRedirect() bool { return false }

func (p *LDAPProvider) ValidateConfig() error {
	u := p.url()
	if !strings.HasPrefix(u, "ldap://") && !strings.HasPrefix(u, "ldaps://") {
		return fmt.Errorf("ldap url must start with ldap:// or ldaps://")
	}
	if p.baseDN() == "" {
		return fmt.Errorf("baseDn is required")
	}
	if !strings.Contains(p.userFilter(), "{{username}}") {
		return fmt.Errorf("userFilter must contain the {{username}} placeholder")
	}
	return nil
}

func (p *LDAPProvider) connect(ctx context.Context) (*ldap.Conn, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, authErr(CodeProviderError, "%v", err)
	}
	conn, err := ldap.DialURL(p.url(), ldap.DialWithDialer(&net.Dialer{Timeout: ldapTimeout}))
	if err != nil {
		return nil, authErr(CodeProviderUnavailable, "ldap dial failed: %v", err)
	}
	conn.SetTimeout(ldapTimeout)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < ldapTimeout {
			conn.SetTimeout(remaining)
		}
	}
	return conn, nil
}

func (p *LDAPProvider) Authenticate(ctx context.Context, creds Credentials) (*Result, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, authErr(CodeInvalidCredentials, "username and password are required")
	}

	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Bind(p.bindDN(), p.bindPass()); err != nil {
		return nil, authErr(CodeProviderError, "service bind failed: %v", err)
	}

	filter := strings.ReplaceAll(p.userFilter(), "{{username}}", ldap.EscapeFilter(creds.Username))
	res, err := conn.Search(ldap.NewSearchRequest(
		p.baseDN(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false, filter,
		[]string{"dn", p.emailAttr(), p.nameAttr()}, nil,
	))
	if err != nil {
		return nil, authErr(CodeProviderError, "ldap search failed: %v", err)
	}
	if len(res.Entries) == 0 {
		return nil, authErr(CodeInvalidCredentials, "invalid username or password")
	}
	if len(res.Entries) > 1 {
		return nil, authErr(CodeProviderError, "userFilter matched %d entries", len(res.Entries))
	}
	entry := res.Entries[0]

	// The user bind is the actual password check.
	if err := conn.Bind(entry.DN, creds.Password); err != nil {
		return nil, authErr(CodeInvalidCredentials, "invalid username or password")
	}

	email := database.NormalizeEmail(entry.GetAttributeValue(p.emailAttr()))
	if email == "" {
		return nil, authErr(CodeMissingEmail, "directory entry has no %s attribute", p.emailAttr())
	}
	name := entry.GetAttributeValue(p.nameAttr())
	if name == "" {
		name = creds.Username
	}

	return &Result{
		ProviderUserID: entry.DN,
		Email:          email,
		Name:           name,
		Metadata:       map[string]interface{}{"dn": entry.DN},
	}, nil
}

func (p *LDAPProvider) TestConnection(ctx context.Context) error {
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(p.bindDN(), p.bindPass()); err != nil {
		return authErr(CodeProviderError, "service bind failed: %v", err)
	}
	return nil
}
