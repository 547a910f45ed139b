package auth

import "fmt"

// DecisionKind is the result of a credential check.
type DecisionKind int

const (
	DecisionOk DecisionKind = iota
	DecisionSwitch
	DecisionDeny
)

// Decision is returned by a CredentialProvider in response to an
// authentication attempt, per the spec's Auth Engine design (§4.B):
// a provider may accept, ask the client to switch plugins, or deny.
type Decision struct {
	Kind   DecisionKind
	Plugin string // set when Kind == DecisionSwitch
}

// CredentialProvider validates a client's scrambled auth response and
// decides whether to accept, request a plugin switch, or deny.
type CredentialProvider interface {
	// Authenticate checks authResponse (the client's scrambled password)
	// against the credentials on file for user, given the salt the proxy
	// issued and the plugin the client used to compute the response.
	Authenticate(user string, authResponse, salt []byte, plugin string) (Decision, error)
	// Password returns the plaintext password on file for user, used by
	// the caching_sha2_password full-authentication sub-exchange (which
	// requires the cleartext password over an already-secure channel).
	Password(user string) (string, bool)
	// Database returns the default database to use when dialing a
	// backend on behalf of user, if any.
	Database(user string) (string, bool)
}

// StaticProvider is a CredentialProvider backed by an in-memory map of
// username -> password, the `static` built-in named in the spec's
// Design Notes registry of credential providers.
type StaticProvider struct {
	users map[string]staticUser
}

type staticUser struct {
	password string
	database string
	plugin   string
}

// NewStaticProvider returns an empty StaticProvider; users are added
// with AddUser.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{users: make(map[string]staticUser)}
}

// AddUser registers or replaces a user's credentials.
func (p *StaticProvider) AddUser(user, password, database, plugin string) {
	if plugin == "" {
		plugin = "mysql_native_password"
	}
	p.users[user] = staticUser{password: password, database: database, plugin: plugin}
}

func (p *StaticProvider) Authenticate(user string, authResponse, salt []byte, plugin string) (Decision, error) {
	u, ok := p.users[user]
	if !ok {
		return Decision{Kind: DecisionDeny}, fmt.Errorf("unknown user %q", user)
	}
	if plugin != u.plugin {
		return Decision{Kind: DecisionSwitch, Plugin: u.plugin}, nil
	}
	var ok2 bool
	switch plugin {
	case "mysql_native_password":
		ok2 = VerifyNativePassword([]byte(u.password), salt, authResponse)
	case "caching_sha2_password":
		ok2 = VerifyCachingSHA2([]byte(u.password), salt, authResponse)
	default:
		return Decision{Kind: DecisionDeny}, fmt.Errorf("unsupported plugin %q", plugin)
	}
	if !ok2 {
		return Decision{Kind: DecisionDeny}, nil
	}
	return Decision{Kind: DecisionOk}, nil
}

func (p *StaticProvider) Password(user string) (string, bool) {
	u, ok := p.users[user]
	return u.password, ok
}

func (p *StaticProvider) Database(user string) (string, bool) {
	u, ok := p.users[user]
	if !ok || u.database == "" {
		return "", false
	}
	return u.database, true
}
