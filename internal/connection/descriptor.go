// Package connection defines the connection descriptor: the single input the
// pool layer needs to reach a user-configured database target. Descriptors are
// owned by the configuration layer and treated as immutable once handed to the
// pool registry.
package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind identifies the database engine behind a descriptor. The set is closed:
// two networked engines and one embedded file engine.
type Kind string

const (
	KindMySQL    Kind = "mysql"
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
)

// ParseKind converts a user-supplied engine name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMySQL:
		return KindMySQL, nil
	case KindPostgres:
		return KindPostgres, nil
	case KindSQLite:
		return KindSQLite, nil
	default:
		return "", fmt.Errorf("unsupported engine kind: %q (expected mysql, postgres, or sqlite)", s)
	}
}

// Networked reports whether the engine speaks to a remote server. Only
// networked engines can be tunneled.
func (k Kind) Networked() bool {
	return k == KindMySQL || k == KindPostgres
}

// SSHAuthMethod selects how the tunnel authenticates to the SSH host.
type SSHAuthMethod string

const (
	SSHAuthPassword   SSHAuthMethod = "password"
	SSHAuthPrivateKey SSHAuthMethod = "private-key"
)

// SSHConfig describes an optional SSH tunnel for a networked descriptor.
type SSHConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	User       string        `yaml:"user" json:"user"`
	AuthMethod SSHAuthMethod `yaml:"auth_method" json:"authMethod"`
	Password   string        `yaml:"password" json:"password,omitempty"`
	PrivateKey string        `yaml:"private_key" json:"privateKey,omitempty"` // PEM-encoded
	Passphrase string        `yaml:"passphrase" json:"passphrase,omitempty"`
}

// Descriptor identifies one configured database target. ID is an opaque
// string, unique per target, and is the key under which the registry tracks
// the target's pool and tunnel.
type Descriptor struct {
	ID       string `yaml:"id" json:"id"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Host     string `yaml:"host" json:"host,omitempty"`
	Port     int    `yaml:"port" json:"port,omitempty"`
	User     string `yaml:"user" json:"user,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	Database string `yaml:"database" json:"database,omitempty"`
	FilePath string `yaml:"file_path" json:"filePath,omitempty"` // sqlite only
	TLS      bool   `yaml:"tls" json:"tls,omitempty"`

	SSH *SSHConfig `yaml:"ssh" json:"ssh,omitempty"`

	// QueryTimeoutMs overrides the executor's default query timeout for this
	// target. Zero means "use the default".
	QueryTimeoutMs int `yaml:"query_timeout_ms" json:"queryTimeoutMs,omitempty"`
}

// Validate checks that the descriptor carries the fields its engine kind
// requires. Failures here are configuration bugs, not runtime conditions.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor missing id")
	}
	switch d.Kind {
	case KindMySQL, KindPostgres:
		if d.Host == "" {
			return fmt.Errorf("descriptor %q: missing host", d.ID)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("descriptor %q: invalid port %d", d.ID, d.Port)
		}
	case KindSQLite:
		if d.FilePath == "" {
			return fmt.Errorf("descriptor %q: missing file path", d.ID)
		}
		if d.SSH != nil && d.SSH.Enabled {
			return fmt.Errorf("descriptor %q: ssh tunneling is not applicable to sqlite", d.ID)
		}
	default:
		return fmt.Errorf("descriptor %q: unsupported engine kind %q", d.ID, d.Kind)
	}
	if d.SSH != nil && d.SSH.Enabled {
		if d.SSH.Host == "" || d.SSH.User == "" {
			return fmt.Errorf("descriptor %q: ssh config missing host or user", d.ID)
		}
		switch d.SSH.AuthMethod {
		case SSHAuthPassword, SSHAuthPrivateKey:
		default:
			return fmt.Errorf("descriptor %q: unsupported ssh auth method %q", d.ID, d.SSH.AuthMethod)
		}
	}
	return nil
}

// TunnelEnabled reports whether this descriptor asks for an SSH tunnel and
// its engine can use one.
func (d *Descriptor) TunnelEnabled() bool {
	return d.SSH != nil && d.SSH.Enabled && d.Kind.Networked()
}

// DSN builds the driver connection string for the descriptor, pointed at the
// given endpoint. The endpoint differs from d.Host/d.Port when a tunnel is in
// play (127.0.0.1:localPort); callers pass d.Host/d.Port for the direct case.
func (d *Descriptor) DSN(host string, port int) string {
	switch d.Kind {
	case KindMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, host, port, d.Database)
		if d.TLS {
			dsn += "&tls=true"
		}
		return dsn
	case KindPostgres:
		sslmode := "disable"
		if d.TLS {
			sslmode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.PathEscape(d.User), url.PathEscape(d.Password), host, port, d.Database, sslmode)
	case KindSQLite:
		return d.FilePath
	}
	return ""
}
