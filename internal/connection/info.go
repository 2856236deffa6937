// Package connection describes how a local mirror reaches its remote
// database.
//
// # Overview
//
// Info is a plain comparable value: two Info values describe the same remote
// endpoint iff they are == equal. The registry relies on this to decide
// whether a new sync setup is a no-op. Overlay carries optional per-field
// overrides taken from listing and project documents; Materialize applies
// overlays on top of a base Info, rightmost overlay winning per field.
//
// Key Types
//
//   - type Info: protocol, host, port, database name, bearer token
//   - type Overlay: optional overrides decoded from JSON documents
//   - type Token: unverified view of a cluster JWT
//
// Typical Usage
//
//	base, _ := connection.ParseURL("https://couch.example.org/directory")
//	info := connection.Materialize(base, listing.ProjectsDB, &connection.Overlay{DBName: connection.String("projects")})
//	if tok, ok := tokens(listing.ID); ok {
//	    info = info.WithToken(tok)
//	}
package connection

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	ProtocolHTTP     = "http"
	ProtocolHTTPS    = "https"
	ProtocolPostgres = "postgres"
)

// Info is the immutable descriptor of a remote database endpoint.
type Info struct {
	Protocol string `json:"proto"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	JWTToken string `json:"jwt_token,omitempty"`
}

// Overlay holds optional overrides for Info. Nil fields leave the base value
// unchanged.
type Overlay struct {
	Protocol *string `json:"proto,omitempty"`
	Host     *string `json:"host,omitempty"`
	Port     *int    `json:"port,omitempty"`
	DBName   *string `json:"db_name,omitempty"`
	JWTToken *string `json:"jwt_token,omitempty"`
}

// String returns a pointer to s, for building overlays inline.
func String(s string) *string { return &s }

// Int returns a pointer to i, for building overlays inline.
func Int(i int) *int { return &i }

// Materialize applies overlays to base from left to right.
func Materialize(base Info, overlays ...*Overlay) Info {
	out := base
	for _, o := range overlays {
		if o == nil {
			continue
		}
		if o.Protocol != nil {
			out.Protocol = *o.Protocol
		}
		if o.Host != nil {
			out.Host = *o.Host
		}
		if o.Port != nil {
			out.Port = *o.Port
		}
		if o.DBName != nil {
			out.DBName = *o.DBName
		}
		if o.JWTToken != nil {
			out.JWTToken = *o.JWTToken
		}
	}
	return out
}

// WithDBName returns a copy of i pointing at another database on the same
// server.
func (i Info) WithDBName(name string) Info {
	i.DBName = name
	return i
}

// WithToken returns a copy of i carrying the given bearer token.
func (i Info) WithToken(token string) Info {
	i.JWTToken = token
	return i
}

// IsZero reports whether i is the zero Info, used for local-only mirrors.
func (i Info) IsZero() bool {
	return i == Info{}
}

// ServerURL renders protocol://host:port without the database name.
func (i Info) ServerURL() string {
	host := i.Host
	if i.Port != 0 {
		host = host + ":" + strconv.Itoa(i.Port)
	}
	return i.Protocol + "://" + host
}

// URL renders protocol://host:port/db_name. The token is never included.
func (i Info) URL() string {
	return i.ServerURL() + "/" + url.PathEscape(i.DBName)
}

// String implements fmt.Stringer without leaking the token.
func (i Info) String() string {
	return i.URL()
}

// ParseURL parses protocol://host[:port]/db_name into an Info. Default ports
// are filled in for the known protocols.
func ParseURL(raw string) (Info, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Info{}, fmt.Errorf("failed to parse connection url[%s]: %w", raw, err)
	}

	info := Info{Protocol: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch info.Protocol {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolPostgres:
	case "postgresql":
		info.Protocol = ProtocolPostgres
	default:
		return Info{}, fmt.Errorf("unsupported connection protocol %q", u.Scheme)
	}
	if info.Host == "" {
		return Info{}, fmt.Errorf("connection url[%s] has no host", raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Info{}, fmt.Errorf("invalid port in connection url[%s]: %w", raw, err)
		}
		info.Port = port
	} else {
		info.Port = defaultPort(info.Protocol)
	}

	info.DBName = strings.Trim(u.Path, "/")
	return info, nil
}

func defaultPort(protocol string) int {
	switch protocol {
	case ProtocolHTTPS:
		return 443
	case ProtocolPostgres:
		return 5432
	default:
		return 5984
	}
}
