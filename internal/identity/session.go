package identity

// SessionProvider hands out the current access token for the client
// side of the connection. Implementations typically wrap whatever auth
// SDK the application uses.
type SessionProvider interface {
	Token() (string, error)
}

// StaticSession is a SessionProvider backed by a fixed token. The zero
// value represents an absent session.
type StaticSession string

func (s StaticSession) Token() (string, error) {
	if s == "" {
		return "", ErrNoSession
	}
	return string(s), nil
}
