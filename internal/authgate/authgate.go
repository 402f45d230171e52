// Package authgate enforces the 10-second post-accept authentication
// window and the constant-time token check every connection must pass
// before it is handed to the router.
package authgate

import (
	"crypto/subtle"
	"time"
)

// CloseReason names why a connection was rejected, carrying the WebSocket
// close code the gateway should send.
type CloseReason struct {
	Code    int
	Message string
}

var (
	// CloseAuthTimeout is sent when no auth frame arrives within the window.
	CloseAuthTimeout = CloseReason{Code: 4001, Message: "authentication timeout"}
	// CloseInvalidToken is sent when the presented token does not match.
	CloseInvalidToken = CloseReason{Code: 4003, Message: "invalid authentication token"}
)

const window = 10 * time.Second

// Gate arms a single 10-second timer per connection and validates the
// token presented in the auth frame against the current value returned
// by TokenFunc — called fresh on every check so a rotation mid-window is
// observed.
type Gate struct {
	TokenFunc func() (string, error)
}

func New(tokenFunc func() (string, error)) *Gate {
	return &Gate{TokenFunc: tokenFunc}
}

// Timer returns a timer that fires after the authentication window
// elapses. Callers must stop it once authentication succeeds.
func (g *Gate) Timer() *time.Timer {
	return time.NewTimer(window)
}

// Check validates a presented token. A returned ok of false always pairs
// with a CloseReason identifying why.
func (g *Gate) Check(presented string) (ok bool, reason CloseReason) {
	expected, err := g.TokenFunc()
	if err != nil {
		return false, CloseInvalidToken
	}
	if !tokensEqual(presented, expected) {
		return false, CloseInvalidToken
	}
	return true, CloseReason{}
}

// tokensEqual is constant-time for equal-length inputs. Differing lengths
// are rejected outright — the length of a hex-encoded token is not
// secret, only its content is.
func tokensEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
