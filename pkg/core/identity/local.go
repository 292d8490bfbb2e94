// Package identity issues and resolves session codes when no session backend
// is deployed.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CodeLength is the number of characters in a session code.
const CodeLength = 6

var (
	ErrInvalidCode    = errors.New("identity: invalid session code")
	ErrUnknownSession = errors.New("identity: unknown session")
)

// Local hands out short uppercase hex codes derived from random UUIDs. With
// Strict set, JoinSession only accepts codes issued by this instance.
type Local struct {
	Strict bool

	mu       sync.Mutex
	sessions map[string]string
}

func NewLocal() *Local {
	return &Local{sessions: make(map[string]string)}
}

// StartSession issues a fresh code for a speaker session in languageCode.
func (l *Local) StartSession(ctx context.Context, languageCode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		code := newCode()
		if _, taken := l.sessions[code]; taken {
			continue
		}
		l.sessions[code] = languageCode
		return code, nil
	}
}

// JoinSession normalizes code and returns it as the session id.
func (l *Local) JoinSession(ctx context.Context, code string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized, err := Normalize(code)
	if err != nil {
		return "", err
	}
	if l.Strict {
		l.mu.Lock()
		_, ok := l.sessions[normalized]
		l.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownSession, normalized)
		}
	}
	return normalized, nil
}

// End forgets an issued code.
func (l *Local) End(code string) {
	l.mu.Lock()
	delete(l.sessions, strings.ToUpper(strings.TrimSpace(code)))
	l.mu.Unlock()
}

// Normalize uppercases code and checks that it is a well-formed session code.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return "", fmt.Errorf("%w: want %d characters, got %q", ErrInvalidCode, CodeLength, code)
	}
	for _, r := range code {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') {
			return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
		}
	}
	return code, nil
}

func newCode() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:CodeLength])
}
