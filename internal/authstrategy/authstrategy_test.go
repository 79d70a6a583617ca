package authstrategy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestBcryptStrategy_CorrectPassword(t *testing.T) {
	s := NewBcryptStrategy(map[string]string{"alice": hashFor(t, "s3cret")})
	err := s.Authenticate(nil, "alice", "s3cret")
	assert.NoError(t, err)
}

func TestBcryptStrategy_WrongPassword(t *testing.T) {
	s := NewBcryptStrategy(map[string]string{"alice": hashFor(t, "s3cret")})
	err := s.Authenticate(nil, "alice", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestBcryptStrategy_UnknownUsername(t *testing.T) {
	s := NewBcryptStrategy(map[string]string{"alice": hashFor(t, "s3cret")})
	err := s.Authenticate(nil, "bob", "s3cret")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSpiffeStrategy_RequiresTLSConnection(t *testing.T) {
	plain, _ := net.Pipe()
	defer plain.Close()

	s := &SpiffeStrategy{}
	err := s.Authenticate(plain, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a TLS connection")
}
