// Package authstrategy verifies the credentials a counterparty presents on
// Logon (spec.md §4.1/§4.2). The Framer calls Authenticate synchronously
// from OnFrame before completing a hand-off — implementations must not
// block the event loop, so network-backed strategies (SPIFFE) resolve their
// workload API source once at construction time, not per call.
package authstrategy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"golang.org/x/crypto/bcrypt"
)

// ErrAuthFailed is returned when credentials don't check out.
var ErrAuthFailed = errors.New("authstrategy: authentication failed")

// Strategy authenticates a Logon attempt arriving on conn with the given
// username/password fields (FIX tags 553/554), per spec.md §4.1.
type Strategy interface {
	Authenticate(conn net.Conn, username, password string) error
}

// BcryptStrategy checks a username/password pair against a table of bcrypt
// hashes, the same hashing library the rest of the pack uses for password
// storage.
type BcryptStrategy struct {
	// hashes maps username to its bcrypt hash of the expected password.
	hashes map[string]string
}

// NewBcryptStrategy builds a strategy from a username->bcrypt-hash table.
func NewBcryptStrategy(hashes map[string]string) *BcryptStrategy {
	return &BcryptStrategy{hashes: hashes}
}

// Authenticate implements Strategy.
func (b *BcryptStrategy) Authenticate(_ net.Conn, username, password string) error {
	hash, ok := b.hashes[username]
	if !ok {
		return ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrAuthFailed
	}
	return nil
}

// SpiffeStrategy authenticates a counterparty by its mTLS peer certificate's
// SPIFFE SVID rather than a username/password pair, for counterparties that
// terminate FIX over a SPIFFE-issued mTLS connection (spec.md §4.1 notes
// authentication is username/password OR "a configured alternative").
// Grounded on the teacher's internal/identity.SPIFFEVerifier and
// internal/federation's handshake verification, which resolve a
// workloadapi.X509Source once and verify SVIDs against it with
// spiffeid/x509svid rather than inspecting certificate fields by hand.
type SpiffeStrategy struct {
	source      *workloadapi.X509Source
	trustDomain spiffeid.TrustDomain
	allowed     map[spiffeid.ID]bool
}

// NewSpiffeStrategy connects to the SPIRE workload API at socketPath and
// builds a strategy that accepts any peer SVID under trustDomain whose ID
// path is "/agent/<id>" for an id in allowedAgentIDs.
func NewSpiffeStrategy(ctx context.Context, socketPath, trustDomain string, allowedAgentIDs []string) (*SpiffeStrategy, error) {
	var opts []workloadapi.X509SourceOption
	if socketPath != "" {
		opts = append(opts, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	}
	source, err := workloadapi.NewX509Source(ctx, opts...)
	if err != nil {
		return nil, err
	}

	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	allowed := make(map[spiffeid.ID]bool, len(allowedAgentIDs))
	for _, agentID := range allowedAgentIDs {
		id, err := GenerateSpiffeID(trustDomain, agentID)
		if err != nil {
			_ = source.Close()
			return nil, err
		}
		allowed[id] = true
	}

	return &SpiffeStrategy{source: source, trustDomain: td, allowed: allowed}, nil
}

// Authenticate implements Strategy. It ignores username/password and instead
// verifies conn's negotiated peer certificate chain as a SPIFFE SVID.
func (s *SpiffeStrategy) Authenticate(conn net.Conn, _, _ string) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return errors.New("authstrategy: spiffe strategy requires a TLS connection")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ErrAuthFailed
	}

	svid, err := x509svid.ParseAndVerify(state.PeerCertificates, s.source)
	if err != nil {
		return ErrAuthFailed
	}
	if svid.ID.TrustDomain() != s.trustDomain {
		return ErrAuthFailed
	}
	if !s.allowed[svid.ID] {
		return ErrAuthFailed
	}
	return nil
}

// Close releases the workload API connection.
func (s *SpiffeStrategy) Close() error { return s.source.Close() }

// GenerateSpiffeID builds the canonical SPIFFE ID for an agent under a trust
// domain, matching the shape the agent side is expected to present.
func GenerateSpiffeID(trustDomain, agentID string) (spiffeid.ID, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return spiffeid.ID{}, err
	}
	return spiffeid.FromSegments(td, "agent", agentID)
}
