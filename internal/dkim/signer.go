package dkim

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	msgdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// signedHeaders is the header set covered by every signature. Headers
// absent from the message are still listed, which seals them against
// later addition.
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID",
	"Reply-To", "MIME-Version", "Content-Type",
}

// Signer produces DKIM-Signature headers for outbound messages.
type Signer struct {
	keys *KeyStore
}

// NewSigner creates a signer over the given key store.
func NewSigner(keys *KeyStore) *Signer {
	return &Signer{keys: keys}
}

// SignResult reports which domain and selector signed a message.
type SignResult struct {
	Raw      []byte
	Domain   string
	Selector string
}

// Sign signs raw with the active key for signingDomain using
// relaxed/relaxed canonicalization and returns the message with the
// DKIM-Signature header prepended.
func (s *Signer) Sign(ctx context.Context, signingDomain string, raw []byte) (*SignResult, error) {
	key, priv, err := s.keys.signerFor(ctx, signingDomain)
	if err != nil {
		return nil, err
	}

	opts := &msgdkim.SignOptions{
		Domain:                 key.DomainName,
		Selector:               key.Selector,
		Signer:                 priv,
		HeaderCanonicalization: msgdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var buf bytes.Buffer
	if err := msgdkim.Sign(&buf, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("dkim: sign with %s/%s: %w", key.DomainName, key.Selector, err)
	}

	return &SignResult{
		Raw:      buf.Bytes(),
		Domain:   key.DomainName,
		Selector: key.Selector,
	}, nil
}

// SignWithFallback signs with the sender's own domain when it has an
// active key, otherwise with the system fallback domain. The returned
// result's Domain field tells the caller which path was taken.
func (s *Signer) SignWithFallback(ctx context.Context, senderDomain string, verified bool, raw []byte) (*SignResult, error) {
	if verified {
		res, err := s.Sign(ctx, senderDomain, raw)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNoActiveKey) {
			return nil, err
		}
		// Verified but keyless: fall through to the fallback domain so
		// the message still carries an aligned-enough signature
	}
	return s.Sign(ctx, s.keys.FallbackDomain(), raw)
}

// SigningDomainFor resolves which domain will sign a message from the
// given sender: the sender's own domain when it is verified and carries
// an active key, otherwise the system fallback domain. Callers use this
// before assembly so the From header can be aligned with the signature.
func (s *Signer) SigningDomainFor(ctx context.Context, senderDomain string, verified bool) string {
	normalized := domain.NormalizeDomain(senderDomain)
	if verified {
		if _, err := s.keys.ActiveKey(ctx, normalized); err == nil {
			return normalized
		}
	}
	return s.keys.FallbackDomain()
}

// UsedFallback reports whether a sign result used the system domain
// rather than the given sender domain.
func (s *Signer) UsedFallback(res *SignResult, senderDomain string) bool {
	return res.Domain != domain.NormalizeDomain(senderDomain)
}
