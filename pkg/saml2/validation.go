package saml2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/etree"
)

// ============================================================================
// Claims
// ============================================================================

// AssertionClaims is the identity extracted from one validated assertion.
type AssertionClaims struct {
	// AssertionID is the assertion's ID
	AssertionID Saml2ID `json:"assertion_id"`

	// Issuer is the asserting entity ID
	Issuer string `json:"issuer"`

	// NameID is the subject identifier
	NameID string `json:"name_id"`

	// NameIDFormat is the subject identifier format, if any
	NameIDFormat string `json:"name_id_format,omitempty"`

	// SessionIndex is the IdP session index, if any
	SessionIndex string `json:"session_index,omitempty"`

	// AuthnInstant is when authentication occurred
	AuthnInstant time.Time `json:"authn_instant"`

	// AuthnContextClassRef is the authentication context class
	AuthnContextClassRef string `json:"authn_context_class_ref,omitempty"`

	// NotBefore is the assertion's validity start, if stated
	NotBefore time.Time `json:"not_before,omitempty"`

	// NotOnOrAfter is the assertion's expiry, if stated
	NotOnOrAfter time.Time `json:"not_on_or_after,omitempty"`

	// Attributes maps attribute names (and friendly names) to values
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// ============================================================================
// Assertion Replay Cache
// ============================================================================

// replayCache tracks assertion IDs for a bounded window.
type replayCache struct {
	mu  sync.Mutex
	ids map[string]time.Time // assertion ID -> expiry
}

// newReplayCache creates an empty replay cache.
func newReplayCache() *replayCache {
	return &replayCache{ids: make(map[string]time.Time)}
}

// checkAndStore records an assertion ID, reporting false if the ID was
// already seen and has not expired. Expired entries are pruned inline.
func (c *replayCache) checkAndStore(id string, expiry time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for seen, exp := range c.ids {
		if now.After(exp) {
			delete(c.ids, seen)
		}
	}

	if exp, exists := c.ids[id]; exists && now.Before(exp) {
		return false
	}
	c.ids[id] = expiry
	return true
}

// ============================================================================
// Response Validation
// ============================================================================

// Validate runs the response validation state machine: correlation,
// decryption, signature policy, status gate, and claims extraction. The
// transition Unvalidated -> Validated happens at most once; repeated calls
// replay the memoized outcome without re-running cryptography, and
// concurrent first callers observe a single consistent result.
func (r *Response) Validate(ctx context.Context, opts *Options) ([]AssertionClaims, error) {
	r.validateOnce.Do(func() {
		r.claims, r.validationErr = r.validate(ctx, opts)

		if r.validationErr != nil {
			kind, _ := ValidationKind(r.validationErr)
			opts.Logger.Warn().
				Str("response_id", r.id.String()).
				Str("issuer", r.issuer).
				Str("kind", string(kind)).
				Msg("response validation failed")
		} else {
			opts.Logger.Debug().
				Str("response_id", r.id.String()).
				Str("issuer", r.issuer).
				Int("assertions", len(r.assertions)).
				Msg("response validated")
		}
	})
	return r.claims, r.validationErr
}

// validate performs the first (and only) validation pass.
func (r *Response) validate(ctx context.Context, opts *Options) ([]AssertionClaims, error) {
	idp, ok := opts.IdentityProvider(r.issuer)
	if !ok {
		return nil, newValidationError(KindIssuerMismatch, "issuer "+r.issuer+" is not a configured IdP")
	}

	if err := r.checkCorrelation(ctx, idp, opts); err != nil {
		return nil, err
	}

	decryptor := NewAssertionDecryptor(opts.SP.DecryptionKeys...)
	assertions, err := decryptor.DecryptResponseAssertions(r.Element())
	if err != nil {
		return nil, err
	}
	r.assertions = assertions

	if err := r.checkSignatures(idp); err != nil {
		return nil, err
	}

	if r.status != StatusSuccess {
		return nil, &ValidationError{
			Kind:              KindUnsuccessfulStatus,
			Detail:            "response status is " + string(r.status),
			Status:            r.status,
			StatusMessage:     r.statusMessage,
			SecondLevelStatus: r.secondLevelStatus,
		}
	}

	claims := make([]AssertionClaims, 0, len(r.assertions))
	for _, assertion := range r.assertions {
		extracted, err := extractClaims(assertion, opts)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *extracted)
	}

	return claims, nil
}

// checkCorrelation enforces InResponseTo matching against the pending
// table. Unsolicited responses pass only when the IdP allows them.
func (r *Response) checkCorrelation(ctx context.Context, idp *IdentityProvider, opts *Options) error {
	if r.inResponseTo == "" {
		if !idp.AllowUnsolicitedAuthnResponse {
			return newValidationError(KindUnsolicitedNotAllowed,
				"unsolicited response from "+r.issuer)
		}
		return nil
	}

	state, err := opts.RequestStore.TryRemove(ctx, r.relayState)
	if err != nil {
		return fmt.Errorf("pending-request table failed: %w", err)
	}
	if state == nil {
		return newValidationError(KindReplayedOrUnknownRelayState,
			"no pending request for the presented relay state")
	}
	if state.MessageID != r.inResponseTo {
		return newValidationError(KindInResponseToMismatch,
			"InResponseTo does not match the pending request's message ID")
	}
	if state.Idp != r.issuer {
		return newValidationError(KindIssuerMismatch,
			"response issuer does not match the pending request's IdP")
	}

	r.requestState = state
	return nil
}

// checkSignatures applies the signature policy: a signed response root is
// sufficient; otherwise every assertion must be individually signed.
func (r *Response) checkSignatures(idp *IdentityProvider) error {
	certs := idp.SigningCertificates()

	err := VerifySignedElement(r.Element(), certs)
	if err == nil {
		return nil
	}

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != KindNotSigned {
		return err
	}

	// response unsigned: fall back to per-assertion signatures
	if len(r.assertions) == 0 {
		return newValidationError(KindNotSigned, "response is unsigned and carries no assertions")
	}
	for _, assertion := range r.assertions {
		if err := VerifySignedElement(assertion, certs); err != nil {
			if errors.As(err, &verr) && verr.Kind == KindNotSigned {
				return newValidationError(KindUnsignedAssertion,
					"response is unsigned and an assertion is unsigned")
			}
			return err
		}
	}
	return nil
}

// extractClaims parses one assertion into claims, enforcing conditions and
// replay detection. The assertion's signature is removed from the reader's
// view first so it is not reprocessed as content.
func extractClaims(assertion *etree.Element, opts *Options) (*AssertionClaims, error) {
	a := assertion.Copy()
	if sig := childElement(a, XMLDSigNamespace, "Signature"); sig != nil {
		a.RemoveChild(sig)
	}

	id := a.SelectAttrValue("ID", "")
	if id == "" {
		return nil, newValidationError(KindXMLMalformed, "assertion has no ID")
	}

	claims := &AssertionClaims{
		AssertionID: Saml2ID(id),
		Attributes:  make(map[string][]string),
	}

	if issuerEl := childElement(a, AssertionNamespace, "Issuer"); issuerEl != nil {
		claims.Issuer = trimmedText(issuerEl)
	}

	bearer := false
	if subject := childElement(a, AssertionNamespace, "Subject"); subject != nil {
		if nameID := childElement(subject, AssertionNamespace, "NameID"); nameID != nil {
			claims.NameID = trimmedText(nameID)
			claims.NameIDFormat = nameID.SelectAttrValue("Format", "")
		}
		for _, confirmation := range childElements(subject, AssertionNamespace, "SubjectConfirmation") {
			if confirmation.SelectAttrValue("Method", "") == SubjectConfirmationBearer {
				bearer = true
			}
		}
	}

	skew := opts.SP.clockSkew()
	now := time.Now()
	if conditions := childElement(a, AssertionNamespace, "Conditions"); conditions != nil {
		if nb := conditions.SelectAttrValue("NotBefore", ""); nb != "" {
			notBefore, err := parseInstant(nb)
			if err != nil {
				return nil, wrapValidationError(KindXMLMalformed, "bad NotBefore", err)
			}
			claims.NotBefore = notBefore
			if now.Add(skew).Before(notBefore) {
				return nil, newValidationError(KindConditionNotMet, "assertion is not yet valid")
			}
		}
		if noa := conditions.SelectAttrValue("NotOnOrAfter", ""); noa != "" {
			notOnOrAfter, err := parseInstant(noa)
			if err != nil {
				return nil, wrapValidationError(KindXMLMalformed, "bad NotOnOrAfter", err)
			}
			claims.NotOnOrAfter = notOnOrAfter
			if now.Add(-skew).After(notOnOrAfter) || now.Add(-skew).Equal(notOnOrAfter) {
				return nil, newValidationError(KindConditionNotMet, "assertion has expired")
			}
		}

		if err := checkAudience(conditions, bearer, opts); err != nil {
			return nil, err
		}
	}

	// replay-token detection: the ID stays tracked until the assertion
	// itself expires, or for the configured window when no expiry is stated
	expiry := claims.NotOnOrAfter
	if expiry.IsZero() {
		expiry = now.Add(opts.SP.replayWindow())
	}
	if !opts.replayTracker().checkAndStore(id, expiry) {
		return nil, newValidationError(KindAssertionReplayed, "assertion ID was already presented")
	}

	if statement := childElement(a, AssertionNamespace, "AuthnStatement"); statement != nil {
		if instant := statement.SelectAttrValue("AuthnInstant", ""); instant != "" {
			if t, err := parseInstant(instant); err == nil {
				claims.AuthnInstant = t
			}
		}
		claims.SessionIndex = statement.SelectAttrValue("SessionIndex", "")
		if authnContext := childElement(statement, AssertionNamespace, "AuthnContext"); authnContext != nil {
			if classRef := childElement(authnContext, AssertionNamespace, "AuthnContextClassRef"); classRef != nil {
				claims.AuthnContextClassRef = trimmedText(classRef)
			}
		}
	}

	if statement := childElement(a, AssertionNamespace, "AttributeStatement"); statement != nil {
		for _, attr := range childElements(statement, AssertionNamespace, "Attribute") {
			var values []string
			for _, valueEl := range childElements(attr, AssertionNamespace, "AttributeValue") {
				values = append(values, trimmedText(valueEl))
			}
			name := attr.SelectAttrValue("Name", "")
			if name != "" {
				claims.Attributes[name] = values
			}
			if friendly := attr.SelectAttrValue("FriendlyName", ""); friendly != "" {
				claims.Attributes[friendly] = values
			}
		}
	}

	return claims, nil
}

// checkAudience enforces AudienceRestriction per the configured mode.
func checkAudience(conditions *etree.Element, bearer bool, opts *Options) error {
	mode := opts.SP.AudienceMode
	if mode == "" {
		mode = AudienceModeAlways
	}
	if mode == AudienceModeNever {
		return nil
	}
	if mode == AudienceModeIfBearer && !bearer {
		return nil
	}

	restrictions := childElements(conditions, AssertionNamespace, "AudienceRestriction")
	if len(restrictions) == 0 {
		return nil
	}

	for _, restriction := range restrictions {
		matched := false
		for _, audience := range childElements(restriction, AssertionNamespace, "Audience") {
			if trimmedText(audience) == opts.SP.EntityID {
				matched = true
				break
			}
		}
		if !matched {
			return newValidationError(KindConditionNotMet,
				"audience restriction does not include this SP")
		}
	}
	return nil
}
