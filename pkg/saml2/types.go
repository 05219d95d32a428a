package saml2

import (
	"errors"
	"fmt"
)

// ============================================================================
// Namespaces
// ============================================================================

// XML namespace URIs used by the SAML 2.0 protocol.
const (
	// ProtocolNamespace is the SAML 2.0 protocol namespace (samlp / saml2p)
	ProtocolNamespace = "urn:oasis:names:tc:SAML:2.0:protocol"

	// AssertionNamespace is the SAML 2.0 assertion namespace (saml / saml2)
	AssertionNamespace = "urn:oasis:names:tc:SAML:2.0:assertion"

	// XMLDSigNamespace is the XML digital signature namespace (ds)
	XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

	// XMLEncNamespace is the XML encryption namespace (xenc)
	XMLEncNamespace = "http://www.w3.org/2001/04/xmlenc#"

	// XMLEnc11Namespace is the XML encryption 1.1 namespace (xenc11)
	XMLEnc11Namespace = "http://www.w3.org/2009/xmlenc11#"

	// SOAPEnvelopeNamespace is the SOAP 1.1 envelope namespace
	SOAPEnvelopeNamespace = "http://schemas.xmlsoap.org/soap/envelope/"
)

// SAMLVersion is the supported SAML version.
const SAMLVersion = "2.0"

// Message parameter names used on the wire by every binding.
const (
	// MessageNameRequest is the query/form field carrying a request
	MessageNameRequest = "SAMLRequest"

	// MessageNameResponse is the query/form field carrying a response
	MessageNameResponse = "SAMLResponse"
)

// MaxRelayStateLength is the binding-level cap on relay state (octets),
// per SAML2 Bindings 3.4.3 / 3.5.3.
const MaxRelayStateLength = 80

// SubjectConfirmationBearer is the bearer subject confirmation method.
const SubjectConfirmationBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

// ============================================================================
// Binding Types
// ============================================================================

// BindingType identifies a SAML transport binding.
type BindingType string

const (
	// BindingHTTPRedirect is the HTTP-Redirect binding
	BindingHTTPRedirect BindingType = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"

	// BindingHTTPPost is the HTTP-POST binding
	BindingHTTPPost BindingType = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"

	// BindingHTTPArtifact is the HTTP-Artifact binding
	BindingHTTPArtifact BindingType = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Artifact"
)

// AllBindingTypes returns all supported binding types.
func AllBindingTypes() []BindingType {
	return []BindingType{
		BindingHTTPRedirect,
		BindingHTTPPost,
		BindingHTTPArtifact,
	}
}

// IsValidBindingType checks if a binding type is supported.
func IsValidBindingType(t BindingType) bool {
	for _, valid := range AllBindingTypes() {
		if t == valid {
			return true
		}
	}
	return false
}

// ============================================================================
// Validation Error Family
// ============================================================================

// ValidationErrorKind discriminates the ways response validation can fail.
type ValidationErrorKind string

const (
	// KindNotSigned indicates a required signature element was absent
	KindNotSigned ValidationErrorKind = "not_signed"

	// KindNoReference indicates SignedInfo contained zero References
	KindNoReference ValidationErrorKind = "no_reference"

	// KindMultipleReferences indicates SignedInfo contained more than one Reference
	KindMultipleReferences ValidationErrorKind = "multiple_references"

	// KindReferenceMismatch indicates the Reference URI did not target the signed root
	KindReferenceMismatch ValidationErrorKind = "reference_mismatch"

	// KindDisallowedTransform indicates a transform outside the allow-list
	KindDisallowedTransform ValidationErrorKind = "disallowed_transform"

	// KindWeakAlgorithm indicates a SHA-1 based signature or digest algorithm
	KindWeakAlgorithm ValidationErrorKind = "weak_algorithm"

	// KindSignatureInvalid indicates no candidate key verified the signature
	KindSignatureInvalid ValidationErrorKind = "signature_invalid"

	// KindSHA256NotRegistered indicates the platform has no SHA-256 implementation linked
	KindSHA256NotRegistered ValidationErrorKind = "sha256_not_registered"

	// KindUnsignedAssertion indicates an unsigned response carried an unsigned assertion
	KindUnsignedAssertion ValidationErrorKind = "unsigned_assertion"

	// KindDecryptionFailed indicates no configured key decrypted an EncryptedAssertion
	KindDecryptionFailed ValidationErrorKind = "decryption_failed"

	// KindNoDecryptionKey indicates encrypted assertions with no private keys configured
	KindNoDecryptionKey ValidationErrorKind = "no_decryption_key"

	// KindUnsolicitedNotAllowed indicates an unsolicited response from an IdP that disallows them
	KindUnsolicitedNotAllowed ValidationErrorKind = "unsolicited_not_allowed"

	// KindReplayedOrUnknownRelayState indicates a pending-table miss
	KindReplayedOrUnknownRelayState ValidationErrorKind = "replayed_or_unknown_relay_state"

	// KindInResponseToMismatch indicates InResponseTo disagreed with the stored request
	KindInResponseToMismatch ValidationErrorKind = "in_response_to_mismatch"

	// KindIssuerMismatch indicates the issuer disagreed with the stored request's IdP
	KindIssuerMismatch ValidationErrorKind = "issuer_mismatch"

	// KindUnsuccessfulStatus indicates a non-Success status at claims extraction
	KindUnsuccessfulStatus ValidationErrorKind = "unsuccessful_status"

	// KindConditionNotMet indicates a failed NotBefore/NotOnOrAfter/audience condition
	KindConditionNotMet ValidationErrorKind = "condition_not_met"

	// KindAssertionReplayed indicates an assertion ID seen within the replay window
	KindAssertionReplayed ValidationErrorKind = "assertion_replayed"

	// KindArtifactResolutionFailed indicates a back-channel resolve error
	KindArtifactResolutionFailed ValidationErrorKind = "artifact_resolution_failed"

	// KindXMLMalformed indicates the element is not a SAML message or has a bad version
	KindXMLMalformed ValidationErrorKind = "xml_malformed"
)

// ValidationError is the single error family raised by response validation.
// Hosts translate it to an HTTP status and log the structured detail; the
// detail text must not reach end users.
type ValidationError struct {
	// Kind discriminates the failure
	Kind ValidationErrorKind

	// Detail is a short operator-facing description
	Detail string

	// Status carries the response status for KindUnsuccessfulStatus
	Status Saml2StatusCode

	// StatusMessage carries the StatusMessage text, if any
	StatusMessage string

	// SecondLevelStatus carries the nested StatusCode URI verbatim, if any
	SecondLevelStatus string

	cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("saml2: response validation failed (%s)", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *ValidationError) Unwrap() error {
	return e.cause
}

// Is reports kind equality, so sentinel-style comparisons work with errors.Is.
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// newValidationError builds a ValidationError with a kind and detail.
func newValidationError(kind ValidationErrorKind, detail string) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail}
}

// wrapValidationError builds a ValidationError wrapping an underlying cause.
func wrapValidationError(kind ValidationErrorKind, detail string, cause error) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail, cause: cause}
}

// ValidationKind extracts the kind from an error, if it belongs to the
// validation family.
func ValidationKind(err error) (ValidationErrorKind, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	return "", false
}

// ============================================================================
// Infrastructure Errors
// ============================================================================

var (
	// ErrUnknownIdentityProvider is returned when no configured IdP matches
	ErrUnknownIdentityProvider = errors.New("identity provider not configured")

	// ErrUnsupportedBinding is returned when no binding can handle a request
	ErrUnsupportedBinding = errors.New("unsupported SAML binding")

	// ErrStateKeyExists is returned on a pending-table key collision
	ErrStateKeyExists = errors.New("request state key already exists")

	// ErrInvalidArtifact is returned when an artifact fails to decode
	ErrInvalidArtifact = errors.New("invalid SAML artifact")

	// ErrRelayStateTooLong is returned when relay state exceeds 80 octets
	ErrRelayStateTooLong = errors.New("relay state exceeds 80 octets")

	// ErrNoSigningKey is returned when a signing operation has no usable key
	ErrNoSigningKey = errors.New("no signing key configured")
)
