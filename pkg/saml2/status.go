package saml2

// ============================================================================
// Status Codes
// ============================================================================

// Saml2StatusCode enumerates the SAML 2.0 status codes (Core 3.2.2.2).
type Saml2StatusCode string

const (
	// StatusSuccess indicates the request succeeded
	StatusSuccess Saml2StatusCode = "success"

	// StatusRequester indicates an error attributed to the requester
	StatusRequester Saml2StatusCode = "requester"

	// StatusResponder indicates an error attributed to the responder
	StatusResponder Saml2StatusCode = "responder"

	// StatusVersionMismatch indicates a SAML version the responder cannot handle
	StatusVersionMismatch Saml2StatusCode = "version_mismatch"

	// StatusAuthnFailed indicates the principal could not be authenticated
	StatusAuthnFailed Saml2StatusCode = "authn_failed"

	// StatusInvalidAttrNameOrValue indicates bad attribute content
	StatusInvalidAttrNameOrValue Saml2StatusCode = "invalid_attr_name_or_value"

	// StatusInvalidNameIDPolicy indicates an unsatisfiable NameIDPolicy
	StatusInvalidNameIDPolicy Saml2StatusCode = "invalid_name_id_policy"

	// StatusNoAuthnContext indicates the requested authn context cannot be met
	StatusNoAuthnContext Saml2StatusCode = "no_authn_context"

	// StatusNoAvailableIdp indicates no supported IdP is available
	StatusNoAvailableIdp Saml2StatusCode = "no_available_idp"

	// StatusNoPassive indicates passive authentication was not possible
	StatusNoPassive Saml2StatusCode = "no_passive"

	// StatusNoSupportedIdp indicates none of the listed IdPs are supported
	StatusNoSupportedIdp Saml2StatusCode = "no_supported_idp"

	// StatusPartialLogout indicates logout did not propagate everywhere
	StatusPartialLogout Saml2StatusCode = "partial_logout"

	// StatusProxyCountExceeded indicates the proxy count was exhausted
	StatusProxyCountExceeded Saml2StatusCode = "proxy_count_exceeded"

	// StatusRequestDenied indicates the responder refused the request
	StatusRequestDenied Saml2StatusCode = "request_denied"

	// StatusRequestUnsupported indicates the request is not supported
	StatusRequestUnsupported Saml2StatusCode = "request_unsupported"

	// StatusRequestVersionDeprecated indicates a deprecated protocol version
	StatusRequestVersionDeprecated Saml2StatusCode = "request_version_deprecated"

	// StatusRequestVersionTooHigh indicates a too-new protocol version
	StatusRequestVersionTooHigh Saml2StatusCode = "request_version_too_high"

	// StatusRequestVersionTooLow indicates a too-old protocol version
	StatusRequestVersionTooLow Saml2StatusCode = "request_version_too_low"

	// StatusResourceNotRecognized indicates an unknown resource value
	StatusResourceNotRecognized Saml2StatusCode = "resource_not_recognized"

	// StatusTooManyResponses indicates the response would exceed size limits
	StatusTooManyResponses Saml2StatusCode = "too_many_responses"

	// StatusUnknownAttrProfile indicates an unknown attribute profile
	StatusUnknownAttrProfile Saml2StatusCode = "unknown_attr_profile"

	// StatusUnknownPrincipal indicates the principal is not recognized
	StatusUnknownPrincipal Saml2StatusCode = "unknown_principal"

	// StatusUnsupportedBinding indicates an unsupported protocol binding
	StatusUnsupportedBinding Saml2StatusCode = "unsupported_binding"
)

// statusURIs maps each status code to its stable URI.
var statusURIs = map[Saml2StatusCode]string{
	StatusSuccess:                  "urn:oasis:names:tc:SAML:2.0:status:Success",
	StatusRequester:                "urn:oasis:names:tc:SAML:2.0:status:Requester",
	StatusResponder:                "urn:oasis:names:tc:SAML:2.0:status:Responder",
	StatusVersionMismatch:          "urn:oasis:names:tc:SAML:2.0:status:VersionMismatch",
	StatusAuthnFailed:              "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed",
	StatusInvalidAttrNameOrValue:   "urn:oasis:names:tc:SAML:2.0:status:InvalidAttrNameOrValue",
	StatusInvalidNameIDPolicy:      "urn:oasis:names:tc:SAML:2.0:status:InvalidNameIDPolicy",
	StatusNoAuthnContext:           "urn:oasis:names:tc:SAML:2.0:status:NoAuthnContext",
	StatusNoAvailableIdp:           "urn:oasis:names:tc:SAML:2.0:status:NoAvailableIDP",
	StatusNoPassive:                "urn:oasis:names:tc:SAML:2.0:status:NoPassive",
	StatusNoSupportedIdp:           "urn:oasis:names:tc:SAML:2.0:status:NoSupportedIDP",
	StatusPartialLogout:            "urn:oasis:names:tc:SAML:2.0:status:PartialLogout",
	StatusProxyCountExceeded:       "urn:oasis:names:tc:SAML:2.0:status:ProxyCountExceeded",
	StatusRequestDenied:            "urn:oasis:names:tc:SAML:2.0:status:RequestDenied",
	StatusRequestUnsupported:       "urn:oasis:names:tc:SAML:2.0:status:RequestUnsupported",
	StatusRequestVersionDeprecated: "urn:oasis:names:tc:SAML:2.0:status:RequestVersionDeprecated",
	StatusRequestVersionTooHigh:    "urn:oasis:names:tc:SAML:2.0:status:RequestVersionTooHigh",
	StatusRequestVersionTooLow:     "urn:oasis:names:tc:SAML:2.0:status:RequestVersionTooLow",
	StatusResourceNotRecognized:    "urn:oasis:names:tc:SAML:2.0:status:ResourceNotRecognized",
	StatusTooManyResponses:         "urn:oasis:names:tc:SAML:2.0:status:TooManyResponses",
	StatusUnknownAttrProfile:       "urn:oasis:names:tc:SAML:2.0:status:UnknownAttrProfile",
	StatusUnknownPrincipal:         "urn:oasis:names:tc:SAML:2.0:status:UnknownPrincipal",
	StatusUnsupportedBinding:       "urn:oasis:names:tc:SAML:2.0:status:UnsupportedBinding",
}

// statusFromURI is the reverse of statusURIs, built once at init.
var statusFromURI = func() map[string]Saml2StatusCode {
	m := make(map[string]Saml2StatusCode, len(statusURIs))
	for code, uri := range statusURIs {
		m[uri] = code
	}
	return m
}()

// URI returns the stable URI for a status code, or the empty string for an
// unknown code.
func (s Saml2StatusCode) URI() string {
	return statusURIs[s]
}

// StatusFromURI maps a status URI back to its code.
func StatusFromURI(uri string) (Saml2StatusCode, bool) {
	code, ok := statusFromURI[uri]
	return code, ok
}

// AllStatusCodes returns all known status codes.
func AllStatusCodes() []Saml2StatusCode {
	codes := make([]Saml2StatusCode, 0, len(statusURIs))
	for code := range statusURIs {
		codes = append(codes, code)
	}
	return codes
}

// IsValidStatusCode checks if a status code is known.
func IsValidStatusCode(s Saml2StatusCode) bool {
	_, ok := statusURIs[s]
	return ok
}
