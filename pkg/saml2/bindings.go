package saml2

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"hash"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxInflatedSize bounds DEFLATE expansion of Redirect payloads.
const maxInflatedSize = 10 << 20

// ============================================================================
// Binding Interface
// ============================================================================

// OutboundMessage is a protocol message ready to be put on the wire.
type OutboundMessage struct {
	// XML is the serialized message
	XML []byte

	// MessageName selects the wire parameter: SAMLRequest or SAMLResponse
	MessageName string

	// Destination is the peer endpoint URL
	Destination string

	// RelayState travels alongside the message; at most 80 octets
	RelayState string

	// SigningKey signs Redirect queries when set
	SigningKey *rsa.PrivateKey

	// Issuer identifies the sending entity; required for Artifact
	Issuer string

	// ArtifactEndpointIndex selects the resolution endpoint for Artifact
	ArtifactEndpointIndex uint16

	// Artifact overrides the generated artifact value, letting callers
	// correlate the stored message with the handle on the wire
	Artifact string
}

// UnboundMessage is the result of reversing a binding: the raw XML plus
// the out-of-band relay state.
type UnboundMessage struct {
	// Data is the raw message XML
	Data []byte

	// RelayState is the echoed relay state, if any
	RelayState string

	// Binding identifies the transport the message arrived on
	Binding BindingType

	// SignatureVerified is true when a Redirect query signature was
	// present and verified
	SignatureVerified bool
}

// Binding maps protocol messages onto an HTTP transport and back.
type Binding interface {
	// Bind serializes a message into the HTTP action that transmits it
	Bind(msg *OutboundMessage) (*CommandResult, error)

	// Unbind recovers the raw message and relay state from a request
	Unbind(ctx context.Context, req *HTTPRequestData, opts *Options) (*UnboundMessage, error)

	// CanUnbind reports whether the request looks like this binding
	CanUnbind(req *HTTPRequestData) bool
}

// Stateless cached binding instances.
var (
	redirectBindingInstance = &redirectBinding{}
	postBindingInstance     = &postBinding{}
	artifactBindingInstance = &artifactBinding{}
)

// GetBinding returns the cached binding for a binding type.
func GetBinding(t BindingType) (Binding, error) {
	switch t {
	case BindingHTTPRedirect:
		return redirectBindingInstance, nil
	case BindingHTTPPost:
		return postBindingInstance, nil
	case BindingHTTPArtifact:
		return artifactBindingInstance, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBinding, t)
	}
}

// ProbeBinding returns the first binding whose CanUnbind accepts the
// request, or nil if none match.
func ProbeBinding(req *HTTPRequestData) Binding {
	for _, b := range []Binding{artifactBindingInstance, redirectBindingInstance, postBindingInstance} {
		if b.CanUnbind(req) {
			return b
		}
	}
	return nil
}

// checkRelayState enforces the 80-octet binding constraint.
func checkRelayState(relayState string) error {
	if len(relayState) > MaxRelayStateLength {
		return ErrRelayStateTooLong
	}
	return nil
}

// appendQuery attaches a raw (already-encoded) query string to a URL.
func appendQuery(destination, rawQuery string) string {
	if strings.Contains(destination, "?") {
		return destination + "&" + rawQuery
	}
	return destination + "?" + rawQuery
}

// ============================================================================
// HTTP-Redirect Binding
// ============================================================================

type redirectBinding struct{}

// Bind DEFLATE-compresses, base64-encodes, and URL-encodes the message
// into a redirect query. When a signing key is present the query is signed
// per SAML2 Bindings 3.4.4.1: the signature covers the percent-encoded
// octets exactly as they appear in the final URL.
func (b *redirectBinding) Bind(msg *OutboundMessage) (*CommandResult, error) {
	if err := checkRelayState(msg.RelayState); err != nil {
		return nil, err
	}

	deflated, err := deflateBytes(msg.XML)
	if err != nil {
		return nil, fmt.Errorf("failed to deflate message: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(deflated)

	query := msg.MessageName + "=" + url.QueryEscape(encoded)
	if msg.RelayState != "" {
		query += "&RelayState=" + url.QueryEscape(msg.RelayState)
	}

	if msg.SigningKey != nil {
		query += "&SigAlg=" + url.QueryEscape(SignatureAlgorithmRSASHA256)
		digest := sha256.Sum256([]byte(query))
		signature, err := rsa.SignPKCS1v15(rand.Reader, msg.SigningKey, crypto.SHA256, digest[:])
		if err != nil {
			return nil, fmt.Errorf("failed to sign redirect query: %w", err)
		}
		query += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(signature))
	}

	return &CommandResult{
		HTTPStatusCode: http.StatusFound,
		Location:       appendQuery(msg.Destination, query),
	}, nil
}

// Unbind reverses the Redirect binding. If the query carries a signature
// and options are supplied, the signature is verified against the issuing
// IdP's certificates before the message is handed to the caller.
func (b *redirectBinding) Unbind(ctx context.Context, req *HTTPRequestData, opts *Options) (*UnboundMessage, error) {
	name := MessageNameResponse
	encoded := req.Query.Get(name)
	if encoded == "" {
		name = MessageNameRequest
		encoded = req.Query.Get(name)
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: no SAML message on query", ErrUnsupportedBinding)
	}

	deflated, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad base64 payload", err)
	}
	data, err := inflateBytes(deflated)
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad DEFLATE payload", err)
	}

	result := &UnboundMessage{
		Data:       data,
		RelayState: req.Query.Get("RelayState"),
		Binding:    BindingHTTPRedirect,
	}

	if req.Query.Get("Signature") != "" && opts != nil {
		if err := verifyRedirectQuery(req, name, data, opts); err != nil {
			return nil, err
		}
		result.SignatureVerified = true
	}

	return result, nil
}

// CanUnbind accepts GET requests carrying a SAML message on the query.
func (b *redirectBinding) CanUnbind(req *HTTPRequestData) bool {
	return req.Method == http.MethodGet &&
		(req.Query.Get(MessageNameRequest) != "" || req.Query.Get(MessageNameResponse) != "")
}

// verifyRedirectQuery verifies a signed Redirect query. The signed octets
// are reconstructed from the raw query string so the signature is checked
// over the same percent-encoding the sender produced.
func verifyRedirectQuery(req *HTTPRequestData, messageName string, data []byte, opts *Options) error {
	issuer, err := extractIssuer(data)
	if err != nil {
		return err
	}
	idp, ok := opts.IdentityProvider(issuer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentityProvider, issuer)
	}

	rawQuery := ""
	if req.URL != nil {
		rawQuery = req.URL.RawQuery
	}

	signedOctets, sigAlg, signature, err := redirectSignedOctets(rawQuery, messageName)
	if err != nil {
		return err
	}

	return verifyRedirectSignature(signedOctets, sigAlg, signature, idp.SigningCertificates())
}

// redirectSignedOctets reconstructs the signed octet string from the raw
// query, in the canonical order message, RelayState, SigAlg, keeping the
// sender's percent-encoding intact.
func redirectSignedOctets(rawQuery, messageName string) (signedOctets []byte, sigAlg string, signature []byte, err error) {
	message, ok := rawQueryParam(rawQuery, messageName)
	if !ok {
		return nil, "", nil, newValidationError(KindXMLMalformed, "signed query lost its message parameter")
	}

	parts := []string{messageName + "=" + message}
	if relay, ok := rawQueryParam(rawQuery, "RelayState"); ok {
		parts = append(parts, "RelayState="+relay)
	}

	rawSigAlg, ok := rawQueryParam(rawQuery, "SigAlg")
	if !ok {
		return nil, "", nil, newValidationError(KindSignatureInvalid, "Signature present without SigAlg")
	}
	parts = append(parts, "SigAlg="+rawSigAlg)

	sigAlg, err = url.QueryUnescape(rawSigAlg)
	if err != nil {
		return nil, "", nil, wrapValidationError(KindSignatureInvalid, "bad SigAlg encoding", err)
	}

	rawSignature, ok := rawQueryParam(rawQuery, "Signature")
	if !ok {
		return nil, "", nil, newValidationError(KindSignatureInvalid, "missing Signature parameter")
	}
	sigB64, err := url.QueryUnescape(rawSignature)
	if err != nil {
		return nil, "", nil, wrapValidationError(KindSignatureInvalid, "bad Signature encoding", err)
	}
	signature, err = base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, "", nil, wrapValidationError(KindSignatureInvalid, "bad Signature base64", err)
	}

	return []byte(strings.Join(parts, "&")), sigAlg, signature, nil
}

// rawQueryParam returns the still-encoded value of a query parameter.
func rawQueryParam(rawQuery, name string) (string, bool) {
	for _, part := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(part, name+"=") {
			return part[len(name)+1:], true
		}
	}
	return "", false
}

// verifyRedirectSignature checks the query signature against the candidate
// certificate set. Any certificate verifying is a success.
func verifyRedirectSignature(signedOctets []byte, sigAlg string, signature []byte, certs []*x509.Certificate) error {
	var cryptoHash crypto.Hash
	var hasher hash.Hash
	switch sigAlg {
	case SignatureAlgorithmRSASHA256:
		cryptoHash, hasher = crypto.SHA256, sha256.New()
	case SignatureAlgorithmRSASHA384:
		cryptoHash, hasher = crypto.SHA384, sha512.New384()
	case SignatureAlgorithmRSASHA512:
		cryptoHash, hasher = crypto.SHA512, sha512.New()
	case SignatureAlgorithmRSASHA1, SignatureAlgorithmDSASHA1:
		return newValidationError(KindWeakAlgorithm, "signature algorithm "+sigAlg+" is not allowed")
	default:
		return newValidationError(KindSignatureInvalid, "unsupported SigAlg "+sigAlg)
	}

	hasher.Write(signedOctets)
	digest := hasher.Sum(nil)

	for _, cert := range certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if err := rsa.VerifyPKCS1v15(pub, cryptoHash, digest, signature); err == nil {
			return nil
		}
	}
	return newValidationError(KindSignatureInvalid, "no candidate key verified the redirect query signature")
}

// deflateBytes compresses data with raw DEFLATE.
func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflateBytes decompresses raw DEFLATE data with an expansion bound.
func inflateBytes(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}

// ============================================================================
// HTTP-POST Binding
// ============================================================================

type postBinding struct{}

// Bind base64-encodes the message into a self-submitting HTML form. The
// form still works without script via the Continue button.
func (b *postBinding) Bind(msg *OutboundMessage) (*CommandResult, error) {
	if err := checkRelayState(msg.RelayState); err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(msg.XML)

	relayStateField := ""
	if msg.RelayState != "" {
		relayStateField = fmt.Sprintf(`<input type="hidden" name="RelayState" value="%s"/>`,
			html.EscapeString(msg.RelayState))
	}

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>Redirecting...</title>
</head>
<body onload="document.forms[0].submit()">
    <noscript>
        <p>JavaScript is disabled. Please click the button to continue.</p>
    </noscript>
    <form method="post" action="%s">
        <input type="hidden" name="%s" value="%s"/>
        %s
        <noscript>
            <button type="submit">Continue</button>
        </noscript>
    </form>
</body>
</html>`, html.EscapeString(msg.Destination), msg.MessageName, encoded, relayStateField)

	return &CommandResult{
		HTTPStatusCode: http.StatusOK,
		ContentType:    "text/html",
		Body:           []byte(body),
	}, nil
}

// Unbind reads the hidden form fields back. An XML signature, if present,
// lives inside the message and is validated during response validation.
func (b *postBinding) Unbind(ctx context.Context, req *HTTPRequestData, opts *Options) (*UnboundMessage, error) {
	encoded := req.Form.Get(MessageNameResponse)
	if encoded == "" {
		encoded = req.Form.Get(MessageNameRequest)
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: no SAML message on form", ErrUnsupportedBinding)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad base64 payload", err)
	}

	return &UnboundMessage{
		Data:       data,
		RelayState: req.Form.Get("RelayState"),
		Binding:    BindingHTTPPost,
	}, nil
}

// CanUnbind accepts POST requests carrying a SAML message form field.
func (b *postBinding) CanUnbind(req *HTTPRequestData) bool {
	return req.Method == http.MethodPost &&
		(req.Form.Get(MessageNameRequest) != "" || req.Form.Get(MessageNameResponse) != "")
}

// ============================================================================
// HTTP-Artifact Binding
// ============================================================================

type artifactBinding struct{}

// Bind emits a redirect carrying a type 0x0004 artifact. The caller keeps
// the artifact-to-message mapping; a pre-built artifact can be supplied on
// the message for that purpose.
func (b *artifactBinding) Bind(msg *OutboundMessage) (*CommandResult, error) {
	if err := checkRelayState(msg.RelayState); err != nil {
		return nil, err
	}

	artifact := msg.Artifact
	if artifact == "" {
		generated, err := NewArtifact(msg.Issuer, msg.ArtifactEndpointIndex)
		if err != nil {
			return nil, err
		}
		artifact = generated.Encode()
	}

	query := "SAMLart=" + url.QueryEscape(artifact)
	if msg.RelayState != "" {
		query += "&RelayState=" + url.QueryEscape(msg.RelayState)
	}

	return &CommandResult{
		HTTPStatusCode: http.StatusFound,
		Location:       appendQuery(msg.Destination, query),
	}, nil
}

// Unbind decodes the artifact, identifies the issuing IdP from its
// SourceID, and dereferences it over the SOAP back-channel.
func (b *artifactBinding) Unbind(ctx context.Context, req *HTTPRequestData, opts *Options) (*UnboundMessage, error) {
	encoded := req.Query.Get("SAMLart")
	relayState := req.Query.Get("RelayState")
	if encoded == "" {
		encoded = req.Form.Get("SAMLart")
		relayState = req.Form.Get("RelayState")
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: no artifact on request", ErrUnsupportedBinding)
	}
	if opts == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("artifact binding requires a configured resolver")
	}

	artifact, err := ParseArtifact(encoded)
	if err != nil {
		return nil, err
	}

	idp, ok := opts.identityProviderBySourceID(artifact.SourceID)
	if !ok {
		return nil, fmt.Errorf("%w: no IdP matches artifact source ID", ErrUnknownIdentityProvider)
	}

	message, err := opts.Resolver.Resolve(ctx, encoded, idp, &opts.SP)
	if err != nil {
		return nil, err
	}

	data, err := marshalElement(message)
	if err != nil {
		return nil, wrapValidationError(KindArtifactResolutionFailed, "failed to serialize resolved message", err)
	}

	return &UnboundMessage{
		Data:       data,
		RelayState: relayState,
		Binding:    BindingHTTPArtifact,
	}, nil
}

// CanUnbind accepts requests carrying a SAMLart parameter.
func (b *artifactBinding) CanUnbind(req *HTTPRequestData) bool {
	return req.Query.Get("SAMLart") != "" || req.Form.Get("SAMLart") != ""
}
