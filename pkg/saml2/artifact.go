package saml2

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SourceID is SHA-1 by SAML2 Bindings 3.6.4
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
)

// ============================================================================
// Artifacts
// ============================================================================

// artifactTypeCode is the only artifact format defined by SAML 2.0.
const artifactTypeCode = 0x0004

// artifactLength is the decoded size of a type 0x0004 artifact.
const artifactLength = 44

// Artifact is a decoded type 0x0004 SAML artifact.
type Artifact struct {
	// TypeCode is always 0x0004
	TypeCode uint16

	// EndpointIndex selects the issuer's resolution endpoint
	EndpointIndex uint16

	// SourceID is SHA-1 of the issuing entity ID
	SourceID [20]byte

	// MessageHandle is a random reference to the stored message
	MessageHandle [20]byte
}

// SourceIDFor computes the artifact SourceID for an entity ID.
func SourceIDFor(entityID string) [20]byte {
	return sha1.Sum([]byte(entityID)) //nolint:gosec // mandated by the artifact format
}

// NewArtifact builds an artifact for the issuing entity with a random
// message handle.
func NewArtifact(issuerEntityID string, endpointIndex uint16) (Artifact, error) {
	a := Artifact{
		TypeCode:      artifactTypeCode,
		EndpointIndex: endpointIndex,
		SourceID:      SourceIDFor(issuerEntityID),
	}
	if _, err := rand.Read(a.MessageHandle[:]); err != nil {
		return Artifact{}, fmt.Errorf("failed to generate message handle: %w", err)
	}
	return a, nil
}

// ParseArtifact decodes a base64 artifact value.
func ParseArtifact(encoded string) (Artifact, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: bad base64: %v", ErrInvalidArtifact, err)
	}
	if len(raw) != artifactLength {
		return Artifact{}, fmt.Errorf("%w: length %d", ErrInvalidArtifact, len(raw))
	}

	a := Artifact{
		TypeCode:      binary.BigEndian.Uint16(raw[0:2]),
		EndpointIndex: binary.BigEndian.Uint16(raw[2:4]),
	}
	copy(a.SourceID[:], raw[4:24])
	copy(a.MessageHandle[:], raw[24:44])

	if a.TypeCode != artifactTypeCode {
		return Artifact{}, fmt.Errorf("%w: type code 0x%04x", ErrInvalidArtifact, a.TypeCode)
	}
	return a, nil
}

// Encode renders the artifact as its base64 wire form.
func (a Artifact) Encode() string {
	raw := make([]byte, artifactLength)
	binary.BigEndian.PutUint16(raw[0:2], a.TypeCode)
	binary.BigEndian.PutUint16(raw[2:4], a.EndpointIndex)
	copy(raw[4:24], a.SourceID[:])
	copy(raw[24:44], a.MessageHandle[:])
	return base64.StdEncoding.EncodeToString(raw)
}

// ============================================================================
// Artifact Resolver Client
// ============================================================================

// ArtifactResolverConfig configures the back-channel SOAP client.
type ArtifactResolverConfig struct {
	// HTTPTimeout is the overall timeout for a resolve call; a shorter
	// caller deadline on the context wins
	HTTPTimeout time.Duration

	// MaxResponseSize bounds the SOAP response body
	MaxResponseSize int64
}

// DefaultArtifactResolverConfig returns sensible defaults.
func DefaultArtifactResolverConfig() ArtifactResolverConfig {
	return ArtifactResolverConfig{
		HTTPTimeout:     15 * time.Second,
		MaxResponseSize: 10 << 20,
	}
}

// ArtifactResolver dereferences artifacts via a SOAP 1.1 ArtifactResolve
// call to the issuing IdP.
type ArtifactResolver struct {
	client *http.Client
	config ArtifactResolverConfig
	logger zerolog.Logger
}

// NewArtifactResolver creates an artifact resolver.
func NewArtifactResolver(config ArtifactResolverConfig, logger zerolog.Logger) *ArtifactResolver {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = 15 * time.Second
	}
	if config.MaxResponseSize <= 0 {
		config.MaxResponseSize = 10 << 20
	}
	return &ArtifactResolver{
		client: &http.Client{Timeout: config.HTTPTimeout},
		config: config,
		logger: logger.With().Str("component", "artifact-resolver").Logger(),
	}
}

// Resolve issues an ArtifactResolve for the artifact and returns the
// protocol message wrapped in the ArtifactResponse. The request is signed
// only when the SP has a signing certificate; without one it is sent
// unsigned. The call honors the context deadline.
func (r *ArtifactResolver) Resolve(ctx context.Context, artifact string, idp *IdentityProvider, sp *SPOptions) (*etree.Element, error) {
	if idp.ArtifactResolutionURL == "" {
		return nil, newValidationError(KindArtifactResolutionFailed,
			"IdP "+idp.EntityID+" has no artifact resolution endpoint")
	}

	envelope, err := buildResolveEnvelope(artifact, sp)
	if err != nil {
		return nil, wrapValidationError(KindArtifactResolutionFailed, "failed to build ArtifactResolve", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idp.ArtifactResolutionURL, bytes.NewReader(envelope))
	if err != nil {
		return nil, wrapValidationError(KindArtifactResolutionFailed, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("SOAPAction", `""`)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Str("idp", idp.EntityID).Msg("artifact resolve call failed")
		return nil, wrapValidationError(KindArtifactResolutionFailed, "back-channel call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.logger.Warn().Int("status", resp.StatusCode).Str("idp", idp.EntityID).
			Msg("artifact resolve returned non-2xx")
		return nil, newValidationError(KindArtifactResolutionFailed,
			fmt.Sprintf("unexpected status %d from artifact resolution endpoint", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxResponseSize))
	if err != nil {
		return nil, wrapValidationError(KindArtifactResolutionFailed, "failed to read response body", err)
	}

	message, err := parseResolveResponse(body)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().Str("idp", idp.EntityID).Msg("artifact resolved")
	return message, nil
}

// buildResolveEnvelope renders a SOAP 1.1 envelope around an
// ArtifactResolve message, signed when sp has a signing certificate and
// unsigned otherwise.
func buildResolveEnvelope(artifact string, sp *SPOptions) ([]byte, error) {
	resolve := etree.NewElement("saml2p:ArtifactResolve")
	resolve.CreateAttr("xmlns:saml2p", ProtocolNamespace)
	resolve.CreateAttr("xmlns:saml2", AssertionNamespace)
	resolve.CreateAttr("ID", NewID().String())
	resolve.CreateAttr("Version", SAMLVersion)
	resolve.CreateAttr("IssueInstant", formatInstant(time.Now()))

	issuerEl := resolve.CreateElement("saml2:Issuer")
	issuerEl.SetText(sp.EntityID)

	artifactEl := resolve.CreateElement("saml2p:Artifact")
	artifactEl.SetText(artifact)

	payload := resolve
	if sp.SigningCertificate != nil {
		signed, err := signElement(resolve, sp.SigningCertificate)
		if err != nil {
			return nil, err
		}
		payload = signed
	}

	doc := etree.NewDocument()
	envelope := doc.CreateElement("SOAP-ENV:Envelope")
	envelope.CreateAttr("xmlns:SOAP-ENV", SOAPEnvelopeNamespace)
	body := envelope.CreateElement("SOAP-ENV:Body")
	body.AddChild(payload)

	return doc.WriteToBytes()
}

// parseResolveResponse unwraps the SOAP envelope down to the message
// carried inside the ArtifactResponse.
func parseResolveResponse(raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, wrapValidationError(KindArtifactResolutionFailed, "unparsable SOAP response", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" || root.NamespaceURI() != SOAPEnvelopeNamespace {
		return nil, newValidationError(KindArtifactResolutionFailed, "response is not a SOAP envelope")
	}
	body := childElement(root, SOAPEnvelopeNamespace, "Body")
	if body == nil {
		return nil, newValidationError(KindArtifactResolutionFailed, "SOAP envelope has no Body")
	}
	artifactResponse := childElement(body, ProtocolNamespace, "ArtifactResponse")
	if artifactResponse == nil {
		return nil, newValidationError(KindArtifactResolutionFailed, "SOAP body carries no ArtifactResponse")
	}
	return ExtractArtifactResponseMessage(artifactResponse)
}

// marshalElement serializes a detached element.
func marshalElement(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	return doc.WriteToBytes()
}
