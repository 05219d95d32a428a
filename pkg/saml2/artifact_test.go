package saml2

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifact_EncodeParseRoundTrip(t *testing.T) {
	artifact, err := NewArtifact(testIdpEntityID, 3)
	require.NoError(t, err)

	parsed, err := ParseArtifact(artifact.Encode())
	require.NoError(t, err)

	assert.Equal(t, uint16(artifactTypeCode), parsed.TypeCode)
	assert.Equal(t, uint16(3), parsed.EndpointIndex)
	assert.Equal(t, SourceIDFor(testIdpEntityID), parsed.SourceID)
	assert.Equal(t, artifact.MessageHandle, parsed.MessageHandle)
}

func TestArtifact_HandlesAreRandom(t *testing.T) {
	a, err := NewArtifact(testIdpEntityID, 0)
	require.NoError(t, err)
	b, err := NewArtifact(testIdpEntityID, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a.MessageHandle, b.MessageHandle)
}

func TestParseArtifact_Rejections(t *testing.T) {
	_, err := ParseArtifact("!!!not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	_, err = ParseArtifact(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidArtifact)

	// wrong type code
	raw := make([]byte, artifactLength)
	raw[1] = 0x01
	_, err = ParseArtifact(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

// artifactTestServer serves a SOAP ArtifactResponse wrapping the given
// response bytes, capturing the request for inspection.
func artifactTestServer(t *testing.T, wrapped []byte, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if capture != nil {
			*capture = body
		}

		inner := etree.NewDocument()
		require.NoError(t, inner.ReadFromBytes(wrapped))

		doc := etree.NewDocument()
		envelope := doc.CreateElement("SOAP-ENV:Envelope")
		envelope.CreateAttr("xmlns:SOAP-ENV", SOAPEnvelopeNamespace)
		soapBody := envelope.CreateElement("SOAP-ENV:Body")

		ar := soapBody.CreateElement("saml2p:ArtifactResponse")
		ar.CreateAttr("xmlns:saml2p", ProtocolNamespace)
		ar.CreateAttr("xmlns:saml2", AssertionNamespace)
		ar.CreateAttr("ID", NewID().String())
		ar.CreateAttr("Version", "2.0")
		issuer := ar.CreateElement("saml2:Issuer")
		issuer.SetText(testIdpEntityID)
		status := ar.CreateElement("saml2p:Status")
		code := status.CreateElement("saml2p:StatusCode")
		code.CreateAttr("Value", StatusSuccess.URI())
		ar.AddChild(inner.Root())

		out, err := doc.WriteToBytes()
		require.NoError(t, err)

		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(out)
	}))
}

func TestArtifactResolver_ResolvesMessage(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	wrapped, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	var captured []byte
	server := artifactTestServer(t, wrapped, &captured)
	defer server.Close()

	idp, err := NewIdentityProvider(IdentityProviderConfig{
		EntityID:              testIdpEntityID,
		ArtifactResolutionURL: server.URL,
		SigningCertificates:   []*x509.Certificate{cert},
	})
	require.NoError(t, err)

	resolver := NewArtifactResolver(DefaultArtifactResolverConfig(), zerolog.Nop())
	artifact, err := NewArtifact(testIdpEntityID, 0)
	require.NoError(t, err)

	message, err := resolver.Resolve(context.Background(), artifact.Encode(), idp,
		&SPOptions{EntityID: testSPEntityID})
	require.NoError(t, err)
	assert.Equal(t, "Response", message.Tag)

	// the back-channel request is a SOAP envelope carrying ArtifactResolve
	resolveDoc := etree.NewDocument()
	require.NoError(t, resolveDoc.ReadFromBytes(captured))
	soapBody := childElement(resolveDoc.Root(), SOAPEnvelopeNamespace, "Body")
	require.NotNil(t, soapBody)
	resolve := childElement(soapBody, ProtocolNamespace, "ArtifactResolve")
	require.NotNil(t, resolve)
	artifactEl := childElement(resolve, ProtocolNamespace, "Artifact")
	require.NotNil(t, artifactEl)
	assert.Equal(t, artifact.Encode(), trimmedText(artifactEl))
}

func TestArtifactResolver_Non2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	idp, err := NewIdentityProvider(IdentityProviderConfig{
		EntityID:              testIdpEntityID,
		ArtifactResolutionURL: server.URL,
	})
	require.NoError(t, err)

	resolver := NewArtifactResolver(DefaultArtifactResolverConfig(), zerolog.Nop())
	_, err = resolver.Resolve(context.Background(), "AAQ=", idp, &SPOptions{EntityID: testSPEntityID})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindArtifactResolutionFailed, kind)
}

func TestArtifactResolver_NoEndpointConfigured(t *testing.T) {
	idp, err := NewIdentityProvider(IdentityProviderConfig{EntityID: testIdpEntityID})
	require.NoError(t, err)

	resolver := NewArtifactResolver(DefaultArtifactResolverConfig(), zerolog.Nop())
	_, err = resolver.Resolve(context.Background(), "AAQ=", idp, &SPOptions{EntityID: testSPEntityID})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindArtifactResolutionFailed, kind)
}

func TestArtifactResolver_HonorsDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	idp, err := NewIdentityProvider(IdentityProviderConfig{
		EntityID:              testIdpEntityID,
		ArtifactResolutionURL: server.URL,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resolver := NewArtifactResolver(DefaultArtifactResolverConfig(), zerolog.Nop())
	_, err = resolver.Resolve(ctx, "AAQ=", idp, &SPOptions{EntityID: testSPEntityID})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindArtifactResolutionFailed, kind)
}

func TestArtifactBinding_UnbindResolvesViaBackChannel(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	wrapped, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	server := artifactTestServer(t, wrapped, nil)
	defer server.Close()

	opts, _ := newTestOptions([]*x509.Certificate{cert}, true)
	opts.Resolver = NewArtifactResolver(DefaultArtifactResolverConfig(), zerolog.Nop())
	idp, ok := opts.IdentityProvider(testIdpEntityID)
	require.True(t, ok)
	idp.ArtifactResolutionURL = server.URL

	artifact, err := NewArtifact(testIdpEntityID, 0)
	require.NoError(t, err)

	req := &HTTPRequestData{
		Method: http.MethodGet,
		Query: url.Values{
			"SAMLart":    {artifact.Encode()},
			"RelayState": {"art-1"},
		},
		Form: url.Values{},
	}

	binding, err := GetBinding(BindingHTTPArtifact)
	require.NoError(t, err)

	unbound, err := binding.Unbind(context.Background(), req, opts)
	require.NoError(t, err)
	assert.Equal(t, "art-1", unbound.RelayState)
	assert.Equal(t, BindingHTTPArtifact, unbound.Binding)

	// the resolved message validates end to end
	resp, err := ParseResponse(unbound.Data, unbound.RelayState)
	require.NoError(t, err)
	claims, err := resp.Validate(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}
