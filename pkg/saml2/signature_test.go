package saml2

import (
	"crypto/x509"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseRoot parses raw XML and returns the root element.
func parseRoot(t *testing.T, raw []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(raw))
	require.NotNil(t, doc.Root())
	return doc.Root()
}

func TestVerifySignedElement_ValidSignature(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	root := parseRoot(t, raw)
	assert.NoError(t, VerifySignedElement(root, []*x509.Certificate{cert}))
}

func TestVerifySignedElement_MissingSignature(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{}, cert, key)
	require.NoError(t, err)

	err = VerifySignedElement(parseRoot(t, raw), []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindNotSigned, kind)
}

func TestVerifySignedElement_TamperedContent(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	root := parseRoot(t, raw)
	issuer := childElement(root, AssertionNamespace, "Issuer")
	require.NotNil(t, issuer)
	issuer.SetText("https://evil.example.com/metadata")

	err = VerifySignedElement(root, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindSignatureInvalid, kind)
}

func TestVerifySignedElement_WrongCertificate(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)
	otherCert, _, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	err = VerifySignedElement(parseRoot(t, raw), []*x509.Certificate{otherCert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindSignatureInvalid, kind)
}

func TestVerifySignedElement_KeyRollover(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)
	retiredCert, _, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	// the active cert is second in the candidate set; any match wins
	err = VerifySignedElement(parseRoot(t, raw), []*x509.Certificate{retiredCert, cert})
	assert.NoError(t, err)
}

func TestVerifySignedElement_NoCandidateCertificates(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	err = VerifySignedElement(parseRoot(t, raw), nil)
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindSignatureInvalid, kind)
}

func TestVerifySignedElement_ReferenceMismatch(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	// classic wrapping setup: the signature stays intact but the root's ID
	// is changed so the reference points at a different element
	root := parseRoot(t, raw)
	root.RemoveAttr("ID")
	root.CreateAttr("ID", "_forged")

	err = VerifySignedElement(root, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindReferenceMismatch, kind)
}

func TestVerifySignedElement_SignatureWrapping(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)
	genuine := parseRoot(t, raw)

	// wrap the genuine signed response inside a forged one and move the
	// signature up: the reference still targets the genuine ID, not the
	// forged root's
	doc := etree.NewDocument()
	forged := doc.CreateElement("saml2p:Response")
	forged.CreateAttr("xmlns:saml2p", ProtocolNamespace)
	forged.CreateAttr("ID", "_forged")
	forged.CreateAttr("Version", "2.0")

	signature := childElement(genuine, XMLDSigNamespace, "Signature")
	require.NotNil(t, signature)
	genuine.RemoveChild(signature)
	forged.AddChild(signature)
	forged.AddChild(genuine)

	err = VerifySignedElement(forged, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindReferenceMismatch, kind)
}

func TestVerifySignedElement_NoReference(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	root := parseRoot(t, raw)
	signedInfo := parseRootFindSignedInfo(t, root)
	ref := childElement(signedInfo, XMLDSigNamespace, "Reference")
	require.NotNil(t, ref)
	signedInfo.RemoveChild(ref)

	err = VerifySignedElement(root, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindNoReference, kind)
}

func TestVerifySignedElement_MultipleReferences(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	root := parseRoot(t, raw)
	signedInfo := parseRootFindSignedInfo(t, root)
	ref := childElement(signedInfo, XMLDSigNamespace, "Reference")
	require.NotNil(t, ref)
	signedInfo.AddChild(ref.Copy())

	err = VerifySignedElement(root, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindMultipleReferences, kind)
}

func TestVerifySignedElement_DisallowedTransform(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	root := parseRoot(t, raw)
	signedInfo := parseRootFindSignedInfo(t, root)
	ref := childElement(signedInfo, XMLDSigNamespace, "Reference")
	require.NotNil(t, ref)
	transforms := childElement(ref, XMLDSigNamespace, "Transforms")
	require.NotNil(t, transforms)
	transform := childElement(transforms, XMLDSigNamespace, "Transform")
	require.NotNil(t, transform)
	transform.RemoveAttr("Algorithm")
	transform.CreateAttr("Algorithm", "http://www.w3.org/TR/1999/REC-xslt-19991116")

	err = VerifySignedElement(root, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindDisallowedTransform, kind)
}

func TestVerifySignedElement_WeakSignatureAlgorithm(t *testing.T) {
	cert, key, err := generateValidTestCertificate()
	require.NoError(t, err)

	raw, err := buildTestResponse(testResponseParams{signResponse: true}, cert, key)
	require.NoError(t, err)

	root := parseRoot(t, raw)
	signedInfo := parseRootFindSignedInfo(t, root)
	method := childElement(signedInfo, XMLDSigNamespace, "SignatureMethod")
	require.NotNil(t, method)
	method.RemoveAttr("Algorithm")
	method.CreateAttr("Algorithm", SignatureAlgorithmRSASHA1)

	err = VerifySignedElement(root, []*x509.Certificate{cert})
	kind, ok := ValidationKind(err)
	require.True(t, ok)
	assert.Equal(t, KindWeakAlgorithm, kind)
}

// parseRootFindSignedInfo digs out the SignedInfo of the root's signature.
func parseRootFindSignedInfo(t *testing.T, root *etree.Element) *etree.Element {
	t.Helper()
	signature := childElement(root, XMLDSigNamespace, "Signature")
	require.NotNil(t, signature)
	signedInfo := childElement(signature, XMLDSigNamespace, "SignedInfo")
	require.NotNil(t, signedInfo)
	return signedInfo
}
