package saml2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	dsig "github.com/russellhaering/goxmldsig"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testSPEntityID  = "https://sp.example.com/metadata"
	testIdpEntityID = "https://idp.example.com/metadata"
	testACSURL      = "https://sp.example.com/acs"
)

// generateTestCertificate generates a test X.509 certificate and key pair.
func generateTestCertificate(notBefore, notAfter time.Time) (*x509.Certificate, *rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test IdP"},
			CommonName:   "test-idp.example.com",
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, privateKey, nil
}

// generateValidTestCertificate generates a currently-valid certificate.
func generateValidTestCertificate() (*x509.Certificate, *rsa.PrivateKey, error) {
	return generateTestCertificate(time.Now().Add(-1*time.Hour), time.Now().Add(24*time.Hour))
}

// signTestElement signs an element enveloped with the test key.
func signTestElement(el *etree.Element, cert *x509.Certificate, key *rsa.PrivateKey) (*etree.Element, error) {
	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
	}
	keyStore := dsig.TLSCertKeyStore(tlsCert)
	signingContext := dsig.NewDefaultSigningContext(keyStore)
	signingContext.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	return signingContext.SignEnveloped(el)
}

// testResponseParams controls buildTestResponse.
type testResponseParams struct {
	inResponseTo      string
	statusURI         string
	secondLevelURI    string
	statusMessage     string
	audience          string
	assertionID       string
	signResponse      bool
	signAssertion     bool
	omitAssertion     bool
	encryptAssertion  bool
	encryptionCert    *x509.Certificate
	notBefore         time.Time
	notOnOrAfter      time.Time
	omitAuthnStatement bool
}

// buildTestResponse renders a Response document for the test IdP and
// returns its serialized bytes.
func buildTestResponse(params testResponseParams, cert *x509.Certificate, key *rsa.PrivateKey) ([]byte, error) {
	now := time.Now().UTC()
	if params.statusURI == "" {
		params.statusURI = StatusSuccess.URI()
	}
	if params.assertionID == "" {
		params.assertionID = NewID().String()
	}
	if params.audience == "" {
		params.audience = testSPEntityID
	}
	if params.notBefore.IsZero() {
		params.notBefore = now.Add(-1 * time.Minute)
	}
	if params.notOnOrAfter.IsZero() {
		params.notOnOrAfter = now.Add(5 * time.Minute)
	}

	doc := etree.NewDocument()
	root := doc.CreateElement("saml2p:Response")
	root.CreateAttr("xmlns:saml2p", ProtocolNamespace)
	root.CreateAttr("xmlns:saml2", AssertionNamespace)
	root.CreateAttr("ID", NewID().String())
	root.CreateAttr("Version", "2.0")
	root.CreateAttr("IssueInstant", formatInstant(now))
	root.CreateAttr("Destination", testACSURL)
	if params.inResponseTo != "" {
		root.CreateAttr("InResponseTo", params.inResponseTo)
	}

	issuer := root.CreateElement("saml2:Issuer")
	issuer.SetText(testIdpEntityID)

	status := root.CreateElement("saml2p:Status")
	statusCode := status.CreateElement("saml2p:StatusCode")
	statusCode.CreateAttr("Value", params.statusURI)
	if params.secondLevelURI != "" {
		nested := statusCode.CreateElement("saml2p:StatusCode")
		nested.CreateAttr("Value", params.secondLevelURI)
	}
	if params.statusMessage != "" {
		msg := status.CreateElement("saml2p:StatusMessage")
		msg.SetText(params.statusMessage)
	}

	if !params.omitAssertion {
		assertion, err := buildTestAssertion(params, cert, key)
		if err != nil {
			return nil, err
		}
		if params.encryptAssertion {
			encCert := params.encryptionCert
			encrypted, err := encryptTestAssertion(assertion, encCert)
			if err != nil {
				return nil, err
			}
			root.AddChild(encrypted)
		} else {
			root.AddChild(assertion)
		}
	}

	if params.signResponse {
		signed, err := signTestElement(root, cert, key)
		if err != nil {
			return nil, err
		}
		doc.SetRoot(signed)
	}

	return doc.WriteToBytes()
}

// buildTestAssertion renders (and optionally signs) one assertion element.
func buildTestAssertion(params testResponseParams, cert *x509.Certificate, key *rsa.PrivateKey) (*etree.Element, error) {
	now := time.Now().UTC()

	a := etree.NewElement("saml2:Assertion")
	a.CreateAttr("xmlns:saml2", AssertionNamespace)
	a.CreateAttr("ID", params.assertionID)
	a.CreateAttr("Version", "2.0")
	a.CreateAttr("IssueInstant", formatInstant(now))

	issuer := a.CreateElement("saml2:Issuer")
	issuer.SetText(testIdpEntityID)

	subject := a.CreateElement("saml2:Subject")
	nameID := subject.CreateElement("saml2:NameID")
	nameID.CreateAttr("Format", "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent")
	nameID.SetText("testuser@example.com")
	confirmation := subject.CreateElement("saml2:SubjectConfirmation")
	confirmation.CreateAttr("Method", SubjectConfirmationBearer)

	conditions := a.CreateElement("saml2:Conditions")
	conditions.CreateAttr("NotBefore", formatInstant(params.notBefore))
	conditions.CreateAttr("NotOnOrAfter", formatInstant(params.notOnOrAfter))
	restriction := conditions.CreateElement("saml2:AudienceRestriction")
	audience := restriction.CreateElement("saml2:Audience")
	audience.SetText(params.audience)

	if !params.omitAuthnStatement {
		statement := a.CreateElement("saml2:AuthnStatement")
		statement.CreateAttr("AuthnInstant", formatInstant(now))
		statement.CreateAttr("SessionIndex", "_session_1")
		authnContext := statement.CreateElement("saml2:AuthnContext")
		classRef := authnContext.CreateElement("saml2:AuthnContextClassRef")
		classRef.SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport")
	}

	attrStatement := a.CreateElement("saml2:AttributeStatement")
	attr := attrStatement.CreateElement("saml2:Attribute")
	attr.CreateAttr("Name", "mail")
	value := attr.CreateElement("saml2:AttributeValue")
	value.SetText("testuser@example.com")

	if params.signAssertion {
		return signTestElement(a, cert, key)
	}
	return a, nil
}

// encryptTestAssertion wraps an assertion element into an
// EncryptedAssertion using AES-256-GCM and RSA-OAEP-SHA256.
func encryptTestAssertion(assertion *etree.Element, cert *x509.Certificate) (*etree.Element, error) {
	doc := etree.NewDocument()
	doc.SetRoot(assertion.Copy())
	plaintext, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}

	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := append(nonce, aead.Seal(nil, nonce, plaintext, nil)...)

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is not RSA")
	}
	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, err
	}

	encAssertion := etree.NewElement("saml2:EncryptedAssertion")
	encAssertion.CreateAttr("xmlns:saml2", AssertionNamespace)

	encData := encAssertion.CreateElement("xenc:EncryptedData")
	encData.CreateAttr("xmlns:xenc", XMLEncNamespace)
	method := encData.CreateElement("xenc:EncryptionMethod")
	method.CreateAttr("Algorithm", EncryptionAlgorithmAES256GCM)

	keyInfo := encData.CreateElement("ds:KeyInfo")
	keyInfo.CreateAttr("xmlns:ds", XMLDSigNamespace)
	encKey := keyInfo.CreateElement("xenc:EncryptedKey")
	keyMethod := encKey.CreateElement("xenc:EncryptionMethod")
	keyMethod.CreateAttr("Algorithm", KeyTransportAlgorithmRSAOAEPSHA256)
	keyCipherData := encKey.CreateElement("xenc:CipherData")
	keyCipherValue := keyCipherData.CreateElement("xenc:CipherValue")
	keyCipherValue.SetText(base64.StdEncoding.EncodeToString(wrappedKey))

	cipherData := encData.CreateElement("xenc:CipherData")
	cipherValue := cipherData.CreateElement("xenc:CipherValue")
	cipherValue.SetText(base64.StdEncoding.EncodeToString(ciphertext))

	return encAssertion, nil
}

// timeNowTruncated returns the current UTC time at second precision, the
// resolution xsd:dateTime instants survive a round trip with.
func timeNowTruncated() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// newTestOptions wires Options around a memory store and one test IdP.
func newTestOptions(certs []*x509.Certificate, allowUnsolicited bool) (*Options, *MemoryRequestStore) {
	store := NewMemoryRequestStore(DefaultMemoryStoreConfig())

	opts := NewOptions(SPOptions{
		EntityID:                    testSPEntityID,
		AssertionConsumerServiceURL: testACSURL,
	}, store, zerolog.Nop())

	idp, err := NewIdentityProvider(IdentityProviderConfig{
		EntityID:                      testIdpEntityID,
		SingleSignOnURL:               "https://idp.example.com/sso",
		Binding:                       BindingHTTPRedirect,
		AllowUnsolicitedAuthnResponse: allowUnsolicited,
		SigningCertificates:           certs,
	})
	if err != nil {
		panic(err)
	}
	opts.AddIdentityProvider(idp)

	return opts, store
}
