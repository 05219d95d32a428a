package saml2

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// ============================================================================
// Algorithm URIs
// ============================================================================

// Signature and digest algorithm URIs.
const (
	// SignatureAlgorithmRSASHA1 is RSA-SHA1 (WEAK - rejected)
	SignatureAlgorithmRSASHA1 = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"

	// SignatureAlgorithmDSASHA1 is DSA-SHA1 (WEAK - rejected)
	SignatureAlgorithmDSASHA1 = "http://www.w3.org/2000/09/xmldsig#dsa-sha1"

	// SignatureAlgorithmRSASHA256 is RSA-SHA256
	SignatureAlgorithmRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"

	// SignatureAlgorithmRSASHA384 is RSA-SHA384
	SignatureAlgorithmRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"

	// SignatureAlgorithmRSASHA512 is RSA-SHA512
	SignatureAlgorithmRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"

	// DigestAlgorithmSHA1 is SHA-1 (WEAK - rejected)
	DigestAlgorithmSHA1 = "http://www.w3.org/2000/09/xmldsig#sha1"

	// DigestAlgorithmSHA256 is SHA-256
	DigestAlgorithmSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
)

// Transform algorithm URIs permitted inside a signature reference.
const (
	// TransformEnvelopedSignature removes the signature from the digest input
	TransformEnvelopedSignature = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

	// TransformExcC14N is exclusive canonicalization
	TransformExcC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"

	// TransformExcC14NWithComments is exclusive canonicalization keeping comments
	TransformExcC14NWithComments = "http://www.w3.org/2001/10/xml-exc-c14n#WithComments"
)

// allowedTransforms is the reference transform allow-list. Anything outside
// it can relocate the digested octets and is rejected outright.
var allowedTransforms = map[string]bool{
	TransformEnvelopedSignature:  true,
	TransformExcC14N:             true,
	TransformExcC14NWithComments: true,
}

// weakSignatureAlgorithms are signature algorithms that must not be accepted.
var weakSignatureAlgorithms = map[string]bool{
	SignatureAlgorithmRSASHA1: true,
	SignatureAlgorithmDSASHA1: true,
}

// weakDigestAlgorithms are digest algorithms that must not be accepted.
var weakDigestAlgorithms = map[string]bool{
	DigestAlgorithmSHA1: true,
}

// ============================================================================
// Signed-XML Verification
// ============================================================================

// VerifySignedElement verifies the enveloped signature on el against a set
// of candidate certificates. The signature's shape is checked before any
// cryptography: exactly one Reference, targeting "#"+el's ID, with only
// allow-listed transforms. Verification succeeds if any candidate
// certificate validates the signature.
func VerifySignedElement(el *etree.Element, certs []*x509.Certificate) error {
	sigEl := childElement(el, XMLDSigNamespace, "Signature")
	if sigEl == nil {
		return newValidationError(KindNotSigned, el.Tag+" carries no Signature element")
	}

	signedInfo := childElement(sigEl, XMLDSigNamespace, "SignedInfo")
	if signedInfo == nil {
		return newValidationError(KindXMLMalformed, "Signature has no SignedInfo")
	}

	refs := childElements(signedInfo, XMLDSigNamespace, "Reference")
	switch {
	case len(refs) == 0:
		return newValidationError(KindNoReference, "SignedInfo has no Reference")
	case len(refs) > 1:
		return newValidationError(KindMultipleReferences, "SignedInfo has more than one Reference")
	}
	ref := refs[0]

	rootID := el.SelectAttrValue("ID", "")
	refURI := ref.SelectAttrValue("URI", "")
	if rootID == "" || refURI != "#"+rootID {
		return newValidationError(KindReferenceMismatch,
			"Reference URI "+refURI+" does not target the signed element")
	}

	if transforms := childElement(ref, XMLDSigNamespace, "Transforms"); transforms != nil {
		for _, transform := range childElements(transforms, XMLDSigNamespace, "Transform") {
			algorithm := transform.SelectAttrValue("Algorithm", "")
			if !allowedTransforms[algorithm] {
				return newValidationError(KindDisallowedTransform, "transform "+algorithm+" is not allowed")
			}
		}
	}

	sigAlgorithm := ""
	if methodEl := childElement(signedInfo, XMLDSigNamespace, "SignatureMethod"); methodEl != nil {
		sigAlgorithm = methodEl.SelectAttrValue("Algorithm", "")
	}
	if weakSignatureAlgorithms[sigAlgorithm] {
		return newValidationError(KindWeakAlgorithm, "signature algorithm "+sigAlgorithm+" is not allowed")
	}
	if digestEl := childElement(ref, XMLDSigNamespace, "DigestMethod"); digestEl != nil {
		if algorithm := digestEl.SelectAttrValue("Algorithm", ""); weakDigestAlgorithms[algorithm] {
			return newValidationError(KindWeakAlgorithm, "digest algorithm "+algorithm+" is not allowed")
		}
	}
	if sigAlgorithm == SignatureAlgorithmRSASHA256 && !crypto.SHA256.Available() {
		return newValidationError(KindSHA256NotRegistered, "SHA-256 is not linked into this binary")
	}

	if len(certs) == 0 {
		return newValidationError(KindSignatureInvalid, "no candidate certificates configured")
	}

	certStore := &dsig.MemoryX509CertificateStore{Roots: certs}
	ctx := dsig.NewDefaultValidationContext(certStore)
	if _, err := ctx.Validate(el); err != nil {
		return wrapValidationError(KindSignatureInvalid, "no candidate key verified the signature", err)
	}

	return nil
}

// ============================================================================
// Signing
// ============================================================================

// signElement signs el with an enveloped signature using exclusive C14N and
// returns the signed element.
func signElement(el *etree.Element, cert *tls.Certificate) (*etree.Element, error) {
	if cert == nil || cert.PrivateKey == nil {
		return nil, ErrNoSigningKey
	}

	keyStore := dsig.TLSCertKeyStore(*cert)
	signingContext := dsig.NewDefaultSigningContext(keyStore)
	signingContext.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	return signingContext.SignEnveloped(el)
}
