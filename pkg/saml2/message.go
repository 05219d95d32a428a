package saml2

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
)

// ============================================================================
// XML Helpers
// ============================================================================

// childElement returns the first direct child with the given namespace URI
// and local name, or nil.
func childElement(parent *etree.Element, ns, tag string) *etree.Element {
	for _, ch := range parent.ChildElements() {
		if ch.Tag == tag && ch.NamespaceURI() == ns {
			return ch
		}
	}
	return nil
}

// childElements returns all direct children with the given namespace URI and
// local name, in document order.
func childElements(parent *etree.Element, ns, tag string) []*etree.Element {
	var result []*etree.Element
	for _, ch := range parent.ChildElements() {
		if ch.Tag == tag && ch.NamespaceURI() == ns {
			result = append(result, ch)
		}
	}
	return result
}

// trimmedText returns the element's text content with surrounding
// whitespace removed.
func trimmedText(el *etree.Element) string {
	return strings.TrimSpace(el.Text())
}

// ============================================================================
// Response
// ============================================================================

// Response is a SAML 2.0 Response protocol message. A received Response
// keeps its original parsed document as the authoritative octets for
// signature verification; an outbound Response renders its document on
// first access and the transition is one-way.
type Response struct {
	id                Saml2ID
	inResponseTo      Saml2ID
	issueInstant      time.Time
	destination       string
	issuer            string
	status            Saml2StatusCode
	statusMessage     string
	secondLevelStatus string
	relayState        string

	doc         *etree.Document
	signingCert *tls.Certificate

	// outbound-only rendering inputs
	outboundIdentities []AssertionClaims
	audienceEntityID   string

	// assertions holds the cleartext assertion elements in document order,
	// populated during validation (after any decryption)
	assertions []*etree.Element

	validateOnce  sync.Once
	claims        []AssertionClaims
	validationErr error
	requestState  *StoredRequestState
}

// ParseResponse parses a Response from raw XML. Signatures are not verified
// and encrypted assertions are not decrypted here; both are deferred to
// Validate. The relay state travels out of band of the XML.
func ParseResponse(raw []byte, relayState string) (*Response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "unparsable XML", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, newValidationError(KindXMLMalformed, "document has no root element")
	}
	if root.Tag != "Response" || root.NamespaceURI() != ProtocolNamespace {
		return nil, newValidationError(KindXMLMalformed, "root element is not a SAML2 Response")
	}
	if v := root.SelectAttrValue("Version", ""); v != SAMLVersion {
		return nil, newValidationError(KindXMLMalformed, "unsupported SAML version "+v)
	}

	id, err := ParseID(root.SelectAttrValue("ID", ""))
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad ID attribute", err)
	}

	instant, err := parseInstant(root.SelectAttrValue("IssueInstant", ""))
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad IssueInstant attribute", err)
	}

	r := &Response{
		id:           id,
		issueInstant: instant,
		destination:  root.SelectAttrValue("Destination", ""),
		relayState:   relayState,
		doc:          doc,
	}

	if irt := root.SelectAttrValue("InResponseTo", ""); irt != "" {
		parsed, err := ParseID(irt)
		if err != nil {
			return nil, wrapValidationError(KindXMLMalformed, "bad InResponseTo attribute", err)
		}
		r.inResponseTo = parsed
	}

	statusEl := childElement(root, ProtocolNamespace, "Status")
	if statusEl == nil {
		return nil, newValidationError(KindXMLMalformed, "missing Status element")
	}
	codeEl := childElement(statusEl, ProtocolNamespace, "StatusCode")
	if codeEl == nil {
		return nil, newValidationError(KindXMLMalformed, "missing StatusCode element")
	}
	code, ok := StatusFromURI(codeEl.SelectAttrValue("Value", ""))
	if !ok {
		return nil, newValidationError(KindXMLMalformed, "unknown status code URI")
	}
	r.status = code
	if nested := childElement(codeEl, ProtocolNamespace, "StatusCode"); nested != nil {
		r.secondLevelStatus = nested.SelectAttrValue("Value", "")
	}
	if msgEl := childElement(statusEl, ProtocolNamespace, "StatusMessage"); msgEl != nil {
		r.statusMessage = trimmedText(msgEl)
	}

	if issuerEl := childElement(root, AssertionNamespace, "Issuer"); issuerEl != nil {
		r.issuer = trimmedText(issuerEl)
	}

	return r, nil
}

// ID returns the message ID.
func (r *Response) ID() Saml2ID { return r.id }

// InResponseTo returns the correlated request ID, or "" for unsolicited
// responses.
func (r *Response) InResponseTo() Saml2ID { return r.inResponseTo }

// IssueInstant returns the issue instant in UTC.
func (r *Response) IssueInstant() time.Time { return r.issueInstant }

// Destination returns the Destination attribute, if present.
func (r *Response) Destination() string { return r.destination }

// Issuer returns the issuing entity ID.
func (r *Response) Issuer() string { return r.issuer }

// Status returns the top-level status code.
func (r *Response) Status() Saml2StatusCode { return r.status }

// StatusMessage returns the StatusMessage text, if any.
func (r *Response) StatusMessage() string { return r.statusMessage }

// SecondLevelStatus returns the nested StatusCode URI verbatim, if any.
func (r *Response) SecondLevelStatus() string { return r.secondLevelStatus }

// RelayState returns the relay state delivered alongside the message.
func (r *Response) RelayState() string { return r.relayState }

// RequestState returns the pending-request state consumed during
// validation, or nil for unsolicited responses or before validation.
func (r *Response) RequestState() *StoredRequestState { return r.requestState }

// Element returns the authoritative XML element: the received document's
// root, or for an outbound Response a document rendered on first call.
func (r *Response) Element() *etree.Element {
	if r.doc == nil {
		r.render()
	}
	return r.doc.Root()
}

// Marshal serializes the Response to XML without a declaration.
func (r *Response) Marshal() ([]byte, error) {
	el := r.Element()
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	return doc.WriteToBytes()
}

// ============================================================================
// Outbound Responses
// ============================================================================

// ResponseParams describes an outbound Response.
type ResponseParams struct {
	// Destination is the ACS URL the response is addressed to
	Destination string

	// InResponseTo correlates the response to a request, if any
	InResponseTo Saml2ID

	// Issuer is the issuing entity ID
	Issuer string

	// Status is the top-level status code
	Status Saml2StatusCode

	// StatusMessage is an optional human-readable status text
	StatusMessage string

	// SecondLevelStatus is an optional nested StatusCode URI
	SecondLevelStatus string

	// RelayState travels out of band of the XML
	RelayState string

	// Identities produce one Assertion each on a Success response
	Identities []AssertionClaims

	// AudienceEntityID restricts rendered assertions to one audience
	AudienceEntityID string

	// SigningCertificate signs the response envelope when set
	SigningCertificate *tls.Certificate
}

// NewResponse builds an outbound Response. The XML is rendered lazily on
// first Element or Marshal call.
func NewResponse(params ResponseParams) *Response {
	return &Response{
		id:                 NewID(),
		inResponseTo:       params.InResponseTo,
		issueInstant:       time.Now().UTC(),
		destination:        params.Destination,
		issuer:             params.Issuer,
		status:             params.Status,
		statusMessage:      params.StatusMessage,
		secondLevelStatus:  params.SecondLevelStatus,
		relayState:         params.RelayState,
		outboundIdentities: params.Identities,
		audienceEntityID:   params.AudienceEntityID,
		signingCert:        params.SigningCertificate,
	}
}

// render produces the outbound document. Idempotent: once a document
// exists it is never re-rendered.
func (r *Response) render() {
	if r.doc != nil {
		return
	}

	doc := etree.NewDocument()
	root := doc.CreateElement("saml2p:Response")
	root.CreateAttr("xmlns:saml2p", ProtocolNamespace)
	root.CreateAttr("xmlns:saml2", AssertionNamespace)
	if r.destination != "" {
		root.CreateAttr("Destination", r.destination)
	}
	root.CreateAttr("ID", r.id.String())
	root.CreateAttr("Version", SAMLVersion)
	root.CreateAttr("IssueInstant", formatInstant(r.issueInstant))
	if r.inResponseTo != "" {
		root.CreateAttr("InResponseTo", r.inResponseTo.String())
	}

	issuerEl := root.CreateElement("saml2:Issuer")
	issuerEl.SetText(r.issuer)

	statusEl := root.CreateElement("saml2p:Status")
	codeEl := statusEl.CreateElement("saml2p:StatusCode")
	codeEl.CreateAttr("Value", r.status.URI())
	if r.secondLevelStatus != "" {
		nested := codeEl.CreateElement("saml2p:StatusCode")
		nested.CreateAttr("Value", r.secondLevelStatus)
	}
	if r.statusMessage != "" {
		msgEl := statusEl.CreateElement("saml2p:StatusMessage")
		msgEl.SetText(r.statusMessage)
	}

	for _, identity := range r.outboundIdentities {
		root.AddChild(r.renderAssertion(identity))
	}

	if r.signingCert != nil {
		if signed, err := signElement(root, r.signingCert); err == nil {
			doc.SetRoot(signed)
		}
	}

	r.doc = doc
}

// renderAssertion renders one identity as a saml2:Assertion element.
func (r *Response) renderAssertion(identity AssertionClaims) *etree.Element {
	now := time.Now().UTC()
	notOnOrAfter := now.Add(5 * time.Minute)

	a := etree.NewElement("saml2:Assertion")
	a.CreateAttr("xmlns:saml2", AssertionNamespace)
	a.CreateAttr("ID", NewID().String())
	a.CreateAttr("Version", SAMLVersion)
	a.CreateAttr("IssueInstant", formatInstant(now))

	issuerEl := a.CreateElement("saml2:Issuer")
	issuerEl.SetText(r.issuer)

	subject := a.CreateElement("saml2:Subject")
	nameID := subject.CreateElement("saml2:NameID")
	if identity.NameIDFormat != "" {
		nameID.CreateAttr("Format", identity.NameIDFormat)
	}
	nameID.SetText(identity.NameID)
	confirmation := subject.CreateElement("saml2:SubjectConfirmation")
	confirmation.CreateAttr("Method", SubjectConfirmationBearer)
	confirmationData := confirmation.CreateElement("saml2:SubjectConfirmationData")
	confirmationData.CreateAttr("NotOnOrAfter", formatInstant(notOnOrAfter))
	if r.inResponseTo != "" {
		confirmationData.CreateAttr("InResponseTo", r.inResponseTo.String())
	}
	if r.destination != "" {
		confirmationData.CreateAttr("Recipient", r.destination)
	}

	conditions := a.CreateElement("saml2:Conditions")
	conditions.CreateAttr("NotBefore", formatInstant(now))
	conditions.CreateAttr("NotOnOrAfter", formatInstant(notOnOrAfter))
	if r.audienceEntityID != "" {
		restriction := conditions.CreateElement("saml2:AudienceRestriction")
		audience := restriction.CreateElement("saml2:Audience")
		audience.SetText(r.audienceEntityID)
	}

	authnStatement := a.CreateElement("saml2:AuthnStatement")
	authnStatement.CreateAttr("AuthnInstant", formatInstant(now))
	if identity.SessionIndex != "" {
		authnStatement.CreateAttr("SessionIndex", identity.SessionIndex)
	}
	authnContext := authnStatement.CreateElement("saml2:AuthnContext")
	classRef := authnContext.CreateElement("saml2:AuthnContextClassRef")
	if identity.AuthnContextClassRef != "" {
		classRef.SetText(identity.AuthnContextClassRef)
	} else {
		classRef.SetText("urn:oasis:names:tc:SAML:2.0:ac:classes:unspecified")
	}

	if len(identity.Attributes) > 0 {
		statement := a.CreateElement("saml2:AttributeStatement")
		for _, name := range sortedAttributeNames(identity.Attributes) {
			attr := statement.CreateElement("saml2:Attribute")
			attr.CreateAttr("Name", name)
			for _, value := range identity.Attributes[name] {
				valueEl := attr.CreateElement("saml2:AttributeValue")
				valueEl.SetText(value)
			}
		}
	}

	return a
}

// sortedAttributeNames returns attribute names in a stable order so
// rendered assertions are deterministic.
func sortedAttributeNames(attrs map[string][]string) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// ============================================================================
// AuthnRequest
// ============================================================================

// AuthnRequest is a SAML 2.0 authentication request.
type AuthnRequest struct {
	// ID is the request ID; its value is recorded in the pending table
	ID Saml2ID

	// IssueInstant is when the request was created
	IssueInstant time.Time

	// Destination is the IdP SSO endpoint URL
	Destination string

	// Issuer is the SP entity ID
	Issuer string

	// AssertionConsumerServiceURL is where the response should be sent
	AssertionConsumerServiceURL string

	// ProtocolBinding is the requested response binding
	ProtocolBinding BindingType

	// NameIDPolicyFormat is the requested NameID format, if any
	NameIDPolicyFormat string

	// RequestedAuthnContext lists required authn context class refs
	RequestedAuthnContext []string

	// ForceAuthn requires fresh authentication
	ForceAuthn bool

	// IsPassive allows passive authentication only
	IsPassive bool
}

// Element renders the request as a saml2p:AuthnRequest element.
func (r *AuthnRequest) Element() *etree.Element {
	root := etree.NewElement("saml2p:AuthnRequest")
	root.CreateAttr("xmlns:saml2p", ProtocolNamespace)
	root.CreateAttr("xmlns:saml2", AssertionNamespace)
	root.CreateAttr("ID", r.ID.String())
	root.CreateAttr("Version", SAMLVersion)
	root.CreateAttr("IssueInstant", formatInstant(r.IssueInstant))
	if r.Destination != "" {
		root.CreateAttr("Destination", r.Destination)
	}
	if r.AssertionConsumerServiceURL != "" {
		root.CreateAttr("AssertionConsumerServiceURL", r.AssertionConsumerServiceURL)
	}
	if r.ProtocolBinding != "" {
		root.CreateAttr("ProtocolBinding", string(r.ProtocolBinding))
	}
	if r.ForceAuthn {
		root.CreateAttr("ForceAuthn", "true")
	}
	if r.IsPassive {
		root.CreateAttr("IsPassive", "true")
	}

	issuerEl := root.CreateElement("saml2:Issuer")
	issuerEl.SetText(r.Issuer)

	if r.NameIDPolicyFormat != "" {
		policy := root.CreateElement("saml2p:NameIDPolicy")
		policy.CreateAttr("Format", r.NameIDPolicyFormat)
		policy.CreateAttr("AllowCreate", "true")
	}

	if len(r.RequestedAuthnContext) > 0 {
		rac := root.CreateElement("saml2p:RequestedAuthnContext")
		rac.CreateAttr("Comparison", "exact")
		for _, classRef := range r.RequestedAuthnContext {
			ref := rac.CreateElement("saml2:AuthnContextClassRef")
			ref.SetText(classRef)
		}
	}

	return root
}

// Marshal serializes the request to XML without a declaration.
func (r *AuthnRequest) Marshal() ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(r.Element())
	return doc.WriteToBytes()
}

// ParseAuthnRequest parses an AuthnRequest from raw XML. Used by IdP-side
// tooling and tests; the SP core only constructs requests.
func ParseAuthnRequest(raw []byte) (*AuthnRequest, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "unparsable XML", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "AuthnRequest" || root.NamespaceURI() != ProtocolNamespace {
		return nil, newValidationError(KindXMLMalformed, "root element is not a SAML2 AuthnRequest")
	}
	if v := root.SelectAttrValue("Version", ""); v != SAMLVersion {
		return nil, newValidationError(KindXMLMalformed, "unsupported SAML version "+v)
	}
	id, err := ParseID(root.SelectAttrValue("ID", ""))
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad ID attribute", err)
	}
	instant, err := parseInstant(root.SelectAttrValue("IssueInstant", ""))
	if err != nil {
		return nil, wrapValidationError(KindXMLMalformed, "bad IssueInstant attribute", err)
	}

	req := &AuthnRequest{
		ID:                          id,
		IssueInstant:                instant,
		Destination:                 root.SelectAttrValue("Destination", ""),
		AssertionConsumerServiceURL: root.SelectAttrValue("AssertionConsumerServiceURL", ""),
		ProtocolBinding:             BindingType(root.SelectAttrValue("ProtocolBinding", "")),
		ForceAuthn:                  root.SelectAttrValue("ForceAuthn", "") == "true",
		IsPassive:                   root.SelectAttrValue("IsPassive", "") == "true",
	}
	if issuerEl := childElement(root, AssertionNamespace, "Issuer"); issuerEl != nil {
		req.Issuer = trimmedText(issuerEl)
	}
	if policy := childElement(root, ProtocolNamespace, "NameIDPolicy"); policy != nil {
		req.NameIDPolicyFormat = policy.SelectAttrValue("Format", "")
	}
	return req, nil
}

// ============================================================================
// ArtifactResponse
// ============================================================================

// ExtractArtifactResponseMessage returns the wrapped protocol message inside
// an ArtifactResponse: the first child element that is not Issuer,
// Signature, Extensions, or Status.
func ExtractArtifactResponseMessage(el *etree.Element) (*etree.Element, error) {
	if el.Tag != "ArtifactResponse" || el.NamespaceURI() != ProtocolNamespace {
		return nil, newValidationError(KindXMLMalformed, "element is not a SAML2 ArtifactResponse")
	}
	for _, ch := range el.ChildElements() {
		switch {
		case ch.Tag == "Issuer" && ch.NamespaceURI() == AssertionNamespace:
		case ch.Tag == "Signature" && ch.NamespaceURI() == XMLDSigNamespace:
		case ch.Tag == "Extensions" && ch.NamespaceURI() == ProtocolNamespace:
		case ch.Tag == "Status" && ch.NamespaceURI() == ProtocolNamespace:
		default:
			return ch, nil
		}
	}
	return nil, newValidationError(KindXMLMalformed, "ArtifactResponse carries no message")
}

// extractIssuer pulls the Issuer text out of an arbitrary SAML protocol
// message without fully parsing it. Used by bindings to pick signing keys
// before semantic parsing.
func extractIssuer(raw []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return "", wrapValidationError(KindXMLMalformed, "unparsable XML", err)
	}
	root := doc.Root()
	if root == nil {
		return "", newValidationError(KindXMLMalformed, "document has no root element")
	}
	if issuerEl := childElement(root, AssertionNamespace, "Issuer"); issuerEl != nil {
		return trimmedText(issuerEl), nil
	}
	return "", nil
}
