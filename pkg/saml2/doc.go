// Package saml2 implements the SAML 2.0 Web SSO protocol core for a
// Service Provider: message model, transport bindings, signature and
// encryption pipeline, pending-request correlation, and response
// validation.
//
// The package covers:
//   - Parsing and rendering of Response, AuthnRequest, and
//     ArtifactResponse protocol messages
//   - HTTP-Redirect, HTTP-POST, and HTTP-Artifact bindings, including
//     the signed Redirect query profile (SAML2 Core 3.4.4.1)
//   - XML-DSig verification with a strict reference policy that defeats
//     signature-wrapping manipulation, backed by goxmldsig
//   - Decryption of EncryptedAssertion elements against a set of
//     Service Provider private keys (key rollover)
//   - A pending-request table with atomic take-on-use semantics,
//     in-memory by default or Redis-backed for multi-instance
//     deployments
//   - The response validation state machine: InResponseTo correlation,
//     replay detection, status checks, condition and audience
//     enforcement, and claims extraction
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                      ServiceProvider                            │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Bindings            │  Response model     │  Validation        │
//	│  - Redirect/POST     │  - parse/serialize  │  - correlation     │
//	│  - Artifact + SOAP   │  - status tables    │  - signatures      │
//	│  - signed queries    │  - SAML IDs         │  - decryption      │
//	├─────────────────────────────────────────────────────────────────┤
//	│  RequestStateStore (memory / Redis)  │  ArtifactResolver (SOAP) │
//	└─────────────────────────────────────────────────────────────────┘
//
// Security considerations:
//   - Signature references must point at the signed root element; any
//     other reference shape is rejected before cryptography runs
//   - SHA-1 based signature and digest algorithms are rejected
//   - Relay-state keys are single-use; duplicate delivery of a response
//     is detected at the pending table's atomic remove
//   - Assertion IDs are tracked for a bounded window to detect replay
//
// Usage:
//
//	store := saml2.NewMemoryRequestStore(saml2.DefaultMemoryStoreConfig())
//	store.Start()
//	defer store.Stop()
//
//	opts := saml2.NewOptions(saml2.SPOptions{
//	    EntityID:                    "https://sp.example.com/metadata",
//	    AssertionConsumerServiceURL: "https://sp.example.com/acs",
//	}, store, logger)
//	opts.AddIdentityProvider(idp)
//
//	sp, err := saml2.NewServiceProvider(opts, logger)
//	if err != nil {
//	    return err
//	}
//
//	// Kick off sign-on: returns the HTTP action to enact
//	result, err := sp.InitiateSignOn(ctx, saml2.SignOnParams{
//	    IdpEntityID: "https://idp.example.com/metadata",
//	})
//
//	// Consume the response at the ACS endpoint
//	response, claims, err := sp.ConsumeResponse(ctx, requestData)
package saml2
