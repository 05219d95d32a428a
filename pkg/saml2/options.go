package saml2

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// SP Options
// ============================================================================

// AudienceMode controls audience-restriction enforcement during claims
// extraction. The zero value behaves as AudienceModeAlways; disabling the
// check requires an explicit AudienceModeNever.
type AudienceMode string

const (
	// AudienceModeAlways always enforces audience restrictions
	AudienceModeAlways AudienceMode = "always"

	// AudienceModeNever disables the audience check; must be explicit
	AudienceModeNever AudienceMode = "never"

	// AudienceModeIfBearer enforces the check for bearer assertions only
	AudienceModeIfBearer AudienceMode = "if_bearer"
)

// Default timing parameters.
const (
	// DefaultClockSkew is the allowed clock skew for condition checks
	DefaultClockSkew = 2 * time.Minute

	// DefaultReplayWindow is how long IDs of assertions that state no
	// NotOnOrAfter are tracked
	DefaultReplayWindow = 24 * time.Hour
)

// SPOptions is the Service Provider's own configuration.
type SPOptions struct {
	// EntityID is the SP entity ID
	EntityID string `json:"entity_id"`

	// AssertionConsumerServiceURL is the SP's ACS endpoint
	AssertionConsumerServiceURL string `json:"assertion_consumer_service_url"`

	// SigningCertificate signs outbound messages when set
	SigningCertificate *tls.Certificate `json:"-"`

	// DecryptionKeys are tried in order against encrypted assertions
	DecryptionKeys []*rsa.PrivateKey `json:"-"`

	// AudienceMode controls audience-restriction enforcement
	AudienceMode AudienceMode `json:"audience_mode"`

	// ClockSkew is the allowed clock skew for condition checks
	ClockSkew time.Duration `json:"clock_skew"`

	// ReplayWindow is how long IDs of assertions that state no
	// NotOnOrAfter are tracked; other IDs are tracked until NotOnOrAfter
	ReplayWindow time.Duration `json:"replay_window"`
}

// Validate validates the SP options.
func (o *SPOptions) Validate() error {
	if o.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if o.AudienceMode != "" && o.AudienceMode != AudienceModeAlways &&
		o.AudienceMode != AudienceModeNever && o.AudienceMode != AudienceModeIfBearer {
		return errors.New("invalid audience_mode")
	}
	return nil
}

// clockSkew returns the configured skew or the default.
func (o *SPOptions) clockSkew() time.Duration {
	if o.ClockSkew > 0 {
		return o.ClockSkew
	}
	return DefaultClockSkew
}

// replayWindow returns the configured window or the default.
func (o *SPOptions) replayWindow() time.Duration {
	if o.ReplayWindow > 0 {
		return o.ReplayWindow
	}
	return DefaultReplayWindow
}

// signingKey extracts the RSA private key from the signing certificate.
func (o *SPOptions) signingKey() *rsa.PrivateKey {
	if o.SigningCertificate == nil {
		return nil
	}
	if key, ok := o.SigningCertificate.PrivateKey.(*rsa.PrivateKey); ok {
		return key
	}
	return nil
}

// ============================================================================
// Identity Providers
// ============================================================================

// IdentityProviderConfig describes one IdP.
type IdentityProviderConfig struct {
	// EntityID is the IdP entity ID
	EntityID string

	// SingleSignOnURL is the SSO endpoint
	SingleSignOnURL string

	// Binding is the binding used for outbound requests
	Binding BindingType

	// AllowUnsolicitedAuthnResponse accepts responses with no InResponseTo
	AllowUnsolicitedAuthnResponse bool

	// ArtifactResolutionURL is the SOAP back-channel endpoint
	ArtifactResolutionURL string

	// ArtifactEndpointIndex is the endpoint index for artifacts
	ArtifactEndpointIndex uint16

	// SigningCertificates is the IdP signing certificate set; multiple
	// entries support key rollover
	SigningCertificates []*x509.Certificate
}

// IdentityProvider is a configured IdP. The signing certificate set is
// swapped wholesale under a lock and never mutated in place, so rollover
// updates are safe against in-flight validations.
type IdentityProvider struct {
	// EntityID is the IdP entity ID
	EntityID string

	// SingleSignOnURL is the SSO endpoint
	SingleSignOnURL string

	// Binding is the binding used for outbound requests
	Binding BindingType

	// AllowUnsolicitedAuthnResponse accepts responses with no InResponseTo
	AllowUnsolicitedAuthnResponse bool

	// ArtifactResolutionURL is the SOAP back-channel endpoint
	ArtifactResolutionURL string

	// ArtifactEndpointIndex is the endpoint index for artifacts
	ArtifactEndpointIndex uint16

	mu           sync.RWMutex
	signingCerts []*x509.Certificate
	sourceID     [20]byte
}

// NewIdentityProvider builds an IdentityProvider from its configuration.
func NewIdentityProvider(cfg IdentityProviderConfig) (*IdentityProvider, error) {
	if cfg.EntityID == "" {
		return nil, errors.New("entity ID is required")
	}
	if cfg.Binding == "" {
		cfg.Binding = BindingHTTPRedirect
	}
	if !IsValidBindingType(cfg.Binding) {
		return nil, errors.New("invalid binding type " + string(cfg.Binding))
	}

	return &IdentityProvider{
		EntityID:                      cfg.EntityID,
		SingleSignOnURL:               cfg.SingleSignOnURL,
		Binding:                       cfg.Binding,
		AllowUnsolicitedAuthnResponse: cfg.AllowUnsolicitedAuthnResponse,
		ArtifactResolutionURL:         cfg.ArtifactResolutionURL,
		ArtifactEndpointIndex:         cfg.ArtifactEndpointIndex,
		signingCerts:                  cfg.SigningCertificates,
		sourceID:                      SourceIDFor(cfg.EntityID),
	}, nil
}

// SigningCertificates returns the current signing certificate set.
func (i *IdentityProvider) SigningCertificates() []*x509.Certificate {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.signingCerts
}

// SetSigningCertificates swaps the signing certificate set (key rollover).
func (i *IdentityProvider) SetSigningCertificates(certs []*x509.Certificate) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.signingCerts = certs
}

// SourceID returns the artifact SourceID for this IdP.
func (i *IdentityProvider) SourceID() [20]byte {
	return i.sourceID
}

// ============================================================================
// Options
// ============================================================================

// Options is the host-provided wiring the protocol core runs against.
type Options struct {
	// SP is the Service Provider's own configuration
	SP SPOptions

	// RequestStore is the pending-request table
	RequestStore RequestStateStore

	// Resolver dereferences artifacts; required for the Artifact binding
	Resolver *ArtifactResolver

	// Logger receives validation outcome events
	Logger zerolog.Logger

	mu   sync.RWMutex
	idps map[string]*IdentityProvider

	replayOnce sync.Once
	replay     *replayCache
}

// NewOptions builds Options around an SP configuration and pending table.
func NewOptions(sp SPOptions, store RequestStateStore, logger zerolog.Logger) *Options {
	return &Options{
		SP:           sp,
		RequestStore: store,
		Logger:       logger,
		idps:         make(map[string]*IdentityProvider),
	}
}

// AddIdentityProvider registers an IdP.
func (o *Options) AddIdentityProvider(idp *IdentityProvider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.idps[idp.EntityID] = idp
}

// IdentityProvider looks up an IdP by entity ID.
func (o *Options) IdentityProvider(entityID string) (*IdentityProvider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	idp, ok := o.idps[entityID]
	return idp, ok
}

// identityProviderBySourceID finds the IdP whose entity ID hashes to the
// artifact SourceID.
func (o *Options) identityProviderBySourceID(sourceID [20]byte) (*IdentityProvider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, idp := range o.idps {
		if idp.sourceID == sourceID {
			return idp, true
		}
	}
	return nil, false
}

// replayTracker returns the assertion replay cache shared by every
// validation run against these Options, creating it on first use.
func (o *Options) replayTracker() *replayCache {
	o.replayOnce.Do(func() {
		o.replay = newReplayCache()
	})
	return o.replay
}
