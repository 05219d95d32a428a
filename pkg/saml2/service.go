package saml2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Service Provider
// ============================================================================

// ServiceProvider orchestrates the SP side of Web SSO: initiating sign-on
// and consuming responses. It is safe for concurrent use.
type ServiceProvider struct {
	options *Options
	logger  zerolog.Logger
}

// NewServiceProvider creates a ServiceProvider over the given options.
func NewServiceProvider(options *Options, logger zerolog.Logger) (*ServiceProvider, error) {
	if options == nil {
		return nil, errors.New("options are required")
	}
	if err := options.SP.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SP options: %w", err)
	}
	if options.RequestStore == nil {
		return nil, errors.New("a request state store is required")
	}
	return &ServiceProvider{
		options: options,
		logger:  logger.With().Str("component", "saml2-sp").Logger(),
	}, nil
}

// Options returns the wiring the provider runs against.
func (s *ServiceProvider) Options() *Options {
	return s.options
}

// SignOnParams parameterizes InitiateSignOn.
type SignOnParams struct {
	// IdpEntityID selects the IdP
	IdpEntityID string

	// ReturnURL is where the host resumes after sign-on, if any
	ReturnURL string

	// RelayState overrides the generated correlation key; at most 80 octets
	RelayState string

	// NameIDFormat requests a NameID format, if any
	NameIDFormat string

	// ForceAuthn requires fresh authentication
	ForceAuthn bool
}

// InitiateSignOn builds an AuthnRequest for the selected IdP, records it in
// the pending table keyed by the relay state, and returns the HTTP action
// that transmits it.
func (s *ServiceProvider) InitiateSignOn(ctx context.Context, params SignOnParams) (*CommandResult, error) {
	idp, ok := s.options.IdentityProvider(params.IdpEntityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentityProvider, params.IdpEntityID)
	}

	request := &AuthnRequest{
		ID:                          NewID(),
		IssueInstant:                time.Now().UTC(),
		Destination:                 idp.SingleSignOnURL,
		Issuer:                      s.options.SP.EntityID,
		AssertionConsumerServiceURL: s.options.SP.AssertionConsumerServiceURL,
		ProtocolBinding:             BindingHTTPPost,
		NameIDPolicyFormat:          params.NameIDFormat,
		ForceAuthn:                  params.ForceAuthn,
	}

	xml, err := request.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize AuthnRequest: %w", err)
	}

	relayState := params.RelayState
	if relayState == "" {
		relayState = uuid.NewString()
	}
	if len(relayState) > MaxRelayStateLength {
		return nil, ErrRelayStateTooLong
	}

	err = s.options.RequestStore.Add(ctx, relayState, &StoredRequestState{
		Idp:       idp.EntityID,
		MessageID: request.ID,
		ReturnURL: params.ReturnURL,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record pending request: %w", err)
	}

	binding, err := GetBinding(idp.Binding)
	if err != nil {
		return nil, err
	}

	result, err := binding.Bind(&OutboundMessage{
		XML:                   xml,
		MessageName:           MessageNameRequest,
		Destination:           idp.SingleSignOnURL,
		RelayState:            relayState,
		SigningKey:            s.options.SP.signingKey(),
		Issuer:                s.options.SP.EntityID,
		ArtifactEndpointIndex: idp.ArtifactEndpointIndex,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("idp", idp.EntityID).
		Str("request_id", request.ID.String()).
		Str("binding", string(idp.Binding)).
		Msg("sign-on initiated")

	return result, nil
}

// ConsumeResponse reverses the binding of an incoming response, parses it,
// and runs full validation. On success the extracted claims and the
// validated Response (carrying relay state and any consumed request state)
// are returned.
func (s *ServiceProvider) ConsumeResponse(ctx context.Context, req *HTTPRequestData) (*Response, []AssertionClaims, error) {
	binding := ProbeBinding(req)
	if binding == nil {
		return nil, nil, ErrUnsupportedBinding
	}

	message, err := binding.Unbind(ctx, req, s.options)
	if err != nil {
		return nil, nil, err
	}

	response, err := ParseResponse(message.Data, message.RelayState)
	if err != nil {
		return nil, nil, err
	}

	claims, err := response.Validate(ctx, s.options)
	if err != nil {
		return response, nil, err
	}

	s.logger.Debug().
		Str("issuer", response.Issuer()).
		Int("assertions", len(claims)).
		Msg("response consumed")

	return response, claims, nil
}
