package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AuthFaultKind classifies token acquisition failures.
type AuthFaultKind string

const (
	AuthInvalidScope       AuthFaultKind = "invalid_scope"
	AuthInvalidBinding     AuthFaultKind = "invalid_binding"
	AuthServiceUnavailable AuthFaultKind = "service_unavailable"
	AuthDenied             AuthFaultKind = "denied"
)

// AuthFault reports that an access token could not be obtained. It is always
// recoverable by re-running the whole provisioning chain.
type AuthFault struct {
	Kind   AuthFaultKind
	Scopes []string
	Err    error
}

func (e *AuthFault) Error() string {
	msg := fmt.Sprintf("auth fault (%s) for scopes [%s]", e.Kind, strings.Join(e.Scopes, " "))
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthFault) Unwrap() error { return e.Err }

// IsAuthFault returns true if the error is an AuthFault.
func IsAuthFault(err error) bool {
	var f *AuthFault
	return errors.As(err, &f)
}

// ProvisionFaultKind classifies relay provisioning failures.
type ProvisionFaultKind string

const (
	ProvisionCredentialDenied   ProvisionFaultKind = "credential_denied"
	ProvisionRegistrationFailed ProvisionFaultKind = "registration_failed"
	ProvisionMalformedResponse  ProvisionFaultKind = "malformed_response"
	ProvisionMalformedEndpoint  ProvisionFaultKind = "malformed_endpoint"
)

// ProvisionFault reports that no relay endpoint could be obtained.
type ProvisionFault struct {
	Kind       ProvisionFaultKind
	StatusCode int    // zero when no response was received
	Body       string // response body, if any
	Err        error
}

func (e *ProvisionFault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provision fault (%s)", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *ProvisionFault) Unwrap() error { return e.Err }

// IsProvisionFault returns true if the error is a ProvisionFault.
func IsProvisionFault(err error) bool {
	var f *ProvisionFault
	return errors.As(err, &f)
}

// ChannelFaultKind classifies polling failures.
type ChannelFaultKind string

const (
	ChannelStatus           ChannelFaultKind = "status"
	ChannelTransport        ChannelFaultKind = "transport"
	ChannelMalformedPayload ChannelFaultKind = "malformed_payload"
)

// ChannelFault reports a failed call through the pinned channel. A non-success
// status is how the remote side signals that the lease has ended.
type ChannelFault struct {
	Kind       ChannelFaultKind
	StatusCode int
	Body       string
	Err        error
}

func (e *ChannelFault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "channel fault (%s)", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *ChannelFault) Unwrap() error { return e.Err }

// IsChannelFault returns true if the error is a ChannelFault.
func IsChannelFault(err error) bool {
	var f *ChannelFault
	return errors.As(err, &f)
}

// ConfigFault indicates invalid static configuration. It is permanent and
// ends the process.
type ConfigFault struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigFault) Error() string {
	msg := "config fault"
	if e.Field != "" {
		msg += " on " + e.Field
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigFault) Unwrap() error { return e.Err }

// NewConfigFault creates a ConfigFault.
func NewConfigFault(field, message string) *ConfigFault {
	return &ConfigFault{Field: field, Message: message}
}

// IsConfigFault returns true if the error is a ConfigFault.
func IsConfigFault(err error) bool {
	var f *ConfigFault
	return errors.As(err, &f)
}

// IsRecoverable reports whether err should trigger a renewal rather than end
// the session. Configuration faults are never recoverable, even when wrapped
// inside another fault.
func IsRecoverable(err error) bool {
	if err == nil || IsConfigFault(err) {
		return false
	}
	return IsAuthFault(err) || IsProvisionFault(err) || IsChannelFault(err)
}

// FaultKind returns a short label for logs and metrics.
func FaultKind(err error) string {
	var (
		af *AuthFault
		pf *ProvisionFault
		cf *ChannelFault
	)
	switch {
	case IsConfigFault(err):
		return "config"
	case errors.As(err, &af):
		return "auth_" + string(af.Kind)
	case errors.As(err, &pf):
		return "provision_" + string(pf.Kind)
	case errors.As(err, &cf):
		return "channel_" + string(cf.Kind)
	}
	return "unknown"
}
