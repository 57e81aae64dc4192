package app

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/arcrelay/internal/relay/domain"
	"github.com/aussiebroadwan/arcrelay/internal/relay/service"
	"github.com/spf13/viper"
)

const (
	// DefaultConfigFile is read from the working directory unless another
	// path is given.
	DefaultConfigFile = "appsettings.json"

	// EnvPrefix namespaces environment overrides, e.g. ARCRELAY_CLIENTSECRET.
	EnvPrefix = "ARCRELAY"

	DefaultInstance = "https://login.microsoftonline.com/{0}"
)

// Config is the settings file, with keys matching the sample appsettings.json.
// Viper matches keys case-insensitively.
type Config struct {
	Instance            string `mapstructure:"instance"`            // Authority template, {0} is replaced with TenantId
	TenantID            string `mapstructure:"tenantid"`            // Required when Instance contains {0}
	ClientID            string `mapstructure:"clientid"`            // Required: application (client) id
	ClientSecret        string `mapstructure:"clientsecret"`        // One of ClientSecret or CertificatePath
	CertificatePath     string `mapstructure:"certificatepath"`     // PKCS#12 bundle, takes precedence over ClientSecret
	CertificatePassword string `mapstructure:"certificatepassword"` // Optional

	SubscriptionID       string `mapstructure:"subscriptionid"`       // Required
	ResourceGroup        string `mapstructure:"resourcegroup"`        // Required
	ArcServerName        string `mapstructure:"arcservername"`        // Required: machine resource name
	ArcServerLocation    string `mapstructure:"arcserverlocation"`    // Required: Azure region of the machine
	ArcServerClientID    string `mapstructure:"arcserverclientid"`    // Required: PoP scope is {ArcServerClientId}/.default
	ArcServerPrincipalID string `mapstructure:"arcserverprincipalid"` // Required unless LocalHostname is set
	ArceeAPIURL          string `mapstructure:"arceeapiurl"`          // Required: service the relay forwards to
	ArceeAPIBaseAddress  string `mapstructure:"arceeapibaseaddress"`  // Optional: its path is the default ApiPath
	UserRPClientID       string `mapstructure:"userrpclientid"`       // Optional: PAS scope is {UserRpClientId}/.default
	PathToProxy          string `mapstructure:"pathtoproxy"`          // Optional: local proxy helper started once

	APIScope  string `mapstructure:"apiscope"`  // Optional: space separated PAS scopes, overrides UserRpClientId
	APIPath   string `mapstructure:"apipath"`   // Path polled through the relay
	APIMethod string `mapstructure:"apimethod"` // HTTP method for polls (default: GET)

	ManagementEndpoint string `mapstructure:"managementendpoint"` // Default: https://management.azure.com
	ProxyBaseURL       string `mapstructure:"proxybaseurl"`       // Default: regional control endpoint
	LocalHostname      string `mapstructure:"localhostname"`      // Replaces the public Arc hostname
	LocalProxyAddress  string `mapstructure:"localproxyaddress"`  // Dial host for relay endpoints

	PollInterval         time.Duration `mapstructure:"pollinterval"`         // Minimum spacing between polls (default: 0, unpaced)
	RenewBefore          time.Duration `mapstructure:"renewbefore"`          // Proactive renewal window (default: 30s)
	RequestTimeout       time.Duration `mapstructure:"requesttimeout"`       // Per request timeout (default: 30s)
	RetryInitialInterval time.Duration `mapstructure:"retryinitialinterval"` // Default: 1s
	RetryMaxInterval     time.Duration `mapstructure:"retrymaxinterval"`     // Default: 1m
	PollMaxBytes         int64         `mapstructure:"pollmaxbytes"`         // Largest accepted poll response (default: 16 MiB)

	MetricsAddr string `mapstructure:"metricsaddr"` // Prometheus listen address, empty disables
	Env         string `mapstructure:"env"`         // Environment (dev, staging, prod) (default: prod)
	LogLevel    string `mapstructure:"loglevel"`    // Log level (debug, info, warn, error) (default: info)
	LogFormat   string `mapstructure:"logformat"`   // Log format (json, text) (default: json)
}

// LoadConfig reads path (or DefaultConfigFile when empty) and applies
// environment overrides. A missing file is not an error so that deployments
// can be configured from the environment alone.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	v := viper.New()
	setDefaults(v)
	configureViper(v, path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, configFault("config", fmt.Sprintf("read %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, configFault("config", "decode settings", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	for _, key := range []string{
		"tenantid", "clientid", "clientsecret", "certificatepath", "certificatepassword",
		"subscriptionid", "resourcegroup", "arcservername", "arcserverlocation",
		"arcserverclientid", "arcserverprincipalid", "arceeapiurl", "arceeapibaseaddress",
		"userrpclientid", "pathtoproxy", "apiscope", "apipath",
		"managementendpoint", "proxybaseurl", "localhostname", "localproxyaddress",
		"metricsaddr",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("instance", DefaultInstance)
	v.SetDefault("apimethod", "GET")
	v.SetDefault("pollinterval", time.Duration(0))
	v.SetDefault("renewbefore", service.DefaultRenewBefore)
	v.SetDefault("requesttimeout", 30*time.Second)
	v.SetDefault("retryinitialinterval", service.DefaultRetryInitialInterval)
	v.SetDefault("retrymaxinterval", service.DefaultRetryMaxInterval)
	v.SetDefault("pollmaxbytes", int64(service.DefaultPollBodyLimit))
	v.SetDefault("env", "prod")
	v.SetDefault("loglevel", "info")
	v.SetDefault("logformat", "json")
}

func configureViper(v *viper.Viper, path string) {
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Validate reports the first missing or malformed setting as a ConfigFault.
func (c Config) Validate() error {
	required := []struct {
		field, value string
	}{
		{"ClientId", c.ClientID},
		{"SubscriptionId", c.SubscriptionID},
		{"ResourceGroup", c.ResourceGroup},
		{"ArcServerName", c.ArcServerName},
		{"ArcServerLocation", c.ArcServerLocation},
		{"ArcServerClientId", c.ArcServerClientID},
		{"ArceeApiUrl", c.ArceeAPIURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return domain.NewConfigFault(r.field, "is required")
		}
	}

	if c.ClientSecret == "" && c.CertificatePath == "" {
		return domain.NewConfigFault("ClientSecret", "one of ClientSecret or CertificatePath is required")
	}
	if c.ArcServerPrincipalID == "" && c.LocalHostname == "" {
		return domain.NewConfigFault("ArcServerprincipalId", "is required unless LocalHostname is set")
	}
	if strings.Contains(c.Instance, "{0}") && c.TenantID == "" {
		return domain.NewConfigFault("TenantId", "is required by Instance")
	}

	if err := absoluteURL(c.Authority()); err != nil {
		return configFault("Instance", "authority must be an absolute URL", err)
	}
	if err := absoluteURL(c.ArceeAPIURL); err != nil {
		return configFault("ArceeApiUrl", "must be an absolute URL", err)
	}
	for field, value := range map[string]string{
		"ManagementEndpoint":  c.ManagementEndpoint,
		"ProxyBaseUrl":        c.ProxyBaseURL,
		"ArceeApiBaseAddress": c.ArceeAPIBaseAddress,
	} {
		if value == "" {
			continue
		}
		if err := absoluteURL(value); err != nil {
			return configFault(field, "must be an absolute URL", err)
		}
	}

	for field, d := range map[string]time.Duration{
		"PollInterval":         c.PollInterval,
		"RenewBefore":          c.RenewBefore,
		"RequestTimeout":       c.RequestTimeout,
		"RetryInitialInterval": c.RetryInitialInterval,
		"RetryMaxInterval":     c.RetryMaxInterval,
	} {
		if d < 0 {
			return domain.NewConfigFault(field, "must not be negative")
		}
	}

	if c.PollMaxBytes < 0 {
		return domain.NewConfigFault("PollMaxBytes", "must not be negative")
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		return domain.NewConfigFault("LogFormat", fmt.Sprintf("unknown format %q", c.LogFormat))
	}

	for _, scope := range append(c.PoPScopes(), c.PASScopes()...) {
		if !domain.ValidScope(scope) {
			return domain.NewConfigFault("ApiScope", fmt.Sprintf("invalid scope %q", scope))
		}
	}
	return nil
}

func absoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// Authority is Instance with the tenant substituted.
func (c Config) Authority() string {
	return strings.TrimRight(strings.ReplaceAll(c.Instance, "{0}", c.TenantID), "/")
}

// Identity returns the application identity used for every token exchange.
func (c Config) Identity() domain.ApplicationIdentity {
	return domain.ApplicationIdentity{
		Authority:           c.Authority(),
		ClientID:            c.ClientID,
		ClientSecret:        c.ClientSecret,
		CertificatePath:     c.CertificatePath,
		CertificatePassword: c.CertificatePassword,
	}
}

// Target returns the machine relays are provisioned for.
func (c Config) Target() domain.RelayTarget {
	return domain.RelayTarget{
		SubscriptionID: c.SubscriptionID,
		ResourceGroup:  c.ResourceGroup,
		MachineName:    c.ArcServerName,
		Location:       c.ArcServerLocation,
		PrincipalID:    c.ArcServerPrincipalID,
		ServiceURL:     c.ArceeAPIURL,
		LocalHostname:  c.LocalHostname,
	}
}

// PoPScopes are requested for the token bound to each relay endpoint.
func (c Config) PoPScopes() []string {
	return []string{c.ArcServerClientID + domain.DefaultScopeSuffix}
}

// PASScopes returns the scopes of the optional second token, or nil.
func (c Config) PASScopes() []string {
	if scopes := strings.Fields(c.APIScope); len(scopes) > 0 {
		return scopes
	}
	if c.UserRPClientID != "" {
		return []string{c.UserRPClientID + domain.DefaultScopeSuffix}
	}
	return nil
}

// PollPath is the path polled through the relay.
func (c Config) PollPath() string {
	if c.APIPath != "" {
		return c.APIPath
	}
	if c.ArceeAPIBaseAddress != "" {
		if u, err := url.Parse(c.ArceeAPIBaseAddress); err == nil && u.Path != "" {
			return u.Path
		}
	}
	return "/"
}

// SessionConfig maps the settings onto the session loop.
func (c Config) SessionConfig() service.SessionConfig {
	return service.SessionConfig{
		PoPScopes:   c.PoPScopes(),
		PASScopes:   c.PASScopes(),
		Method:      c.APIMethod,
		APIPath:     c.PollPath(),
		RenewBefore: c.RenewBefore,
	}
}

func configFault(field, message string, err error) *domain.ConfigFault {
	return &domain.ConfigFault{Field: field, Message: message, Err: err}
}
