package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/caddyserver/certmagic"
	"github.com/veil-waf/veil-go/internal/config"
)

// CertManager manages automatic TLS certificates via certmagic with
// on-demand provisioning, gated by the proxy's own route table rather
// than an external site registry.
type CertManager struct {
	hosts  map[string]bool
	logger *slog.Logger
	cfg    *certmagic.Config
}

// NewCertManager creates a CertManager that provisions TLS certificates
// on demand for any host named by the configured routes.
func NewCertManager(routes []config.RouteConfig, logger *slog.Logger) *CertManager {
	certmagic.DefaultACME.Email = os.Getenv("ACME_EMAIL")
	certmagic.DefaultACME.Agreed = true

	if os.Getenv("VEIL_ENV") != "production" {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	}

	hosts := make(map[string]bool, len(routes))
	for _, r := range routes {
		if r.Host != "" {
			hosts[r.Host] = true
		}
	}

	cfg := certmagic.NewDefault()
	cm := &CertManager{hosts: hosts, logger: logger, cfg: cfg}

	cfg.OnDemand = &certmagic.OnDemandConfig{
		DecisionFunc: cm.allowCert,
	}

	return cm
}

// allowCert is the on-demand decision function that checks whether a
// certificate should be provisioned for the given domain name. Only
// hosts named by a configured route are eligible; the wildcard
// (host-less) route never triggers on-demand issuance since it has no
// domain of its own to certify.
func (cm *CertManager) allowCert(_ context.Context, name string) error {
	if !cm.hosts[name] {
		return fmt.Errorf("host not served by any configured route: %s", name)
	}
	return nil
}

// ListenAndServe starts an HTTPS server using certmagic's TLS configuration.
// It pre-manages every route's host, then serves the handler over TLS.
func (cm *CertManager) ListenAndServe(handler http.Handler) error {
	domains := make([]string, 0, len(cm.hosts))
	for h := range cm.hosts {
		domains = append(domains, h)
	}

	cm.logger.Info("starting TLS server", "domains", domains)

	if len(domains) > 0 {
		if err := cm.cfg.ManageSync(context.Background(), domains); err != nil {
			return fmt.Errorf("manage known domains: %w", err)
		}
	}

	tlsCfg := cm.cfg.TLSConfig()
	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", certmagic.HTTPSPort), tlsCfg)
	if err != nil {
		return fmt.Errorf("tls listen: %w", err)
	}

	cm.logger.Info("serving HTTPS", "port", certmagic.HTTPSPort)
	return http.Serve(ln, handler)
}

// TLSConfig returns the certmagic config for use with custom listeners.
func (cm *CertManager) TLSConfig() *certmagic.Config {
	return cm.cfg
}
