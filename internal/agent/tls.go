package agent

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// TLSSettings configures HTTPS for the status API. With RequireClientCert
// set, clients must present a certificate signed by ClientCAFile.
type TLSSettings struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

// TLSSettingsFromEnv reads STAGEHAND_AGENT_TLS_CERT, STAGEHAND_AGENT_TLS_KEY,
// STAGEHAND_AGENT_CLIENT_CA and STAGEHAND_AGENT_REQUIRE_MTLS.
func TLSSettingsFromEnv() TLSSettings {
	return TLSSettings{
		CertFile:          os.Getenv("STAGEHAND_AGENT_TLS_CERT"),
		KeyFile:           os.Getenv("STAGEHAND_AGENT_TLS_KEY"),
		ClientCAFile:      os.Getenv("STAGEHAND_AGENT_CLIENT_CA"),
		RequireClientCert: os.Getenv("STAGEHAND_AGENT_REQUIRE_MTLS") == "true",
	}
}

func (s TLSSettings) Enabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// ServerConfig loads the key pair and, for mTLS, the client CA pool.
func (s TLSSettings) ServerConfig() (*tls.Config, error) {
	if !s.Enabled() {
		return nil, errors.New("tls: certificate and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if !s.RequireClientCert {
		return cfg, nil
	}

	pool, err := loadCertPool(s.ClientCAFile)
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	log.Info().Str("ca_cert", s.ClientCAFile).Msg("mTLS client authentication enabled")
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, errors.New("tls: client CA file is required for mTLS")
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// clientIdentity rejects requests without a verified client certificate when
// required is set, and exposes the certificate subject to handlers.
func clientIdentity(required bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			if required {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "client certificate required"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		leaf := r.TLS.PeerCertificates[0]
		r.Header.Set("X-Client-Subject", leaf.Subject.String())
		r.Header.Set("X-Client-Serial", leaf.SerialNumber.String())
		log.Debug().Str("subject", leaf.Subject.String()).Msg("status API client authenticated")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS serves the status API over HTTPS.
func (s *Server) ListenAndServeTLS(addr string, settings TLSSettings) error {
	cfg, err := settings.ServerConfig()
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           clientIdentity(settings.RequireClientCert, s.Handler()),
		TLSConfig:         cfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Bool("mtls", settings.RequireClientCert).Msg("Starting status API with TLS")
	return s.srv.ListenAndServeTLS("", "")
}
