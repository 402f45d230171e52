// Package daemon wires every component together and owns the process
// lifecycle: startup order, signal handling, and the coordinated
// teardown sequence — stop services, close PTYs, close the Gateway.
package daemon

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/embergate/gatewayd/internal/authgate"
	"github.com/embergate/gatewayd/internal/certs"
	"github.com/embergate/gatewayd/internal/config"
	"github.com/embergate/gatewayd/internal/gateway"
	"github.com/embergate/gatewayd/internal/originfilter"
	"github.com/embergate/gatewayd/internal/ptypool"
	"github.com/embergate/gatewayd/internal/router"
	"github.com/embergate/gatewayd/internal/secretstore"
	"github.com/embergate/gatewayd/internal/sessions"
	"github.com/embergate/gatewayd/internal/supervisor"
	"github.com/embergate/gatewayd/internal/tailscale"
)

const (
	ptyEventBuffer     = 256
	serviceEventBuffer = 256
)

// Daemon owns every long-lived component and the Gateway that fronts
// them.
type Daemon struct {
	UserDataDir string
	Tailscale   tailscale.Service

	secrets    *secretstore.Store
	certs      *certs.Manager
	pool       *ptypool.Pool
	supervisor *supervisor.Supervisor
	registry   *sessions.Registry
	router     *router.Router
	gw         *gateway.Gateway
	cfgManager *config.Manager
}

// New constructs every component but does not start listening or spawn
// any auto-start services — call Run for that.
func New(userDataDir string, tailscaleService tailscale.Service) (*Daemon, error) {
	if err := config.EnsureUserDataDir(userDataDir); err != nil {
		return nil, fmt.Errorf("daemon: ensure user data dir: %w", err)
	}

	cfgManager, err := config.Load(config.ConfigPath(userDataDir))
	if err != nil {
		return nil, fmt.Errorf("daemon: load config: %w", err)
	}

	secrets := secretstore.NewFile(userDataDir)
	if err := cfgManager.MigrateAuthToken(secrets.AdoptToken); err != nil {
		return nil, fmt.Errorf("daemon: migrate auth token: %w", err)
	}
	if _, err := secrets.GetAuthToken(); err != nil {
		return nil, fmt.Errorf("daemon: load auth token: %w", err)
	}
	if _, err := os.Stat(config.ConfigPath(userDataDir)); os.IsNotExist(err) {
		if err := cfgManager.Save(); err != nil {
			return nil, fmt.Errorf("daemon: persist default config: %w", err)
		}
	}

	certManager := certs.New(config.CertsDir(userDataDir))
	additionalIP, _ := tailscaleService.LocalIPv4()
	if _, err := certManager.Initialize(additionalIP); err != nil {
		return nil, fmt.Errorf("daemon: initialize certificates: %w", err)
	}

	pool := ptypool.New(ptyEventBuffer)
	sup := supervisor.New(serviceEventBuffer)
	registry := sessions.New()
	r := router.New(pool, sup, registry)

	cfg := cfgManager.Get()
	for _, def := range cfg.Services {
		if err := sup.Register(def); err != nil {
			log.Printf("daemon: register service %s: %v", def.ID, err)
			continue
		}
		if def.AutoStart {
			if err := sup.Start(def.ID); err != nil {
				log.Printf("daemon: autostart service %s: %v", def.ID, err)
			}
		}
	}

	cert, err := certManager.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("daemon: build tls certificate: %w", err)
	}

	gw := gateway.New(gateway.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Connection.DirectPort),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		Filter:    originfilter.New(cfg.Connection.RestrictToTailscale),
		Gate:      authgate.New(secrets.GetAuthToken),
		Router:    r,
	})

	d := &Daemon{
		UserDataDir: userDataDir,
		Tailscale:   tailscaleService,
		secrets:     secrets,
		certs:       certManager,
		pool:        pool,
		supervisor:  sup,
		registry:    registry,
		router:      r,
		gw:          gw,
		cfgManager:  cfgManager,
	}

	if err := cfgManager.Watch(d.onConfigChanged); err != nil {
		log.Printf("daemon: config hot-reload disabled: %v", err)
	}

	return d, nil
}

// onConfigChanged logs a reload. The config Manager has already replaced
// its in-memory config; nothing is re-applied to running components — the
// listener, origin policy and registered services keep the settings they
// were built with until a restart.
func (d *Daemon) onConfigChanged(cfg config.Config) {
	log.Printf("daemon: config reloaded from %s", config.ConfigPath(d.UserDataDir))
}

// Run blocks until SIGINT/SIGTERM, then tears down in the required
// order: stop all services, close all PTYs, close the Gateway.
func (d *Daemon) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.gw.Start()
	}()

	log.Printf("gatewayd started (dir=%s)", d.UserDataDir)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("gateway stopped: %v", err)
		}
	}

	d.Shutdown()
	return nil
}

// Shutdown performs the coordinated teardown described in §5: stop all
// services, close all PTYs, close the Gateway.
func (d *Daemon) Shutdown() {
	d.supervisor.StopAll()
	for _, sess := range d.pool.List() {
		d.pool.Close(sess.ID)
	}
	d.router.Close()
	if err := d.gw.Close(); err != nil {
		log.Printf("daemon: close gateway: %v", err)
	}
}

// RotateToken replaces the auth token. Live WebSocket connections are not
// closed; only auth attempts made afterwards with the old token fail.
func (d *Daemon) RotateToken() (string, error) {
	return d.secrets.RotateAuthToken()
}

// RegenerateCert replaces the on-disk certificate. The caller must
// restart the process for new TLS sockets to use it (§4.2).
func (d *Daemon) RegenerateCert() (certs.Info, error) {
	additionalIP, _ := d.Tailscale.LocalIPv4()
	return d.certs.Regenerate(additionalIP)
}

// PairingInfo returns the payload encoded into the pairing QR code.
func (d *Daemon) PairingInfo() (PairingInfo, error) {
	token, err := d.secrets.GetAuthToken()
	if err != nil {
		return PairingInfo{}, err
	}
	host := "127.0.0.1"
	if ip, ok := d.Tailscale.LocalIPv4(); ok {
		host = ip
	}
	return PairingInfo{
		Host:            host,
		Port:            d.cfgManager.Get().Connection.DirectPort,
		Token:           token,
		CertFingerprint: d.certs.Fingerprint(),
	}, nil
}

// PairingInfo is the payload encoded in the pairing QR code and manual
// entry form.
type PairingInfo struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"token"`
	CertFingerprint string `json:"certFingerprint"`
}
