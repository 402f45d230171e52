package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/embergate/gatewayd/internal/certs"
	"github.com/embergate/gatewayd/internal/config"
	"github.com/embergate/gatewayd/internal/daemon"
	"github.com/embergate/gatewayd/internal/secretstore"
	"github.com/embergate/gatewayd/internal/tailscale"
)

func defaultUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gatewayd"
	}
	return filepath.Join(home, ".gatewayd")
}

func resolveTailscale(useTailscale bool) tailscale.Service {
	if !useTailscale {
		return tailscale.NoneService{}
	}
	return tailscale.New()
}

func main() {
	var dataDir string
	var noTailscale bool

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Remote session gateway: PTYs and managed services over authenticated TLS WebSocket",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultUserDataDir(), "directory holding config.json, certs/, and secret.yaml")
	root.PersistentFlags().BoolVar(&noTailscale, "no-tailscale", false, "skip Tailscale IP discovery even if the CLI is installed")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "start the gateway and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := daemon.New(dataDir, resolveTailscale(!noTailscale))
			if err != nil {
				return err
			}
			return d.Run()
		},
	}

	rotateTokenCmd := &cobra.Command{
		Use:   "rotate-token",
		Short: "generate and store a new auth token (live connections are not closed; a running gateway keeps the token it has loaded until restarted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := secretstore.NewFile(dataDir)
			token, err := store.RotateAuthToken()
			if err != nil {
				return fmt.Errorf("rotate token: %w", err)
			}
			fmt.Fprintf(os.Stderr, "new token generated: %s\n", secretstore.Redacted(token))
			fmt.Println(token)
			return nil
		},
	}

	regenerateCertCmd := &cobra.Command{
		Use:   "regenerate-cert",
		Short: "replace the self-signed TLS certificate (requires a restart)",
		RunE: func(cmd *cobra.Command, args []string) error {
			additionalIP, _ := resolveTailscale(!noTailscale).LocalIPv4()
			mgr := certs.New(config.CertsDir(dataDir))
			info, err := mgr.Regenerate(additionalIP)
			if err != nil {
				return fmt.Errorf("regenerate certificate: %w", err)
			}
			fmt.Printf("new certificate fingerprint: %s\n", info.Fingerprint)
			fmt.Println("restart gatewayd for the new certificate to take effect")
			return nil
		},
	}

	pairingInfoCmd := &cobra.Command{
		Use:   "pairing-info",
		Short: "print the JSON payload a client needs to pair with this gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgManager, err := config.Load(config.ConfigPath(dataDir))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store := secretstore.NewFile(dataDir)
			token, err := store.GetAuthToken()
			if err != nil {
				return fmt.Errorf("get auth token: %w", err)
			}
			mgr := certs.New(config.CertsDir(dataDir))
			additionalIP, _ := resolveTailscale(!noTailscale).LocalIPv4()
			if _, err := mgr.Initialize(additionalIP); err != nil {
				return fmt.Errorf("initialize certificates: %w", err)
			}

			host := "127.0.0.1"
			if ip, ok := resolveTailscale(!noTailscale).LocalIPv4(); ok {
				host = ip
			}
			info := daemon.PairingInfo{
				Host:            host,
				Port:            cfgManager.Get().Connection.DirectPort,
				Token:           token,
				CertFingerprint: mgr.Fingerprint(),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	root.AddCommand(runCmd, rotateTokenCmd, regenerateCertCmd, pairingInfoCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
