package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/meetbot/internal/audit"
	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/health"
	"github.com/breeze-rmm/meetbot/internal/mtls"
	"github.com/breeze-rmm/meetbot/internal/privilege"
	"github.com/breeze-rmm/meetbot/internal/selectors"
	"github.com/breeze-rmm/meetbot/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can run meetings",
	Run: func(cmd *cobra.Command, args []string) {
		if !runDoctor() {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"headless-shell",
}

type checkResult struct {
	status health.Status
	detail string
}

func pass(format string, args ...any) checkResult {
	return checkResult{health.Healthy, fmt.Sprintf(format, args...)}
}

func warn(format string, args ...any) checkResult {
	return checkResult{health.Degraded, fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) checkResult {
	return checkResult{health.Unhealthy, fmt.Sprintf(format, args...)}
}

func runDoctor() bool {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("[FAIL] config: %v\n", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	checks := []struct {
		name string
		run  func() checkResult
	}{
		{"config", func() checkResult { return checkIdentity(cfg) }},
		{"chrome", func() checkResult { return checkChrome(cfg) }},
		{"sandbox", func() checkResult { return checkSandbox(cfg) }},
		{"data dir", func() checkResult { return checkDataDir(cfg) }},
		{"host", func() checkResult { return checkHost(ctx, cfg) }},
		{"catalog", func() checkResult { return checkCatalog(cfg) }},
		{"storage", func() checkResult { return checkStorage(ctx, cfg) }},
		{"audit", func() checkResult { return checkAudit(cfg) }},
		{"control plane", func() checkResult { return checkControlPlane(cfg) }},
	}

	ok := true
	for _, c := range checks {
		r := c.run()
		label := "OK"
		switch r.status {
		case health.Degraded:
			label = "WARN"
		case health.Unhealthy:
			label = "FAIL"
			ok = false
		}
		fmt.Printf("[%-4s] %-13s %s\n", label, c.name, r.detail)
	}
	if ok {
		fmt.Println("\nAll checks passed. Ready to join meetings.")
	} else {
		fmt.Println("\nSome checks failed.")
	}
	return ok
}

func checkIdentity(cfg *config.Config) checkResult {
	if cfg.Identity.Email == "" || cfg.Identity.Password == "" {
		return fail("identity.email and identity.password (or MEETBOT_IDENTITY_*) are required")
	}
	return pass("signing in as %s", cfg.Identity.Email)
}

func checkChrome(cfg *config.Config) checkResult {
	if cfg.Browser.ExecPath != "" {
		if _, err := os.Stat(cfg.Browser.ExecPath); err != nil {
			return fail("browser.exec_path: %v", err)
		}
		return pass("%s", cfg.Browser.ExecPath)
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return pass("%s", path)
		}
	}
	return fail("no Chrome or Chromium found on PATH; set browser.exec_path")
}

func checkSandbox(cfg *config.Config) checkResult {
	if err := privilege.CheckSandbox(cfg.Browser.NoSandbox); err != nil {
		return fail("%v", err)
	}
	if cfg.Browser.NoSandbox {
		return warn("chrome sandbox disabled")
	}
	return pass("chrome sandbox enabled")
}

func checkDataDir(cfg *config.Config) checkResult {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fail("%v", err)
	}
	probe, err := os.CreateTemp(cfg.DataDir, ".doctor-*")
	if err != nil {
		return fail("%s is not writable: %v", cfg.DataDir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return pass("%s", cfg.DataDir)
}

func checkHost(ctx context.Context, cfg *config.Config) checkResult {
	sample, err := health.SampleHost(ctx, cfg.DataDir)
	if err != nil {
		return warn("host metrics unavailable: %v", err)
	}
	status, message := health.Classify(sample, uint64(cfg.Agent.MinFreeDiskMB))
	return checkResult{status, message}
}

func checkCatalog(cfg *config.Config) checkResult {
	c, err := selectors.Load(cfg.SelectorCatalog)
	if err != nil {
		return fail("%v", err)
	}
	return pass("version %s, %d roles", c.Version, len(c.Roles))
}

func checkStorage(ctx context.Context, cfg *config.Config) checkResult {
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fail("%v", err)
	}
	objects, err := store.List(ctx, cfg.Storage.Prefix)
	if err != nil {
		return fail("%s: %v", store.Name(), err)
	}
	return pass("%s, %d objects", store.Name(), len(objects))
}

func checkAudit(cfg *config.Config) checkResult {
	if !cfg.AuditEnabled {
		return warn("audit log disabled")
	}
	n, err := audit.Verify(audit.Path(cfg.DataDir))
	if errors.Is(err, os.ErrNotExist) {
		return pass("no entries yet")
	}
	if err != nil {
		return fail("hash chain broken: %v", err)
	}
	return pass("%d entries verified", n)
}

func checkControlPlane(cfg *config.Config) checkResult {
	if cfg.ControlPlane.URL == "" {
		return pass("not configured")
	}
	tlsCfg, err := mtls.BuildTLSConfig(cfg.ControlPlane.CertFile, cfg.ControlPlane.KeyFile, cfg.ControlPlane.CAFile)
	if err != nil {
		return fail("%v", err)
	}
	expiry := mtls.ClientCertExpiry(tlsCfg)
	switch {
	case expiry.IsZero():
		return pass("%s", cfg.ControlPlane.URL)
	case mtls.IsExpired(expiry):
		return fail("client certificate expired %s", expiry.Format(time.RFC3339))
	case time.Until(expiry) < 14*24*time.Hour:
		return warn("client certificate expires %s", expiry.Format(time.RFC3339))
	}
	return pass("%s, client certificate valid until %s", cfg.ControlPlane.URL, expiry.Format(time.DateOnly))
}
