//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	linuxBinaryPath  = "/usr/local/bin/meetbot"
	linuxUnitDst     = "/etc/systemd/system/meetbot.service"
	linuxConfigDir   = "/etc/meetbot"
	linuxDataDir     = "/var/lib/meetbot"
	linuxServiceName = "meetbot"
	linuxServiceUser = "meetbot"
)

// Runs as an unprivileged user so Chrome keeps its sandbox.
const linuxUnit = `[Unit]
Description=Meeting bot
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=meetbot
Group=meetbot
ExecStart=/usr/local/bin/meetbot run
WorkingDirectory=/var/lib/meetbot
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5
TimeoutStopSec=45

ProtectSystem=strict
ReadWritePaths=/var/lib/meetbot
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=meetbot

LimitNOFILE=8192

[Install]
WantedBy=multi-user.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the meetbot system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo meetbot service %s)", action)
	}
	return nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install meetbot as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("install"); err != nil {
			return err
		}

		// Service account (best-effort, may already exist)
		exec.Command("useradd", "--system", "--home-dir", linuxDataDir, "--shell", "/usr/sbin/nologin", linuxServiceUser).Run()

		for _, dir := range []string{linuxConfigDir, linuxDataDir} {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if out, err := exec.Command("chown", "-R", linuxServiceUser+":"+linuxServiceUser, linuxDataDir).CombinedOutput(); err != nil {
			return fmt.Errorf("failed to chown %s: %s", linuxDataDir, strings.TrimSpace(string(out)))
		}
		exec.Command("chgrp", linuxServiceUser, linuxConfigDir).Run()

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0o755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0o644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", linuxServiceName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		fmt.Println()
		fmt.Println("meetbot service installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Printf("  1. Configure: %s/meetbot.yaml (identity via MEETBOT_IDENTITY_EMAIL/PASSWORD)\n", linuxConfigDir)
		fmt.Println("  2. Check:     sudo -u meetbot meetbot doctor")
		fmt.Println("  3. Start:     sudo meetbot service start")
		fmt.Println("  4. Logs:      journalctl -u meetbot -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the meetbot systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("uninstall"); err != nil {
			return err
		}

		exec.Command("systemctl", "stop", linuxServiceName).Run()
		exec.Command("systemctl", "disable", linuxServiceName).Run()
		os.Remove(linuxUnitDst)
		exec.Command("systemctl", "daemon-reload").Run()
		os.Remove(linuxBinaryPath)

		fmt.Println("meetbot service uninstalled.")
		fmt.Printf("Config at %s and data at %s were preserved.\n", linuxConfigDir, linuxDataDir)
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the meetbot service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("start"); err != nil {
			return err
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo meetbot service install' first")
		}
		if err := systemctl("start", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("meetbot service started.")
		fmt.Println("Logs: journalctl -u meetbot -f")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the meetbot service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("stop"); err != nil {
			return err
		}
		if err := systemctl("stop", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("meetbot service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show meetbot service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// Non-zero exit when the unit is stopped; the output is what matters.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
