// Package service installs propbus serve as a systemd user service that the
// session bus can activate on demand.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const unitFileName = "propbus.service"

const unitTemplate = `[Unit]
Description=propbus - availability service on the session bus
Documentation=https://github.com/nikicat/propbus

[Service]
Type=dbus
BusName=%s
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// activationTemplate hands bus activation of the name over to systemd.
const activationTemplate = `[D-BUS Service]
Name=%s
Exec=%s
SystemdService=%s
`

// Options configures service installation.
type Options struct {
	// BusName is the name serve acquires; it names the activation file.
	BusName string
	// ConfigPath, if set, adds --config <path> to ExecStart.
	ConfigPath string
	// Start the service immediately after enabling.
	Start bool
}

// unitDir returns the systemd user unit directory.
// Uses $XDG_CONFIG_HOME/systemd/user/ with fallback to ~/.config/systemd/user/.
func unitDir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "systemd", "user"), nil
}

// activationDir returns the session bus service directory.
// Uses $XDG_DATA_HOME/dbus-1/services/ with fallback to ~/.local/share/dbus-1/services/.
func activationDir() (string, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "dbus-1", "services"), nil
}

// UnitPath returns the full path where the unit file is (or would be) installed.
func UnitPath() (string, error) {
	dir, err := unitDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, unitFileName), nil
}

// ActivationPath returns the path of the activation file for busName.
func ActivationPath(busName string) (string, error) {
	dir, err := activationDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, busName+".service"), nil
}

// Install writes the systemd user unit and the bus activation file, reloads
// systemd, and enables the service.
func Install(opts Options) error {
	if opts.BusName == "" || strings.ContainsAny(opts.BusName, "/ ") {
		return fmt.Errorf("invalid bus name %q", opts.BusName)
	}

	self, err := executableFunc()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	execStart := self + " serve --name " + opts.BusName
	if opts.ConfigPath != "" {
		execStart += " --config " + opts.ConfigPath
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := writeFile(unitPath, fmt.Sprintf(unitTemplate, opts.BusName, execStart)); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Printf("Wrote unit file: %s\n", unitPath)

	activationPath, err := ActivationPath(opts.BusName)
	if err != nil {
		return err
	}
	if err := writeFile(activationPath, fmt.Sprintf(activationTemplate, opts.BusName, execStart, unitFileName)); err != nil {
		return fmt.Errorf("write activation file: %w", err)
	}
	fmt.Printf("Wrote activation file: %s\n", activationPath)

	if err := systemctlFunc("daemon-reload"); err != nil {
		return err
	}

	if err := systemctlFunc("enable", unitFileName); err != nil {
		return err
	}
	fmt.Printf("Enabled %s\n", unitFileName)

	if opts.Start {
		if err := systemctlFunc("start", unitFileName); err != nil {
			return err
		}
		fmt.Printf("Started %s\n", unitFileName)
	}

	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Uninstall stops and disables the service, removes the unit and activation
// files, and reloads systemd.
func Uninstall(busName string) error {
	// Stop first; it may not be running.
	_ = systemctlFunc("stop", unitFileName)

	if err := systemctlFunc("disable", unitFileName); err != nil {
		return err
	}
	fmt.Printf("Disabled %s\n", unitFileName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	activationPath, err := ActivationPath(busName)
	if err != nil {
		return err
	}
	for _, p := range []string{unitPath, activationPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		fmt.Printf("Removed %s\n", p)
	}

	return systemctlFunc("daemon-reload")
}

// Status runs systemctl --user status for the service, printing output directly.
func Status() error {
	cmd := exec.Command("systemctl", "--user", "status", unitFileName)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// systemctl status exits non-zero when inactive, which is not an error here.
	cmd.Run()
	return nil
}

// systemctlFunc is the function used to run systemctl commands.
// Replaced in tests to avoid requiring a real systemd.
var systemctlFunc = systemctlExec

// executableFunc resolves the path of the running binary. Replaced in tests.
var executableFunc = func() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(self)
}

func systemctlExec(args ...string) error {
	fullArgs := append([]string{"--user"}, args...)
	cmd := exec.Command("systemctl", fullArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}
