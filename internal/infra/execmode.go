package infra

import (
	"os"
	"os/user"
	"path/filepath"

	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as a regular user against the gui domain
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root against the system domain
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths and the default domain based on execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	Target  domain.DomainTarget // Domain commands default to
	Home    string              // Home directory of the invoking user
	DataDir string              // Where the encrypted journal and key live
	UID     int                 // Effective uid, owner of the journal key
	IsRoot  bool                // Whether running as root
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	return detectExecMode(os.Geteuid(), GetRealUserHome())
}

func detectExecMode(euid int, home string) *ExecModeConfig {
	if euid == 0 {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			Target:  domain.SystemTarget(),
			Home:    home,
			DataDir: "/var/db/svcctl",
			UID:     0,
			IsRoot:  true,
		}
	}

	return &ExecModeConfig{
		Mode:    ExecModeUser,
		Target:  domain.GUITarget(uint64(euid)),
		Home:    home,
		DataDir: filepath.Join(home, ".svcctl"),
		UID:     euid,
		IsRoot:  false,
	}
}

// DetectDefaultTarget returns system for root and gui/<uid> otherwise.
func DetectDefaultTarget() domain.DomainTarget {
	return DetectExecMode().Target
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (gui domain)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /var/root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
