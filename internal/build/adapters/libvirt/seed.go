package libvirt

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"
)

// seedVolumeLabel is the label cloud-init's NoCloud datasource looks for.
const seedVolumeLabel = "cidata"

// guestPackages are installed on first boot. The guest agent is needed to
// drive the VM at all; the rest covers the vendor scripts and kernel builds.
var guestPackages = []string{
	"qemu-guest-agent",
	"qemu-user-static",
	"binfmt-support",
	"build-essential",
	"bc",
	"bison",
	"flex",
	"libssl-dev",
	"libncurses5-dev",
	"lbzip2",
	"python",
	"python3",
	"cpio",
	"sudo",
}

type cloudUser struct {
	Name              string   `yaml:"name"`
	Groups            []string `yaml:"groups,omitempty"`
	Shell             string   `yaml:"shell"`
	Sudo              []string `yaml:"sudo"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type cloudConfig struct {
	Hostname       string      `yaml:"hostname"`
	ManageEtcHosts bool        `yaml:"manage_etc_hosts"`
	Users          []cloudUser `yaml:"users"`
	PackageUpdate  bool        `yaml:"package_update"`
	Packages       []string    `yaml:"packages"`
	Runcmd         [][]string  `yaml:"runcmd"`
}

// renderUserData returns the #cloud-config document for the build VM.
func renderUserData(hostname, user, authorizedKey string) ([]byte, error) {
	config := cloudConfig{
		Hostname:       hostname,
		ManageEtcHosts: true,
		Users: []cloudUser{{
			Name:              user,
			Groups:            []string{"sudo"},
			Shell:             "/bin/bash",
			Sudo:              []string{"ALL=(ALL) NOPASSWD:ALL"},
			LockPasswd:        true,
			SSHAuthorizedKeys: []string{authorizedKey},
		}},
		PackageUpdate: true,
		Packages:      guestPackages,
		Runcmd: [][]string{
			{"systemctl", "enable", "--now", "qemu-guest-agent"},
		},
	}
	body, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud-config: %w", err)
	}
	return append([]byte("#cloud-config\n"), body...), nil
}

func renderMetaData(instanceID, hostname string) []byte {
	return fmt.Appendf(nil, "instance-id: %s\nlocal-hostname: %s\n", instanceID, hostname)
}

// writeSeedImage builds the NoCloud seed ISO for the VM in runDir and
// returns its path.
func writeSeedImage(runDir, instanceID, hostname, user, authorizedKey string) (string, error) {
	seedDir := filepath.Join(runDir, "seed")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return "", fmt.Errorf("create seed directory: %w", err)
	}

	userData, err := renderUserData(hostname, user, authorizedKey)
	if err != nil {
		return "", err
	}
	files := map[string][]byte{
		"user-data": userData,
		"meta-data": renderMetaData(instanceID, hostname),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(seedDir, name), content, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}

	imagePath := filepath.Join(runDir, "seed.iso")
	if err := createISOFromDirectory(seedDir, imagePath, seedVolumeLabel); err != nil {
		return "", fmt.Errorf("create seed image: %w", err)
	}
	return imagePath, nil
}

func createISOFromDirectory(srcDir, isoPath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(srcDir, "/"); err != nil {
		return fmt.Errorf("add directory to iso: %w", err)
	}

	out, err := os.OpenFile(isoPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create iso file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		return fmt.Errorf("write iso image: %w", err)
	}
	return out.Close()
}

// copyFile copies src to dst, creating dst with mode.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
