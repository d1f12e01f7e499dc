package libvirt

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cochaviz/tib/arch"
)

//go:embed domain.xml
var defaultDomain string

// Guest mount points of the shares exported to the build VM.
const (
	transferTag   = "tib_transfer"
	stagingTag    = "tib_staging"
	transferMount = "/mnt/tib"
	stagingMount  = "/mnt/tib-staging"
)

type domainShare struct {
	Source   string
	Tag      string
	ReadOnly bool
}

type domainTemplateData struct {
	Name       string
	DomainType string
	MemoryKiB  uint64
	VCPUs      int
	Arch       string
	Machine    string
	EFI        bool
	Overlay    string
	Seed       string
	CDBus      string
	Network    string
	Shares     []domainShare
}

func buildDomainTemplateData(name string, memory uint64, vcpus int, host arch.Architecture, overlay, seed, network string, shares []domainShare) (domainTemplateData, error) {
	if name == "" {
		return domainTemplateData{}, errors.New("domain name is required")
	}
	if overlay == "" {
		return domainTemplateData{}, errors.New("overlay path is required")
	}
	if memory == 0 {
		return domainTemplateData{}, errors.New("memory budget is not set")
	}
	if vcpus <= 0 {
		return domainTemplateData{}, errors.New("vcpus value is not set")
	}
	if network == "" {
		network = "default"
	}

	data := domainTemplateData{
		Name:       name,
		DomainType: "qemu",
		MemoryKiB:  memory / 1024,
		VCPUs:      vcpus,
		Arch:       string(host),
		Machine:    "q35",
		Overlay:    overlay,
		Seed:       seed,
		CDBus:      "sata",
		Network:    network,
		Shares:     shares,
	}
	if host == arch.AArch64 {
		data.Machine = "virt"
		data.EFI = true
		data.CDBus = "scsi"
	}
	if kvmAvailable() {
		data.DomainType = "kvm"
	}
	return data, nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}

	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

var kvmAvailable = func() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// createDiskOverlay creates a copy-on-write overlay of the base image and
// grows it to size so the guest has room for the vendor trees.
func createDiskOverlay(ctx context.Context, baseImagePath, overlayPath, size string) error {
	if baseImagePath == "" {
		return errors.New("base image path is empty")
	}
	if overlayPath == "" {
		return errors.New("overlay path is empty")
	}

	baseAbs, err := filepath.Abs(baseImagePath)
	if err != nil {
		return fmt.Errorf("resolve base image path %q: %w", baseImagePath, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}
	if err := os.Remove(overlayPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing overlay %q: %w", overlayPath, err)
	}

	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return fmt.Errorf("qemu-img not found in PATH: %w", err)
	}

	steps := [][]string{
		{"create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, overlayPath},
	}
	if size != "" {
		steps = append(steps, []string{"resize", overlayPath, size})
	}
	for _, args := range steps {
		output, err := exec.CommandContext(ctx, qemuImg, args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("qemu-img %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
		}
	}
	return nil
}
