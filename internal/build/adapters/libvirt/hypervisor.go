package libvirt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"syscall"
	"text/template"
	"time"

	"github.com/vishvananda/netlink"
	libvirt "libvirt.org/go/libvirt"
)

//go:embed network.xml
var defaultNetwork string

// Hypervisor is the part of libvirt a build environment needs.
type Hypervisor interface {
	// EnsureNetwork makes sure the named NAT network exists, is active and
	// that its bridge link is up.
	EnsureNetwork(name string) error
	// StartDomain defines and starts a domain from its XML description.
	StartDomain(domainXML string) (Domain, error)
	Close() error
}

// Domain is a running build VM.
type Domain interface {
	qemuAgent
	// Address returns the IPv4 address the guest obtained from the network.
	Address() (string, error)
	// Destroy stops and undefines the domain. A domain that is already gone
	// is not an error.
	Destroy() error
}

// Connector opens a Hypervisor for a libvirt connection URI.
type Connector func(uri string, logger *slog.Logger) (Hypervisor, error)

// ConnectLibvirt is the Connector backed by the libvirt daemon.
func ConnectLibvirt(uri string, logger *slog.Logger) (Hypervisor, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return &libvirtHypervisor{conn: conn, logger: logger}, nil
}

type libvirtHypervisor struct {
	conn   *libvirt.Connect
	logger *slog.Logger
}

func (h *libvirtHypervisor) EnsureNetwork(name string) error {
	network, err := h.conn.LookupNetworkByName(name)
	if err != nil {
		if !isInLibvirtErrors(err, libvirt.ERR_NO_NETWORK) {
			return fmt.Errorf("lookup network %s: %w", name, err)
		}
		networkXML, renderErr := renderNetworkXML(name)
		if renderErr != nil {
			return renderErr
		}
		network, err = h.conn.NetworkDefineXML(networkXML)
		if err != nil {
			return fmt.Errorf("define network: %w", err)
		}
		h.logger.Info("defined libvirt network", "network", name)
	}
	defer network.Free()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("query network active: %w", err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("start network: %w", err)
		}
		h.logger.Info("started libvirt network", "network", name)
	}
	if err := network.SetAutostart(true); err != nil {
		h.logger.Warn("unable to set network autostart", "network", name, "error", err)
	}

	bridge, err := network.GetBridgeName()
	if err != nil {
		return fmt.Errorf("query network bridge: %w", err)
	}
	return ensureLinkUp(bridge)
}

func (h *libvirtHypervisor) StartDomain(domainXML string) (Domain, error) {
	domain, err := h.conn.DomainDefineXML(domainXML)
	if err != nil {
		return nil, fmt.Errorf("define domain: %w", err)
	}
	if err := domain.Create(); err != nil {
		undefineErr := domain.Undefine()
		domain.Free()
		return nil, errors.Join(fmt.Errorf("start domain: %w", err), undefineErr)
	}
	return &libvirtDomain{Domain: domain}, nil
}

func (h *libvirtHypervisor) Close() error {
	_, err := h.conn.Close()
	return err
}

type libvirtDomain struct {
	*libvirt.Domain
}

func (d *libvirtDomain) Address() (string, error) {
	ifaces, err := d.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				return addr.Addr, nil
			}
		}
	}
	return "", errors.New("guest has no IPv4 address yet")
}

func (d *libvirtDomain) Destroy() error {
	var errs []error
	if err := d.Domain.Destroy(); err != nil && !isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
		errs = append(errs, fmt.Errorf("destroy domain: %w", err))
	}
	if err := d.Domain.Undefine(); err != nil && !isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
		errs = append(errs, fmt.Errorf("undefine domain: %w", err))
	}
	if err := d.Domain.Free(); err != nil {
		errs = append(errs, fmt.Errorf("free domain: %w", err))
	}
	return errors.Join(errs...)
}

// ensureLinkUp waits for a bridge to appear and brings it up.
func ensureLinkUp(name string) error {
	var link netlink.Link
	var err error
	for range 20 {
		link, err = netlink.LinkByName(name)
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("bridge %s not found: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("bring %s up: %w", name, err)
	}
	return nil
}

type networkTemplateData struct {
	Name   string
	Bridge string
}

func renderNetworkXML(name string) (string, error) {
	tmpl, err := template.New("network").Parse(defaultNetwork)
	if err != nil {
		return "", fmt.Errorf("parse network template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, networkTemplateData{Name: name, Bridge: bridgeName(name)}); err != nil {
		return "", fmt.Errorf("execute network template: %w", err)
	}
	return buf.String(), nil
}

// bridgeName derives a bridge device name that fits the kernel's 15 byte
// interface name limit.
func bridgeName(network string) string {
	name := "virbr-" + network
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// LibvirtStoragePoolCleaner cleans up a libvirt storage pool.
type LibvirtStoragePoolCleaner struct{}

func (LibvirtStoragePoolCleaner) CleanupStoragePool(connectionURI, targetPath string) error {
	conn, err := libvirt.NewConnect(connectionURI)
	if err != nil {
		return err
	}
	defer conn.Close()

	pool, err := conn.LookupStoragePoolByTargetPath(targetPath)
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_POOL) {
			return nil
		}
		return err
	}
	defer pool.Free()

	active, err := pool.IsActive()
	if err == nil && active {
		if err := pool.Destroy(); err != nil {
			if !isInLibvirtErrors(err, libvirt.ERR_OPERATION_INVALID, libvirt.ERR_NO_STORAGE_POOL) {
				return err
			}
		}
	}

	if err := pool.Undefine(); err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_POOL) {
			return nil
		}
		return err
	}

	return nil
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}

	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}

	return slices.Contains(codes, libErr.Code)
}
