// Package firewall installs and removes the transparent-redirect rules
// that steer HTTP/HTTPS traffic into the client's proxy listener, via
// whichever of nftables or iptables is present on the host.
package firewall

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Backend identifies which packet-filter tool owns the redirect rules.
type Backend int

const (
	// Nftables is preferred when the nft binary is present.
	Nftables Backend = iota
	// Iptables is used when nft is unavailable but iptables is.
	Iptables
)

func (b Backend) String() string {
	if b == Nftables {
		return "nftables"
	}
	return "iptables"
}

const (
	nftTable  = "xr_proxy"
	iptChain  = "XR_PROXY"
)

// bypassCIDRs are never redirected, regardless of config: the tunnel
// server itself (set per-install) plus the standard private ranges, so a
// misconfigured redirect can't loop the tunnel's own uplink through
// itself.
var bypassCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
}

// Detect probes the host for an available firewall backend, preferring
// nftables. It returns false if neither nft nor iptables is on PATH.
func Detect() (Backend, bool) {
	if _, err := exec.Command("nft", "--version").Output(); err == nil {
		return Nftables, true
	}
	if _, err := exec.Command("iptables", "--version").Output(); err == nil {
		return Iptables, true
	}
	return 0, false
}

// Install sets up redirect rules sending TCP 80/443 destined anywhere
// except serverIP and the bypass ranges to listenPort. It replaces any
// rules a previous run of this program left behind.
func Install(backend Backend, listenPort uint16, serverIP string) error {
	switch backend {
	case Nftables:
		return installNftables(listenPort, serverIP)
	case Iptables:
		return installIptables(listenPort, serverIP)
	default:
		return fmt.Errorf("firewall: unknown backend %v", backend)
	}
}

// Uninstall removes whatever rules Install created.
func Uninstall(backend Backend) error {
	switch backend {
	case Nftables:
		return uninstallNftables()
	case Iptables:
		return uninstallIptables()
	default:
		return fmt.Errorf("firewall: unknown backend %v", backend)
	}
}

func installNftables(listenPort uint16, serverIP string) error {
	_ = uninstallNftables()

	var sb strings.Builder
	fmt.Fprintf(&sb, "table ip %s {\n", nftTable)
	sb.WriteString("    chain prerouting {\n")
	sb.WriteString("        type nat hook prerouting priority dstnat; policy accept;\n")
	fmt.Fprintf(&sb, "        ip daddr %s return\n", serverIP)
	for _, cidr := range bypassCIDRs {
		fmt.Fprintf(&sb, "        ip daddr %s return\n", cidr)
	}
	fmt.Fprintf(&sb, "        tcp dport { 80, 443 } redirect to :%d\n", listenPort)
	sb.WriteString("    }\n}\n")

	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(sb.String())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("firewall: nft -f -: %w: %s", err, out)
	}

	log.Info().Str("table", nftTable).Msg("firewall: nftables redirect rules installed")
	return nil
}

func uninstallNftables() error {
	cmd := exec.Command("nft", "delete", "table", "ip", nftTable)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Table may simply not exist yet; that's not a failure worth
		// surfacing to the caller.
		log.Debug().Str("table", nftTable).Bytes("output", out).Msg("firewall: nft delete table (may not have existed)")
		return nil
	}
	log.Info().Str("table", nftTable).Msg("firewall: nftables rules cleaned up")
	return nil
}

func installIptables(listenPort uint16, serverIP string) error {
	_ = uninstallIptables()

	if err := runIptables("-t", "nat", "-N", iptChain); err != nil {
		return err
	}
	if err := runIptables("-t", "nat", "-A", iptChain, "-d", serverIP, "-j", "RETURN"); err != nil {
		return err
	}
	for _, cidr := range bypassCIDRs {
		if err := runIptables("-t", "nat", "-A", iptChain, "-d", cidr, "-j", "RETURN"); err != nil {
			return err
		}
	}
	portStr := strconv.Itoa(int(listenPort))
	if err := runIptables("-t", "nat", "-A", iptChain,
		"-p", "tcp", "-m", "multiport", "--dports", "80,443",
		"-j", "REDIRECT", "--to-ports", portStr); err != nil {
		return err
	}
	if err := runIptables("-t", "nat", "-A", "PREROUTING", "-j", iptChain); err != nil {
		return err
	}

	log.Info().Str("chain", iptChain).Msg("firewall: iptables redirect rules installed")
	return nil
}

func uninstallIptables() error {
	_ = runIptables("-t", "nat", "-D", "PREROUTING", "-j", iptChain)
	_ = runIptables("-t", "nat", "-F", iptChain)
	_ = runIptables("-t", "nat", "-X", iptChain)
	log.Info().Str("chain", iptChain).Msg("firewall: iptables rules cleaned up")
	return nil
}

func runIptables(args ...string) error {
	cmd := exec.Command("iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("firewall: iptables %v: %w: %s", args, err, out)
	}
	return nil
}
