package p2p

import (
	"os"
	"strings"
)

// NetConfig carries runtime options for the P2P transport.
type NetConfig struct {
	Enable    bool     `yaml:"enable"`
	Listen    []string `yaml:"listen"`    // multiaddrs to listen on; empty => libp2p default
	Bootnodes []string `yaml:"bootnodes"` // multiaddrs to dial on start
	NAT       bool     `yaml:"nat"`       // enable NAT port mapping if available
}

// ParseBootnodes accepts a comma-separated list of multiaddrs or the path of
// a file holding one multiaddr per line.
func ParseBootnodes(s string) []string {
	var out []string
	if fi, err := os.Stat(s); err == nil && !fi.IsDir() {
		b, err := os.ReadFile(s)
		if err != nil { return nil }
		for _, ln := range strings.Split(string(b), "\n") {
			if ln = strings.TrimSpace(ln); ln != "" && !strings.HasPrefix(ln, "#") { out = append(out, ln) }
		}
		return out
	}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
	}
	return out
}
