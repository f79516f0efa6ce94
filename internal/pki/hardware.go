package pki

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"sort"
)

// GenerateHardwareID returns a stable per-machine identifier derived
// from the host's non-loopback network interface MAC addresses and
// hostname. It is deterministic across restarts on the same machine
// and changes if the edge is moved to different hardware, which is the
// property boot-time verification against the certificate's
// hardware_id extension depends on.
func GenerateHardwareID() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	macs := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	sort.Strings(macs)

	h := sha256.New()
	h.Write([]byte(hostname))
	for _, mac := range macs {
		h.Write([]byte(mac))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
