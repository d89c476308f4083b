package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var macAddressRegexp = regexp.MustCompile("^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$")

// NormalizeIdentity canonicalizes a device hardware address. MAC addresses
// are lowered and dash separators become colons, so the same board always
// maps to the same registry key regardless of how the firmware formats it.
// Non-MAC ids (commissioning devices, simulators) are kept verbatim.
func NormalizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if !macAddressRegexp.MatchString(id) {
		return id
	}
	return strings.ToLower(strings.ReplaceAll(id, "-", ":"))
}

// IsMACAddress reports whether id looks like a hardware address. Devices
// behind commissioning ids get their durable identity from the MAC they
// report in their register frame instead.
func IsMACAddress(id string) bool {
	return macAddressRegexp.MatchString(id)
}

// RelayConfig is the administrator-authored record describing one device:
// its durable identity, display name and the logical relay-name to physical
// index mapping. Authored through the external CRUD surface, read-only here.
type RelayConfig struct {
	ID        int64
	Identity  string
	Name      string
	RelayMap  map[string]int
	SecretKey string
	NumRelays int
	Active    bool
}

// DefaultNumRelays matches the ESP32 relay boards in the field.
const DefaultNumRelays = 8

// ParseRawRelayIndex interprets name as an already-physical relay index.
func ParseRawRelayIndex(name string, numRelays int) (int, bool) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= numRelays {
		return 0, false
	}
	return idx, true
}

// ConnectedRelay is a point-in-time registry snapshot entry, not a live view.
type ConnectedRelay struct {
	Identity     string
	Name         string
	IP           string
	Capabilities []string
	ConnectedAt  time.Time
	LastSeen     time.Time
}
