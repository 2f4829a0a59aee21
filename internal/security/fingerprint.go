package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keygen-sh/machineid"
)

// FingerprintLength is the number of hex characters in a compact fingerprint.
const FingerprintLength = 32

// DeviceFingerprint is the grouped form XXXX-XXXX-...-XXXX of 32 uppercase
// hex characters.
type DeviceFingerprint string

// Compact strips the group separators.
func (f DeviceFingerprint) Compact() string {
	return strings.ReplaceAll(string(f), "-", "")
}

// String returns the grouped form.
func (f DeviceFingerprint) String() string {
	return string(f)
}

// Short returns the first two groups, for logs.
func (f DeviceFingerprint) Short() string {
	if len(f) <= 9 {
		return string(f)
	}
	return string(f[:9]) + "..."
}

// NormalizeFingerprint accepts a fingerprint in grouped or compact form and
// any letter case, and returns the compact uppercase form.
func NormalizeFingerprint(s string) (string, bool) {
	compact := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if len(compact) != FingerprintLength {
		return "", false
	}
	if _, err := hex.DecodeString(compact); err != nil {
		return "", false
	}
	return compact, true
}

// FormatFingerprint groups a compact fingerprint into blocks of four.
func FormatFingerprint(compact string) DeviceFingerprint {
	compact = strings.ToUpper(compact)
	groups := make([]string, 0, len(compact)/4+1)
	for i := 0; i < len(compact); i += 4 {
		end := i + 4
		if end > len(compact) {
			end = len(compact)
		}
		groups = append(groups, compact[i:end])
	}
	return DeviceFingerprint(strings.Join(groups, "-"))
}

// FingerprintFromIdentifiers hashes the identifiers joined by "|".
func FingerprintFromIdentifiers(identifiers []string) DeviceFingerprint {
	sum := sha256.Sum256([]byte(strings.Join(identifiers, "|")))
	return FormatFingerprint(strings.ToUpper(hex.EncodeToString(sum[:]))[:FingerprintLength])
}

// FingerprintProvider returns the fingerprint of the current device.
// Implementations never fail; they degrade to the best available signal.
type FingerprintProvider interface {
	Fingerprint() DeviceFingerprint
}

// StaticFingerprint is a fixed FingerprintProvider.
type StaticFingerprint DeviceFingerprint

// Fingerprint implements FingerprintProvider
func (s StaticFingerprint) Fingerprint() DeviceFingerprint {
	return DeviceFingerprint(s)
}

// IdentifierSource reads one stable machine identifier.
type IdentifierSource struct {
	Name string
	Read func() (string, error)
}

// FingerprintManager derives the device fingerprint from the primary MAC
// address and the OS machine id, caching the result.
type FingerprintManager struct {
	appID         string
	logger        *slog.Logger
	sources       []IdentifierSource
	fallback      func() string
	cache         DeviceFingerprint
	cacheSources  []string
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewFingerprintManager creates a fingerprint manager using the platform
// identifier sources. appID scopes the machine id so that the raw OS value is
// never exposed.
func NewFingerprintManager(appID string, logger *slog.Logger) *FingerprintManager {
	fm := &FingerprintManager{
		appID:         appID,
		logger:        loggerOrDefault(logger).With(slog.String("component", "fingerprint")),
		cacheDuration: time.Hour,
		fallback:      genericMachineID,
	}
	fm.sources = []IdentifierSource{
		{Name: "mac", Read: GetMACAddress},
		{Name: "machine", Read: func() (string, error) { return machineid.ProtectedID(fm.appID) }},
	}
	return fm
}

// NewFingerprintManagerWithSources builds a manager over explicit sources.
func NewFingerprintManagerWithSources(logger *slog.Logger, fallback func() string, sources ...IdentifierSource) *FingerprintManager {
	if fallback == nil {
		fallback = genericMachineID
	}
	return &FingerprintManager{
		logger:        loggerOrDefault(logger).With(slog.String("component", "fingerprint")),
		sources:       sources,
		fallback:      fallback,
		cacheDuration: time.Hour,
	}
}

// Fingerprint implements FingerprintProvider
func (fm *FingerprintManager) Fingerprint() DeviceFingerprint {
	fm.cacheMutex.RLock()
	if fm.cache != "" && time.Now().Before(fm.cacheExpiry) {
		fp := fm.cache
		fm.cacheMutex.RUnlock()
		return fp
	}
	fm.cacheMutex.RUnlock()

	start := time.Now()
	identifiers := make([]string, 0, len(fm.sources))
	used := make([]string, 0, len(fm.sources))
	for _, src := range fm.sources {
		value, err := src.Read()
		value = strings.TrimSpace(value)
		if err != nil || value == "" {
			fm.logger.Warn("Fingerprint identifier unavailable",
				slog.String("source", src.Name),
				slog.Any("error", err))
			continue
		}
		identifiers = append(identifiers, src.Name+":"+value)
		used = append(used, src.Name)
	}

	if len(identifiers) == 0 {
		identifiers = append(identifiers, "generic:"+fm.fallback())
		used = append(used, "generic")
		fm.logger.Warn("No hardware identifiers available, using generic fallback")
	}

	fp := FingerprintFromIdentifiers(identifiers)

	fm.cacheMutex.Lock()
	fm.cache = fp
	fm.cacheSources = used
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	fm.logger.Info("Device fingerprint generated",
		slog.String("fingerprint", fp.Short()),
		slog.Any("sources", used),
		slog.Duration("generation_time", time.Since(start)))

	return fp
}

// Sources lists which identifier sources contributed to the cached fingerprint.
func (fm *FingerprintManager) Sources() []string {
	fm.Fingerprint()
	fm.cacheMutex.RLock()
	defer fm.cacheMutex.RUnlock()
	return append([]string(nil), fm.cacheSources...)
}

// ClearCache clears the cached fingerprint
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()

	fm.cache = ""
	fm.cacheSources = nil
	fm.cacheExpiry = time.Time{}
}

// GetMACAddress returns the MAC address of the first physical interface by
// name. Loopback, virtual and locally administered addresses are skipped, and
// link state is ignored, so the result does not change when a cable is
// unplugged or a container network comes up.
func GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}
	if mac, ok := selectMAC(interfaces); ok {
		return mac, nil
	}
	return "", fmt.Errorf("no valid MAC address found")
}

var virtualInterfacePrefixes = []string{
	"docker", "veth", "br-", "virbr", "vmnet", "vboxnet", "vnet", "lxc", "lxd",
	"cni", "flannel", "cali", "tun", "tap", "utun", "wg", "tailscale", "zt",
	"vpn", "ppp", "awdl", "llw", "bridge", "anpi", "ap",
}

func selectMAC(interfaces []net.Interface) (string, bool) {
	candidates := make([]net.Interface, 0, len(interfaces))
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || isVirtualInterface(iface.Name) {
			continue
		}
		mac := iface.HardwareAddr
		if len(mac) != 6 || isZeroMAC(mac) || mac[0]&0x02 != 0 || mac[0]&0x01 != 0 {
			continue
		}
		candidates = append(candidates, iface)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Name != candidates[j].Name {
			return candidates[i].Name < candidates[j].Name
		}
		return candidates[i].HardwareAddr.String() < candidates[j].HardwareAddr.String()
	})
	return strings.ToLower(candidates[0].HardwareAddr.String()), true
}

func isVirtualInterface(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

func genericMachineID() string {
	hostInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	if hostname, err := os.Hostname(); err == nil {
		hostInfo = fmt.Sprintf("%s-%s", hostInfo, strings.ToLower(hostname))
	}
	sum := sha256.Sum256([]byte(hostInfo))
	return hex.EncodeToString(sum[:])[:32]
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
