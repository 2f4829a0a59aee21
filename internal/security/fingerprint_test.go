package security

import (
	"errors"
	"net"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var groupedFingerprint = regexp.MustCompile(`^[0-9A-F]{4}(-[0-9A-F]{4}){7}$`)

func TestFingerprintFromIdentifiers(t *testing.T) {
	fp := FingerprintFromIdentifiers([]string{"mac:aa:bb:cc:dd:ee:ff", "machine:1234"})

	assert.Regexp(t, groupedFingerprint, fp.String())
	assert.Len(t, fp.Compact(), FingerprintLength)
	assert.Equal(t, fp, FingerprintFromIdentifiers([]string{"mac:aa:bb:cc:dd:ee:ff", "machine:1234"}))
	assert.NotEqual(t, fp, FingerprintFromIdentifiers([]string{"mac:aa:bb:cc:dd:ee:00", "machine:1234"}))
	assert.Equal(t, fp.String()[:9]+"...", fp.Short())
}

func TestNormalizeFingerprint(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "compact upper", input: "0123456789ABCDEF0123456789ABCDEF", want: "0123456789ABCDEF0123456789ABCDEF", wantOK: true},
		{name: "grouped lower", input: "0123-4567-89ab-cdef-0123-4567-89ab-cdef", want: "0123456789ABCDEF0123456789ABCDEF", wantOK: true},
		{name: "surrounding space", input: "  0123456789ABCDEF0123456789ABCDEF\n", want: "0123456789ABCDEF0123456789ABCDEF", wantOK: true},
		{name: "too short", input: "0123456789ABCDEF", wantOK: false},
		{name: "not hex", input: "0123456789ABCDEF0123456789ABCDEZ", wantOK: false},
		{name: "empty", input: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeFingerprint(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, DeviceFingerprint("0123-4567-89AB-CDEF-0123-4567-89AB-CDEF"),
		FormatFingerprint("0123456789abcdef0123456789abcdef"))
}

func TestFingerprintManagerSources(t *testing.T) {
	calls := 0
	mac := IdentifierSource{Name: "mac", Read: func() (string, error) {
		calls++
		return "aa:bb:cc:dd:ee:ff", nil
	}}
	machine := IdentifierSource{Name: "machine", Read: func() (string, error) { return "machine-1", nil }}

	fm := NewFingerprintManagerWithSources(nil, nil, mac, machine)

	fp := fm.Fingerprint()
	assert.Equal(t, FingerprintFromIdentifiers([]string{"mac:aa:bb:cc:dd:ee:ff", "machine:machine-1"}), fp)
	assert.Equal(t, []string{"mac", "machine"}, fm.Sources())

	// cached
	assert.Equal(t, fp, fm.Fingerprint())
	assert.Equal(t, 1, calls)

	fm.ClearCache()
	assert.Equal(t, fp, fm.Fingerprint())
	assert.Equal(t, 2, calls)
}

func TestFingerprintManagerSkipsFailingSource(t *testing.T) {
	failing := IdentifierSource{Name: "mac", Read: func() (string, error) { return "", errors.New("no interfaces") }}
	blank := IdentifierSource{Name: "disk", Read: func() (string, error) { return "   ", nil }}
	machine := IdentifierSource{Name: "machine", Read: func() (string, error) { return "machine-1", nil }}

	fm := NewFingerprintManagerWithSources(nil, nil, failing, blank, machine)

	assert.Equal(t, FingerprintFromIdentifiers([]string{"machine:machine-1"}), fm.Fingerprint())
	assert.Equal(t, []string{"machine"}, fm.Sources())
}

func TestFingerprintManagerFallback(t *testing.T) {
	failing := IdentifierSource{Name: "mac", Read: func() (string, error) { return "", errors.New("unavailable") }}
	fm := NewFingerprintManagerWithSources(nil, func() string { return "host-hash" }, failing)

	fp := fm.Fingerprint()
	require.Regexp(t, groupedFingerprint, fp.String())
	assert.Equal(t, FingerprintFromIdentifiers([]string{"generic:host-hash"}), fp)
	assert.Equal(t, []string{"generic"}, fm.Sources())
}

func TestStaticFingerprint(t *testing.T) {
	var p FingerprintProvider = StaticFingerprint("AAAA-BBBB")
	assert.Equal(t, DeviceFingerprint("AAAA-BBBB"), p.Fingerprint())
}

func TestGenericMachineIDIsStable(t *testing.T) {
	id := genericMachineID()
	assert.Len(t, id, 32)
	assert.Equal(t, id, genericMachineID())
}

func TestSelectMAC(t *testing.T) {
	iface := func(name, mac string, flags net.Flags) net.Interface {
		hw, err := net.ParseMAC(mac)
		require.NoError(t, err)
		return net.Interface{Name: name, HardwareAddr: hw, Flags: flags}
	}
	up := net.FlagUp

	tests := []struct {
		name  string
		input []net.Interface
		want  string
		found bool
	}{
		{
			name: "lowest physical name wins regardless of order",
			input: []net.Interface{
				iface("wlp2s0", "3c:22:fb:00:00:02", up),
				iface("enp3s0", "3c:22:fb:00:00:01", up),
			},
			want: "3c:22:fb:00:00:01", found: true,
		},
		{
			name: "virtual interfaces are skipped",
			input: []net.Interface{
				iface("docker0", "00:1a:2b:00:00:01", up),
				iface("br-1f2e3d", "00:1a:2b:00:00:02", up),
				iface("veth12ab", "00:1a:2b:00:00:03", up),
				iface("virbr0", "00:1a:2b:00:00:04", up),
				iface("tun0", "00:1a:2b:00:00:05", up),
				iface("eth0", "00:1a:2b:00:00:09", 0),
			},
			want: "00:1a:2b:00:00:09", found: true,
		},
		{
			name: "link state is ignored",
			input: []net.Interface{
				iface("eth1", "00:1a:2b:00:00:02", up),
				iface("eth0", "00:1a:2b:00:00:01", 0),
			},
			want: "00:1a:2b:00:00:01", found: true,
		},
		{
			name: "loopback zero and locally administered addresses are skipped",
			input: []net.Interface{
				{Name: "lo", Flags: net.FlagLoopback | up},
				iface("eth0", "00:00:00:00:00:00", up),
				iface("eth1", "02:42:ac:11:00:02", up),
				iface("eth2", "00:1a:2b:3c:4d:5e", up),
			},
			want: "00:1a:2b:3c:4d:5e", found: true,
		},
		{
			name:  "nothing usable",
			input: []net.Interface{{Name: "lo", Flags: net.FlagLoopback}, iface("docker0", "00:1a:2b:00:00:01", up)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := selectMAC(tt.input)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)

			reversed := make([]net.Interface, len(tt.input))
			for i, in := range tt.input {
				reversed[len(tt.input)-1-i] = in
			}
			again, _ := selectMAC(reversed)
			assert.Equal(t, got, again, "selection must not depend on enumeration order")
		})
	}
}
