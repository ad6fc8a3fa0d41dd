package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit UUID", input: "FFE1", expected: "ffe1"},
		{name: "16-bit UUID with 0x prefix", input: "0x2902", expected: "2902"},
		{name: "SIG base UUID with dashes", input: "0000ffe0-0000-1000-8000-00805f9b34fb", expected: "ffe0"},
		{name: "SIG base UUID uppercase", input: "0000FFE1-0000-1000-8000-00805F9B34FB", expected: "ffe1"},
		{name: "SIG base UUID without dashes", input: "0000290200001000800000805f9b34fb", expected: "2902"},
		{name: "custom 128-bit UUID is kept", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "wrong prefix is kept", input: "AA00FFE0-0000-1000-8000-00805f9b34fb", expected: "aa00ffe000001000800000805f9b34fb"},
		{name: "too long is kept", input: "0000290200001000800000805f9b34fb00", expected: "0000290200001000800000805f9b34fb00"},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	result := NormalizeUUIDs([]string{"0xFFE0", "0000ffe1-0000-1000-8000-00805f9b34fb"})
	assert.Equal(t, []string{"ffe0", "ffe1"}, result)
}

func TestValidateUUID(t *testing.T) {
	t.Run("normalizes valid UUIDs", func(t *testing.T) {
		got, err := ValidateUUID("FFE0", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
		require.NoError(t, err)
		assert.Equal(t, []string{"ffe0", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err)
		_, err = ValidateUUID("ffe0", "")
		assert.ErrorContains(t, err, "index 1")
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		_, err := ValidateUUID("zz10")
		assert.ErrorContains(t, err, "invalid UUID format")
	})
}

func TestFindCharacteristic(t *testing.T) {
	ch := &Characteristic{
		UUID:        "0000ffe1-0000-1000-8000-00805f9b34fb",
		Properties:  PropRead | PropNotify,
		Descriptors: []*Descriptor{{UUID: "00002902-0000-1000-8000-00805f9b34fb"}},
	}
	services := []*Service{
		{UUID: "1800"},
		{UUID: "0000ffe0-0000-1000-8000-00805f9b34fb", Characteristics: []*Characteristic{ch}},
	}

	got, err := FindCharacteristic(services, DataServiceUUID, DataCharacteristicUUID)
	require.NoError(t, err)
	assert.Same(t, ch, got)
	assert.NotNil(t, got.Descriptor(CCCDUUID), "CCCD MUST be resolvable by short UUID")
	assert.True(t, got.CanNotify())
	assert.False(t, got.PrefersIndication())

	_, err = FindCharacteristic(services, DataServiceUUID, "ffe2")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "characteristic", nf.Resource)
	assert.Equal(t, `characteristic "ffe2" not found in service "ffe0"`, err.Error())

	_, err = FindCharacteristic(services[:1], DataServiceUUID, DataCharacteristicUUID)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "service", nf.Resource)
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, "negotiating_mtu", NegotiatingMtu.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
	assert.True(t, Failed.Terminal())
	assert.True(t, Disconnected.Terminal())
	assert.False(t, Connected.Terminal())
	assert.True(t, SubscribingNotifications.SettingUp())
	assert.False(t, Initializing.SettingUp())
}

func TestErrors(t *testing.T) {
	wrapped := &ConnectionError{State: NotConnected, Msg: "link lost"}
	assert.ErrorIs(t, wrapped, ErrNotConnected)
	assert.NotErrorIs(t, wrapped, ErrAlreadyConnected)
	assert.True(t, IsLinkFailure(wrapped, NotConnected))
	assert.Equal(t, "not_connected: link lost", wrapped.Error())

	assert.True(t, IsCapabilityError(ErrBluetoothOff))
	assert.False(t, IsCapabilityError(ErrTimeout))
}

func TestDevice_DisplayName(t *testing.T) {
	assert.Equal(t, "D1", Device{ID: "aa:bb", Name: "D1"}.DisplayName())
	assert.Equal(t, "aa:bb", Device{ID: "aa:bb", Name: "  "}.DisplayName())
}
