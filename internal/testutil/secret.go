package testutil

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/encryption"
)

// TestDevice is the device every test fixture belongs to.
var TestDevice = uuid.MustParse("00000000-0000-0000-0000-0000000000d1")

// TestDeviceSecret returns a fixed device secret for TestDevice.
func TestDeviceSecret() encryption.DeviceSecret {
	return encryption.DeviceSecret{
		Device:  TestDevice,
		Secret:  bytes.Repeat([]byte{0x42}, encryption.DeviceSecretSize),
		KeySize: 32,
	}
}
