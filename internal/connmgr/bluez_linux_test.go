//go:build linux

package connmgr

import (
	"context"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdapter = dbus.ObjectPath("/org/bluez/hci0")

func TestDevicePathRoundTrip(t *testing.T) {
	p := devicePath(testAdapter, "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), p)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath(p))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath(p+"/service0010/char0011"))
	assert.Empty(t, macFromPath(testAdapter))
}

func TestDeviceFromIfaces(t *testing.T) {
	path := devicePath(testAdapter, "AA:BB:CC:DD:EE:FF")

	dev, ok := deviceFromIfaces(path, map[string]map[string]dbus.Variant{
		deviceIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
			"Name":    dbus.MakeVariant("Remote"),
			"Alias":   dbus.MakeVariant("AA-BB-CC-DD-EE-FF"),
			"RSSI":    dbus.MakeVariant(int16(-61)),
		},
	})
	require.True(t, ok)
	assert.Equal(t, Device{ID: "AA:BB:CC:DD:EE:FF", Name: "Remote", RSSI: -61}, dev)

	// Nameless devices are still reported; the address comes from the path.
	dev, ok = deviceFromIfaces(path, map[string]map[string]dbus.Variant{deviceIface: {}})
	require.True(t, ok)
	assert.Equal(t, Device{ID: "AA:BB:CC:DD:EE:FF"}, dev)

	_, ok = deviceFromIfaces(path, map[string]map[string]dbus.Variant{adapterIface: {}})
	assert.False(t, ok)
}

func TestDeviceFromSignal(t *testing.T) {
	path := devicePath(testAdapter, "AA:BB:CC:DD:EE:FF")
	names := make(map[dbus.ObjectPath]string)

	added := &dbus.Signal{
		Name: objManagerIface + ".InterfacesAdded",
		Body: []interface{}{path, map[string]map[string]dbus.Variant{
			deviceIface: {"Name": dbus.MakeVariant("Remote")},
		}},
	}
	dev, ok := deviceFromSignal(added, testAdapter, names)
	require.True(t, ok)
	assert.Equal(t, "Remote", dev.Name)

	rssi := &dbus.Signal{
		Path: path,
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-80))}, []string{}},
	}
	dev, ok = deviceFromSignal(rssi, testAdapter, names)
	require.True(t, ok)
	assert.Equal(t, Device{ID: "AA:BB:CC:DD:EE:FF", Name: "Remote", RSSI: -80}, dev)

	other := &dbus.Signal{
		Path: "/org/bluez/hci1/dev_11_22_33_44_55_66",
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{deviceIface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-50))}, []string{}},
	}
	_, ok = deviceFromSignal(other, testAdapter, names)
	assert.False(t, ok)

	_, ok = deviceFromSignal(nil, testAdapter, names)
	assert.False(t, ok)
}

func TestCharacteristicsOf(t *testing.T) {
	dev := devicePath(testAdapter, "AA:BB:CC:DD:EE:FF")
	svc := dev + "/service0010"
	char := svc + "/char0011"
	objs := managedObjects{
		svc: {gattServiceIface: {"UUID": dbus.MakeVariant("0000FFE0-0000-1000-8000-00805F9B34FB")}},
		char: {gattCharIface: {
			"UUID":    dbus.MakeVariant("0000FFE1-0000-1000-8000-00805F9B34FB"),
			"Service": dbus.MakeVariant(svc),
		}},
		"/org/bluez/hci0/dev_11_22_33_44_55_66/service0010/char0011": {gattCharIface: {
			"UUID":    dbus.MakeVariant(DefaultCharacteristicUUID),
			"Service": dbus.MakeVariant(dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66/service0010")),
		}},
	}

	got := characteristicsOf(dev, objs)
	assert.Equal(t, map[charRef]dbus.ObjectPath{
		{service: DefaultServiceUUID, char: DefaultCharacteristicUUID}: char,
	}, got)
}

func TestBlueZAfterClose(t *testing.T) {
	b := NewBlueZ("", 0, nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"), ErrClosed)
	assert.ErrorIs(t, b.Scan(context.Background(), func(Device, error) {}), ErrClosed)
	assert.ErrorIs(t, b.StopScan(), ErrNotScanning)
}
