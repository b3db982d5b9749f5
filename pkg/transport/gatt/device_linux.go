package gatt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

const adapterTimeout = 20 * time.Second

var scanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 2,    // Basic filtered
}

func newAdapter(id *string) (ble.Device, error) {
	hciName := ""
	if id != nil && *id != "" {
		hciName = *id
	} else {
		found, err := firstAvailableHCI()
		if err != nil {
			return nil, fmt.Errorf("gatt: failed to find available bluetooth adapter: %w", err)
		}
		hciName = found
	}

	opts := []ble.Option{
		ble.OptListenerTimeout(adapterTimeout),
		ble.OptDialerTimeout(adapterTimeout),
		ble.OptScanParams(scanParams),
		ble.OptDeviceID(hciIndex(hciName)),
	}
	return linux.NewDevice(opts...)
}

func firstAvailableHCI() (string, error) {
	devices, err := filepath.Glob("/sys/class/bluetooth/hci*")
	if err != nil {
		return "", fmt.Errorf("list hci devices: %w", err)
	}
	for _, device := range devices {
		if _, err := os.Stat(device); err == nil {
			return filepath.Base(device), nil
		}
	}
	return "", fmt.Errorf("no available hci devices found")
}

func hciIndex(name string) int {
	var index int
	if _, err := fmt.Sscanf(name, "hci%d", &index); err != nil {
		return 0
	}
	return index
}

func IsAdapterError(_ error) bool {
	return false
}

func AdapterErrorHelpMessage(err error) string {
	return err.Error()
}
