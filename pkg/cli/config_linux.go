package cli

import (
	"flag"
	"os"
)

// EnvBluetoothAdapter names the environment variable read by readFromEnvironmentOsSpecific.
const EnvBluetoothAdapter = "CARLINK_BT_ADAPTER"

func registerCommandLineFlagsOsSpecific(c *Config) {
	flag.StringVar(&c.BluetoothAdapterID, "bt-adapter", "hci0", "ID of the Bluetooth adapter the Scanner/Link implementations should bind to. Defaults to $"+EnvBluetoothAdapter+".")
}

func readFromEnvironmentOsSpecific(c *Config) {
	if c.BluetoothAdapterID == "" || c.BluetoothAdapterID == "hci0" {
		if v := os.Getenv(EnvBluetoothAdapter); v != "" {
			c.BluetoothAdapterID = v
		}
	}
}
