//go:build !linux

package cli

// BlueZ/hci adapter selection only applies on Linux; other platforms resolve the Bluetooth
// adapter through their own OS-level APIs, so there is nothing to register here.
func registerCommandLineFlagsOsSpecific(c *Config) {}

func readFromEnvironmentOsSpecific(c *Config) {}
