package gatt

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newAdapter(id *string) (ble.Device, error) {
	if id != nil && *id != "" {
		logger.Warning("darwin does not support selecting a bluetooth adapter by id")
		return nil, ErrAdapterInvalidID
	}
	return darwin.NewDevice()
}

func IsAdapterError(_ error) bool {
	return false
}

func AdapterErrorHelpMessage(err error) string {
	return err.Error()
}
