package gatt

import (
	"errors"

	"github.com/go-ble/ble"
)

func newAdapter(_ *string) (ble.Device, error) {
	return nil, errors.New("gatt: bluetooth adapter selection is not supported on windows")
}

func IsAdapterError(_ error) bool {
	return false
}

func AdapterErrorHelpMessage(err error) string {
	return err.Error()
}
