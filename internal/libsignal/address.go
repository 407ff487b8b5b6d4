package libsignal

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a protocol address: a user name plus a device ID.
type Address struct {
	Name     string
	DeviceID uint32
}

// NewAddress creates a new protocol address.
func NewAddress(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

// String renders the address as "name.deviceID", the form used as store key.
func (a Address) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// ParseAddress parses the "name.deviceID" form produced by String.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("parse address %q: missing device id", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return Address{Name: s[:i], DeviceID: uint32(id)}, nil
}
