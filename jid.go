package signal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// ParseJID converts "user[:device]@server" into a protocol address. The
// server part is dropped and a missing device means device 0.
func ParseJID(jid string) (libsignal.Address, error) {
	user, _, _ := strings.Cut(jid, "@")
	if user == "" {
		return libsignal.Address{}, fmt.Errorf("signal: invalid jid %q", jid)
	}
	name, device, ok := strings.Cut(user, ":")
	if !ok {
		return libsignal.NewAddress(name, 0), nil
	}
	id, err := strconv.ParseUint(device, 10, 32)
	if name == "" || err != nil {
		return libsignal.Address{}, fmt.Errorf("signal: invalid jid %q", jid)
	}
	return libsignal.NewAddress(name, uint32(id)), nil
}
