package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Tag opens every announcement datagram
	Tag = "RENDERFARM_NODE"

	// DefaultNodePort is the TCP port render nodes accept sessions on
	DefaultNodePort = 18018

	// DefaultBeaconPort is the UDP port announcements are broadcast to
	DefaultBeaconPort = 18019

	// DefaultPeriod is the interval between announcements
	DefaultPeriod = 3 * time.Second

	maxDatagramSize = 1024
)

// ErrMalformed is returned by Decode for anything that is not a valid
// announcement
var ErrMalformed = errors.New("malformed announcement")

// Announcement is the content of one beacon datagram. An empty Address asks
// the receiver to use the datagram's source address.
type Announcement struct {
	Address string
	Port    int
}

// Encode renders an announcement as TAG\naddress\nport\n\n
func Encode(a Announcement) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%d\n\n", Tag, a.Address, a.Port))
}

// Decode parses an announcement datagram
func Decode(data []byte) (Announcement, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 3 {
		return Announcement{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(lines))
	}

	if lines[0] != Tag {
		return Announcement{}, fmt.Errorf("%w: unknown tag %q", ErrMalformed, lines[0])
	}

	port, err := strconv.Atoi(strings.TrimSpace(lines[2]))
	if err != nil || port < 1 || port > 65535 {
		return Announcement{}, fmt.Errorf("%w: invalid port %q", ErrMalformed, lines[2])
	}

	return Announcement{
		Address: strings.TrimSpace(lines[1]),
		Port:    port,
	}, nil
}
