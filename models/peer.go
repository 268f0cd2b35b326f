package models

import (
	"net"
	"strconv"
)

// PeerInfo identifies a remote (or the local) server instance.
type PeerInfo struct {
	SessionIP      string `json:"session_ip"`
	PublicIP       string `json:"public_ip,omitempty"`
	Port           int    `json:"port"`
	Name           string `json:"name,omitempty"`
	TransferFolder string `json:"transfer_folder,omitempty"`
}

// Equal reports whether both values describe the same peer. Only the session
// address and port take part in identity.
func (p PeerInfo) Equal(other PeerInfo) bool {
	return p.SessionIP == other.SessionIP && p.Port == other.Port
}

// Address returns the dialable host:port of the peer's session address.
func (p PeerInfo) Address() string {
	return net.JoinHostPort(p.SessionIP, strconv.Itoa(p.Port))
}

// IsZero reports whether no session address has been assigned.
func (p PeerInfo) IsZero() bool {
	return p.SessionIP == "" && p.Port == 0
}

func (p PeerInfo) String() string {
	if p.Name != "" {
		return p.Name + "@" + p.Address()
	}
	return p.Address()
}
