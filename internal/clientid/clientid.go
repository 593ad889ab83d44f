// Package clientid generates this client's 20-byte peer identifier, sent in
// the handshake and the tracker announce.
package clientid

import "crypto/rand"

// prefix identifies the client per the Azureus-style convention: '-', a
// two-letter client code, a four-digit version, '-'.
var prefix = [8]byte{'-', 'G', 'T', '0', '1', '0', '0', '-'}

// New returns a fresh random peer id: the fixed prefix followed by 12
// random bytes.
func New() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], prefix[:])
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}
