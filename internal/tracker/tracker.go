// Package tracker implements the single-announce HTTP tracker client: it
// builds the announce GET request, performs it with the standard library
// HTTP client (an external collaborator per the specification -- only its
// request/response shape is this package's concern), and parses the
// bencoded reply into peer endpoints.
package tracker

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matei-oltean/gotorrent/internal/bencode"
)

const (
	peerAddrLen = 6 // 4 byte IPv4 + 2 byte big-endian port
	httpTimeout = 30 * time.Second
)

// Kind classifies a tracker failure for the caller's exit-code mapping.
type Kind string

const (
	KindUnreachable Kind = "unreachable"
	KindMalformed   Kind = "malformed"
	KindRejected    Kind = "rejected"
)

// Error wraps a tracker failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("tracker: %s: %s", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Response is the parsed reply to an announce request.
type Response struct {
	Interval int
	Peers    []string // "a.b.c.d:port"
}

// AnnounceRequest carries the parameters of a single "started" announce.
type AnnounceRequest struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        int
	Uploaded    int64
	Downloaded  int64
	Left        int64
}

// buildURL constructs the full tracker GET request URL.
func buildURL(req *AnnounceRequest) (string, error) {
	base, err := url.Parse(req.AnnounceURL)
	if err != nil {
		return "", fmt.Errorf("invalid announce URL: %w", err)
	}
	q := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(req.Port)},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"event":      []string{"started"},
		"compact":    []string{"1"},
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Announce performs the single HTTP GET described in the tracker wire
// contract and parses its response.
func Announce(client *http.Client, req *AnnounceRequest) (*Response, error) {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	u, err := buildURL(req)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: err}
	}

	res, err := client.Get(u)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindUnreachable, Err: fmt.Errorf("tracker responded with status %s", res.Status)}
	}

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := res.Body.Read(buf)
		body = append(body, buf[:n]...)
		if rerr != nil {
			break
		}
	}

	return parseResponse(body)
}

// parseResponse decodes a tracker's announce reply and dispatches its
// recognised fields through the bencode codec's handler-table contract.
// It decodes leniently: unlike a torrent file's info dictionary, a tracker
// response is never re-hashed, so an otherwise-valid reply with unsorted
// dictionary keys is accepted rather than rejected as malformed.
func parseResponse(body []byte) (*Response, error) {
	top, err := bencode.DecodeLenient(body)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: err}
	}
	if top.Type != bencode.TypeDict {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("response is not a dictionary")}
	}

	var failureReason []byte
	var haveFailure bool
	var interval int64
	var haveInterval bool
	var peersRaw []byte
	var havePeers bool

	err = bencode.Dispatch(top, body, map[string]bencode.FieldHandler{
		"failure reason": func(v *bencode.Value, _ []byte) error {
			s, err := bencode.AsString(v)
			if err != nil {
				return err
			}
			failureReason, haveFailure = s, true
			return nil
		},
		"interval": func(v *bencode.Value, _ []byte) error {
			n, err := bencode.AsInt(v)
			if err != nil {
				return err
			}
			interval, haveInterval = n, true
			return nil
		},
		"peers": func(v *bencode.Value, _ []byte) error {
			s, err := bencode.AsString(v)
			if err != nil {
				return err
			}
			peersRaw, havePeers = s, true
			return nil
		},
	})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: err}
	}

	if haveFailure {
		return nil, &Error{Kind: KindRejected, Err: fmt.Errorf("%s", failureReason)}
	}
	if !haveInterval {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("missing required key \"interval\"")}
	}
	if !havePeers {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("missing required key \"peers\"")}
	}

	peers, err := parseCompactPeers(peersRaw)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: err}
	}

	return &Response{Interval: int(interval), Peers: peers}, nil
}

// parseCompactPeers decodes the compact peer list: 6 bytes per peer, 4
// bytes of IPv4 address followed by 2 bytes of big-endian port.
func parseCompactPeers(raw []byte) ([]string, error) {
	if len(raw)%peerAddrLen != 0 {
		return nil, fmt.Errorf("peers field length %d is not a multiple of %d", len(raw), peerAddrLen)
	}
	peers := make([]string, len(raw)/peerAddrLen)
	for i := range peers {
		off := i * peerAddrLen
		ip := net.IP(raw[off : off+4])
		port := int(raw[off+4])<<8 | int(raw[off+5])
		peers[i] = net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}
	return peers, nil
}
