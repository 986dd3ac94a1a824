package collector

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/net/idna"
)

var (
	// ErrKeepalive marks a message without a connections list.
	ErrKeepalive = errors.New("keepalive message")
	// ErrMalformedPayload marks a message whose connections field is not a list.
	ErrMalformedPayload = errors.New("malformed connections payload")
)

// Connection is one entry of a snapshot as reported by the backend.
type Connection struct {
	ID            string
	Host          string
	SniffHost     string
	DestinationIP string
	Chains        []string
	Upload        int64
	Download      int64
	// Malformed entries keep their id alive but yield no traffic.
	Malformed bool
}

// Domain resolves the connection's destination name: host, then sniffed host.
func (c *Connection) Domain() string {
	if h := normalizeHost(c.Host); h != "" {
		return h
	}
	return normalizeHost(c.SniffHost)
}

// Snapshot is the full set of open connections at one instant.
type Snapshot struct {
	UploadTotal   int64
	DownloadTotal int64
	Connections   []Connection
	ReceivedAt    time.Time
}

type wireMeta struct {
	Host          string `json:"host"`
	SniffHost     string `json:"sniffHost"`
	DestinationIP string `json:"destinationIP"`
}

type wireConn struct {
	Metadata *wireMeta       `json:"metadata"`
	Chains   json.RawMessage `json:"chains"`
	Upload   json.RawMessage `json:"upload"`
	Download json.RawMessage `json:"download"`
}

var null = []byte("null")

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), null)
}

// ParseSnapshot decodes one streamed message.
// Entries without an id are dropped; entries with an id but an invalid body are marked Malformed.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedPayload
	}
	raw, ok := env["connections"]
	if !ok || isNull(raw) {
		return nil, ErrKeepalive
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, ErrMalformedPayload
	}
	snap := &Snapshot{Connections: make([]Connection, 0, len(entries))}
	snap.UploadTotal, _ = parseCounter(env["uploadTotal"])
	snap.DownloadTotal, _ = parseCounter(env["downloadTotal"])
	for _, e := range entries {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(e, &head); err != nil || head.ID == "" {
			continue
		}
		snap.Connections = append(snap.Connections, parseConnection(head.ID, e))
	}
	return snap, nil
}

func parseConnection(id string, e json.RawMessage) Connection {
	c := Connection{ID: id}
	var w wireConn
	if err := json.Unmarshal(e, &w); err != nil {
		c.Malformed = true
		return c
	}
	if w.Metadata != nil {
		c.Host = w.Metadata.Host
		c.SniffHost = w.Metadata.SniffHost
		c.DestinationIP = w.Metadata.DestinationIP
	}
	// a missing or odd chain list falls back to DIRECT attribution
	if !isNull(w.Chains) {
		var chains []string
		if json.Unmarshal(w.Chains, &chains) == nil {
			c.Chains = chains
		}
	}
	var okUp, okDown bool
	c.Upload, okUp = parseCounter(w.Upload)
	c.Download, okDown = parseCounter(w.Download)
	if !okUp || !okDown {
		c.Upload, c.Download, c.Malformed = 0, 0, true
	}
	return c
}

// parseCounter accepts non-negative integers, including integral floats.
func parseCounter(raw json.RawMessage) (int64, bool) {
	s := string(bytes.TrimSpace(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, n >= 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// normalizeHost lower-cases and IDNA-encodes a host name, keeping the raw form when encoding fails.
func normalizeHost(h string) string {
	h = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
	if h == "" {
		return ""
	}
	if a, err := idna.Lookup.ToASCII(h); err == nil && a != "" {
		return a
	}
	return h
}
