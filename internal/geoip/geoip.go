// Package geoip annotates probe targets with country and AS data from a
// MaxMind database.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/oschwald/maxminddb-golang"

	"github.com/NodePath81/netprobe/internal/util"
)

// Attribute keys added to probe descriptors.
const (
	AttrCountry = "country"
	AttrASN     = "asn"
	AttrASOrg   = "as_org"
)

var ErrNotIP = errors.New("target is not an IP address")

// record covers both the Country and the ASN database layouts.
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	ASN   uint   `maxminddb:"autonomous_system_number"`
	ASOrg string `maxminddb:"autonomous_system_organization"`
}

type Info struct {
	Country string
	ASN     uint
	ASOrg   string
}

func (i Info) Empty() bool {
	return i.Country == "" && i.ASN == 0 && i.ASOrg == ""
}

// Attributes renders the non-empty fields as descriptor attributes.
func (i Info) Attributes() map[string]string {
	out := make(map[string]string, 3)
	if i.Country != "" {
		out[AttrCountry] = i.Country
	}
	if i.ASN != 0 {
		out[AttrASN] = "AS" + strconv.FormatUint(uint64(i.ASN), 10)
	}
	if i.ASOrg != "" {
		out[AttrASOrg] = i.ASOrg
	}
	return out
}

type Annotator struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open loads the database at path. An empty path yields a nil Annotator,
// whose methods are no-ops.
func Open(path string) (*Annotator, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Annotator{reader: reader}, nil
}

func (a *Annotator) Lookup(ip net.IP) (Info, error) {
	if a == nil {
		return Info{}, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.reader == nil {
		return Info{}, errors.New("geoip database is closed")
	}
	var rec record
	if err := a.reader.Lookup(ip, &rec); err != nil {
		return Info{}, err
	}
	return Info{Country: rec.Country.ISOCode, ASN: rec.ASN, ASOrg: rec.ASOrg}, nil
}

// Annotate looks up target, an IP literal with an optional port, and merges
// the result into attrs. Host names are not resolved.
func (a *Annotator) Annotate(target string, attrs map[string]string) (map[string]string, error) {
	if a == nil {
		return attrs, nil
	}
	ip := net.ParseIP(util.HostOnly(target))
	if ip == nil {
		return attrs, ErrNotIP
	}
	info, err := a.Lookup(ip)
	if err != nil || info.Empty() {
		return attrs, err
	}
	if attrs == nil {
		attrs = make(map[string]string, 3)
	}
	for k, v := range info.Attributes() {
		if _, ok := attrs[k]; !ok {
			attrs[k] = v
		}
	}
	return attrs, nil
}

func (a *Annotator) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return nil
	}
	err := a.reader.Close()
	a.reader = nil
	return err
}
