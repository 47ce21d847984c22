// Package geo annotates targets with country and network owner from a
// MaxMind database.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/NodePath81/nqprobe/internal/session"
	"github.com/oschwald/maxminddb-golang"
)

// Info is the subset of GeoLite2 Country and ASN records used here.
type Info struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	ASN          uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Reader wraps an open database. A nil *Reader is valid and finds nothing.
type Reader struct {
	db *maxminddb.Reader
}

// Open loads the database at path. An empty path returns a nil Reader.
func Open(path string) (*Reader, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Lookup(ip net.IP) (Info, error) {
	var info Info
	if r == nil || r.db == nil {
		return info, nil
	}
	if ip == nil {
		return info, errors.New("nil ip")
	}
	if err := r.db.Lookup(ip, &info); err != nil {
		return info, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	return info, nil
}

func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Enrich fills country and ASN for the path address, which must already be
// set by an earlier enricher.
func (r *Reader) Enrich(_ context.Context, _ string, path *session.Path) error {
	if r == nil {
		return nil
	}
	ip := net.ParseIP(path.Address)
	if ip == nil {
		return errors.New("geoip: path address not resolved")
	}
	info, err := r.Lookup(ip)
	if err != nil {
		return err
	}
	path.Country = info.Country.ISOCode
	path.ASN = info.ASN
	path.Organization = info.Organization
	return nil
}
