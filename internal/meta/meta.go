// Package meta keeps small per-object records that are expensive to
// recompute from the backend, such as uncompressed lengths.
package meta

import (
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
)

const lengthPrefix = "len/"

// LengthIndex maps digests to object lengths. A missing record only means
// the caller has to ask the backend.
type LengthIndex struct {
	db *pebble.DB
}

// OpenLengthIndex opens (creating if needed) the index in dir.
func OpenLengthIndex(dir string) (*LengthIndex, error) {
	db, err := pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{}})
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageIO, err, "open metadata index %s", dir)
	}
	return &LengthIndex{db: db}, nil
}

func lengthKey(d digest.Digest) []byte {
	return []byte(lengthPrefix + d.String())
}

// Put records the length of d.
func (x *LengthIndex) Put(d digest.Digest, size int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(size))
	if err := x.db.Set(lengthKey(d), buf[:], pebble.Sync); err != nil {
		return errkind.Wrap(errkind.StorageIO, err, "record length of %s", d)
	}
	return nil
}

// Get returns the recorded length of d.
func (x *LengthIndex) Get(d digest.Digest) (int64, bool, error) {
	value, closer, err := x.db.Get(lengthKey(d))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errkind.Wrap(errkind.StorageIO, err, "read length of %s", d)
	}
	defer closer.Close()

	if len(value) != 8 {
		log.Warn().Str("digest", d.String()).Int("len", len(value)).Msg("Ignoring malformed length record")
		return 0, false, nil
	}
	return int64(binary.BigEndian.Uint64(value)), true, nil
}

// Delete drops the record for d. Deleting a missing record is not an error.
func (x *LengthIndex) Delete(d digest.Digest) error {
	if err := x.db.Delete(lengthKey(d), pebble.Sync); err != nil {
		return errkind.Wrap(errkind.StorageIO, err, "forget length of %s", d)
	}
	return nil
}

// Len counts the records, for diagnostics.
func (x *LengthIndex) Len() (int, error) {
	iter, err := x.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(lengthPrefix),
		UpperBound: []byte("len0"), // '0' sorts right after '/'
	})
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageIO, err, "scan metadata index")
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, errkind.Wrap(errkind.StorageIO, err, "scan metadata index")
	}
	return n, nil
}

func (x *LengthIndex) Close() error {
	return x.db.Close()
}

type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("component", "pebble").Msgf(format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "pebble").Msgf(format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Str("component", "pebble").Msgf(format, args...)
}
