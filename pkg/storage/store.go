// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage holds bundles and their meta data between being received and
// being forwarded or delivered. Meta data lives in a badgerhold database, the
// serialized bundles are files next to it.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

const (
	dirBadger string = "db"
	dirBundle string = "bndl"
)

// ErrNotFound is returned for queries of unknown bundles.
var ErrNotFound = badgerhold.ErrNotFound

// Store implements a storage for Bundles together with meta data.
type Store struct {
	bh *badgerhold.Store

	bundleDir string
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (*Store, error) {
	badgerDir := filepath.Join(dir, dirBadger)
	bundleDir := filepath.Join(dir, dirBundle)

	for _, d := range []string{badgerDir, bundleDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, err
		}
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{bh: bh, bundleDir: bundleDir}, nil
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Push a new or received Bundle to the Store. Fragments of a known Bundle are
// appended as further parts. The stored BundleItem is returned.
func (s *Store) Push(b bpv7.Bundle) (BundleItem, error) {
	logger := log.WithField("bundle", b.ID().String())
	bi := newBundleItem(b, s.bundleDir)

	biStore, err := s.QueryId(b.ID())
	if errors.Is(err, ErrNotFound) {
		logger.Debug("Bundle ID is unknown, inserting BundleItem")

		if err := bi.Parts[0].storeBundle(b); err != nil {
			return bi, err
		}
		return bi, s.bh.Insert(bi.Id, bi)
	} else if err != nil {
		return bi, err
	}

	if !bi.Fragmented || !biStore.Fragmented {
		logger.Debug("Bundle ID is known, ignoring push")
		return biStore, nil
	}

	part := bi.Parts[0]
	for _, known := range biStore.Parts {
		if known.FragmentOffset == part.FragmentOffset && known.PayloadLength == part.PayloadLength {
			logger.Debug("Received bundle fragment, which is already stored")
			return biStore, nil
		}
	}

	logger.Info("Received new bundle fragment, updating BundleItem")
	if err := part.storeBundle(b); err != nil {
		return biStore, err
	}

	biStore.Parts = append(biStore.Parts, part)
	return biStore, s.bh.Update(biStore.Id, biStore)
}

// Update an existing BundleItem.
func (s *Store) Update(bi BundleItem) error {
	log.WithField("bundle", bi.Id).Debug("Store updates BundleItem")

	return s.bh.Update(bi.Id, bi)
}

// Delete a BundleItem, identified by any of its fragments' BundleID.
func (s *Store) Delete(bid bpv7.BundleID) error {
	bi, err := s.QueryId(bid)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	logger := log.WithField("bundle", bi.Id)
	logger.Debug("Store deletes BundleItem")

	for _, bp := range bi.Parts {
		if err := bp.deleteBundle(); err != nil {
			logger.WithError(err).WithField("file", bp.Filename).Warn("Failed to delete BundlePart")
		}
	}

	return s.bh.Delete(bi.Id, BundleItem{})
}

// DeleteExpired removes all expired Bundles and returns their amount.
func (s *Store) DeleteExpired() (n int) {
	var bis []BundleItem
	if err := s.bh.Find(&bis, badgerhold.Where("Expires").Lt(time.Now())); err != nil {
		log.WithError(err).Warn("Failed to get expired Bundles")
		return
	}

	for _, bi := range bis {
		logger := log.WithField("bundle", bi.Id)
		if err := s.Delete(bi.BId); err != nil {
			logger.WithError(err).Warn("Failed to delete expired Bundle")
		} else {
			logger.Info("Deleted expired Bundle")
			n++
		}
	}
	return
}

// QueryId fetches the BundleItem for the requested BundleID.
func (s *Store) QueryId(bid bpv7.BundleID) (bi BundleItem, err error) {
	err = s.bh.Get(bid.Scrub().String(), &bi)
	return
}

// QueryPending fetches all Bundles waiting for a forwarding opportunity.
func (s *Store) QueryPending() (bis []BundleItem, err error) {
	err = s.bh.Find(&bis, badgerhold.Where("Pending").Eq(true))
	return
}

// QueryLocal fetches all Bundles addressed to this node.
func (s *Store) QueryLocal() (bis []BundleItem, err error) {
	err = s.bh.Find(&bis, badgerhold.Where("Local").Eq(true))
	return
}

// KnowsBundle checks if such a Bundle is known.
func (s *Store) KnowsBundle(bid bpv7.BundleID) bool {
	_, err := s.QueryId(bid)
	return !errors.Is(err, ErrNotFound)
}
