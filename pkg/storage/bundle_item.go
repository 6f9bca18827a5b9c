// SPDX-FileCopyrightText: 2019, 2020, 2021, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// BundleItem is a wrapper for meta data around a Bundle. The Store operates
// on BundleItems instead of Bundles.
type BundleItem struct {
	Id  string `badgerhold:"key"`
	BId bpv7.BundleID

	// Pending Bundles wait for a link to be forwarded on.
	Pending bool `badgerholdIndex:"Pending"`
	// Local Bundles are addressed to this node.
	Local bool `badgerholdIndex:"Local"`

	Expires time.Time `badgerholdIndex:"Expires"`

	Destination string
	Fragmented  bool
	Parts       []BundlePart

	// SentTo lists the links this Bundle was completely transmitted on.
	SentTo []string
}

// bundleParts is a slice of loaded bundleParts.
func (bi BundleItem) bundleParts() (bundleParts []bpv7.Bundle, err error) {
	bundleParts = make([]bpv7.Bundle, len(bi.Parts))
	for i, part := range bi.Parts {
		if bundleParts[i], err = part.Load(); err != nil {
			return
		}
	}
	return
}

// Load the complete Bundle for a BundleItem. Multiple fragments are
// reassembled; a single fragment is returned as it is.
func (bi BundleItem) Load() (b bpv7.Bundle, err error) {
	if len(bi.Parts) == 1 {
		return bi.Parts[0].Load()
	}

	var parts []bpv7.Bundle
	if parts, err = bi.bundleParts(); err == nil {
		b, err = bpv7.Reassemble(parts)
	}
	return
}

// IsComplete determines if the BundleItem's parts form a whole Bundle.
func (bi BundleItem) IsComplete() bool {
	if !bi.Fragmented {
		return true
	}

	parts, err := bi.bundleParts()
	if err != nil {
		return false
	}
	_, err = bpv7.Reassemble(parts)
	return err == nil
}

// WasSentTo checks if this Bundle was already transmitted on a link.
func (bi BundleItem) WasSentTo(link string) bool {
	for _, l := range bi.SentTo {
		if l == link {
			return true
		}
	}
	return false
}

// BundlePart links a BundleItem to a serialized Bundle or fragment on disk.
type BundlePart struct {
	Filename string

	FragmentOffset uint64
	PayloadLength  uint64
}

// storeBundle serializes the Bundle to the disk.
func (bp BundlePart) storeBundle(b bpv7.Bundle) error {
	f, err := os.OpenFile(bp.Filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if err := b.WriteBundle(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// deleteBundle removes the serialized Bundle from the disk.
func (bp BundlePart) deleteBundle() error {
	return os.Remove(bp.Filename)
}

// Load the Bundle from the disk.
func (bp BundlePart) Load() (b bpv7.Bundle, err error) {
	f, err := os.Open(bp.Filename)
	if err != nil {
		return
	}
	defer f.Close()

	return bpv7.ParseBundle(f)
}

// bundlePartPath returns a path for a Bundle.
func bundlePartPath(id bpv7.BundleID, storagePath string) string {
	f := fmt.Sprintf("%x", sha256.Sum256([]byte(id.String())))
	return filepath.Join(storagePath, f)
}

// newBundleItem creates a new BundleItem for a Bundle.
func newBundleItem(b bpv7.Bundle, storagePath string) BundleItem {
	bid := b.ID()

	return BundleItem{
		Id:  bid.Scrub().String(),
		BId: bid.Scrub(),

		Expires: b.ExpirationTime(),

		Destination: b.Destination.String(),
		Fragmented:  bid.IsFragment,
		Parts: []BundlePart{{
			Filename:       bundlePartPath(bid, storagePath),
			FragmentOffset: bid.FragmentOffset,
			PayloadLength:  uint64(len(b.Payload)),
		}},
	}
}
