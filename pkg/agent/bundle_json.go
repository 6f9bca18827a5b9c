// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"time"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
)

// DefaultLifetime of Bundles created from a BundleJSON without a lifetime.
const DefaultLifetime = 24 * time.Hour

// BundleJSON is a Bundle's JSON representation for clients. The payload is
// encoded as base64 by encoding/json.
type BundleJSON struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Destination  string `json:"destination"`
	CreationTime uint64 `json:"creation_time,omitempty"`
	Lifetime     string `json:"lifetime,omitempty"`
	Payload      []byte `json:"payload"`
}

// NewBundleJSON describes a Bundle.
func NewBundleJSON(b bpv7.Bundle) BundleJSON {
	return BundleJSON{
		ID:           b.ID().String(),
		Source:       b.Source.String(),
		Destination:  b.Destination.String(),
		CreationTime: b.CreationTime,
		Lifetime:     (time.Duration(b.Lifetime) * time.Millisecond).String(),
		Payload:      b.Payload,
	}
}

// Bundle creates a new Bundle from a client's request with the current time
// and the given sequence number.
func (bj BundleJSON) Bundle(seq uint64) (b bpv7.Bundle, err error) {
	src := bpv7.DtnNone
	if bj.Source != "" {
		if src, err = bpv7.NewEndpointID(bj.Source); err != nil {
			return
		}
	}

	dst, err := bpv7.NewEndpointID(bj.Destination)
	if err != nil {
		return
	}

	lifetime := DefaultLifetime
	if bj.Lifetime != "" {
		if lifetime, err = time.ParseDuration(bj.Lifetime); err != nil {
			return
		} else if lifetime <= 0 {
			err = fmt.Errorf("lifetime %v is not positive", lifetime)
			return
		}
	}

	b = bpv7.NewBundle(src, dst, lifetime, seq, bj.Payload)
	err = b.CheckValid()
	return
}
