// SPDX-FileCopyrightText: 2019, 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/agent"
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/storage"
)

func (d *Daemon) handleBundleReceived(ev contacts.BundleReceived) {
	logger := d.log().WithFields(log.Fields{
		"bundle":  ev.Bundle.ID(),
		"bytes":   ev.BytesReceived,
		"partial": ev.Partial,
	})
	if ev.Link != nil {
		logger = logger.WithField("link", ev.Link.Name())
	}
	logger.Info("Received bundle")

	d.processBundle(ev.Bundle, ev.Link)
}

func (d *Daemon) handleBundleInjected(ev contacts.BundleInjected) {
	d.log().WithField("bundle", ev.Bundle.ID()).Info("Injected bundle")

	d.processBundle(ev.Bundle, nil)
}

func (d *Daemon) handleBundleTransmitted(ev contacts.BundleTransmitted) {
	l, b := ev.Link, ev.Bundle
	logger := d.log().WithFields(log.Fields{
		"bundle": b.ID(),
		"sent":   ev.BytesSent,
		"acked":  ev.BytesAcked,
	})

	if l == nil {
		logger.Warn("Transmitted bundle has no link")
		return
	}
	logger = logger.WithField("link", l.Name())

	l.DelFromInflight(b)

	// Unreliable Links count every byte written, reliable Links only the
	// acknowledged ones.
	delivered := ev.BytesSent
	if l.Reliable() {
		delivered = ev.BytesAcked
	}

	total := b.Len()
	if delivered >= total {
		l.RecordTransmitted(total)
		logger.Info("Transmitted bundle")

		d.markSent(b, l)
		return
	}

	if frag, ok := b.ReactiveFragment(delivered); ok {
		l.RecordTransmitted(delivered)
		logger.WithField("fragment", frag.ID()).Info("Transmitted bundle partially, forwarding remaining fragment")

		bi, err := d.store.QueryId(b.ID())
		if err != nil {
			logger.WithError(err).Warn("Transmitted bundle is unknown to the store")
			return
		}
		if d.forward(&frag, &bi) {
			bi.Pending = false
			d.updateItem(bi)
			return
		}
	}

	logger.Info("Bundle was not transmitted, rescheduling")
	d.reschedule(b)
}

func (d *Daemon) handleBundleSendCancelled(ev contacts.BundleSendCancelled) {
	ev.Link.RecordCancelled()

	d.log().WithFields(log.Fields{
		"bundle": ev.Bundle.ID(),
		"link":   ev.Link.Name(),
	}).Info("Cancelled bundle transmission")

	d.reschedule(ev.Bundle)
}

// isLocal checks if an endpoint belongs to this node.
func (d *Daemon) isLocal(eid bpv7.EndpointID) bool {
	return eid == d.nodeId || eid.SameNode(d.nodeId)
}

// processBundle stores a received or injected Bundle and either delivers or
// forwards it. The Link is nil for injected Bundles.
func (d *Daemon) processBundle(b bpv7.Bundle, from *contacts.Link) {
	logger := d.log().WithField("bundle", b.ID())

	if err := b.CheckValid(); err != nil {
		logger.WithError(err).Warn("Dropping invalid bundle")
		return
	}
	if time.Now().After(b.ExpirationTime()) {
		logger.WithField("expiration", b.ExpirationTime()).Info("Dropping expired bundle")
		return
	}

	if d.store.KnowsBundle(b.ID()) && !b.Flags.Has(bpv7.IsFragment) {
		logger.Debug("Ignoring known bundle")
		return
	}

	bi, err := d.store.Push(b)
	if err != nil {
		logger.WithError(err).Warn("Storing bundle failed")
		return
	}

	if d.isLocal(b.Destination) {
		d.deliverLocal(bi)
		return
	}

	// Do not send a Bundle back over the Link it came from.
	if from != nil && !bi.WasSentTo(from.Name()) {
		bi.SentTo = append(bi.SentTo, from.Name())
	}

	bi.Pending = !d.forward(&b, &bi)
	if bi.Pending {
		logger.Info("No link available, bundle stays pending")
	}
	d.updateItem(bi)
}

// deliverLocal marks a BundleItem as local and hands the complete Bundle to
// the ApplicationAgents.
func (d *Daemon) deliverLocal(bi storage.BundleItem) {
	logger := d.log().WithField("bundle", bi.Id)

	bi.Local = true
	bi.Pending = false
	d.updateItem(bi)

	if !bi.IsComplete() {
		logger.Info("Received fragment of local bundle, waiting for the rest")
		return
	}

	b, err := bi.Load()
	if err != nil {
		logger.WithError(err).Warn("Loading local bundle failed")
		return
	}

	logger.WithField("destination", b.Destination).Info("Delivering local bundle")

	if agent.AppAgentHasEndpoint(d.agents, b.Destination) {
		d.agents.MessageReceiver() <- agent.BundleMessage{Bundle: b}
	}
}

// usable Links may receive Bundles: they have a Contact or they can be opened
// by the daemon or their schedule.
func usable(l *contacts.Link) bool {
	return l.Contact() != nil || l.Type() != contacts.LinkOpportunistic
}

// forward a Bundle to the first candidate Link with space in its queue.
func (d *Daemon) forward(b *bpv7.Bundle, bi *storage.BundleItem) bool {
	for _, l := range d.router.Candidates(b.Destination, bi.WasSentTo) {
		logger := d.log().WithFields(log.Fields{
			"bundle": b.ID(),
			"link":   l.Name(),
		})

		if l.IsQueued(b) || l.IsInflight(b) {
			return true
		}
		if !usable(l) {
			logger.Debug("Skipping link without contact")
			continue
		}
		if l.QueueIsFull() {
			logger.Debug("Skipping link with full queue")
			continue
		}
		if !l.AddToQueue(b, b.Len()) {
			continue
		}

		logger.Info("Queued bundle")
		d.bundleQueued(l)
		return true
	}
	return false
}

// bundleQueued wakes up the Link's Contact or opens an on-demand Link.
func (d *Daemon) bundleQueued(l *contacts.Link) {
	if l.Contact() != nil {
		l.CL().BundleQueued(l)
		return
	}

	if l.Type() == contacts.LinkOnDemand && l.IsAvailable() {
		d.Post(contacts.LinkStateChangeRequest{Link: l, State: contacts.StateOpen, Reason: contacts.ReasonNoInfo})
	}
}

// releaseQueue removes every queued Bundle from a Link and marks it pending.
func (d *Daemon) releaseQueue(l *contacts.Link) {
	released := 0
	for _, b := range l.Queue() {
		if l.DelFromQueue(b) {
			d.reschedule(b)
			released++
		}
	}

	if released > 0 {
		d.log().WithFields(log.Fields{
			"link":    l.Name(),
			"bundles": released,
		}).Info("Released queued bundles of link")
		d.Post(pendingCheck{})
	}
}

// markSent records a complete transmission in the Bundle's BundleItem.
func (d *Daemon) markSent(b *bpv7.Bundle, l *contacts.Link) {
	bi, err := d.store.QueryId(b.ID())
	if err != nil {
		d.log().WithField("bundle", b.ID()).WithError(err).Debug("Transmitted bundle is unknown to the store")
		return
	}

	if !bi.WasSentTo(l.Name()) {
		bi.SentTo = append(bi.SentTo, l.Name())
	}
	bi.Pending = false
	d.updateItem(bi)
}

// reschedule marks a Bundle as pending again.
func (d *Daemon) reschedule(b *bpv7.Bundle) {
	bi, err := d.store.QueryId(b.ID())
	if err != nil {
		d.log().WithField("bundle", b.ID()).WithError(err).Debug("Rescheduled bundle is unknown to the store")
		return
	}
	if bi.Local {
		return
	}

	bi.Pending = true
	d.updateItem(bi)
}

func (d *Daemon) updateItem(bi storage.BundleItem) {
	if err := d.store.Update(bi); err != nil {
		d.log().WithField("bundle", bi.Id).WithError(err).Warn("Updating stored bundle failed")
	}
}

// forwardPending tries to forward each pending Bundle of the Store.
func (d *Daemon) forwardPending() {
	bis, err := d.store.QueryPending()
	if err != nil {
		d.log().WithError(err).Warn("Querying pending bundles failed")
		return
	}

	now := time.Now()
	for _, bi := range bis {
		if bi.Local || now.After(bi.Expires) {
			continue
		}

		bundles, err := loadForwardable(bi)
		if err != nil {
			d.log().WithField("bundle", bi.Id).WithError(err).Warn("Loading pending bundle failed")
			continue
		}

		queued := false
		for i := range bundles {
			if d.forward(&bundles[i], &bi) {
				queued = true
			}
		}

		if queued {
			bi.Pending = false
			d.updateItem(bi)
		}
	}
}

// loadForwardable returns either the complete Bundle or each of its known
// fragments.
func loadForwardable(bi storage.BundleItem) ([]bpv7.Bundle, error) {
	if !bi.Fragmented || bi.IsComplete() {
		b, err := bi.Load()
		if err != nil {
			return nil, err
		}
		return []bpv7.Bundle{b}, nil
	}

	bundles := make([]bpv7.Bundle, 0, len(bi.Parts))
	for _, part := range bi.Parts {
		b, err := part.Load()
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// checkPendingBundles is the pending_bundles cron job.
func (d *Daemon) checkPendingBundles() {
	d.Post(pendingCheck{})
}

// cleanStore is the clean_store cron job.
func (d *Daemon) cleanStore() {
	if n := d.store.DeleteExpired(); n > 0 {
		d.log().WithField("bundles", n).Info("Deleted expired bundles")
	}
}

// pruneOpportunistic is the prune_opportunistic cron job.
func (d *Daemon) pruneOpportunistic() {
	if n := d.manager.PruneOpportunistic(d.linger); n > 0 {
		d.log().WithField("links", n).Info("Pruned unused opportunistic links")
	}
}
