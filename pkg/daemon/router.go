// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package daemon

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
)

// Route forwards Bundles whose destination starts with Prefix to the Link
// named Link.
type Route struct {
	Prefix string `toml:"prefix" json:"prefix"`
	Link   string `toml:"link" json:"link"`
}

func (route Route) String() string {
	return fmt.Sprintf("%s -> %s", route.Prefix, route.Link)
}

// Router selects Links for Bundles. A Link whose remote endpoint is the
// destination's node is always a candidate, followed by the static Routes
// ordered from the longest to the shortest matching prefix.
type Router struct {
	manager *contacts.Manager

	mutex  sync.RWMutex
	routes []Route
}

// NewRouter for the Manager's Links.
func NewRouter(manager *contacts.Manager) *Router {
	return &Router{manager: manager}
}

// AddRoute adds or replaces the Route for its prefix.
func (router *Router) AddRoute(route Route) error {
	if route.Prefix == "" {
		return fmt.Errorf("route has an empty prefix")
	}
	if route.Link == "" {
		return fmt.Errorf("route for %s has no link", route.Prefix)
	}

	router.mutex.Lock()
	defer router.mutex.Unlock()

	for i, known := range router.routes {
		if known.Prefix == route.Prefix {
			router.routes[i] = route
			return nil
		}
	}

	router.routes = append(router.routes, route)
	sort.SliceStable(router.routes, func(i, j int) bool {
		return len(router.routes[i].Prefix) > len(router.routes[j].Prefix)
	})
	return nil
}

// DelRoute removes the Route for a prefix.
func (router *Router) DelRoute(prefix string) bool {
	router.mutex.Lock()
	defer router.mutex.Unlock()

	for i, route := range router.routes {
		if route.Prefix == prefix {
			router.routes = append(router.routes[:i], router.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Routes returns a copy of all static Routes.
func (router *Router) Routes() []Route {
	router.mutex.RLock()
	defer router.mutex.RUnlock()

	return append([]Route(nil), router.routes...)
}

// Candidates for a Bundle's destination, best first. Deleted Links and Links
// the Bundle was already sent on are left out.
func (router *Router) Candidates(destination bpv7.EndpointID, sentTo func(link string) bool) (links []*contacts.Link) {
	seen := make(map[*contacts.Link]struct{})
	add := func(l *contacts.Link) {
		if l == nil || l.IsDeleted() || sentTo(l.Name()) {
			return
		}
		if _, ok := seen[l]; ok {
			return
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}

	for _, l := range router.manager.Links() {
		if remote := l.RemoteEid(); !remote.IsZero() && remote.SameNode(destination) {
			add(l)
		}
	}

	router.mutex.RLock()
	routes := append([]Route(nil), router.routes...)
	router.mutex.RUnlock()

	dst := destination.String()
	for _, route := range routes {
		if strings.HasPrefix(dst, route.Prefix) {
			add(router.manager.FindLink(route.Link))
		}
	}
	return
}
