// SPDX-FileCopyrightText: 2020, 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api provides a RESTful HTTP interface to inspect and control a
// daemon's Links and to exchange Bundles.
//
//	GET    /links              all Links
//	GET    /links/{name}       a single Link
//	POST   /links/{name}/open  request to open a Link
//	POST   /links/{name}/close request to close a Link's Contact
//	DELETE /links/{name}       delete a Link
//	GET    /routes             static routes
//	POST   /bundles            inject a new Bundle, see agent.BundleJSON
//	GET    /bundles/local      Bundles addressed to this node
//	GET    /ws                 WebSocket, see agent.WebSocketAgent
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtn7-scl/pkg/agent"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/daemon"
)

// API is a http.Handler for a Daemon.
type API struct {
	daemon *daemon.Daemon
	router *mux.Router
	ws     *agent.WebSocketAgent

	sequence atomic.Uint64
}

// errorResponse is returned for every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

// NewAPI for a Daemon. Its WebSocketAgent is registered at the Daemon.
func NewAPI(d *daemon.Daemon) (*API, error) {
	a := &API{
		daemon: d,
		router: mux.NewRouter(),
		ws:     agent.NewWebSocketAgent(),
	}

	if err := d.Agents().Register(a.ws); err != nil {
		return nil, err
	}

	a.router.HandleFunc("/links", a.handleLinks).Methods(http.MethodGet)
	a.router.HandleFunc("/links/{name}", a.handleLink).Methods(http.MethodGet)
	a.router.HandleFunc("/links/{name}", a.handleLinkDelete).Methods(http.MethodDelete)
	a.router.HandleFunc("/links/{name}/open", a.handleLinkOpen).Methods(http.MethodPost)
	a.router.HandleFunc("/links/{name}/close", a.handleLinkClose).Methods(http.MethodPost)
	a.router.HandleFunc("/routes", a.handleRoutes).Methods(http.MethodGet)
	a.router.HandleFunc("/bundles", a.handleBundleCreate).Methods(http.MethodPost)
	a.router.HandleFunc("/bundles/local", a.handleBundlesLocal).Methods(http.MethodGet)
	a.router.Handle("/ws", a.ws)

	return a, nil
}

// ServeHTTP dispatches requests by the router.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write REST response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// link from the request's path or nil after writing an error.
func (a *API) link(w http.ResponseWriter, r *http.Request) *contacts.Link {
	name := mux.Vars(r)["name"]

	l := a.daemon.Manager().FindLink(name)
	if l == nil {
		writeError(w, http.StatusNotFound, contacts.ErrUnknownLink)
	}
	return l
}

func (a *API) handleLinks(w http.ResponseWriter, _ *http.Request) {
	links := a.daemon.Manager().Links()

	infos := make([]contacts.LinkInfo, 0, len(links))
	for _, l := range links {
		infos = append(infos, l.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *API) handleLink(w http.ResponseWriter, r *http.Request) {
	if l := a.link(w, r); l != nil {
		writeJSON(w, http.StatusOK, l.Info())
	}
}

func (a *API) handleLinkOpen(w http.ResponseWriter, r *http.Request) {
	l := a.link(w, r)
	if l == nil {
		return
	}

	log.WithField("link", l.Name()).Info("REST request to open link")
	a.daemon.OpenLink(l)
	writeJSON(w, http.StatusAccepted, l.Info())
}

func (a *API) handleLinkClose(w http.ResponseWriter, r *http.Request) {
	l := a.link(w, r)
	if l == nil {
		return
	}

	log.WithField("link", l.Name()).Info("REST request to close link")
	a.daemon.CloseLink(l)
	writeJSON(w, http.StatusAccepted, l.Info())
}

func (a *API) handleLinkDelete(w http.ResponseWriter, r *http.Request) {
	l := a.link(w, r)
	if l == nil {
		return
	}

	log.WithField("link", l.Name()).Info("REST request to delete link")

	err := a.daemon.Manager().DelLink(l, true)
	switch {
	case errors.Is(err, contacts.ErrUnknownLink):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := a.daemon.Router().Routes()
	if routes == nil {
		routes = []daemon.Route{}
	}
	writeJSON(w, http.StatusOK, routes)
}

func (a *API) handleBundleCreate(w http.ResponseWriter, r *http.Request) {
	var bj agent.BundleJSON
	if err := json.NewDecoder(r.Body).Decode(&bj); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if bj.Source == "" {
		bj.Source = a.daemon.NodeId().String()
	}

	b, err := bj.Bundle(a.sequence.Add(1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	log.WithField("bundle", b.ID()).Info("REST request created bundle")
	a.daemon.Inject(b)
	writeJSON(w, http.StatusAccepted, agent.NewBundleJSON(b))
}

func (a *API) handleBundlesLocal(w http.ResponseWriter, _ *http.Request) {
	bis, err := a.daemon.Store().QueryLocal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	bundles := make([]agent.BundleJSON, 0, len(bis))
	for _, bi := range bis {
		if !bi.IsComplete() {
			continue
		}

		b, err := bi.Load()
		if err != nil {
			log.WithField("bundle", bi.Id).WithError(err).Warn("Failed to load local bundle")
			continue
		}
		bundles = append(bundles, agent.NewBundleJSON(b))
	}
	writeJSON(w, http.StatusOK, bundles)
}
