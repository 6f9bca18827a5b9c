// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/dtn7-scl/pkg/agent"
	"github.com/dtn7/dtn7-scl/pkg/bpv7"
	"github.com/dtn7/dtn7-scl/pkg/cla/stream"
	"github.com/dtn7/dtn7-scl/pkg/contacts"
	"github.com/dtn7/dtn7-scl/pkg/daemon"
)

// linkResponse mirrors contacts.LinkInfo for decoding.
type linkResponse struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	State   string `json:"state"`
	Nexthop string `json:"nexthop"`
}

func startAPI(t *testing.T) (*daemon.Daemon, *httptest.Server) {
	d, err := daemon.NewDaemon(daemon.Config{
		NodeId:       bpv7.MustNewEndpointID("dtn://alpha/"),
		StoreDir:     t.TempDir(),
		StreamParams: stream.DefaultLinkParams(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	a, err := NewAPI(d)
	require.NoError(t, err)

	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)

	return d, srv
}

func request(t *testing.T, method, url string, body interface{}, v interface{}) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestAPILinks(t *testing.T) {
	d, srv := startAPI(t)

	var links []linkResponse
	require.Equal(t, http.StatusOK, request(t, http.MethodGet, srv.URL+"/links", nil, &links))
	require.Empty(t, links)

	_, err := d.AddLink("beta", contacts.LinkOnDemand, "127.0.0.1:1")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, request(t, http.MethodGet, srv.URL+"/links", nil, &links))
	require.Len(t, links, 1)
	require.Equal(t, "beta", links[0].Name)
	require.Equal(t, "ONDEMAND", links[0].Type)

	var link linkResponse
	require.Equal(t, http.StatusOK, request(t, http.MethodGet, srv.URL+"/links/beta", nil, &link))
	require.Equal(t, "127.0.0.1:1", link.Nexthop)

	var errResp errorResponse
	require.Equal(t, http.StatusNotFound, request(t, http.MethodGet, srv.URL+"/links/gamma", nil, &errResp))
	require.NotEmpty(t, errResp.Error)

	require.Equal(t, http.StatusAccepted, request(t, http.MethodPost, srv.URL+"/links/beta/close", nil, nil))
	require.Equal(t, http.StatusNotFound, request(t, http.MethodPost, srv.URL+"/links/gamma/open", nil, nil))

	require.Equal(t, http.StatusNoContent, request(t, http.MethodDelete, srv.URL+"/links/beta", nil, nil))
	require.Equal(t, http.StatusNotFound, request(t, http.MethodDelete, srv.URL+"/links/beta", nil, nil))
	require.Nil(t, d.Manager().FindLink("beta"))
}

func TestAPIRoutes(t *testing.T) {
	d, srv := startAPI(t)

	var routes []daemon.Route
	require.Equal(t, http.StatusOK, request(t, http.MethodGet, srv.URL+"/routes", nil, &routes))
	require.Empty(t, routes)

	require.NoError(t, d.Router().AddRoute(daemon.Route{Prefix: "dtn://beta/", Link: "beta"}))

	require.Equal(t, http.StatusOK, request(t, http.MethodGet, srv.URL+"/routes", nil, &routes))
	require.Equal(t, []daemon.Route{{Prefix: "dtn://beta/", Link: "beta"}}, routes)
}

func TestAPIBundles(t *testing.T) {
	_, srv := startAPI(t)

	var created agent.BundleJSON
	require.Equal(t, http.StatusAccepted, request(t, http.MethodPost, srv.URL+"/bundles",
		agent.BundleJSON{Destination: "dtn://alpha/inbox", Payload: []byte("hello")}, &created))
	require.Equal(t, "dtn://alpha/", created.Source)
	require.NotEmpty(t, created.ID)

	var errResp errorResponse
	require.Equal(t, http.StatusBadRequest, request(t, http.MethodPost, srv.URL+"/bundles",
		agent.BundleJSON{Destination: "nope"}, &errResp))
	require.NotEmpty(t, errResp.Error)

	require.Eventually(t, func() bool {
		var local []agent.BundleJSON
		if request(t, http.MethodGet, srv.URL+"/bundles/local", nil, &local) != http.StatusOK {
			return false
		}
		return len(local) == 1 && local[0].ID == created.ID && string(local[0].Payload) == "hello"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAPIWebSocket(t *testing.T) {
	_, srv := startAPI(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var status map[string]interface{}
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "register", "endpoint": "dtn://alpha/ws"}))
	require.NoError(t, conn.ReadJSON(&status))
	require.Equal(t, "status", status["type"])
	require.Nil(t, status["error"])

	// A Bundle from the REST API is delivered to the WebSocket client.
	require.Equal(t, http.StatusAccepted, request(t, http.MethodPost, srv.URL+"/bundles",
		agent.BundleJSON{Destination: "dtn://alpha/ws", Payload: []byte("via rest")}, nil))

	var msg struct {
		Type   string           `json:"type"`
		Bundle agent.BundleJSON `json:"bundle"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "bundle", msg.Type)
	require.Equal(t, "via rest", string(msg.Bundle.Payload))
}
