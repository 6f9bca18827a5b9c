// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dtn7/dtn7-scl/pkg/agent"
)

// client of dtnd's REST API.
type client struct {
	url  string
	http *http.Client
}

func newClient(url string) *client {
	return &client{url: strings.TrimSuffix(url, "/"), http: http.DefaultClient}
}

// do a request, expecting the given status code and decoding the response into v.
func (c *client) do(method, path string, body, v interface{}, expected int) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.url+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, errResp.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}

	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// send a Bundle, returning the created Bundle's description.
func (c *client) send(bj agent.BundleJSON) (created agent.BundleJSON, err error) {
	err = c.do(http.MethodPost, "/bundles", bj, &created, http.StatusAccepted)
	return
}

// linkInfo is the subset of a link's description printed by dtn-tool.
type linkInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Nexthop   string `json:"nexthop"`
	RemoteEid string `json:"remote_eid"`
}

func (c *client) links() (links []linkInfo, err error) {
	err = c.do(http.MethodGet, "/links", nil, &links, http.StatusOK)
	return
}

func printLinks(w io.Writer, links []linkInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tTYPE\tSTATE\tNEXTHOP\tNODE")
	for _, l := range links {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.Name, l.Type, l.State, l.Nexthop, l.RemoteEid)
	}
	return tw.Flush()
}

func newSendCommand(apiURL *string) *cobra.Command {
	var (
		source   string
		lifetime string
	)

	cmd := &cobra.Command{
		Use:   "send receiver -|filename",
		Short: "Send the stdin (-) or a file's content as a Bundle through dtnd",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(args[1])
			if err != nil {
				return fmt.Errorf("reading input errored: %w", err)
			}

			created, err := newClient(*apiURL).send(agent.BundleJSON{
				Source:      source,
				Destination: args[0],
				Lifetime:    lifetime,
				Payload:     payload,
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "the Bundle's source, defaults to dtnd's node ID")
	cmd.Flags().StringVar(&lifetime, "lifetime", "", "the Bundle's lifetime, e.g., 1h")

	return cmd
}

func newLinksCommand(apiURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List dtnd's links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			links, err := newClient(*apiURL).links()
			if err != nil {
				return err
			}
			return printLinks(cmd.OutOrStdout(), links)
		},
	}
}
