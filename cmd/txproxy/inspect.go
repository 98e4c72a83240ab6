package main

import (
	"fmt"
	"io"
	"time"

	"github.com/damedic/fhir-toolbox-go/model/gen/r4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/txproxy/internal/fhir"
	"github.com/vyrodovalexey/txproxy/internal/routing"
	"github.com/vyrodovalexey/txproxy/internal/upstream"
)

// The inspection commands print to stdout, so they log to stderr.
const inspectLogOutput = "stderr"

// newCapabilitiesCommand prints the aggregated CapabilityStatement after one
// refresh, for diffing in CI.
func newCapabilitiesCommand(flags *cliFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Refresh once and print the aggregated CapabilityStatement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, ok := fhir.ParseFormat(format)
			if !ok {
				return fmt.Errorf("unsupported format %q: use json or xml", format)
			}

			cfg, logger, err := loadConfig(flags, inspectLogOutput)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			c := newCore(cfg, logger)
			snap, err := c.refresh(cmd.Context())
			if err != nil {
				return err
			}
			return writeCapabilities(cmd.OutOrStdout(), c.aggregator.Aggregate(snap), f)
		},
	}

	cmd.Flags().StringVar(&format, "format", string(fhir.FormatJSON), "Output format (json, xml)")
	return cmd
}

func writeCapabilities(w io.Writer, cs *r4.CapabilityStatement, f fhir.Format) error {
	body, err := fhir.Marshal(cs, f)
	if err != nil {
		return fmt.Errorf("encode capability statement: %w", err)
	}
	_, err = w.Write(body)
	return err
}

// routesDocument is the routing table as printed by the routes command.
type routesDocument struct {
	Generation uint64           `yaml:"generation"`
	BuiltAt    time.Time        `yaml:"builtAt"`
	Upstreams  []upstreamStatus `yaml:"upstreams"`
	Defaults   []string         `yaml:"defaults,omitempty"`
	Routes     []routing.Entry  `yaml:"routes"`
}

type upstreamStatus struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	Priority  int    `yaml:"priority"`
	Health    string `yaml:"health"`
	Claims    int    `yaml:"claims"`
	LastError string `yaml:"lastError,omitempty"`
}

// newRoutesCommand prints the routing table after one refresh.
func newRoutesCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Refresh once and print the routing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, inspectLogOutput)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			c := newCore(cfg, logger)
			snap, err := c.refresh(cmd.Context())
			if err != nil {
				return err
			}
			return writeRoutes(cmd.OutOrStdout(), buildRoutesDocument(c.router, snap))
		},
	}
}

func buildRoutesDocument(router *routing.Router, snap *upstream.Snapshot) routesDocument {
	table := router.Table()
	doc := routesDocument{
		Generation: table.Generation,
		BuiltAt:    table.BuiltAt,
		Defaults:   router.Defaults(snap),
		Routes:     table.Entries(),
	}
	for _, srv := range snap.Servers {
		doc.Upstreams = append(doc.Upstreams, upstreamStatus{
			ID:        srv.ID,
			URL:       srv.BaseURL,
			Priority:  srv.Priority,
			Health:    srv.Health.String(),
			Claims:    len(srv.Claims),
			LastError: srv.LastError,
		})
	}
	return doc
}

func writeRoutes(w io.Writer, doc routesDocument) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode routing table: %w", err)
	}
	return enc.Close()
}
