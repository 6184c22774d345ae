package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/orchestrator"
	"github.com/loykin/streamvisor/internal/store"
	"github.com/loykin/streamvisor/pkg/client"
	"github.com/loykin/streamvisor/pkg/template"
)

// SourceFlags holds flags for sources add.
type SourceFlags struct {
	ID              string
	Name            string
	Brand           string
	Address         string
	RelayType       int
	StreamType      int
	ReaderEnabled   bool
	RecordEnabled   bool
	SnapshotEnabled bool
	RootDir         string
	Preset          string
}

// APIFlags selects a running API instead of talking to Redis directly.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
}

func (f *APIFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "API URL (e.g. http://host:8080/api); Redis is used when empty")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "api-ca-cert", "", "CA certificate for an HTTPS API")
}

func (f *APIFlags) client() *client.Client {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cfg)
}

type controlAction struct {
	use     string
	short   string
	channel string
	state   int
}

var (
	controlStart   = controlAction{"start", "Request a stream start", eventbus.StartStreamRequest, store.SourceStarted}
	controlStop    = controlAction{"stop", "Request a stream stop", eventbus.StopStreamRequest, store.SourceStopped}
	controlRestart = controlAction{"restart", "Request a stream restart", eventbus.RestartStreamRequest, store.SourceStarted}
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func createSourcesCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage camera sources",
	}
	cmd.AddCommand(createSourcesAddCommand(globalFlags), createSourcesListCommand(globalFlags), createSourcesTemplateCommand())
	return cmd
}

// TemplateFlags holds flags for sources template.
type TemplateFlags struct {
	Type    string
	ID      string
	Address string
}

func createSourcesTemplateCommand() *cobra.Command {
	templateFlags := &TemplateFlags{}
	gen := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print a source preset as JSON",
		Long: fmt.Sprintf(`Print a source preset as JSON, ready for POST {base}/sources.

Supported types: %s

Examples:
  streamvisor sources template --type=hls --id=cam-1 --address=rtsp://10.0.0.5/live`, strings.Join(gen.GetSupportedTypes(), ", ")),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := gen.GenerateJSON(template.TemplateType(templateFlags.Type), templateFlags.ID, templateFlags.Address)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().StringVar(&templateFlags.Type, "type", string(template.TypeLive), "preset type")
	cmd.Flags().StringVar(&templateFlags.ID, "id", "cam-1", "source id")
	cmd.Flags().StringVar(&templateFlags.Address, "address", "rtsp://camera/stream", "camera URL")
	return cmd
}

func createSourcesAddCommand(globalFlags *GlobalFlags) *cobra.Command {
	sourceFlags := &SourceFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a source",
		Long: `Add or replace a source record. Unset options keep the defaults of a
new source; the stream is not started.

Examples:
  streamvisor sources add --id=cam-1 --address=rtsp://10.0.0.5/live
  streamvisor sources add --id=cam-2 --address=rtsp://10.0.0.6/live --relay-type=1 --record
  streamvisor sources add --id=cam-3 --address=rtsp://10.0.0.7/live --preset=nvr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalFlags, "cli")
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			src, err := addSource(cmd.Context(), a.st, *sourceFlags, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), src)
		},
	}
	cmd.Flags().StringVar(&sourceFlags.ID, "id", "", "source id (required)")
	cmd.Flags().StringVar(&sourceFlags.Name, "name", "", "display name")
	cmd.Flags().StringVar(&sourceFlags.Brand, "brand", "", "camera brand")
	cmd.Flags().StringVar(&sourceFlags.Address, "address", "", "camera URL (required)")
	cmd.Flags().IntVar(&sourceFlags.RelayType, "relay-type", store.RelayGo2RTC, "relay kind (0 go2rtc, 1 srs, 2 livego, 3 nms, 4 srs realtime)")
	cmd.Flags().IntVar(&sourceFlags.StreamType, "stream-type", store.StreamTypeFLV, "output (0 flv, 1 hls, 2 direct read)")
	cmd.Flags().BoolVar(&sourceFlags.ReaderEnabled, "reader", false, "enable the frame reader")
	cmd.Flags().BoolVar(&sourceFlags.RecordEnabled, "record", false, "enable segmented recording")
	cmd.Flags().BoolVar(&sourceFlags.SnapshotEnabled, "snapshot", false, "enable snapshots")
	cmd.Flags().StringVar(&sourceFlags.RootDir, "root-dir", "", "output root overriding general.root_dir")
	cmd.Flags().StringVar(&sourceFlags.Preset, "preset", "", "start from a preset (see sources template); explicit options win")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("address"); err != nil {
		panic(err)
	}
	return cmd
}

// addSource applies the preset, then every option the user set.
func addSource(ctx context.Context, st *store.Store, f SourceFlags, changed func(string) bool) (*store.Source, error) {
	src := store.NewSource(f.ID, f.Name, f.Address)
	if f.Preset != "" {
		data, err := template.NewGenerator().GenerateJSON(template.TemplateType(f.Preset), f.ID, f.Address)
		if err != nil {
			return nil, err
		}
		// omitted preset fields keep the defaults of NewSource
		if err := json.Unmarshal(data, src); err != nil {
			return nil, fmt.Errorf("apply preset %s: %w", f.Preset, err)
		}
	}
	src.Name = f.Name
	src.Brand = f.Brand
	if changed("relay-type") {
		src.MSType = f.RelayType
	}
	if changed("stream-type") {
		src.StreamType = f.StreamType
	}
	if changed("reader") {
		src.ReaderEnabled = f.ReaderEnabled
	}
	if changed("record") {
		src.RecordEnabled = f.RecordEnabled
	}
	if changed("snapshot") {
		src.SnapshotEnabled = f.SnapshotEnabled
	}
	src.RootDir = f.RootDir
	src.CreatedAt = time.Now().Unix()
	if err := st.Sources.Add(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

func createSourcesListCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalFlags, "cli")
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			srcs, err := a.st.Sources.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), srcs)
		},
	}
}

func createStreamsCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streams",
		Short: "Inspect running streams",
	}
	apiFlags := &APIFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List stream states",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiFlags.APIUrl != "" {
				streams, err := apiFlags.client().ListStreams(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), streams)
			}
			a, err := openApp(cmd.Context(), globalFlags, "cli")
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			states, err := a.st.Streams.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), states)
		},
	}
	apiFlags.bind(list)
	cmd.AddCommand(list)
	return cmd
}

// createControlCommand builds start, stop and restart. They record the
// desired state on the source and publish the request; the listener jobs
// of a running supervisor do the work.
func createControlCommand(globalFlags *GlobalFlags, action controlAction) *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   action.use + " <id>",
		Short: action.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiFlags.APIUrl != "" {
				if err := controlViaAPI(cmd.Context(), apiFlags.client(), action, args[0]); err != nil {
					return err
				}
			} else {
				a, err := openApp(cmd.Context(), globalFlags, "cli")
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()
				if err := publishControl(cmd.Context(), a.st, a.bus, action, args[0]); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s requested for %s\n", action.use, args[0])
			return err
		},
	}
	apiFlags.bind(cmd)
	return cmd
}

func controlViaAPI(ctx context.Context, c *client.Client, action controlAction, id string) error {
	switch action.channel {
	case eventbus.StopStreamRequest:
		return c.Stop(ctx, id)
	case eventbus.RestartStreamRequest:
		return c.Restart(ctx, id)
	default:
		return c.Start(ctx, id)
	}
}

func publishControl(ctx context.Context, st *store.Store, bus eventbus.Publisher, action controlAction, id string) error {
	src, err := st.Sources.Get(ctx, id)
	if err != nil {
		return err
	}
	src.State = action.state
	if err := st.Sources.Add(ctx, src); err != nil {
		return err
	}
	var payload any = src
	if action.channel == eventbus.StopStreamRequest {
		payload = orchestrator.StopRequest{ID: id}
	}
	return bus.Publish(ctx, action.channel, payload)
}
