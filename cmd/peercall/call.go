package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peercall/internal/camera"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/negotiation"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// dataChannelGreeting is sent back for every inbound data channel message.
const dataChannelGreeting = "Hi! (from peercall)"

var pickCamera bool

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Register with the signaling server and negotiate a call",
	RunE:  callMain,
}

func init() {
	flags := callCmd.Flags()
	flags.BoolVar(&pickCamera, "pick", false, "choose and focus a camera interactively before calling")
	flags.String("peer-id", "", "call identity (default: random in [10, 9000))")
	flags.Bool("video", false, "attach local video")
	flags.Bool("audio", false, "attach local audio")
	flags.Bool("mdns", true, "gather and resolve mDNS candidates")
	flags.Bool("loopback", false, "include loopback candidates (same-host endpoints)")
	flags.Int("max-attempts", 3, "signaling connection attempts before giving up")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	bind(flags.Lookup("peer-id"), "peer_id")
	bind(flags.Lookup("video"), "video")
	bind(flags.Lookup("audio"), "audio")
	bind(flags.Lookup("mdns"), "mdns")
	bind(flags.Lookup("loopback"), "loopback_candidates")
	bind(flags.Lookup("max-attempts"), "max_attempts")
	bind(flags.Lookup("metrics-addr"), "metrics_addr")

	rootCmd.AddCommand(callCmd)
}

func callMain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	url, err := signaling.ResolveEndpoint(conf.Origin, conf.Host, conf.Port)
	if err != nil {
		return err
	}

	pterm.Info.Printfln("peercall — v%s", version)
	pterm.Println()

	var calls negotiation.CallRequester
	if conf.APIBase != "" {
		client := camera.NewClient(conf.APIBase, nil)
		if pickCamera {
			if err := chooseCamera(ctx, client); err != nil {
				util.LogWarning("camera selection skipped: %v", err)
			}
		}
		calls = client
	}

	var provider media.Provider
	if conf.Video || conf.Audio {
		provider = media.NewDevices(nil)
	}

	if conf.MetricsAddr != "" {
		go serveMetrics(ctx, conf.MetricsAddr)
	}
	util.StartStatsReporter(ctx)

	id := negotiation.CallIdentity(conf.PeerID)
	if id == "" {
		id = negotiation.NewCallIdentity()
	}

	c, err := negotiation.New(negotiation.Options{
		ID: id,
		Transport: func(l signaling.Listener) negotiation.Signaler {
			return signaling.NewTransport(signaling.Options{
				URL:             url,
				PeerID:          string(id),
				MaxAttempts:     conf.MaxAttempts,
				CloseRetryDelay: conf.CloseRetryDelay,
				ErrorRetryDelay: conf.ErrorRetryDelay,
			}, l)
		},
		Sessions: negotiation.PeerSessions(peer.Config{
			ICEServers:         conf.ICEServers,
			MDNS:               conf.MDNS,
			LoopbackCandidates: conf.LoopbackCandidates,
		}),
		Media:       provider,
		Constraints: media.Constraints{Video: conf.Video, Audio: conf.Audio},
		Calls:       calls,
		OnStateChange: func(_, next negotiation.State) {
			if next == negotiation.StateActive {
				util.LogSuccess("call active")
			}
		},
		OnDataMessage: func(label string, data []byte, reply func([]byte) error) {
			util.LogInfo("data channel %q: %s", label, data)
			if err := reply([]byte(dataChannelGreeting)); err != nil {
				util.LogWarning("failed to reply on data channel: %v", err)
			}
		},
	})
	if err != nil {
		return err
	}

	if err := c.Run(ctx); err != nil {
		return err
	}
	util.LogInfo("call ended")
	return nil
}

// chooseCamera lists the endpoint's cameras and focuses the one picked.
func chooseCamera(ctx context.Context, client *camera.Client) error {
	cams, err := client.ListCameras(ctx)
	if err != nil {
		return err
	}
	if len(cams) == 0 {
		return errors.New("no cameras available")
	}

	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions(cams).
		WithDefaultText("Select a camera").
		Show()
	if err != nil {
		return err
	}
	pterm.Println()

	if err := client.FocusCamera(ctx, choice); err != nil {
		return err
	}
	util.LogSuccess("focused camera %s", choice)
	return nil
}

// serveMetrics exposes the prometheus collectors until ctx ends.
func serveMetrics(ctx context.Context, addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", util.MetricsHandler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.LogError("metrics server: %v", err)
	}
}
