package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-voiceloop/pkg/hub"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live event stream of a running voiceloop",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "localhost:8080", "host:port of the voiceloop server")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u := url.URL{Scheme: "ws", Host: watchAddr, Path: "/ws/events"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u.String(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var ev hub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(out, "%s\n", data)
			continue
		}
		printEvent(out, ev)
	}
}

func printEvent(w io.Writer, ev hub.Event) {
	ts := ev.At.Format("15:04:05.000")
	switch ev.Type {
	case hub.EventState:
		fmt.Fprintf(w, "%s  state       %s -> %s\n", ts, ev.Prev, ev.State)
	case hub.EventTranscript:
		fmt.Fprintf(w, "%s  %-10s  %s\n", ts, ev.Role, ev.Text)
	case hub.EventSpeech:
		fmt.Fprintf(w, "%s  speech      detected\n", ts)
	case hub.EventError:
		fmt.Fprintf(w, "%s  error       %s\n", ts, ev.Error)
	case hub.EventHello:
		fmt.Fprintf(w, "%s  connected   state=%s\n", ts, ev.State)
	default:
		fmt.Fprintf(w, "%s  %s\n", ts, ev.Type)
	}
}
