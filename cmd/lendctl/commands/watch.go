package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	gorillaws "github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/websocket"
)

var (
	wsURL   string
	natsURL string
	count   int
)

var watchCmd = &cobra.Command{
	Use:   "watch [channel...]",
	Short: "Stream pool events from the WebSocket feed or NATS",
	Long: `watch subscribes to a lendd event feed and prints every event it receives.

Over WebSocket the channels are events, stats, events:<kind>, lender:<address>
and borrower:<address>; with no channel given it subscribes to events. With
--nats the arguments are event kinds and the stream comes from the node's NATS
subjects instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		if natsURL != "" {
			return watchNATS(ctx, cmd.OutOrStdout(), args)
		}
		if len(args) == 0 {
			args = []string{websocket.ChannelEvents}
		}
		return watchWS(ctx, cmd.OutOrStdout(), args)
	},
}

func init() {
	watchCmd.Flags().StringVar(&wsURL, "ws", envOr("LEND_WS", "ws://localhost:8081/ws"), "lendd WebSocket endpoint")
	watchCmd.Flags().StringVar(&natsURL, "nats", "", "Read events from this NATS server instead of WebSocket")
	watchCmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0 = until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

func watchWS(ctx context.Context, w io.Writer, channels []string) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, _, err := gorillaws.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(websocket.SubscribeRequest{Type: "subscribe", Channels: channels}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.WriteMessage(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
		conn.Close()
	}()

	seen := 0
	for count == 0 || seen < count {
		var msg websocket.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case "welcome", "subscribed", "unsubscribed", "pong":
			continue
		case "error":
			return fmt.Errorf("server: %v", msg.Data)
		}
		if err := render(w, msg); err != nil {
			return err
		}
		seen++
	}
	return nil
}

func watchNATS(ctx context.Context, w io.Writer, kinds []string) error {
	nc, err := nats.Connect(natsURL, nats.Name("lendctl"), nats.Timeout(timeout))
	if err != nil {
		return fmt.Errorf("connect %s: %w", natsURL, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 256)
	subjects := []string{events.DefaultSubjectPrefix + ".>"}
	if len(kinds) > 0 {
		subjects = subjects[:0]
		for _, k := range kinds {
			subjects = append(subjects, events.DefaultSubjectPrefix+"."+k)
		}
	}
	for _, subj := range subjects {
		sub, err := nc.ChanSubscribe(subj, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		defer sub.Unsubscribe()
	}

	seen := 0
	for count == 0 || seen < count {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			var ev events.Event
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				return fmt.Errorf("decode %s: %w", m.Subject, err)
			}
			if err := render(w, ev); err != nil {
				return err
			}
			seen++
		}
	}
	return nil
}
