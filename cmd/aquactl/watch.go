package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// wsMessage is a frame of the live dashboard stream
type wsMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func newWatchCmd() *cobra.Command {
	var channel string
	var types []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live readings, control cycles, commands and alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := websocketURL(serverURL, channel)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), u, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to websocket: %w", err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()
			return streamMessages(conn, cmd.OutOrStdout(), types)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "only stream readings of this channel")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only print these message types")
	return cmd
}

// websocketURL derives the dashboard stream URL from the API base URL
func websocketURL(base, channel string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	if channel != "" {
		u.RawQuery = url.Values{"channel": {channel}}.Encode()
	}
	return u.String(), nil
}

func streamMessages(conn *websocket.Conn, w io.Writer, types []string) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("websocket error: %w", err)
			}
			return nil
		}
		// The server batches queued messages into one frame, one per line
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var msg wsMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				fmt.Fprintf(w, "unparsable message: %s\n", line)
				continue
			}
			if len(types) > 0 && !slices.Contains(types, msg.Type) {
				continue
			}
			fmt.Fprintf(w, "%s %-16s %s\n", msg.Timestamp.Format("15:04:05"), msg.Type, msg.Data)
		}
	}
}
