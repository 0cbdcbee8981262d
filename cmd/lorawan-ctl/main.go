// LoRaWAN operator CLI
// Inspects the persisted device record and queries a running agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/spf13/cobra"

	"github.com/agsys/lorawan-enddevice/internal/storage"
)

var (
	dbPath     string
	requestURL string

	rootCmd = &cobra.Command{
		Use:   "lorawan-ctl",
		Short: "LoRaWAN end-device operator CLI",
		Long:  "Inspect the persisted device record and query a running lorawan-agent over its request socket.",
	}

	showCmd = &cobra.Command{
		Use:   "show <dev-eui-hex>",
		Short: "Print the persisted record for a device",
		Args:  cobra.ExactArgs(1),
		RunE:  showRecord,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Query a running agent for its current session state",
		RunE:  queryStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "/var/lib/lorawan/enddevice.db", "Device record database path")
	rootCmd.PersistentFlags().StringVar(&requestURL, "request-url", "ipc:///tmp/lorawan_adapter_request", "Agent request socket")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showRecord(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("DevEUI:        %s\n", rec.DevEUIString())
	fmt.Printf("Joined:        %v\n", rec.IsJoined)
	if rec.IsJoined {
		fmt.Printf("DevAddr:       %x\n", rec.DevAddr)
	}
	fmt.Printf("FCnt up/down:  %d / %d\n", rec.FCnt, rec.FCntDown)
	fmt.Printf("DevNonce:      %#04x\n", rec.DevNonce)
	fmt.Printf("Channel group: %d\n", rec.ChannelGroup)
	return nil
}

func queryStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sock := zmq4.NewReq(ctx)
	defer sock.Close()
	if err := sock.Dial(requestURL); err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}

	if err := sock.Send(zmq4.NewMsgFrom([]byte("status"), nil)); err != nil {
		return fmt.Errorf("send status request: %w", err)
	}
	resp, err := sock.Recv()
	if err != nil {
		return fmt.Errorf("receive status: %w", err)
	}
	if len(resp.Frames) < 1 {
		return fmt.Errorf("empty reply from agent")
	}

	var rep struct {
		OK     bool            `json:"ok"`
		Error  string          `json:"error"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(resp.Frames[0], &rep); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if !rep.OK {
		return fmt.Errorf("agent error: %s", rep.Error)
	}
	fmt.Println(string(rep.Status))
	return nil
}
