package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/bus/connect"
	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/producer"
)

// NewSendCommand constructs `send <json>`, which appends one job to a
// stream on the bus named by BUS_BACKEND.
func NewSendCommand() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send <json-object>",
		Short: "Send a job payload to a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[0])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			stream, _ := cmd.Flags().GetString("stream")
			if stream == "" {
				stream = cfg.APIStreamName
			}

			backend, err := connect.Open(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer backend.Close()

			job, id, err := producer.New(backend, stream).SendPayload(cmd.Context(), payload)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
				"job_id":    job.ID.String(),
				"record_id": id,
				"stream":    stream,
			})
		},
	}
	sendCmd.Flags().String("stream", "", "Target stream (default $API_STREAM_NAME)")
	return sendCmd
}
