package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	trainConfigID string
	trainForce    bool
	trainAddr     string
)

// trainCmd represents the train command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Trigger a training run for a configuration",
	Long: `Train requests an immediate training run for one configuration on a
running titlerec instance. This is useful after changing model parameters
or filters, without waiting for the next scheduled run.

Examples:
  # Trigger training for a configuration
  titlerec train --config-id 7b0c3c66-2b3e-4f3e-9a1c-1c2d3e4f5a6b

  # Force training even if the configuration is inactive
  titlerec train --config-id 7b0c3c66-2b3e-4f3e-9a1c-1c2d3e4f5a6b --force`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().StringVar(&trainConfigID, "config-id", "", "configuration id to train (required)")
	trainCmd.Flags().BoolVar(&trainForce, "force", false, "train even if the configuration is inactive")
	trainCmd.Flags().StringVar(&trainAddr, "addr", "http://localhost:8080", "base URL of a running titlerec instance")

	_ = trainCmd.MarkFlagRequired("config-id")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	body, err := json.Marshal(map[string]any{
		"config_id": trainConfigID,
		"force":     trainForce,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Minute}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, trainAddr+"/api/v1/train", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("training request failed (%d): %s", resp.StatusCode, payload)
	}

	var result struct {
		ConfigID     string `json:"config_id"`
		Status       string `json:"status"`
		Message      string `json:"message,omitempty"`
		ModelVersion int64  `json:"model_version,omitempty"`
		Error        string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}

	log := logger.WithField("config_id", result.ConfigID)
	if result.ModelVersion > 0 {
		log = log.WithField("model_version", result.ModelVersion)
	}

	if result.Message != "" {
		log.Infof("Training %s: %s", result.Status, result.Message)
	} else {
		log.Infof("Training %s", result.Status)
	}

	if result.Error != "" {
		logger.Warnf("Run error: %s", result.Error)
	}

	return nil
}
