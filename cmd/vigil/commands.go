package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/probes"
	"github.com/vigilmon/vigil/internal/store"
	"github.com/vigilmon/vigil/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

// manager is the historical alias operators know from init scripts.
var managerCmd = &cobra.Command{
	Use:    "manager",
	Short:  "Run the monitoring service (alias of start)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running instance to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		chunk, _, err := parseChunk(flagChunk)
		if err != nil {
			return err
		}

		url := adminURL(cfg, chunk) + "/api/shutdown"
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("no instance reachable at %s: %w", url, err)
		}
		defer resp.Body.Close()
		fmt.Println("Shutdown requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		chunk, _, err := parseChunk(flagChunk)
		if err != nil {
			return err
		}

		url := adminURL(cfg, chunk) + "/api/status"
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("no instance reachable at %s: %w", url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return err
		}
		var pretty map[string]interface{}
		if err := json.Unmarshal(body, &pretty); err != nil {
			return fmt.Errorf("unexpected status response: %w", err)
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:          "test",
	Short:        "Probe the first enabled monitor item once and exit",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := st.EnsureSchema(ctx); err != nil {
			return err
		}

		items, err := st.ListEnabledItems(ctx)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("no enabled monitor items to test")
		}

		item := items[0]
		log.Info().Int64("monitor_id", item.ID).Str("name", item.Name).
			Str("type", item.Type).Str("url", item.URLCheck).Msg("Running single-shot check")

		prober := probes.NewProber(cfg.HTTPTimeout)
		res := prober.Run(ctx, item)

		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))

		return checkOutcome(res)
	},
}

// checkOutcome maps a single-shot probe result onto the command exit
// status. A failure is reported as an error so deferred cleanup still
// runs and Execute exits nonzero.
func checkOutcome(res probes.Result) error {
	if !res.Success {
		return fmt.Errorf("check failed: %s", res.Message)
	}
	return nil
}

func runService() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	chunk, chunkSize, err := parseChunk(flagChunk)
	if err != nil {
		return err
	}

	log.Info().Str("version", Version).Int("chunk", chunk).Int("chunk_size", chunkSize).
		Int("limit", flagLimit).Msg("Starting vigil")

	sup := supervisor.New(cfg, supervisor.Options{
		Chunk:     chunk,
		ChunkSize: chunkSize,
		Limit:     flagLimit,
		Version:   Version,
	})
	return sup.Run(context.Background())
}

func adminURL(cfg *config.Config, chunk int) string {
	host := cfg.HTTPHost
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.HTTPPort+chunk-1)
}
