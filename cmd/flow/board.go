package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/flow/internal/api"
	"github.com/nhle/flow/internal/client"
	"github.com/nhle/flow/internal/collection"
	"github.com/nhle/flow/internal/logging"
	"github.com/nhle/flow/internal/model"
	appsync "github.com/nhle/flow/internal/sync"
	"github.com/nhle/flow/internal/ui/board"
)

var boardEmbedded bool

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Open the Kanban board",
	Long: `Open the terminal board against the API at client.base_url.
With --embedded the API runs inside this process on a loopback port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logCfg := cfg.Log
		if logCfg.File == "" {
			logCfg.File = filepath.Join(model.ConfigDir(), "flow.log")
		}
		log, closer, err := logging.New(logCfg, nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		baseURL := cfg.Client.BaseURL
		if boardEmbedded {
			repo, release, err := openRepository(ctx, cfg.Server, log)
			if err != nil {
				return err
			}
			defer release()

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return fmt.Errorf("listening for embedded api: %w", err)
			}
			baseURL = "http://" + ln.Addr().String()

			srv := api.New(repo, log)
			g.Go(func() error { return srv.Serve(ctx, ln) })
		}

		remote := client.New(baseURL,
			client.WithTimeout(cfg.Client.RequestTimeout),
			client.WithMaxRetries(cfg.Client.MaxRetries),
			client.WithLogger(log),
		)
		col := collection.New(remote, collection.Options{
			CommitTimeout:    cfg.Client.CommitTimeout,
			RefreshOnPersist: cfg.Client.RefreshOnPersist,
			Logger:           log,
		})
		poller := appsync.New(col, cfg.Client.PollInterval, log)

		g.Go(func() error {
			defer cancel()

			m := board.New(col, poller)
			defer m.Close()

			_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		})

		return g.Wait()
	},
}

func init() {
	boardCmd.Flags().BoolVar(&boardEmbedded, "embedded", false, "run the API in-process using the server settings")
}
