package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"positionLedger/internal/indexer"
	"positionLedger/internal/ledgersync"
	"positionLedger/internal/model"
	"positionLedger/internal/refresh"
	"positionLedger/internal/storage"
	"positionLedger/internal/storage/postgres"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer logger.Sync()

	if cfg.PostgresDSN == "" {
		return fmt.Errorf("pg-dsn is required")
	}
	return postgres.RunMigrations(ctx, cfg.PostgresDSN, logger)
}

// withApp runs fn against a fully wired app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func trackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Start tracking an NFT position and build its ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chainID, _ := cmd.Flags().GetUint64("chain")
			nft, _ := cmd.Flags().GetString("nft")
			quote, _ := cmd.Flags().GetString("quote")

			nftID, err := parseNFTID(nft)
			if err != nil {
				return err
			}
			var quoteToken common.Address
			if quote != "" {
				if quoteToken, err = indexer.ParseAddress(quote); err != nil {
					return fmt.Errorf("quote token: %w", err)
				}
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				position, err := a.refresher.Import(ctx, chainID, nftID, quoteToken)
				if err != nil {
					return err
				}
				logPosition(a.logger, "position tracked", position)
				return nil
			})
		},
	}
	cmd.Flags().Uint64("chain", 1, "chain id")
	cmd.Flags().String("nft", "", "position NFT token id")
	cmd.Flags().String("quote", "", "quote token address (defaults to token1)")
	_ = cmd.MarkFlagRequired("nft")
	return cmd
}

func syncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Rebuild a position's ledger up to the finalized block",
		RunE: func(cmd *cobra.Command, _ []string) error {
			positionID, _ := cmd.Flags().GetString("position")
			full, _ := cmd.Flags().GetBool("full")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				position, err := a.store.GetPosition(ctx, positionID)
				if err != nil {
					return err
				}
				result, err := a.syncer.SyncLedgerEvents(ctx, ledgersync.SyncRequest{
					PositionID:      positionID,
					ChainID:         position.Config.ChainID,
					NFTID:           position.Config.NFTID,
					ForceFullResync: full,
				})
				if err != nil {
					return err
				}
				a.logger.Info("sync complete",
					zap.String("position_id", positionID),
					zap.Uint64("from_block", result.FromBlock),
					zap.Uint64("to_block", result.FinalizedBlock),
					zap.Int("events", result.EventsAdded),
					zap.Int("deleted", result.EventsDeleted),
					zap.Int("missing_merged", result.MissingMerged))
				return nil
			})
		},
	}
	cmd.Flags().String("position", "", "position id")
	cmd.Flags().Bool("full", false, "rebuild from the deployment block")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func refreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh positions against the chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, _ := cmd.Flags().GetStringSlice("position")
			all, _ := cmd.Flags().GetBool("all")
			if len(ids) == 0 && !all {
				return fmt.Errorf("either --position or --all is required")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if all {
					active, err := a.store.ListPositionIDs(ctx, true)
					if err != nil {
						return err
					}
					ids = append(ids, active...)
				}
				return refreshAll(ctx, a, ids)
			})
		},
	}
	cmd.Flags().StringSlice("position", nil, "position ids (comma-separated)")
	cmd.Flags().Bool("all", false, "refresh every active position")
	return cmd
}

func refreshAll(ctx context.Context, a *app, ids []string) error {
	started := time.Now()
	results := a.refresher.RefreshMany(ctx, ids)

	failed := 0
	paths := make(map[refresh.Path]int)
	for _, r := range results {
		if r.Err != nil {
			failed++
			a.logger.Warn("refresh failed", zap.String("position_id", r.PositionID), zap.Error(r.Err))
			continue
		}
		paths[r.Path]++
		logPosition(a.logger.With(zap.String("path", string(r.Path))), "position refreshed", r.Position)
	}

	fields := []zap.Field{
		zap.Int("positions", len(results)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(started)),
	}
	for path, n := range paths {
		fields = append(fields, zap.Int(string(path), n))
	}
	a.logger.Info("refresh complete", fields...)

	if failed > 0 {
		return fmt.Errorf("%d of %d refreshes failed", failed, len(results))
	}
	return nil
}

func reportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Record a mined transaction's events ahead of finality",
		RunE: func(cmd *cobra.Command, _ []string) error {
			positionID, _ := cmd.Flags().GetString("position")
			tx, _ := cmd.Flags().GetString("tx")
			txHash, err := indexer.ParseTxHash(tx)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.refresher.ReportTransaction(ctx, positionID, txHash)
				if err != nil {
					return err
				}
				a.logger.Info("transaction recorded",
					zap.String("position_id", positionID),
					zap.String("tx_hash", txHash.Hex()),
					zap.Int("events", n))
				return nil
			})
		},
	}
	cmd.Flags().String("position", "", "position id")
	cmd.Flags().String("tx", "", "transaction hash")
	_ = cmd.MarkFlagRequired("position")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func watchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh every active position on a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schedule, _ := cmd.Flags().GetString("schedule")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.serveMetrics(ctx)

				logger := cronLogger{a.logger.Sugar()}
				c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))
				if _, err := c.AddFunc(schedule, func() {
					rctx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					ids, err := a.store.ListPositionIDs(rctx, true)
					if err != nil {
						a.logger.Error("list positions failed", zap.Error(err))
						return
					}
					if err := refreshAll(rctx, a, ids); err != nil {
						a.logger.Warn("scheduled refresh incomplete", zap.Error(err))
					}
				}); err != nil {
					return fmt.Errorf("schedule %q: %w", schedule, err)
				}

				c.Start()
				a.logger.Info("watch started", zap.String("schedule", schedule))
				<-ctx.Done()
				<-c.Stop().Done()
				a.logger.Info("watch stopped")
				return nil
			})
		},
	}
	cmd.Flags().String("schedule", "@every 1m", "cron schedule (seconds field supported)")
	cmd.Flags().Duration("timeout", 50*time.Second, "bound of one scheduled run")
	return cmd
}

func exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a position's ledger as JSONL with human-readable amounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			positionID, _ := cmd.Flags().GetString("position")
			out, _ := cmd.Flags().GetString("out")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				position, err := a.store.GetPosition(ctx, positionID)
				if err != nil {
					return err
				}
				events, err := a.store.Events(ctx, positionID)
				if err != nil {
					return err
				}
				pool, err := a.reader.PoolMetadata(ctx, position.Config.ChainID, position.Config.PoolAddress)
				if err != nil {
					return err
				}

				n, err := storage.NewJsonlStorage(out).WriteLedger(events, pool, position.Config.Token0IsQuote)
				if err != nil {
					return err
				}
				quote := pool.QuoteToken(position.Config.Token0IsQuote)
				a.logger.Info("ledger exported",
					zap.String("position_id", positionID),
					zap.String("out", out),
					zap.Int("events", n),
					zap.String("quote", quote.Symbol),
					zap.String("cost_basis", storage.Scale(position.CostBasis, quote.Decimals).String()),
					zap.String("realized_pnl", storage.Scale(position.RealizedPnL, quote.Decimals).String()),
					zap.String("collected_fees", storage.Scale(position.CollectedFees, quote.Decimals).String()))
				return nil
			})
		},
	}
	cmd.Flags().String("position", "", "position id")
	cmd.Flags().String("out", "./data/ledger.jsonl", "output JSONL path")
	_ = cmd.MarkFlagRequired("position")
	return cmd
}

func parseNFTID(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	id, ok := new(big.Int).SetString(input, 0)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid nft id: %q", input)
	}
	return id, nil
}

func logPosition(logger *zap.Logger, msg string, p model.Position) {
	fields := []zap.Field{
		zap.String("position_id", p.ID),
		zap.Uint64("chain_id", p.Config.ChainID),
		zap.String("nft_id", model.IntString(p.Config.NFTID)),
		zap.Bool("active", p.IsActive),
		zap.String("liquidity", model.IntString(p.State.Liquidity)),
		zap.String("current_value", model.IntString(p.CurrentValue)),
		zap.String("cost_basis", model.IntString(p.CostBasis)),
		zap.String("realized_pnl", model.IntString(p.RealizedPnL)),
		zap.String("unrealized_pnl", model.IntString(p.UnrealizedPnL)),
		zap.String("unclaimed_fees", model.IntString(p.UnclaimedFees)),
	}
	if p.PositionClosedAt != nil {
		fields = append(fields, zap.Time("closed_at", *p.PositionClosedAt))
	}
	logger.Info(msg, fields...)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if errors.Is(err, context.Canceled) {
		return
	}
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
