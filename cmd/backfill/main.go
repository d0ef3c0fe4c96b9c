package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	pendleyield "github.com/pendle-tools/pendle-yield-go"
)

func main() {
	var (
		fromDate    = flag.String("from", pendleyield.FirstEpochStart.Format("2006-01-02"), "first epoch date to backfill (YYYY-MM-DD)")
		skipFees    = flag.Bool("skip-fees", false, "skip the per-epoch fee backfill")
		skipVotes   = flag.Bool("skip-votes", false, "skip the epoch snapshot backfill")
		withHistory = flag.Bool("history", false, "also backfill daily market history for every whitelisted market")
		chainID     = flag.Int64("chain", 1, "chain id for the market history backfill")
	)
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := pendleyield.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx := context.Background()
	client, err := pendleyield.NewClient(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize client")
	}
	defer client.Close()

	first, err := pendleyield.NewEpoch(*fromDate)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid -from date")
	}

	if err := run(ctx, client, first, *skipFees, *skipVotes, *withHistory, *chainID); err != nil {
		logrus.WithError(err).Fatal("Backfill failed")
	}
}

// run walks every epoch from first up to the current one, filling the fee
// and snapshot caches, then optionally the per-market daily history.
func run(ctx context.Context, client *pendleyield.Client, first pendleyield.Epoch, skipFees, skipVotes, withHistory bool, chainID int64) error {
	current := pendleyield.CurrentEpoch()
	count := 0
	for epoch := first; !current.Before(epoch); epoch = epoch.Next() {
		count++
		logrus.WithField("epoch", epoch.String()).Info("Backfilling epoch")

		if !skipFees {
			fees, err := client.GetMarketFeesByEpoch(ctx, epoch)
			if err != nil {
				return fmt.Errorf("fees for %s: %w", epoch.String(), err)
			}
			logrus.WithFields(logrus.Fields{
				"epoch":   epoch.String(),
				"markets": len(fees),
			}).Info("Epoch fees ready")
		}

		if !skipVotes {
			snapshot, err := client.GetEpochVotesSnapshot(ctx, epoch)
			if err != nil {
				return fmt.Errorf("snapshot for %s: %w", epoch.String(), err)
			}
			logrus.WithFields(logrus.Fields{
				"epoch":          epoch.String(),
				"votes":          len(snapshot.Votes),
				"total_vependle": snapshot.TotalVePendle.StringFixed(2),
			}).Info("Epoch snapshot ready")
		}
	}
	logrus.WithField("epochs", count).Info("Epoch backfill complete")

	if !withHistory {
		return nil
	}

	markets, err := client.GetAllMarkets(ctx, chainID)
	if err != nil {
		return fmt.Errorf("market inventory: %w", err)
	}
	now := time.Now().UTC()
	for _, market := range markets {
		start := market.Timestamp
		if start.Before(first.Start()) {
			start = first.Start()
		}
		if !start.Before(now) {
			continue
		}
		points, err := client.GetMarketHistoricalData(ctx, market.ChainID, market.Address, start, now)
		if err != nil {
			// One broken market must not abort the whole history pass.
			logrus.WithError(err).WithField("market", market.Address).Warn("History backfill failed for market")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"market": market.Address,
			"days":   len(points),
		}).Info("Market history ready")
	}
	return nil
}

func init() {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
