// adstree - indexed merkle tree batching service CLI
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zkvapp/adstree/batcher"
	"github.com/zkvapp/adstree/imt"
	"github.com/zkvapp/adstree/ledger"
	"github.com/zkvapp/adstree/storage"
	"github.com/zkvapp/adstree/types"
)

func main() {
	var (
		dataPath  string
		treeDepth uint32
		logLevel  string
	)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	rootCmd := &cobra.Command{
		Use:   "adstree",
		Short: "Indexed merkle tree transaction batching service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log = log.Level(level)
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", "adstree-data", "database directory (empty = in-memory)")
	rootCmd.PersistentFlags().Uint32Var(&treeDepth, "depth", imt.DefaultDepth, "tree depth")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level")

	open := func() (*storage.Store, *batcher.Coordinator, error) {
		db, err := storage.Open(dataPath)
		if err != nil {
			return nil, nil, err
		}
		coord := batcher.New(db, batcher.Config{TreeDepth: treeDepth}, log)
		if err := coord.Init(); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, coord, nil
	}

	var (
		timerInterval  time.Duration
		countThreshold int
		maxBatchSize   int
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background batch processor",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, coord, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			proc := batcher.NewProcessor(coord, db, batcher.ProcessorConfig{
				Enabled:        true,
				TimerInterval:  timerInterval,
				CountThreshold: countThreshold,
				MaxBatchSize:   maxBatchSize,
			}, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			proc.Run(ctx)
			return nil
		},
	}
	runCmd.Flags().DurationVar(&timerInterval, "timer-interval", time.Minute, "periodic batch interval")
	runCmd.Flags().IntVar(&countThreshold, "count-threshold", 10, "pending count that triggers a batch")
	runCmd.Flags().IntVar(&maxBatchSize, "max-batch-size", 50, "maximum transactions per batch")

	var (
		amount string
		sender string
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transaction to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			amt, err := uint256.FromDecimal(amount)
			if err != nil {
				return fmt.Errorf("bad amount %q: %w", amount, err)
			}
			if sender == "" {
				sender = types.RandomAddress()
			}
			tx, err := ledger.SubmitTransaction(db, sender, amt)
			if err != nil {
				return err
			}
			fmt.Printf("submitted transaction %d from %s\n", tx.ID, tx.Sender)
			return nil
		},
	}
	submitCmd.Flags().StringVar(&amount, "amount", "1", "transaction amount")
	submitCmd.Flags().StringVar(&sender, "sender", "", "sender address (random if empty)")

	var batchSize int
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Form one batch from pending transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, coord, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			b, err := coord.CreateBatchWithADS(cmd.Context(), batchSize)
			if err != nil {
				return err
			}
			if b == nil {
				fmt.Println("no pending transactions")
				return nil
			}
			fmt.Printf("batch %d: %d transactions, root %x\n", b.ID, len(b.TxIDs), b.NewRoot)
			return nil
		},
	}
	batchCmd.Flags().IntVar(&batchSize, "size", 50, "maximum transactions in the batch")

	rootHashCmd := &cobra.Command{
		Use:   "root",
		Short: "Print the current tree root",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			tree, err := imt.Open(db, treeDepth)
			if err != nil {
				return err
			}
			root, err := tree.Root()
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", root)
			return nil
		},
	}

	batchesCmd := &cobra.Command{
		Use:   "batches",
		Short: "List committed batches and their roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			batches, err := ledger.ListBatches(db, 0)
			if err != nil {
				return err
			}
			for _, b := range batches {
				fmt.Printf("batch %d [%s]: %d txs, %x -> %x\n",
					b.ID, b.Status, len(b.TxIDs), b.PrevRoot, b.NewRoot)
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print tree statistics and pending ledger depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := open()
			if err != nil {
				return err
			}
			defer db.Close()

			tree, err := imt.Open(db, treeDepth)
			if err != nil {
				return err
			}
			stats, err := tree.Stats()
			if err != nil {
				return err
			}
			pending, err := ledger.PendingCount(db)
			if err != nil {
				return err
			}
			if err := tree.ValidateChain(); err != nil {
				fmt.Printf("chain: INVALID (%v)\n", err)
			} else {
				fmt.Printf("chain: valid\n")
			}
			fmt.Printf("depth: %d, leaves: %d/%d, pending txs: %d\n",
				stats.Depth, stats.Count, stats.Capacity, pending)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, submitCmd, batchCmd, rootHashCmd, batchesCmd, statusCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
