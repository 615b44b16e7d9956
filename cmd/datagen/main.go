package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"attachdl/internal/datagen"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		inputPath  string
		outputDir  string
		dbPath     string
		threadID   string
		numFiles   int
		fileSize   string
		firstID    uint64
		cdnNumber  uint32
		binary     bool
	)
	cmd := &cobra.Command{
		Use:           "datagen",
		Short:         "Generate encrypted attachment blobs, pointer protobufs and a seeded store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Seal every file in ./media and seed attachdl.db with one message per file
  datagen --input ./media --output-dir ./cdn_data --db attachdl.db

  # Generate 10 random 2 MiB attachments
  datagen --files 10 --size 2MiB --binary`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

			var cfg *datagen.Config
			if configPath != "" {
				loaded, err := datagen.LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("load configuration file %s: %w", configPath, err)
				}
				logger.Info("Loaded configuration from file", "path", configPath)
				cfg = loaded
			} else {
				cfg = datagen.DefaultConfig()
			}

			// Flags that were set override the config file.
			flags := cmd.Flags()
			if flags.Changed("input") {
				cfg.InputPath = inputPath
			}
			if flags.Changed("output-dir") {
				cfg.OutputDir = outputDir
			}
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("thread") {
				cfg.ThreadID = threadID
			}
			if flags.Changed("files") {
				cfg.GenerationMode.NumFiles = numFiles
			}
			if flags.Changed("size") {
				size, err := humanize.ParseBytes(fileSize)
				if err != nil {
					return fmt.Errorf("parse --size: %w", err)
				}
				cfg.GenerationMode.FileSize = int64(size)
			}
			if flags.Changed("first-server-id") {
				cfg.FirstServerID = firstID
			}
			if flags.Changed("cdn-number") {
				cfg.CDNNumber = cdnNumber
			}
			if flags.Changed("binary") {
				cfg.GenerationMode.Readable = !binary
			}

			gen, err := datagen.NewGenerator(cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize data generator: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			manifest, err := gen.Run(ctx)
			if err != nil {
				return err
			}
			for _, e := range manifest.Entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n",
					e.ServerID, e.MessageID, e.ContentType, humanize.Bytes(uint64(e.Size)), e.PointerPath)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a JSON configuration file")
	flags.StringVar(&inputPath, "input", "", "file or directory to seal instead of generating data")
	flags.StringVar(&outputDir, "output-dir", "", "output directory for blobs, pointers and manifest")
	flags.StringVar(&dbPath, "db", "", "bbolt store to seed with a thread and messages")
	flags.StringVar(&threadID, "thread", "", "id of the seeded thread")
	flags.IntVar(&numFiles, "files", 0, "number of attachments to generate")
	flags.StringVar(&fileSize, "size", "", "plaintext size of each generated attachment (e.g. 256KiB)")
	flags.Uint64Var(&firstID, "first-server-id", 0, "server id of the first blob")
	flags.Uint32Var(&cdnNumber, "cdn-number", 0, "cdn number stamped on every pointer")
	flags.BoolVar(&binary, "binary", false, "generate random binary data instead of text")
	return cmd
}
