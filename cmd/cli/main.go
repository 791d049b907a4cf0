package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/peerdrop/config"
	"github.com/jaywantadh/peerdrop/internal/metadata"
	"github.com/jaywantadh/peerdrop/internal/stats"
	"github.com/jaywantadh/peerdrop/internal/storage"
	"github.com/jaywantadh/peerdrop/internal/transfer"
	"github.com/jaywantadh/peerdrop/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:  "peerdrop",
		Usage: "Send files directly between two machines over TCP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "./config",
				Usage: "directory holding config.yaml and .env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log_level (debug, info, warn, error)",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Listen for incoming files",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "interface to bind"},
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to listen on"},
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "directory for received files"},
					&cli.BoolFlag{Name: "strict", Usage: "fail transfers whose checksum does not match"},
				},
				Action: serve,
			},
			{
				Name:      "send",
				Usage:     "Send a file to a listening peer",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "receiver address"},
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "receiver port"},
					&cli.StringFlag{Name: "algorithm", Aliases: []string{"a"}, Usage: "digest algorithm (md5, sha256, blake2b)"},
				},
				Action: send,
			},
			{
				Name:  "history",
				Usage: "List recent transfers",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "number of entries, 0 for all"},
				},
				Action: history,
			},
			{
				Name:  "stats",
				Usage: "Show aggregate transfer statistics",
				Action: showStats,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logging.Log != nil {
			logging.Log.Fatal(err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	return logging.InitLogger(level, cfg.LogFormat)
}

// openHistory returns nil when the database is locked by another process,
// so a send next to a running server still works.
func openHistory() *metadata.MetadataStore {
	cfg := config.Config
	store, err := metadata.OpenMetadataStore(cfg.HistoryPath, cfg.HistoryRetention)
	if err != nil {
		logging.Log.WithError(err).WithField("path", cfg.HistoryPath).Warn("Transfer history unavailable")
		return nil
	}
	return store
}

// recorders wires history and statistics for a command that moves files.
func recorders(store *metadata.MetadataStore) (transfer.Recorders, func()) {
	if store == nil {
		return nil, func() {}
	}
	acc, err := stats.NewAccumulator(store, logging.Log)
	if err != nil {
		logging.Log.WithError(err).Warn("Statistics unavailable")
		return transfer.Recorders{store.Recorder(logging.Log)}, func() { store.Close() }
	}
	return transfer.Recorders{store.Recorder(logging.Log), acc}, func() { store.Close() }
}

func serve(c *cli.Context) error {
	cfg := config.Config
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("dir") {
		cfg.ReceiveDir = c.String("dir")
	}
	if c.IsSet("strict") {
		cfg.StrictIntegrity = c.Bool("strict")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := storage.NewLocalStorage(cfg.ReceiveDir)
	if err != nil {
		return err
	}

	recs, closeHistory := recorders(openHistory())
	defer closeHistory()

	bus := transfer.NewBus()
	stopProgress := printProgress(bus, logging.Log)
	defer stopProgress()

	receiver := transfer.NewReceiver(cfg.ReceiverOptions(), store, bus, logging.Log)
	receiver.SetRecorder(recs)
	server := transfer.NewServer(cfg.ServerOptions(), receiver, logging.Log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Log.WithField("dir", store.BasePath()).Info("PeerDrop receiver started")
	return server.ListenAndServe(ctx)
}

func send(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("send needs exactly one file path", 2)
	}
	cfg := config.Config
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("algorithm") {
		cfg.DigestAlgorithm = c.String("algorithm")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	recs, closeHistory := recorders(openHistory())
	defer closeHistory()

	bus := transfer.NewBus()
	stopProgress := printProgress(bus, logging.Log)

	sender := transfer.NewSender(cfg.SenderOptions(), bus, logging.Log)
	sender.SetRecorder(recs)
	client := transfer.NewClient(cfg.ClientOptions(), sender, logging.Log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(c.String("host"), strconv.Itoa(cfg.Port))
	snap, err := client.SendFile(ctx, addr, c.Args().First())
	stopProgress()
	if err != nil {
		return err
	}

	logging.Log.WithFields(logrus.Fields{
		"transfer_id": snap.ID,
		"checksum":    snap.Digest,
		"algorithm":   snap.Algorithm,
		"elapsed":     snap.Elapsed().Round(time.Millisecond),
	}).Infof("Sent %s (%s)", snap.FileName, humanize.IBytes(uint64(snap.FileSize)))
	return nil
}

func history(c *cli.Context) error {
	store := openHistory()
	if store == nil {
		return cli.Exit("transfer history is unavailable", 1)
	}
	defer store.Close()

	records, err := store.ListTransferRecords(c.Int("limit"))
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-7s %-11s %-30s %10s  %s",
			r.CompletedAt.Local().Format(time.DateTime), r.Direction, r.Status, r.FileName,
			humanize.IBytes(uint64(r.BytesTransferred)), r.Remote)
		switch {
		case r.Error != "":
			line += "  error: " + r.Error
		case r.Warning != "":
			line += "  warning: " + r.Warning
		}
		fmt.Println(line)
	}
	return nil
}

func showStats(c *cli.Context) error {
	store := openHistory()
	if store == nil {
		return cli.Exit("statistics are unavailable", 1)
	}
	defer store.Close()

	acc, err := stats.NewAccumulator(store, logging.Log)
	if err != nil {
		return err
	}
	fmt.Print(acc.Totals().Report())
	return nil
}
