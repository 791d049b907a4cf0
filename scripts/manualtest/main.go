package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jaywantadh/peerdrop/config"
	"github.com/jaywantadh/peerdrop/internal/integrity"
	"github.com/jaywantadh/peerdrop/internal/metadata"
	"github.com/jaywantadh/peerdrop/internal/stats"
	"github.com/jaywantadh/peerdrop/internal/storage"
	"github.com/jaywantadh/peerdrop/internal/transfer"
	"github.com/jaywantadh/peerdrop/pkg/logging"
)

func main() {
	size := flag.Int64("size", 10<<20, "bytes of random data to send")
	inputPath := flag.String("file", "", "send this file instead of random data")
	flag.Parse()

	cfg, err := config.LoadConfig("./config")
	if err != nil {
		fmt.Printf("❌ Config failed: %v\n", err)
		return
	}
	if err := logging.InitLogger("warn", cfg.LogFormat); err != nil {
		fmt.Printf("❌ Logger failed: %v\n", err)
		return
	}

	workDir, err := os.MkdirTemp("", "peerdrop-manual-")
	if err != nil {
		fmt.Printf("❌ Temp dir failed: %v\n", err)
		return
	}
	defer os.RemoveAll(workDir)

	if *inputPath == "" {
		*inputPath = filepath.Join(workDir, "random.bin")
		if err := writeRandomFile(*inputPath, *size); err != nil {
			fmt.Printf("❌ Sample file failed: %v\n", err)
			return
		}
	}

	origHash, err := integrity.SumFile(integrity.SHA256, *inputPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		return
	}
	fmt.Printf("📄 Original file: %s\n", *inputPath)
	fmt.Printf("🔑 Original SHA256: %s\n", origHash)

	// Init storage and history
	store, err := storage.NewLocalStorage(filepath.Join(workDir, "received_files"))
	if err != nil {
		fmt.Printf("❌ Storage init failed: %v\n", err)
		return
	}
	ms, err := metadata.OpenMetadataStore("", cfg.HistoryRetention)
	if err != nil {
		fmt.Printf("❌ Metadata store init failed: %v\n", err)
		return
	}
	defer ms.Close()
	acc, err := stats.NewAccumulator(ms, logging.Log)
	if err != nil {
		fmt.Printf("❌ Stats init failed: %v\n", err)
		return
	}
	recs := transfer.Recorders{ms.Recorder(logging.Log), acc}

	receiver := transfer.NewReceiver(cfg.ReceiverOptions(), store, nil, logging.Log)
	receiver.SetRecorder(recs)
	opts := cfg.ServerOptions()
	opts.Host, opts.Port = "127.0.0.1", 0
	server := transfer.NewServer(opts, receiver, logging.Log)
	if err := server.Listen(); err != nil {
		fmt.Printf("❌ Listen failed: %v\n", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	sender := transfer.NewSender(cfg.SenderOptions(), nil, logging.Log)
	sender.SetRecorder(recs)
	client := transfer.NewClient(cfg.ClientOptions(), sender, logging.Log)

	start := time.Now()
	snap, err := client.SendFile(ctx, server.Addr().String(), *inputPath)
	if err != nil {
		fmt.Printf("❌ Send failed: %v\n", err)
		cancel()
		<-served
		return
	}
	cancel()
	if err := <-served; err != nil {
		fmt.Printf("❌ Server failed: %v\n", err)
	}

	outPath := store.Path(snap.FileName)
	reHash, err := integrity.SumFile(integrity.SHA256, outPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing received: %v\n", err)
		return
	}
	fmt.Printf("📦 Received file: %s (%s in %s)\n", outPath,
		humanize.IBytes(uint64(snap.FileSize)), time.Since(start).Round(time.Millisecond))
	fmt.Printf("🔑 Received SHA256: %s\n", reHash)

	if records, err := ms.ListTransferRecords(0); err == nil {
		fmt.Printf("🗂️  History entries: %d\n", len(records))
	}
	fmt.Print(acc.Totals().Report())

	if integrity.Equal(reHash, origHash) {
		fmt.Println("✅ SUCCESS: Received file matches original")
	} else {
		fmt.Println("❌ MISMATCH: Received file differs from original")
	}
}

func writeRandomFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for remaining := size; remaining > 0; {
		n := min(int64(len(buf)), remaining)
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}
