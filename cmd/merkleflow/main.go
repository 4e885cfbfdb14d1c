// merkleflow runs a single MerkleFlow node or inspects its on-disk
// state. Metrics are exposed for scraping; configuration beyond these
// flags belongs to the embedding process.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pyralog/merkle-flow/core"
	"github.com/pyralog/merkle-flow/node"
	"github.com/pyralog/merkle-flow/transport"
	"github.com/pyralog/merkle-flow/wal"
)

func main() {
	app := &cli.App{
		Name:  "merkleflow",
		Usage: "gossip-replicated CRDT store node",
		Commands: []*cli.Command{
			runCommand(),
			inspectCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start a node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "merkleflow-data", Usage: "state directory"},
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:7946", Usage: "transport listen address"},
			&cli.StringFlag{Name: "metrics", Value: "", Usage: "metrics listen address (empty disables)"},
			&cli.StringSliceFlag{Name: "seed", Usage: "seed address to join (repeatable)"},
			&cli.StringFlag{Name: "key", Usage: "hex-encoded long-term public key; random when empty"},
		},
		Action: runNode,
	}
}

func runNode(c *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var keyMaterial []byte
	if hexKey := c.String("key"); hexKey != "" {
		keyMaterial, err = hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("bad --key: %w", err)
		}
	} else {
		keyMaterial = make([]byte, 32)
		if _, err := rand.Read(keyMaterial); err != nil {
			return err
		}
	}
	self := core.NodeIdFromPublicKey(keyMaterial)

	tr, err := transport.ListenTCP(self, c.String("listen"), transport.DefaultTCPConfig())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	n, err := node.New(node.DefaultConfig(c.String("data-dir")), tr, reg, logger)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	if addr := c.String("metrics"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go http.ListenAndServe(addr, mux)
	}

	if seeds := c.StringSlice("seed"); len(seeds) > 0 {
		specs := make([]node.Seed, 0, len(seeds))
		for _, s := range seeds {
			specs = append(specs, node.Seed{Addr: strings.TrimSpace(s)})
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := n.Join(ctx, specs)
		cancel()
		if err != nil {
			logger.Warn("join failed, continuing standalone", zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("signal received, shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return n.Shutdown(ctx)
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "summarize a node's on-disk state",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "merkleflow-data", Usage: "state directory"},
		},
		Action: func(c *cli.Context) error {
			dir := c.String("data-dir")
			snap, err := wal.LoadLatestSnapshot(dir + "/snapshots")
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Println("no snapshot")
			} else {
				fmt.Printf("snapshot epoch=%d seq=%d entries=%d members=%d root=%x\n",
					snap.Epoch, snap.Seq, len(snap.Entries), len(snap.Members), snap.Root[:8])
			}
			records := 0
			var lastSeq uint64
			err = wal.ReplaySince(dir+"/node.wal", 0, func(seq uint64, _ wal.RecordKind, _ []byte) error {
				records++
				lastSeq = seq
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("wal records=%d lastSeq=%d\n", records, lastSeq)
			return nil
		},
	}
}
