// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tracerecord attaches to an lsprpc peer as a passive client,
// turns its trace hook to verbose, and persists every trace line to a
// local badger database keyed by a sequence counter, optionally uploading
// the recorded lines to a GCS bucket once a minute. It's the offline
// counterpart to cmd/rpcinspect's live view: a record you can replay
// later instead of a dashboard you have to be watching right now.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/lsprpc/conn"
	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
	"github.com/AleutianAI/lsprpc/ral"
)

var (
	flagAddress  string
	flagDBPath   string
	flagGCSBucket string
	flagGCSPrefix string
)

func main() {
	cmd := &cobra.Command{
		Use:   "tracerecord",
		Short: "Record an lsprpc peer's trace stream to badger, optionally archiving to GCS",
		RunE:  run,
	}
	cmd.Flags().StringVar(&flagAddress, "address", "127.0.0.1:7700", "address to dial")
	cmd.Flags().StringVar(&flagDBPath, "db", "./tracerecord.badger", "badger database directory")
	cmd.Flags().StringVar(&flagGCSBucket, "gcs-bucket", "", "optional GCS bucket to archive recorded trace lines to")
	cmd.Flags().StringVar(&flagGCSPrefix, "gcs-prefix", "tracerecord/", "object key prefix within the bucket")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tracerecord:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "tracerecord"})
	defer logger.Close()

	db, err := badger.Open(badger.DefaultOptions(flagDBPath))
	if err != nil {
		return fmt.Errorf("tracerecord: open badger db: %w", err)
	}
	defer db.Close()

	recorder := newRecorder(db)

	rt := ral.NewNativeRuntimeWithLogger(logger)
	pair, err := rt.DialStreams("tcp", flagAddress)
	if err != nil {
		return fmt.Errorf("tracerecord: dial %s: %w", flagAddress, err)
	}
	defer pair.Close()

	reader := jsonrpc2.NewReader(pair.Reader, rt.ContentTypeCodec())
	writer := jsonrpc2.NewWriter(pair.Writer, rt.ContentTypeCodec(), nil)

	trace := conn.NewTraceHook(conn.TraceVerbose, conn.TraceFormatJSON, recorder)
	c := conn.New(reader, writer, conn.WithRuntime(rt), conn.WithLogger(logger), conn.WithTraceHook(trace))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Listen(ctx); err != nil {
		return fmt.Errorf("tracerecord: listen: %w", err)
	}
	defer c.Dispose()

	logger.Info("tracerecord: recording", "peer", flagAddress, "db", flagDBPath)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if flagGCSBucket != "" {
				if err := archiveToGCS(ctx, db); err != nil {
					logger.Error("tracerecord: gcs archive failed", "error", err)
				}
			}
		}
	}
}

// recorder implements conn.TraceSink by appending each trace line to
// badger under a monotonically increasing key: an append-only log whose
// key is a counter.
type recorder struct {
	db  *badger.DB
	seq *badger.Sequence
}

func newRecorder(db *badger.DB) *recorder {
	seq, err := db.GetSequence([]byte("tracerecord-seq"), 1000)
	if err != nil {
		seq = nil
	}
	return &recorder{db: db, seq: seq}
}

func (r *recorder) Trace(line string) {
	var n uint64
	if r.seq != nil {
		if next, err := r.seq.Next(); err == nil {
			n = next
		}
	}
	key := []byte(fmt.Sprintf("trace/%020d", n))
	_ = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(line))
	})
}

// archiveToGCS uploads every recorded trace line as newline-delimited
// JSON to a timestamped object. It never deletes keys, so each run
// uploads every line recorded so far and a crash mid-upload loses no
// data; the database only grows.
func archiveToGCS(ctx context.Context, db *badger.DB) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("new gcs client: %w", err)
	}
	defer client.Close()

	objectName := flagGCSPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + ".ndjson"
	w := client.Bucket(flagGCSBucket).Object(objectName).NewWriter(ctx)

	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("trace/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if werr := item.Value(func(val []byte) error {
				_, werr := w.Write(append(val, '\n'))
				return werr
			}); werr != nil {
				return werr
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
