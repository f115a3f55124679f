package main

import (
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"dstream/internal/codec"
	"dstream/internal/output"
)

var (
	dumpOut   string
	dumpLimit int
)

var rawlogDumpCmd = &cobra.Command{
	Use:   "rawlog-dump <file>",
	Short: "Extract frames recorded with client --record-dir as PNG files",
	Args:  cobra.ExactArgs(1),
	RunE:  runRawlogDump,
}

func init() {
	rawlogDumpCmd.Flags().StringVar(&dumpOut, "out", "", "Directory for PNG files (list records only when empty)")
	rawlogDumpCmd.Flags().IntVar(&dumpLimit, "limit", 0, "Number of records to dump (0 for all)")
	rootCmd.AddCommand(rawlogDumpCmd)
}

func runRawlogDump(_ *cobra.Command, args []string) error {
	rd, err := output.Open(args[0])
	if err != nil {
		return err
	}
	defer rd.Close()

	header := rd.Header()
	log.Printf("%s: %s %dx%d recorded %s", args[0], header.Encoding, header.Width, header.Height, header.Started.Format(time.RFC3339))
	dec, err := codec.New(header.Encoding, header.Width, header.Height, codec.DefaultQuality)
	if err != nil {
		return err
	}
	if dumpOut != "" {
		if err := os.MkdirAll(dumpOut, 0o755); err != nil {
			return err
		}
	}

	count := 0
	for dumpLimit <= 0 || count < dumpLimit {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		log.Printf("record %d timestamp=%s size=%d", count, rec.At.Format(time.RFC3339Nano), len(rec.Payload))
		if dumpOut != "" {
			if err := writePNG(dec, rec.Payload, filepath.Join(dumpOut, fmt.Sprintf("frame_%06d.png", count))); err != nil {
				log.Printf("record %d: %v", count, err)
			}
		}
		count++
	}
	log.Printf("%d records", count)
	return nil
}

func writePNG(dec codec.Codec, payload []byte, path string) error {
	frame, err := dec.Decode(payload)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame.Image()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
