// Command sender transmits a file to a receiver over UDP using either
// Go-Back-N or Selective-Repeat.
package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Invisiphantom/CN-Table/internal/sender"
	"github.com/Invisiphantom/CN-Table/internal/window"
)

// envDefaults lets RUDP_-prefixed environment variables seed flag
// defaults before flag.Parse runs, so explicit flags still win.
type envDefaults struct {
	Host    string  `env:"HOST,default=127.0.0.1"`
	Port    int     `env:"PORT,default=9000"`
	MSS     int     `env:"MSS,default=1024"`
	Window  int     `env:"WINDOW,default=8"`
	Loss    float64 `env:"LOSS,default=0"`
	Corrupt float64 `env:"CORRUPT,default=0"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sender: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logrus.New()))

	var env envDefaults
	if err := envconfig.Process(context.Background(), &env, envconfig.OsLookuper()); err != nil {
		return errors.Wrap(err, "read RUDP_ environment defaults")
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	mode := fs.String("mode", "GBN", "transfer mode: GBN or SR")
	host := fs.String("host", env.Host, "receiver host")
	port := fs.Int("port", env.Port, "receiver port")
	input := fs.String("input", "", "path of the file to send (required)")
	mss := fs.Int("mss", env.MSS, "maximum segment size in bytes")
	windowArg := fs.Int("window", env.Window, "accepted for compatibility and ignored: the Reno controller alone sets cwnd")
	loss := fs.Float64("loss", env.Loss, "sender-side simulated packet loss rate, 0..1")
	corrupt := fs.Float64("corrupt", env.Corrupt, "sender-side simulated single-bit corruption rate, 0..1")
	vegas := fs.String("vegas", "False", "enable Vegas-style delay penalty: True or False")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return errors.Wrap(err, "parse flags")
	}
	_ = *windowArg // unused: the Reno controller always gates sending.

	winMode, err := parseMode(*mode)
	if err != nil {
		return err
	}
	if *input == "" {
		return errors.New("-input is required")
	}
	vegasOn, err := parseBoolFlag(*vegas)
	if err != nil {
		return errors.Wrap(err, "-vegas")
	}

	fsys := afero.NewOsFs()
	info, err := fsys.Stat(*input)
	if err != nil {
		return errors.Wrapf(err, "stat input %s", *input)
	}
	f, err := fsys.Open(*input)
	if err != nil {
		return errors.Wrapf(err, "open input %s", *input)
	}
	defer f.Close()

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return errors.Wrap(err, "open socket")
	}
	defer conn.Close()

	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(*host, strconv.Itoa(*port)))
	if err != nil {
		return errors.Wrapf(err, "resolve receiver address %s:%d", *host, *port)
	}

	bar := progressbar.DefaultBytes(info.Size(), "sending")
	progress := progressReporter{bar: bar}

	snd := sender.New(sender.Config{
		Mode:        winMode,
		MSS:         *mss,
		Conn:        conn,
		RemoteAddr:  raddr,
		File:        f,
		FileSize:    info.Size(),
		LossRate:    *loss,
		CorruptRate: *corrupt,
		Vegas:       vegasOn,
		Progress:    progress,
	})

	stats, err := snd.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "transfer")
	}

	digest, err := md5OfFile(fsys, *input)
	if err != nil {
		return errors.Wrap(err, "digest input")
	}

	throughputMBps := 0.0
	if stats.Elapsed > 0 {
		throughputMBps = float64(stats.FileSize) / 1024 / 1024 / stats.Elapsed.Seconds()
	}
	efficiency := 0.0
	if stats.BytesOnWire > 0 {
		efficiency = float64(stats.FileSize) / float64(stats.BytesOnWire)
	}

	fmt.Printf("mode=%s bytes=%d elapsed=%s throughput=%.3fMB/s efficiency=%.4f sentinel_acked=%t md5=%s\n",
		winMode, stats.FileSize, stats.Elapsed, throughputMBps, efficiency, stats.SentinelAcked, digest)
	return nil
}

func parseMode(s string) (window.Mode, error) {
	switch s {
	case "GBN":
		return window.GBN, nil
	case "SR":
		return window.SR, nil
	default:
		return 0, errors.Errorf("-mode must be GBN or SR, got %q", s)
	}
}

func parseBoolFlag(s string) (bool, error) {
	switch s {
	case "True", "true":
		return true, nil
	case "False", "false", "":
		return false, nil
	default:
		return false, errors.Errorf("must be True or False, got %q", s)
	}
}

func md5OfFile(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// progressReporter adapts a *progressbar.ProgressBar to progressx.Reporter.
type progressReporter struct {
	bar *progressbar.ProgressBar
}

func (p progressReporter) Add(n int) { _ = p.bar.Add(n) }
func (p progressReporter) Close() error {
	return p.bar.Close()
}
