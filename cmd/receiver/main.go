// Command receiver accepts a file sent by sender over UDP using either
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

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Invisiphantom/CN-Table/internal/receiver"
	"github.com/Invisiphantom/CN-Table/internal/window"
)

// envDefaults lets RUDP_-prefixed environment variables seed flag
// defaults before flag.Parse runs, so explicit flags still win.
type envDefaults struct {
	Port int `env:"PORT,default=9000"`
	MSS  int `env:"MSS,default=1024"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "receiver: %+v\n", err)
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
	port := fs.Int("port", env.Port, "UDP port to listen on")
	output := fs.String("output", "", "path to create/truncate for the received file (required)")
	mss := fs.Int("mss", env.MSS, "maximum segment size in bytes, must match the sender")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return errors.Wrap(err, "parse flags")
	}

	winMode, err := parseMode(*mode)
	if err != nil {
		return err
	}
	if *output == "" {
		return errors.New("-output is required")
	}

	fsys := afero.NewOsFs()
	out, err := fsys.Create(*output)
	if err != nil {
		return errors.Wrapf(err, "create output %s", *output)
	}
	defer out.Close()

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", *port))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer conn.Close()

	bar := progressbar.DefaultBytes(-1, "receiving")
	progress := progressReporter{bar: bar}

	rcv := receiver.New(winMode, conn, *mss, out, progress)
	if err := rcv.Run(ctx); err != nil {
		return errors.Wrap(err, "transfer")
	}
	_ = progress.Close()

	digest, err := md5OfFile(fsys, *output)
	if err != nil {
		return errors.Wrap(err, "digest output")
	}
	fmt.Printf("mode=%s output=%s md5=%s\n", winMode, *output, digest)
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
