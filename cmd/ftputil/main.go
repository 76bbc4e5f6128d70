// Command ftputil is the unrelated FTP-style utility bundled alongside the
// reliable-transfer core, carried over from the original ls/rm/md5/put/get
// verb protocol. It is deliberately separate from internal/: it shares no
// code with the GBN/SR transport.
//
// "server" runs the original datagram verb protocol and, when -ftp-port
// is non-zero, a standards-compliant FTP listener in parallel (github.com/fclairamb/ftpserverlib)
// backed by the same directory through afero, for interoperability with a
// real FTP client. "client" speaks only the original verb protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ftputil <server|client> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		err = errors.Errorf("unknown subcommand %q, want server or client", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ftputil: %+v\n", err)
		os.Exit(1)
	}
}

func runServer(args []string) error {
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logrus.New()))

	fs := flag.NewFlagSet("ftputil server", flag.ExitOnError)
	verbPort := fs.Int("port", 12345, "UDP port for the ls/rm/md5/put/get verb protocol")
	ftpPort := fs.Int("ftp-port", 0, "TCP port for a standards-compliant FTP listener over the same directory; 0 disables it")
	root := fs.String("root", ".", "directory served by both listeners")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parse flags")
	}

	fsys := afero.NewBasePathFs(afero.NewOsFs(), *root)

	errCh := make(chan error, 2)
	go func() { errCh <- serveVerbProtocol(ctx, *verbPort, fsys) }()

	if *ftpPort > 0 {
		go func() {
			logger := &dlogLogger{ctx: ctx}
			driver := newAferoDriver(fsys, fmt.Sprintf("0.0.0.0:%d", *ftpPort), logger)
			srv := ftpserver.NewFtpServer(driver)
			srv.Logger = logger
			errCh <- errors.Wrap(srv.ListenAndServe(), "ftp listener")
		}()
	}

	return <-errCh
}
