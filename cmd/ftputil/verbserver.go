package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// verbBufSize mirrors the original script's 1024-byte recvfrom buffer,
// rounded up for the occasional longer command line.
const verbBufSize = 2048

// serveVerbProtocol implements the original ftp_server.py datagram
// protocol: ls / rm / md5 / put / get, one command per packet, with put
// and get streaming the file payload as a sequence of raw datagrams.
func serveVerbProtocol(ctx context.Context, port int, fsys afero.Fs) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer conn.Close()

	dlog.Infof(ctx, "FTP verb server listening on %d", port)

	buf := make([]byte, verbBufSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return errors.Wrap(err, "read")
		}
		line := string(buf[:n])
		dlog.Debugf(ctx, "FTP command %q from %s", line, addr)

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "ls":
			handleLs(conn, addr, fsys)
		case "rm":
			handleRm(ctx, conn, addr, fsys, fields)
		case "md5":
			handleMd5(conn, addr, fsys, fields)
		case "put":
			handlePut(ctx, conn, addr, fsys, fields, buf)
		case "get":
			handleGet(ctx, conn, addr, fsys, fields)
		default:
			_, _ = conn.WriteTo([]byte("Invalid command"), addr)
		}
	}
}

func handleLs(conn net.PacketConn, addr net.Addr, fsys afero.Fs) {
	entries, err := afero.ReadDir(fsys, ".")
	if err != nil {
		_, _ = conn.WriteTo([]byte(err.Error()), addr)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	_, _ = conn.WriteTo([]byte(strings.Join(names, "\n")), addr)
}

func handleRm(ctx context.Context, conn net.PacketConn, addr net.Addr, fsys afero.Fs, fields []string) {
	if len(fields) < 2 {
		_, _ = conn.WriteTo([]byte("usage: rm <filename>"), addr)
		return
	}
	if err := fsys.Remove(fields[1]); err != nil {
		dlog.Errorf(ctx, "FTP rm %s: %v", fields[1], err)
	}
}

func handleMd5(conn net.PacketConn, addr net.Addr, fsys afero.Fs, fields []string) {
	if len(fields) < 2 {
		_, _ = conn.WriteTo([]byte("usage: md5 <filename>"), addr)
		return
	}
	f, err := fsys.Open(fields[1])
	if err != nil {
		_, _ = conn.WriteTo([]byte(err.Error()), addr)
		return
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		_, _ = conn.WriteTo([]byte(err.Error()), addr)
		return
	}
	_, _ = conn.WriteTo([]byte(hex.EncodeToString(h.Sum(nil))), addr)
}

func handlePut(ctx context.Context, conn net.PacketConn, addr net.Addr, fsys afero.Fs, fields []string, buf []byte) {
	if len(fields) < 2 {
		_, _ = conn.WriteTo([]byte("usage: put <filename>"), addr)
		return
	}
	filename := fields[1]

	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		dlog.Errorf(ctx, "FTP put %s: read size: %v", filename, err)
		return
	}
	size, err := strconv.ParseInt(string(buf[:n]), 10, 64)
	if err != nil {
		dlog.Errorf(ctx, "FTP put %s: parse size: %v", filename, err)
		return
	}

	f, err := fsys.Create(filename)
	if err != nil {
		dlog.Errorf(ctx, "FTP put %s: create: %v", filename, err)
		return
	}
	defer f.Close()

	var received int64
	for received < size {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			dlog.Errorf(ctx, "FTP put %s: read: %v", filename, err)
			return
		}
		if n == 0 {
			break
		}
		if _, err := f.Write(buf[:n]); err != nil {
			dlog.Errorf(ctx, "FTP put %s: write: %v", filename, err)
			return
		}
		received += int64(n)
	}
	dlog.Infof(ctx, "FTP put %s complete, %d bytes", filename, received)
}

func handleGet(ctx context.Context, conn net.PacketConn, addr net.Addr, fsys afero.Fs, fields []string) {
	if len(fields) < 2 {
		_, _ = conn.WriteTo([]byte("usage: get <filename>"), addr)
		return
	}
	filename := fields[1]

	info, err := fsys.Stat(filename)
	if err != nil {
		_, _ = conn.WriteTo([]byte("File not found"), addr)
		return
	}

	if _, err := conn.WriteTo([]byte(strconv.FormatInt(info.Size(), 10)), addr); err != nil {
		dlog.Errorf(ctx, "FTP get %s: send size: %v", filename, err)
		return
	}

	f, err := fsys.Open(filename)
	if err != nil {
		dlog.Errorf(ctx, "FTP get %s: open: %v", filename, err)
		return
	}
	defer f.Close()

	chunk := make([]byte, 1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			if _, werr := conn.WriteTo(chunk[:n], addr); werr != nil {
				dlog.Errorf(ctx, "FTP get %s: send: %v", filename, werr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			dlog.Errorf(ctx, "FTP get %s: read: %v", filename, err)
			return
		}
	}
	_, _ = conn.WriteTo(nil, addr)
	dlog.Infof(ctx, "FTP get %s complete, %d bytes", filename, info.Size())
}
