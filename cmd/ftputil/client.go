package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

const clientRecvBufSize = 2048

// runClient is an interactive shell for the ls/rm/md5/put/get verb
// protocol, mirroring the original ftp_client.py's command loop.
func runClient(args []string) error {
	fs := flag.NewFlagSet("ftputil client", flag.ExitOnError)
	addrFlag := fs.String("addr", "localhost", "server address")
	port := fs.Int("port", 12345, "server port")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parse flags")
	}

	server, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(*addrFlag, strconv.Itoa(*port)))
	if err != nil {
		return errors.Wrap(err, "resolve server address")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("choose an action (exit/ls/rm/md5/put/get): ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		action := fields[0]
		if action == "exit" {
			return nil
		}
		var filename string
		if len(fields) > 1 {
			filename = fields[1]
		}

		if err := dispatchClientAction(server, action, filename); err != nil {
			fmt.Fprintf(os.Stderr, "ftputil: %v\n", err)
		}
	}
}

func dispatchClientAction(server net.Addr, action, filename string) error {
	switch action {
	case "ls":
		return clientLs(server)
	case "rm":
		return clientRm(server, filename)
	case "md5":
		return clientMd5(server, filename)
	case "put":
		return clientPut(server, filename)
	case "get":
		return clientGet(server, filename)
	default:
		return errors.Errorf("invalid action %q", action)
	}
}

func dialClient(server net.Addr) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "open socket")
	}
	return conn, nil
}

func clientLs(server net.Addr) error {
	conn, err := dialClient(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.WriteTo([]byte("ls"), server); err != nil {
		return errors.Wrap(err, "send ls")
	}
	buf := make([]byte, clientRecvBufSize)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return errors.Wrap(err, "receive listing")
	}
	fmt.Println(string(buf[:n]))
	return nil
}

func clientRm(server net.Addr, filename string) error {
	if filename == "" {
		return errors.New("usage: rm <filename>")
	}
	conn, err := dialClient(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.WriteTo([]byte("rm "+filename), server); err != nil {
		return errors.Wrap(err, "send rm")
	}
	fmt.Printf("file %s removed\n", filename)
	return nil
}

func clientMd5(server net.Addr, filename string) error {
	if filename == "" {
		return errors.New("usage: md5 <filename>")
	}
	conn, err := dialClient(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.WriteTo([]byte("md5 "+filename), server); err != nil {
		return errors.Wrap(err, "send md5")
	}
	buf := make([]byte, clientRecvBufSize)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return errors.Wrap(err, "receive digest")
	}
	fmt.Println(string(buf[:n]))
	return nil
}

func clientPut(server net.Addr, filename string) error {
	if filename == "" {
		return errors.New("usage: put <filename>")
	}
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "open local file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat local file")
	}

	conn, err := dialClient(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.WriteTo([]byte("put "+filename), server); err != nil {
		return errors.Wrap(err, "send put")
	}
	if _, err := conn.WriteTo([]byte(strconv.FormatInt(info.Size(), 10)), server); err != nil {
		return errors.Wrap(err, "send size")
	}

	bar := progressbar.DefaultBytes(info.Size(), filename)
	defer bar.Close()

	chunk := make([]byte, 1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			if _, werr := conn.WriteTo(chunk[:n], server); werr != nil {
				return errors.Wrap(werr, "send chunk")
			}
			_ = bar.Add(n)
		}
		if err != nil {
			break
		}
	}
	if _, err := conn.WriteTo(nil, server); err != nil {
		return errors.Wrap(err, "send end marker")
	}
	fmt.Printf("file %s uploaded\n", filename)
	return nil
}

func clientGet(server net.Addr, filename string) error {
	if filename == "" {
		return errors.New("usage: get <filename>")
	}
	conn, err := dialClient(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.WriteTo([]byte("get "+filename), server); err != nil {
		return errors.Wrap(err, "send get")
	}

	buf := make([]byte, clientRecvBufSize)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return errors.Wrap(err, "receive size")
	}
	sizeStr := string(buf[:n])
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return errors.Errorf("server reply: %s", sizeStr)
	}

	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "create local file")
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(size, filename)
	defer bar.Close()

	var received int64
	for received < size {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return errors.Wrap(err, "receive chunk")
		}
		if n == 0 {
			break
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return errors.Wrap(err, "write local file")
		}
		received += int64(n)
		_ = bar.Add(n)
	}
	fmt.Printf("file %s downloaded\n", filename)
	return nil
}
