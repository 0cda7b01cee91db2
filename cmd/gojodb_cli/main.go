package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	pageservice "github.com/sushant-115/gojodb-pagecache/api/page_service"
	"github.com/sushant-115/gojodb-pagecache/config/certs"
	pagemanager "github.com/sushant-115/gojodb-pagecache/core/write_engine/page_manager"
)

var (
	addr       = flag.String("addr", "localhost:7070", "Page service gRPC address")
	caFile     = flag.String("ca", "", "CA certificate for mTLS")
	certFile   = flag.String("cert", "", "Client certificate for mTLS")
	keyFile    = flag.String("key", "", "Client key for mTLS")
	serverName = flag.String("server_name", "localhost", "Expected server name when using mTLS")
)

const clientTimeout = 10 * time.Second

type cli struct {
	client pageservice.PageServiceClient
	out    io.Writer
}

func main() {
	flag.Parse()

	var tlsConfig *tls.Config
	if *caFile != "" || *certFile != "" || *keyFile != "" {
		var err error
		tlsConfig, err = certs.LoadClientTLSConfig(*caFile, *certFile, *keyFile, *serverName)
		if err != nil {
			log.Fatalf("Error loading TLS config: %v", err)
		}
	}

	conn, err := pageservice.Dial(*addr, tlsConfig)
	if err != nil {
		log.Fatalf("Error connecting to %s: %v", *addr, err)
	}
	defer conn.Close()

	c := &cli{client: pageservice.NewPageServiceClient(conn), out: os.Stdout}

	// One-shot mode: gojodb_cli read 3
	if args := flag.Args(); len(args) > 0 {
		if err := c.processCommand(args); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}
	c.interactive()
}

func (c *cli) interactive() {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodb-pagecache> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("read"),
			readline.PcItem("create"),
			readline.PcItem("write"),
			readline.PcItem("flush"),
			readline.PcItem("stats"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		log.Fatalf("Error starting shell: %v", err)
	}
	defer rl.Close()

	fmt.Fprintf(c.out, "Connected to %s. Type 'help' for commands.\n", *addr)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if cmd := strings.ToLower(args[0]); cmd == "exit" || cmd == "quit" {
			return
		}
		if err := c.processCommand(args); err != nil {
			fmt.Fprintln(c.out, "Error:", err)
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.gojodb_pagecache_history"
}

// processCommand handles a single command, either from args or interactive mode.
func (c *cli) processCommand(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	switch strings.ToLower(args[0]) {
	case "read":
		if len(args) != 2 {
			return errors.New("usage: read <page_id>")
		}
		id, err := parsePageID(args[1])
		if err != nil {
			return err
		}
		resp, err := c.client.ReadPage(ctx, wrapperspb.UInt64(uint64(id)))
		if err != nil {
			return rpcError(err)
		}
		c.printPage(id, resp.GetValue())
	case "create":
		resp, err := c.client.CreatePage(ctx, &emptypb.Empty{})
		if err != nil {
			return rpcError(err)
		}
		fmt.Fprintf(c.out, "Created page %d\n", resp.GetValue())
	case "write":
		if len(args) < 4 {
			return errors.New("usage: write <page_id> <offset> <text>")
		}
		id, err := parsePageID(args[1])
		if err != nil {
			return err
		}
		offset, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("bad offset %q", args[2])
		}
		text := strings.Join(args[3:], " ")
		_, err = c.client.WritePage(pageservice.WithPageTarget(ctx, id, offset), wrapperspb.Bytes([]byte(text)))
		if err != nil {
			return rpcError(err)
		}
		fmt.Fprintf(c.out, "Wrote %s to page %d at offset %d\n", humanize.Bytes(uint64(len(text))), id, offset)
	case "flush":
		if _, err := c.client.FlushAll(ctx, &emptypb.Empty{}); err != nil {
			return rpcError(err)
		}
		fmt.Fprintln(c.out, "Flushed all dirty pages")
	case "stats":
		resp, err := c.client.Stats(ctx, &emptypb.Empty{})
		if err != nil {
			return rpcError(err)
		}
		fields := resp.GetFields()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := fields[k].GetNumberValue()
			if k == "hit_ratio" {
				fmt.Fprintf(c.out, "  %-15s %.2f%%\n", k, v*100)
				continue
			}
			fmt.Fprintf(c.out, "  %-15s %s\n", k, humanize.Comma(int64(v)))
		}
	case "help":
		c.printHelp()
	default:
		return fmt.Errorf("unknown command %q, type 'help'", args[0])
	}
	return nil
}

// printPage hex-dumps the page up to its last non-zero byte.
func (c *cli) printPage(id pagemanager.PageID, data []byte) {
	used := len(bytes.TrimRight(data, "\x00"))
	fmt.Fprintf(c.out, "Page %d (%s, %s in use)\n", id, humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(used)))
	if used == 0 {
		return
	}
	end := (used + 15) / 16 * 16
	if end > len(data) {
		end = len(data)
	}
	fmt.Fprint(c.out, hex.Dump(data[:end]))
}

func (c *cli) printHelp() {
	fmt.Fprintln(c.out, `Commands:
  read <page_id>                  show a page
  create                          allocate a new zeroed page
  write <page_id> <offset> <text> write text into a page
  flush                           write every dirty page to disk
  stats                           show buffer pool counters
  exit                            leave the shell`)
}

func parsePageID(raw string) (pagemanager.PageID, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad page id %q", raw)
	}
	return pagemanager.PageID(id), nil
}

func rpcError(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}
