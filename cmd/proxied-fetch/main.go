// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// proxied-fetch fetches a URL through a proxy session, routing the request through the proxy
// or directly depending on the destination and the proxy health.
//
//	go run ./cmd/proxied-fetch -proxy socks5://127.0.0.1:1080 -v https://example.com/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Jigsaw-Code/proxysession/config"
	"github.com/Jigsaw-Code/proxysession/health"
	"github.com/Jigsaw-Code/proxysession/report"
	"github.com/Jigsaw-Code/proxysession/session"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

type stringArrayFlagValue []string

func (v *stringArrayFlagValue) String() string {
	return fmt.Sprint(*v)
}

func (v *stringArrayFlagValue) Set(value string) error {
	*v = append(*v, value)
	return nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...] <url>\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	configFlag := flag.String("config", "", "YAML session config file")
	proxyFlag := flag.String("proxy", "", "Proxy URL (http, https, socks4, socks4a, socks5, socks5h). Overrides the config file")
	bypassFlag := flag.Bool("bypass-local", true, "Send requests to local destinations directly")
	modeFlag := flag.String("mode", "", "Health check mode (cached-ttl, once-at-startup, per-request)")
	methodFlag := flag.String("method", "GET", "The HTTP method to use")
	var headersFlag stringArrayFlagValue
	flag.Var(&headersFlag, "H", "Raw HTTP Header line to add. It must not end in \\r\\n")
	timeoutSecFlag := flag.Int("timeout", 10, "Timeout in seconds")
	eventsFlag := flag.Bool("events", false, "Write routing events to stderr as JSON lines")
	dryRunFlag := flag.Bool("dry-run", false, "Print the routing decision without sending the request")

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	))
	slog.SetDefault(logger)

	url := flag.Arg(0)
	if url == "" {
		slog.Error("Need to pass the URL to fetch in the command-line")
		flag.Usage()
		os.Exit(1)
	}

	file := config.Default()
	if *configFlag != "" {
		var err error
		file, err = config.Load(*configFlag)
		if err != nil {
			slog.Error("Could not load config", "error", err)
			os.Exit(1)
		}
	}
	cfg := file.Session
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "proxy":
			cfg.ProxyURL = *proxyFlag
		case "bypass-local":
			cfg.DisableLocalBypass = !*bypassFlag
		}
	})
	if *modeFlag != "" {
		mode, err := health.ParseMode(*modeFlag)
		if err != nil {
			slog.Error("Invalid mode", "error", err)
			os.Exit(1)
		}
		cfg.HealthCheckMode = mode
	}

	var collector report.Collector
	if *eventsFlag {
		collector = &report.WriteCollector{Writer: os.Stderr}
	} else {
		var err error
		collector, err = file.Report.Collector(logger)
		if err != nil {
			slog.Error("Invalid report config", "error", err)
			os.Exit(1)
		}
	}
	opts := []session.Option{session.WithLogger(logger)}
	if collector != nil {
		opts = append(opts, session.WithCollector(collector))
	}
	s, err := session.New(cfg, opts...)
	if err != nil {
		slog.Error("Could not create session", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSecFlag)*time.Second)
	defer cancel()
	if err := s.Init(ctx); err != nil {
		slog.Error("Session init failed", "error", err)
		os.Exit(1)
	}

	if *dryRunFlag {
		decision := s.Route(ctx, *methodFlag, url)
		fmt.Printf("connector=%v reason=%v locality=%v health=%v\n",
			decision.Connector.Kind(), decision.Reason, decision.Locality, decision.Health.Status)
		if decision.Err != nil {
			fmt.Printf("error=%v\n", decision.Err)
		}
		return
	}

	headerText := strings.Join(headersFlag, "\r\n") + "\r\n\r\n"
	h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
	if err != nil {
		slog.Error("Invalid header line", "error", err)
		os.Exit(1)
	}
	resp, err := s.Request(ctx, *methodFlag, url, nil, session.WithHeaders(http.Header(h)))
	if err != nil {
		slog.Error("HTTP request failed", "error", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if *verboseFlag {
		slog.Info("HTTP Proto", "version", resp.Proto)
		slog.Info("HTTP Status", "status", resp.Status)
		for k, v := range resp.Header {
			slog.Debug("Header", "key", k, "value", v)
		}
	}

	_, err = io.Copy(os.Stdout, resp.Body)
	fmt.Println()
	if err != nil {
		slog.Error("Read of page body failed", "error", err)
		os.Exit(1)
	}
}
