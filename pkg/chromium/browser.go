// Copyright 2024 The exportd Authors
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

// Package chromium drives a headless Chromium process over the DevTools
// protocol. The browser is launched once and kept for the process
// lifetime; pages are cheap, disposable rendering surfaces on top of it.
package chromium

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Options configure the browser launch.
type Options struct {
	// ExecPath overrides executable discovery. When empty the CHROME_BIN
	// environment variable and a list of well-known names are tried.
	ExecPath      string
	Headless      bool
	ShellMode     bool
	Devtools      bool
	SlowMo        time.Duration
	DebuggingPort int
	// LaunchAttempts bounds the launch retry loop (default 25) with
	// LaunchRetryInterval between attempts (default 4s).
	LaunchAttempts      int
	LaunchRetryInterval time.Duration
}

const (
	defaultLaunchAttempts = 25
	defaultLaunchRetry    = 4 * time.Second

	// Time allowed for the freshly started process to announce its
	// DevTools endpoint on stderr.
	endpointWait = 30 * time.Second
)

var executableCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
	"headless_shell",
}

var wsEndpointRe = regexp.MustCompile(`DevTools listening on (ws://[^\s]+)`)

// Browser is a handle on one running Chromium process.
type Browser struct {
	logger log.Logger
	opts   Options
	cmd    *exec.Cmd
	conn   *conn
	wsURL  string
}

// Launch starts Chromium and connects to its DevTools endpoint,
// retrying failed attempts on a fixed interval.
func Launch(ctx context.Context, logger log.Logger, opts Options) (*Browser, error) {
	attempts := opts.LaunchAttempts
	if attempts <= 0 {
		attempts = defaultLaunchAttempts
	}
	interval := opts.LaunchRetryInterval
	if interval <= 0 {
		interval = defaultLaunchRetry
	}

	var b *Browser
	op := func() error {
		var err error
		b, err = launchOnce(ctx, logger, opts)
		if err != nil {
			_ = level.Warn(logger).Log("msg", "browser launch attempt failed", "err", err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Wrap(err, "launch browser")
	}
	return b, nil
}

func launchOnce(ctx context.Context, logger log.Logger, opts Options) (*Browser, error) {
	path, err := findExecutable(opts.ExecPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, launchArgs(opts)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %q", path)
	}

	wsURL, err := waitForEndpoint(ctx, bufio.NewReader(stderr))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	conn, err := dialConn(ctx, logger, wsURL, opts.SlowMo)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	_ = level.Info(logger).Log("msg", "browser launched", "path", path, "endpoint", wsURL)
	return &Browser{logger: logger, opts: opts, cmd: cmd, conn: conn, wsURL: wsURL}, nil
}

func findExecutable(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("CHROME_BIN"); env != "" {
		return env, nil
	}
	for _, name := range executableCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no chromium executable found; set --browser.exec-path or CHROME_BIN")
}

func launchArgs(opts Options) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.DebuggingPort),
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--disable-background-networking",
		"--disable-extensions",
		"--hide-scrollbars",
		"--mute-audio",
		"--force-color-profile=srgb",
		"--no-first-run",
		"--no-default-browser-check",
		"--no-sandbox",
	}
	if opts.Headless {
		if opts.ShellMode {
			args = append(args, "--headless=shell")
		} else {
			args = append(args, "--headless=new")
		}
	}
	if opts.Devtools {
		args = append(args, "--auto-open-devtools-for-tabs")
	}
	return append(args, "about:blank")
}

// waitForEndpoint scans the process stderr for the DevTools endpoint
// announcement.
func waitForEndpoint(ctx context.Context, stderr *bufio.Reader) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			line, err := stderr.ReadString('\n')
			if m := wsEndpointRe.FindStringSubmatch(line); m != nil {
				ch <- result{url: m[1]}
				return
			}
			if err != nil {
				ch <- result{err: errors.New("browser exited before announcing its DevTools endpoint")}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.url, r.err
	case <-time.After(endpointWait):
		return "", errors.New("timed out waiting for the DevTools endpoint")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WSEndpoint returns the DevTools URL the browser listens on.
func (b *Browser) WSEndpoint() string { return b.wsURL }

// NewPage opens a fresh about:blank tab and attaches a flattened
// DevTools session to it.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	var created struct {
		TargetID string `json:"targetId"`
	}
	err := b.conn.call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created)
	if err != nil {
		return nil, errors.Wrap(err, "create target")
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = b.conn.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		return nil, errors.Wrap(err, "attach to target")
	}

	p := &Page{
		logger:    log.With(b.logger, "target", created.TargetID),
		conn:      b.conn,
		targetID:  created.TargetID,
		sessionID: attached.SessionID,
	}
	b.conn.subscribe(p.sessionID, p.handleEvent)

	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable"} {
		if err := b.conn.call(ctx, p.sessionID, method, nil, nil); err != nil {
			b.conn.unsubscribe(p.sessionID)
			return nil, errors.Wrapf(err, "enable domain via %s", method)
		}
	}

	var tree struct {
		FrameTree struct {
			Frame struct {
				ID string `json:"id"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := b.conn.call(ctx, p.sessionID, "Page.getFrameTree", nil, &tree); err != nil {
		b.conn.unsubscribe(p.sessionID)
		return nil, errors.Wrap(err, "read frame tree")
	}
	p.mainFrameID = tree.FrameTree.Frame.ID

	return p, nil
}

// Close shuts the browser down: a polite Browser.close first, a kill if
// the process does not exit within the context deadline.
func (b *Browser) Close(ctx context.Context) error {
	_ = b.conn.call(ctx, "", "Browser.close", nil, nil)
	b.conn.close()

	waited := make(chan error, 1)
	go func() { waited <- b.cmd.Wait() }()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		_ = level.Warn(b.logger).Log("msg", "browser did not exit in time, killing")
		if err := b.cmd.Process.Kill(); err != nil {
			return errors.Wrap(err, "kill browser process")
		}
		<-waited
		return nil
	}
}
