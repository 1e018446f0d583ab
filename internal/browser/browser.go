// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package browser supervises a headless Chromium-family process and drives
// it over the Chrome DevTools Protocol for scripted page validation.
//
// Grounded on the teacher's internal/browser/browser.go interactive
// screen-share controller: the same ensureBinary/freePort/waitForDebugReady
// process-supervision pattern, trimmed down to what a non-interactive,
// headless validation run needs. The Xvfb/x11vnc/websockify trio that made
// the teacher's Chromium visible to a human over noVNC has no job here — the
// harness never shows this browser to anyone, so that stack is dropped
// rather than carried along unused.
package browser

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// candidateBinaries is tried in order; the first one found on PATH is used.
var candidateBinaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// Status reports a Controller's current process state.
type Status struct {
	Running   bool `json:"running"`
	Ready     bool `json:"ready"`
	DebugPort int  `json:"debugPort"`
}

// Controller supervises one headless browser process from Start to Stop.
type Controller struct {
	mu        sync.Mutex
	workspace string
	debugPort int
	running   bool
	ready     bool
	binary    string
	cmd       *exec.Cmd
}

// NewController builds a Controller whose Chromium profile directory lives
// under workspace.
func NewController(workspace string) *Controller {
	return &Controller{workspace: workspace}
}

// Detect reports whether a chromium-family executable is present on PATH,
// without starting anything (§4.10 browser_validation: "require a browser
// driver to be detected").
func Detect() (string, bool) {
	for _, name := range candidateBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}

// Start launches the browser headless with a remote-debugging port open on
// 127.0.0.1, idempotent while already running.
func (c *Controller) Start() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return c.statusLocked(), nil
	}

	binary, ok := Detect()
	if !ok {
		return Status{}, fmt.Errorf("no chromium-family browser found on PATH")
	}

	debugPort, err := freePort()
	if err != nil {
		return Status{}, err
	}

	userDataDir := filepath.Join(c.workspace, ".browser-profile")
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return Status{}, err
	}
	cleanCrashState(userDataDir)

	cmd := exec.Command(
		binary,
		"--headless=new",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-component-update",
		"--hide-scrollbars",
		"--mute-audio",
		"--remote-debugging-address=127.0.0.1",
		"--remote-debugging-port="+strconv.Itoa(debugPort),
		"--user-data-dir="+userDataDir,
		"--window-size=1280,900",
		"about:blank",
	)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return Status{}, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	if !waitForDebugReady(debugPort, 10*time.Second) {
		_ = cmd.Process.Kill()
		return Status{}, fmt.Errorf("browser debug port %d did not become ready", debugPort)
	}

	c.binary = binary
	c.debugPort = debugPort
	c.cmd = cmd
	c.running = true
	c.ready = true
	return c.statusLocked(), nil
}

// Stop kills the browser process, idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_, _ = c.cmd.Process.Wait()
	}
	c.cmd = nil
	c.running = false
	c.ready = false
}

// Status reports the controller's current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	return Status{Running: c.running, Ready: c.ready, DebugPort: c.debugPort}
}

// DebugPort returns the remote-debugging port of a running controller, or 0.
func (c *Controller) DebugPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debugPort
}

func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

func waitForPort(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func waitForDebugReady(port int, timeout time.Duration) bool {
	if !waitForPort(port, timeout) {
		return false
	}
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/json/version", port))
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// cleanCrashState removes a leftover Default/Preferences.tmp from the
// profile when a non-empty Default/Preferences exists. It does not edit
// Preferences itself, so Chromium's recorded exit state is left as it is.
func cleanCrashState(userDataDir string) {
	prefsPath := filepath.Join(userDataDir, "Default", "Preferences")
	data, err := os.ReadFile(prefsPath)
	if err != nil {
		return
	}
	if len(data) == 0 {
		return
	}
	_ = os.Remove(prefsPath + ".tmp")
}
