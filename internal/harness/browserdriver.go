// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pi5dash/dashboard-api/internal/browser"
)

// BrowserDriver abstracts the headless page-automation engine used by the
// browser_validation stage, so the pipeline doesn't depend on a concrete
// Chromium process (and so tests can substitute a fake).
type BrowserDriver interface {
	// Detect reports whether a browser executable is available on disk.
	Detect() bool
	// RunScenario executes one scenario end to end (navigate, wait, fill,
	// click, screenshot) and returns its result. screenshotPath is an
	// absolute filesystem path the screenshot should be written to.
	RunScenario(ctx context.Context, scenario BrowserScenario, screenshotPath string) BrowserScenarioResult
}

// HeadlessDriver launches a fresh headless Chromium-family process for each
// scenario and stops it when that scenario ends.
//
// Grounded on internal/browser's Controller/CDPClient pair: launches the
// process the same way, then talks CDP directly (bypassing the Controller's
// per-call reconnect wrappers) so console/page errors can be captured across
// the whole scenario instead of being dropped between calls.
type HeadlessDriver struct {
	workspace string
}

// NewHeadlessDriver builds a driver whose Chromium profile lives under
// workspace.
func NewHeadlessDriver(workspace string) *HeadlessDriver {
	return &HeadlessDriver{workspace: workspace}
}

func (d *HeadlessDriver) Detect() bool {
	_, ok := browser.Detect()
	return ok
}

func (d *HeadlessDriver) RunScenario(ctx context.Context, scenario BrowserScenario, screenshotPath string) BrowserScenarioResult {
	result := BrowserScenarioResult{Name: scenario.Name}

	ctrl := browser.NewController(d.workspace)
	if _, err := ctrl.Start(); err != nil {
		result.Error = err.Error()
		return result
	}
	defer ctrl.Stop()

	cdp := browser.NewCDPClient(ctrl.DebugPort())
	if err := cdp.Connect(); err != nil {
		result.Error = fmt.Sprintf("cdp connect: %v", err)
		return result
	}
	defer cdp.Close()
	if err := cdp.EnableCapture(); err != nil {
		result.Error = fmt.Sprintf("enable capture: %v", err)
		return result
	}

	timeout := time.Duration(scenario.TimeoutSeconds) * time.Second
	if scenario.TimeoutSeconds <= 0 {
		timeout = 15 * time.Second
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > 60*time.Second {
		timeout = 60 * time.Second
	}

	if err := ctx.Err(); err != nil {
		result.Error = "cancelled"
		return result
	}

	if err := cdp.NavigateTimeout(scenario.URL, timeout); err != nil {
		result.Error = err.Error()
		d.attachErrors(cdp, &result)
		return result
	}

	if scenario.WaitForSelector != "" {
		if err := cdp.WaitForSelector(scenario.WaitForSelector, timeout); err != nil {
			result.Error = err.Error()
			d.attachErrors(cdp, &result)
			return result
		}
	}
	if scenario.WaitForText != "" {
		if err := cdp.WaitForText(scenario.WaitForText, timeout); err != nil {
			result.Error = err.Error()
			d.attachErrors(cdp, &result)
			return result
		}
	}

	for _, fill := range scenario.Fill {
		if err := cdp.Type(fill.Selector, fill.Value); err != nil {
			result.Error = fmt.Sprintf("fill %s: %v", fill.Selector, err)
			d.attachErrors(cdp, &result)
			return result
		}
	}

	for i, selector := range scenario.Click {
		if err := cdp.Click(selector); err != nil {
			result.Error = fmt.Sprintf("click %s: %v", selector, err)
			d.attachErrors(cdp, &result)
			return result
		}
		if i < len(scenario.Click)-1 {
			time.Sleep(250 * time.Millisecond)
		}
	}

	data, err := cdp.Screenshot()
	if err != nil {
		result.Error = fmt.Sprintf("screenshot: %v", err)
		d.attachErrors(cdp, &result)
		return result
	}
	if err := os.WriteFile(screenshotPath, data, 0o644); err != nil {
		result.Error = fmt.Sprintf("write screenshot: %v", err)
		d.attachErrors(cdp, &result)
		return result
	}

	result.ScreenshotPath = screenshotPath
	result.OK = true
	d.attachErrors(cdp, &result)
	return result
}

func (d *HeadlessDriver) attachErrors(cdp *browser.CDPClient, result *BrowserScenarioResult) {
	result.ConsoleErrors = cdp.ConsoleErrors()
	result.PageErrors = cdp.PageErrors()
}
