// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package harness

import (
	"context"
	"testing"
)

type fakeBrowserDriver struct {
	detected bool
	result   BrowserScenarioResult
}

func (f *fakeBrowserDriver) Detect() bool { return f.detected }

func (f *fakeBrowserDriver) RunScenario(ctx context.Context, scenario BrowserScenario, screenshotPath string) BrowserScenarioResult {
	r := f.result
	r.Name = scenario.Name
	return r
}

func TestFakeBrowserDriverSatisfiesInterface(t *testing.T) {
	var _ BrowserDriver = (*fakeBrowserDriver)(nil)

	driver := &fakeBrowserDriver{detected: true, result: BrowserScenarioResult{OK: true}}
	if !driver.Detect() {
		t.Fatalf("expected Detect to report true")
	}
	result := driver.RunScenario(context.Background(), BrowserScenario{Name: "smoke"}, "/tmp/shot.png")
	if !result.OK || result.Name != "smoke" {
		t.Fatalf("got %+v", result)
	}
}

func TestHeadlessDriverDetectDelegatesToBrowserPackage(t *testing.T) {
	d := NewHeadlessDriver(t.TempDir())
	got := d.Detect()
	if got {
		t.Skip("a chromium-family binary is present on PATH in this environment")
	}
}
