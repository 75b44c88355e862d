package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsNormalizedDefaults(t *testing.T) {
	t.Parallel()

	opts := Options{}.normalized()
	assert.Equal(t, DefaultWindowWidth, opts.WindowWidth)
	assert.Equal(t, DefaultWindowHeight, opts.WindowHeight)
	assert.Equal(t, DefaultOpTimeout, opts.OpTimeout)
	assert.Equal(t, "about:blank", opts.StartURL)

	custom := Options{WindowWidth: 800, WindowHeight: 600, OpTimeout: time.Second, StartURL: "https://chat.qwen.ai/"}.normalized()
	assert.Equal(t, 800, custom.WindowWidth)
	assert.Equal(t, 600, custom.WindowHeight)
	assert.Equal(t, time.Second, custom.OpTimeout)
	assert.Equal(t, "https://chat.qwen.ai/", custom.StartURL)
}

func TestAllocatorOptionsAddsProfileAndExecPath(t *testing.T) {
	t.Parallel()

	base := AllocatorOptions(Options{})
	withPaths := AllocatorOptions(Options{UserDataDir: "/tmp/profile", ExecPath: "/usr/bin/chromium"})
	assert.Len(t, base, len(chromedp.DefaultExecAllocatorOptions)+11)
	assert.Len(t, withPaths, len(base)+2)
}

func TestClosedBrowserRejectsOperations(t *testing.T) {
	t.Parallel()

	var nilBrowser *Browser
	require.ErrorIs(t, nilBrowser.Evaluate(context.Background(), "1", nil), ErrClosed)
	nilBrowser.Close()

	closed := &Browser{opts: Options{}.normalized()}
	require.ErrorIs(t, closed.Navigate(context.Background(), "about:blank"), ErrClosed)
	require.ErrorIs(t, closed.Alive(context.Background()), ErrClosed)
	closed.Close()
}

func TestLaunchEvaluatesAgainstLivePage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser launch in short mode")
	}
	chrome := FindExecPath()
	if chrome == "" {
		t.Skip("chrome not installed")
	}

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><textarea id="chat-input"></textarea></body></html>`)
	}))
	t.Cleanup(page.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := Launch(ctx, Options{
		Headless:    true,
		ExecPath:    chrome,
		UserDataDir: filepath.Join(t.TempDir(), "profile"),
		StartURL:    page.URL,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	var found bool
	require.NoError(t, b.Evaluate(ctx, `!!document.querySelector('#chat-input')`, &found))
	assert.True(t, found)
	require.NoError(t, b.Alive(ctx))

	location, err := b.Location(ctx)
	require.NoError(t, err)
	assert.Contains(t, location, page.URL)

	b.Close()
	require.ErrorIs(t, b.Alive(ctx), ErrClosed)
}

func TestFindExecPathUsesFirstMatch(t *testing.T) {
	original := lookPath
	t.Cleanup(func() { lookPath = original })

	lookPath = func(name string) (string, error) {
		if name == "chromium" {
			return "/usr/bin/chromium", nil
		}
		return "", fmt.Errorf("%s: not found", name)
	}
	assert.Equal(t, "/usr/bin/chromium", FindExecPath())

	lookPath = func(name string) (string, error) { return "", fmt.Errorf("%s: not found", name) }
	assert.Empty(t, FindExecPath())
	_, err := Version(context.Background(), "")
	require.Error(t, err)
}

func TestVersionRunsBinary(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fake-chrome")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'Chromium 131.0.6778.85'\n"), 0o700))

	version, err := Version(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, "Chromium 131.0.6778.85", version)
}
