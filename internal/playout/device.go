/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout plays clips through a GStreamer process per clip.
package playout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/friendsincode/playcall/internal/engine"
	"github.com/rs/zerolog"
)

// DefaultStopTimeout is how long a released clip gets to exit before it is killed.
const DefaultStopTimeout = 5 * time.Second

// Device plays each clip with its own gst-launch playbin process.
type Device struct {
	bin         string
	sink        string
	stopTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	path    string
	handles map[*Handle]struct{}
}

// Option configures a Device.
type Option func(*Device)

// WithAudioSink sets the playbin audio-sink element (e.g., "pulsesink", "alsasink").
func WithAudioSink(sink string) Option {
	return func(d *Device) { d.sink = sink }
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.stopTimeout = timeout }
}

// NewDevice creates a device that runs bin (normally gst-launch-1.0).
func NewDevice(bin string, logger zerolog.Logger, opts ...Option) *Device {
	d := &Device{
		bin:         bin,
		stopTimeout: DefaultStopTimeout,
		logger:      logger.With().Str("component", "playout").Logger(),
		handles:     make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open checks that the GStreamer binary can be run.
func (d *Device) Open(ctx context.Context) error {
	path, err := exec.LookPath(d.bin)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrDeviceUnavailable, err)
	}
	d.mu.Lock()
	d.path = path
	d.mu.Unlock()
	d.logger.Debug().Str("bin", path).Msg("playback device ready")
	return nil
}

// Load starts playing clipURL and returns once the process is running.
func (d *Device) Load(ctx context.Context, clipURL string) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uri, err := playbinURI(clipURL)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	bin := d.path
	d.mu.Unlock()
	if bin == "" {
		bin = d.bin
	}

	args := []string{"-q", "playbin", "uri=" + uri}
	if d.sink != "" {
		args = append(args, "audio-sink="+d.sink)
	}
	// Not bound to ctx: the clip outlives the load call.
	cmd := exec.Command(bin, args...)
	h := &Handle{
		device: d,
		cmd:    cmd,
		done:   make(chan error, 1),
		exited: make(chan struct{}),
	}
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", engine.ErrDeviceUnavailable, err)
		}
		return nil, fmt.Errorf("start playback: %w", err)
	}

	d.mu.Lock()
	d.handles[h] = struct{}{}
	d.mu.Unlock()

	go h.wait()

	d.logger.Debug().Str("uri", uri).Int("pid", cmd.Process.Pid).Msg("clip loaded")
	return h, nil
}

// Close stops every clip still playing.
func (d *Device) Close() error {
	d.mu.Lock()
	handles := make([]*Handle, 0, len(d.handles))
	for h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		_ = h.Release()
	}
	return nil
}

// Playing returns how many clip processes are running.
func (d *Device) Playing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

func (d *Device) forget(h *Handle) {
	d.mu.Lock()
	delete(d.handles, h)
	d.mu.Unlock()
}

// Handle is one running clip.
type Handle struct {
	device *Device
	cmd    *exec.Cmd
	stderr bytes.Buffer

	done        chan error
	exited      chan struct{}
	releaseOnce sync.Once
	released    bool
	mu          sync.Mutex
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.device.forget(h)

	h.mu.Lock()
	released := h.released
	h.mu.Unlock()

	if err != nil && !released {
		if msg := strings.TrimSpace(h.stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		h.device.logger.Debug().Err(err).Msg("gstreamer exited with error")
	}
	if released {
		err = nil
	}
	h.done <- err
	close(h.exited)
}

// Done yields the process result once it exits.
func (h *Handle) Done() <-chan error { return h.done }

// Pause suspends the process.
func (h *Handle) Pause() error {
	return h.signal(pauseSignal)
}

// Resume continues a paused process.
func (h *Handle) Resume() error {
	return h.signal(resumeSignal)
}

func (h *Handle) signal(sig os.Signal) error {
	if sig == nil {
		return errors.New("pause is not supported on this platform")
	}
	select {
	case <-h.exited:
		return errors.New("clip already finished")
	default:
	}
	return h.cmd.Process.Signal(sig)
}

// Release stops the process, killing it if it does not exit in time. It returns once
// the process is gone.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()

		select {
		case <-h.exited:
			return
		default:
		}

		// A stopped process ignores SIGINT until continued.
		if resumeSignal != nil {
			_ = h.cmd.Process.Signal(resumeSignal)
		}
		_ = h.cmd.Process.Signal(os.Interrupt)

		select {
		case <-time.After(h.device.stopTimeout):
			_ = h.cmd.Process.Kill()
			<-h.exited
		case <-h.exited:
		}
	})
	<-h.exited
	return nil
}

// playbinURI turns a clip URL or local path into a URI playbin accepts.
func playbinURI(clipURL string) (string, error) {
	if clipURL == "" {
		return "", errors.New("empty clip url")
	}
	u, err := url.Parse(clipURL)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return clipURL, nil
	}
	abs, err := filepath.Abs(clipURL)
	if err != nil {
		return "", fmt.Errorf("resolve clip path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
