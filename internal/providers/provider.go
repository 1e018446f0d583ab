// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package providers implements the CLI Session Service's provider registry
// (§3.2, §4.5): a fixed set of named third-party CLI assistants, each
// exposing a `main` interactive channel and an `auth` subchannel built on
// top of the shared channel.Channel primitive.
//
// Grounded on the teacher's broker.Providers declarative-table pattern
// (internal/broker/providers.go, no longer present in this tree) for the
// "one static map keyed by id, each entry carrying everything needed to
// construct a concrete client" shape, generalized from API-proxy specs to
// PTY-spawn specs.
package providers

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/channel"
	"github.com/pi5dash/dashboard-api/internal/config"
	"github.com/pi5dash/dashboard-api/internal/id"
	"github.com/pi5dash/dashboard-api/internal/protocol"
)

// AuthState is one of the three values a provider's auth status can hold.
type AuthState string

const (
	AuthLoggedIn  AuthState = "logged_in"
	AuthLoggedOut AuthState = "logged_out"
	AuthUnknown   AuthState = "unknown"
)

// AuthStatus is the provider's persisted, broadcastable login state (§3.2).
type AuthStatus struct {
	State     AuthState `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	Method    string    `json:"method,omitempty"`
}

// AuthDescriptor declares how a provider's auth subcommands are invoked and
// which of them it supports (§3.2, §4.5 start_auth/refresh_auth_status).
type AuthDescriptor struct {
	LoginArgs  []string
	StatusArgs []string
	LogoutArgs []string
	CanStatus  bool
	CanLogout  bool

	// ParseStatus interprets the merged stdout+stderr of StatusArgs into an
	// AuthStatus. Nil when CanStatus is false.
	ParseStatus func(output string) (state AuthState, detail string)
}

// PersonaPreference is a provider's last-chosen persona selection mode
// (§3.2).
type PersonaPreference struct {
	Mode      string `json:"mode"` // "selected" | "random"
	PersonaID string `json:"personaId,omitempty"`
}

// ComposerInteraction records the moment a persona prompt was written into
// a provider's main channel, so the narrator can later isolate the output
// that followed it (§3.4, §4.7 step 4).
type ComposerInteraction struct {
	ID           string    `json:"id"`
	Ts           time.Time `json:"ts"`
	SeqBefore    int64     `json:"seqBefore"`
	PersonaID    string    `json:"personaId"`
	PersonaName  string    `json:"personaName"`
	PersonaVoice string    `json:"personaVoice"`
	Mode         string    `json:"mode"`
	Preview      string    `json:"preview"`
}

// ArgsFactory builds the `main` channel's invocation argv for a provider.
type ArgsFactory func() []string

// Provider is one supervised CLI assistant (§3.2).
type Provider struct {
	ID        string
	Title     string
	Binary    string
	Workspace string
	MainArgs  ArgsFactory
	Auth      AuthDescriptor

	Main *channel.Channel
	Aux  *channel.Channel // the "auth" subchannel

	mu           sync.Mutex
	authStatus   AuthStatus
	version      string
	personaPref  PersonaPreference
	lastComposer *ComposerInteraction
}

// Snapshot is the JSON-serializable view of a provider returned by
// GET /api/ai-cli/session/:provider and embedded in the hub's `hello`/
// `state` messages.
type Snapshot struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Main         channel.State        `json:"main"`
	Auth         channel.State        `json:"auth"`
	AuthStatus   AuthStatus           `json:"authStatus"`
	Version      string               `json:"version,omitempty"`
	PersonaPref  PersonaPreference    `json:"personaPreference"`
	LastComposer *ComposerInteraction `json:"lastComposerInteraction,omitempty"`
	CanLogout    bool                 `json:"canLogout"`
	CanStatus    bool                 `json:"canStatus"`
}

func newProvider(p ProviderSpec, transcriptDir string) *Provider {
	prov := &Provider{
		ID:        p.ID,
		Title:     p.Title,
		Binary:    p.Binary,
		Workspace: p.Workspace,
		MainArgs:  p.MainArgs,
		Auth:      p.Auth,
		authStatus: AuthStatus{
			State:     AuthUnknown,
			CheckedAt: time.Now(),
		},
		personaPref: PersonaPreference{Mode: "selected"},
	}
	prov.Main = channel.New("provider", p.ID, "main", channel.MainRingCap,
		channel.NewTranscriptWriter(transcriptDir, "provider", p.ID, "main"), nil)
	prov.Aux = channel.New("provider", p.ID, "auth", channel.AuthRingCap,
		channel.NewTranscriptWriter(transcriptDir, "provider", p.ID, "auth"), prov.onAuthExit)
	prov.Aux.SetOutputHook(broadcastAuthHint)
	return prov
}

// broadcastAuthHint implements §4.6: scan every chunk emitted to the auth
// subchannel for a login URL and/or device code, broadcasting an
// "auth_hint" message to that channel's sinks only when either is found.
func broadcastAuthHint(ch *channel.Channel, stripped string) {
	hint, ok := ExtractAuthHint(stripped)
	if !ok {
		return
	}
	text := stripped
	if len(text) > 500 {
		text = text[:500]
	}
	ch.Broadcast(protocol.NewAuthHint(hint.URL, hint.Code, text))
}

// onAuthExit re-polls auth status whenever the auth subchannel's child
// exits, per §4.3 "for the CLI Session Service, re-poll auth status if
// this was the auth subchannel."
func (p *Provider) onAuthExit(ch *channel.Channel, code int, signal string) {
	if !p.Auth.CanStatus {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		defer cancel()
		_ = p.RefreshAuthStatus(ctx)
	}()
}

// EnsureMain idempotently spawns the main channel (§4.5 ensure_main),
// returning it whether or not it was already running. Environment merges
// HOME, TERM (set by ptyproc), and every key currently in the config
// store, re-read on each call so out-of-band edits to the secrets file
// take effect on the next spawn without a server restart (SPEC_FULL §10
// item 3).
func (p *Provider) EnsureMain(store *config.Store) (*channel.Channel, error) {
	env := map[string]string{"HOME": os.Getenv("HOME")}
	for k, v := range store.All() {
		env[k] = v
	}
	args := p.MainArgs()
	cmd := p.Binary
	for _, a := range args {
		cmd += " " + shellQuote(a)
	}
	if err := os.MkdirAll(p.Workspace, 0o755); err != nil {
		return nil, apperr.New(apperr.SpawnFailed, "workspace: %v", err)
	}
	if err := p.Main.Start(cmd, p.Workspace, env); err != nil {
		return nil, err
	}
	return p.Main, nil
}

// StartAuth spawns the auth subchannel for mode. Only "login" is accepted
// for every provider (§4.5); anything else fails UnsupportedAuthMode.
// Idempotent while already running.
func (p *Provider) StartAuth(mode string, store *config.Store) error {
	if mode != "login" {
		return apperr.New(apperr.UnsupportedAuthMode, "provider %q does not support auth mode %q", p.ID, mode)
	}
	if p.Aux.IsRunning() {
		return nil
	}
	env := map[string]string{"HOME": os.Getenv("HOME")}
	for k, v := range store.All() {
		env[k] = v
	}
	cmd := p.Binary
	for _, a := range p.Auth.LoginArgs {
		cmd += " " + shellQuote(a)
	}
	return p.Aux.Start(cmd, p.Workspace, env)
}

// StopMain runs the termination protocol on the main channel.
func (p *Provider) StopMain(ctx context.Context) error {
	return p.Main.RequestStop(ctx)
}

// StopAuth runs the termination protocol on the auth subchannel. It is
// permitted regardless of CanLogout (callers use this for the "auth/stop"
// route).
func (p *Provider) StopAuth(ctx context.Context) error {
	return p.Aux.RequestStop(ctx)
}

// Logout runs the provider's logout subcommand as a one-shot auth-channel
// invocation. Fails UnsupportedAuthMode when the provider declares
// CanLogout == false.
func (p *Provider) Logout(store *config.Store) error {
	if !p.Auth.CanLogout {
		return apperr.New(apperr.UnsupportedAuthMode, "provider %q does not support logout", p.ID)
	}
	if p.Aux.IsRunning() {
		return nil
	}
	env := map[string]string{"HOME": os.Getenv("HOME")}
	for k, v := range store.All() {
		env[k] = v
	}
	cmd := p.Binary
	for _, a := range p.Auth.LogoutArgs {
		cmd += " " + shellQuote(a)
	}
	return p.Aux.Start(cmd, p.Workspace, env)
}

// statusTimeout bounds the synchronous status subcommand run (§5).
const statusTimeout = 12 * time.Second

// RefreshAuthStatus runs the status subcommand synchronously (bounded by
// statusTimeout), merges stdout+stderr, parses it with the provider's
// ParseStatus, updates authStatus, and broadcasts the new provider state
// to both the main and auth sinks (§4.5).
func (p *Provider) RefreshAuthStatus(ctx context.Context) error {
	if !p.Auth.CanStatus {
		p.mu.Lock()
		p.authStatus = AuthStatus{State: AuthUnknown, Method: "best-effort", CheckedAt: time.Now()}
		p.mu.Unlock()
		p.broadcastState()
		return nil
	}

	output, err := runCapturedCommand(ctx, p.Binary, p.Auth.StatusArgs, p.Workspace, statusTimeout)
	state := AuthUnknown
	detail := ""
	if err == nil {
		state, detail = p.Auth.ParseStatus(output)
	}
	p.mu.Lock()
	p.authStatus = AuthStatus{State: state, Detail: detail, CheckedAt: time.Now(), Method: "status-command"}
	p.mu.Unlock()
	p.broadcastState()
	return nil
}

// State returns the current snapshot (§6.2 GET /session/:provider).
func (p *Provider) State() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:           p.ID,
		Title:        p.Title,
		Main:         p.Main.State(),
		Auth:         p.Aux.State(),
		AuthStatus:   p.authStatus,
		Version:      p.version,
		PersonaPref:  p.personaPref,
		LastComposer: p.lastComposer,
		CanLogout:    p.Auth.CanLogout,
		CanStatus:    p.Auth.CanStatus,
	}
}

func (p *Provider) broadcastState() {
	state := p.State()
	p.Main.Broadcast(stateMessage(state))
	p.Aux.Broadcast(stateMessage(state))
}

// stateMessage wraps a Snapshot in the protocol "state" envelope. Declared
// here (rather than importing protocol directly into every call site) to
// keep the broadcast call sites one-liners.
func stateMessage(snapshot Snapshot) any {
	type stateMsg struct {
		Type  string   `json:"type"`
		State Snapshot `json:"state"`
	}
	return stateMsg{Type: "state", State: snapshot}
}

// setPersonaPreference records the provider's last-used persona mode,
// called by the persona composer after a successful send.
func (p *Provider) setPersonaPreference(pref PersonaPreference) {
	p.mu.Lock()
	p.personaPref = pref
	p.mu.Unlock()
}

// setLastComposer records a fresh composer marker (§4.7 step 4).
func (p *Provider) setLastComposer(m *ComposerInteraction) {
	p.mu.Lock()
	p.lastComposer = m
	p.mu.Unlock()
}

// LastComposer returns the current marker, or nil if no persona prompt has
// ever been sent.
func (p *Provider) LastComposer() *ComposerInteraction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastComposer
}

func newComposerInteractionID() string { return id.New() }

// shellQuote wraps s in single quotes for safe inclusion in the space-joined
// command line channel.Channel.Start passes to the shell, escaping any
// embedded single quote the POSIX way: close, escaped quote, reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
