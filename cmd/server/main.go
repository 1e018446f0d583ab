// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pi5dash/dashboard-api/internal/apperr"
	"github.com/pi5dash/dashboard-api/internal/config"
	"github.com/pi5dash/dashboard-api/internal/debug"
	"github.com/pi5dash/dashboard-api/internal/harness"
	"github.com/pi5dash/dashboard-api/internal/llmclient"
	"github.com/pi5dash/dashboard-api/internal/narrate"
	"github.com/pi5dash/dashboard-api/internal/persona"
	"github.com/pi5dash/dashboard-api/internal/protocol"
	"github.com/pi5dash/dashboard-api/internal/providers"
	"github.com/pi5dash/dashboard-api/internal/ttsclient"
	"github.com/pi5dash/dashboard-api/internal/wsio"
)

// idleSweepInterval is how often the idle-channel sweep runs. Well under
// channel.IdleTimeout (600s) so a channel is never left running much past
// its deadline.
const idleSweepInterval = 90 * time.Second

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dataDir := os.Getenv("PI5_DASHBOARD_DATA_DIR")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".pi5-dashboard")
	}

	envPath := os.Getenv("PI5_DASHBOARD_ENV_PATH")
	if envPath == "" {
		home, _ := os.UserHomeDir()
		envPath = filepath.Join(home, config.DefaultPath)
	}

	sharedReposRoot := os.Getenv("PI5_DASHBOARD_SHARED_REPOS")
	if sharedReposRoot == "" {
		home, _ := os.UserHomeDir()
		sharedReposRoot = filepath.Join(home, "shared-repos")
	}
	if err := os.MkdirAll(sharedReposRoot, 0o755); err != nil {
		log.Fatalf("shared-repos root: %v", err)
	}

	memMonitor := debug.NewMemoryMonitor(debug.DefaultConfig())
	memMonitor.Start()

	store, err := config.Load(envPath)
	if err != nil {
		log.Fatalf("config: load %s: %v", envPath, err)
	}
	configWatcher, err := store.Watch()
	if err != nil {
		log.Printf("config: watch %s: %v (live-reload disabled)", envPath, err)
	}

	personasPath := filepath.Join(dataDir, "ai-cli", "personas.json")
	personas, err := persona.Load(personasPath)
	if err != nil {
		log.Fatalf("persona: %v", err)
	}

	transcriptDir := filepath.Join(dataDir, "ai-cli", "transcripts")
	workspaceRoot := filepath.Join(dataDir, "ai-cli", "workspaces")
	registry := providers.NewRegistry(providers.DefaultSpecs(workspaceRoot), transcriptDir)

	audioDir := filepath.Join(dataDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		log.Fatalf("audio dir: %v", err)
	}

	llm, tts := buildNarrationClients(store, audioDir)

	harnessCfg := harness.Config{
		SharedReposRoot:  sharedReposRoot,
		HarnessWorkspace: filepath.Join(dataDir, "harness", "workspace"),
		ArtifactsRoot:    filepath.Join(dataDir, "harness", "artifacts"),
		RunsRoot:         filepath.Join(dataDir, "harness", "runs"),
		TranscriptDir:    transcriptDir,
		AudioDir:         audioDir,
		AudioKeep:        60,
		Personas:         personas,
		LLM:              llm,
		TTS:              tts,
		Browser:          harness.NewHeadlessDriver(filepath.Join(dataDir, "harness", "browser")),
	}
	orchestrator, err := harness.NewOrchestrator(harnessCfg)
	if err != nil {
		log.Fatalf("harness: %v", err)
	}

	srv := &Server{
		store:        store,
		personas:     personas,
		providers:    registry,
		orchestrator: orchestrator,
		llm:          llm,
		tts:          tts,
		audioDir:     audioDir,
		audioKeep:    60,
	}

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	debugDump := make(chan os.Signal, 1)
	signal.Notify(debugDump, syscall.SIGQUIT)
	go func() {
		for range debugDump {
			memMonitor.DumpGoroutineStacks()
		}
	}()

	go func() {
		log.Printf("pi5-dashboard listening on :%s (data dir %s)", port, dataDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	idleSweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 5*time.Second)
				registry.SweepIdle(sweepCtx)
				orchestrator.SweepIdleChannels(sweepCtx)
				sweepCancel()
			case <-idleSweepStop:
				return
			}
		}
	}()

	sig := <-shutdown
	log.Printf("received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	close(idleSweepStop)

	for _, p := range registry.All() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		p.StopMain(stopCtx)
		p.StopAuth(stopCtx)
		stopCancel()
	}

	if configWatcher != nil {
		configWatcher.Stop()
	}
	memMonitor.Stop()
	log.Println("pi5-dashboard stopped")
}

// buildNarrationClients constructs the narrator's optional LLM/TTS clients
// from whatever credentials are currently in store. Either return is nil
// when its key is absent, which narrate.Narrate treats as "not configured".
// It is called once at startup, so a narration key added to the store
// afterwards takes effect only after a restart.
func buildNarrationClients(store *config.Store, audioDir string) (narrate.LLMClient, narrate.TTSClient) {
	var llm narrate.LLMClient
	var tts narrate.TTSClient
	if key, ok := store.Get("ANTHROPIC_API_KEY"); ok && key != "" {
		baseURL, _ := store.Get("ANTHROPIC_BASE_URL")
		model, _ := store.Get("ANTHROPIC_MODEL")
		llm = llmclient.New(key, baseURL, model)
	}
	if key, ok := store.Get("ELEVENLABS_API_KEY"); ok && key != "" {
		baseURL, _ := store.Get("ELEVENLABS_BASE_URL")
		tts = ttsclient.New(key, baseURL, audioDir, "/audio")
	}
	return llm, tts
}

// Server wires every component the HTTP/WebSocket surface needs (§6.2,
// §6.3). The narration clients are built once at startup and are not
// rebuilt when the config store changes.
type Server struct {
	store        *config.Store
	personas     *persona.Registry
	providers    *providers.Registry
	orchestrator *harness.Orchestrator
	llm          narrate.LLMClient
	tts          narrate.TTSClient
	audioDir     string
	audioKeep    int
}

// Handler builds the full route table (§6.2, §6.3).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)

	mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(s.audioDir))))

	mux.HandleFunc("GET /api/ai-cli/providers", s.handleListProviders)
	mux.HandleFunc("GET /api/ai-cli/personas", s.handleListPersonas)
	mux.HandleFunc("GET /api/ai-cli/session/{provider}", s.handleProviderSnapshot)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/start", s.handleProviderStart)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/stop", s.handleProviderStop)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/restart", s.handleProviderRestart)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/persona/send", s.handlePersonaSend)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/narrate-last", s.handleNarrateLast)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/auth/login", s.handleAuthLogin)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/auth/logout", s.handleAuthLogout)
	mux.HandleFunc("POST /api/ai-cli/session/{provider}/auth/stop", s.handleAuthStop)
	mux.HandleFunc("GET /api/ai-cli/ws", s.handleProviderWS)

	mux.HandleFunc("GET /api/harness/config", s.handleHarnessConfig)
	mux.HandleFunc("GET /api/harness/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/harness/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/harness/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/harness/runs/{id}/stop", s.handleStopRun)
	mux.HandleFunc("GET /api/harness/runs/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /api/harness/runs/{id}/artifacts/{aid}", s.handleGetArtifact)
	mux.HandleFunc("POST /api/harness/runs/{id}/narrate-summary", s.handleNarrateSummary)
	mux.HandleFunc("GET /api/harness/ws", s.handleRunWS)

	return withNoStore(mux)
}

// withNoStore applies the blanket "Cache-Control: no-store" response
// header §6.2 requires for every JSON response. It wraps the whole mux, so
// binary artifact and /audio/ file responses carry the same header.
func withNoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC()})
}

// --- CLI session service -------------------------------------------------

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "providers": s.providers.List()})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		VoiceID string `json:"voiceId"`
	}
	list := s.personas.List()
	out := make([]entry, 0, len(list))
	for _, p := range list {
		out = append(out, entry{ID: p.ID, Name: p.Name, VoiceID: p.VoiceID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "personas": out})
}

func (s *Server) providerOrErr(w http.ResponseWriter, r *http.Request) (*providers.Provider, bool) {
	p, err := s.providers.Get(r.PathValue("provider"))
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return p, true
}

func (s *Server) handleProviderSnapshot(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

func (s *Server) handleProviderStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if _, err := p.EnsureMain(s.store); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

func (s *Server) handleProviderStop(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if err := p.StopMain(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

func (s *Server) handleProviderRestart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if err := p.StopMain(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	if _, err := p.EnsureMain(s.store); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

type personaSendBody struct {
	Text      string `json:"text"`
	Mode      string `json:"mode"`
	PersonaID string `json:"personaId"`
}

func (s *Server) handlePersonaSend(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	var body personaSendBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeErr(w, apperr.New(apperr.InvalidInput, "text is required"))
		return
	}
	marker, err := p.ComposeAndSend(s.personas, body.Mode, body.PersonaID, body.Text)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "interaction": marker})
}

type narrateBody struct {
	Mode      string `json:"mode"`
	PersonaID string `json:"personaId"`
}

func (s *Server) handleNarrateLast(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	var body narrateBody
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := p.NarrateLast(r.Context(), s.personas, body.Mode, body.PersonaID, s.llm, s.tts, s.audioDir, s.audioKeep)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if err := p.StartAuth("login", s.store); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if err := p.RefreshAuthStatus(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if err := p.Logout(s.store); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

func (s *Server) handleAuthStop(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerOrErr(w, r)
	if !ok {
		return
	}
	if err := p.StopAuth(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": p.State()})
}

// handleProviderWS implements /api/ai-cli/ws?provider=<id>&channel=main|auth.
func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider")
	channelName := r.URL.Query().Get("channel")
	if channelName != "main" && channelName != "auth" {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	p, err := s.providers.Get(providerID)
	if err != nil {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	ch := p.Main
	if channelName == "auth" {
		ch = p.Aux
	}
	wsio.Attach(w, r, ch, p.State(), func() {
		if state, err := protocol.NewState(p.State()); err == nil {
			ch.Broadcast(state)
		}
	})
}

// --- Harness orchestrator ------------------------------------------------

func (s *Server) handleHarnessConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"maxSubtasks":     harness.MaxSubtasks,
		"browserDetected": harness.NewHeadlessDriver("").Detect(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": s.orchestrator.ListRuns()})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var task harness.TaskInput
	if !decodeJSON(w, r, &task) {
		return
	}
	run, err := s.orchestrator.CreateRun(task)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run.ID})
}

func (s *Server) runOrErr(w http.ResponseWriter, r *http.Request) (*harness.Run, *harness.RunSnapshot, bool) {
	run, snap, err := s.orchestrator.GetRun(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return nil, nil, false
	}
	return run, snap, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, snap, ok := s.runOrErr(w, r)
	if !ok {
		return
	}
	if run != nil {
		snapVal := run.ToSnapshot()
		snap = &snapVal
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": snap})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.StopRun(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	run, snap, ok := s.runOrErr(w, r)
	if !ok {
		return
	}
	if run != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "artifacts": run.ListArtifacts()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "artifacts": snap.Artifacts})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	run, snap, ok := s.runOrErr(w, r)
	if !ok {
		return
	}
	aid := r.PathValue("aid")

	var records []harness.ArtifactRecord
	if run != nil {
		records = run.ListArtifacts()
	} else {
		records = snap.Artifacts
	}
	var rec *harness.ArtifactRecord
	for i := range records {
		if records[i].ID == aid {
			rec = &records[i]
			break
		}
	}
	if rec == nil {
		writeErr(w, apperr.New(apperr.UnknownTarget, "unknown artifact %q", aid))
		return
	}

	var data []byte
	var err error
	if run != nil {
		data, err = run.ReadArtifact(rec.RelPath)
	} else {
		data, err = s.orchestrator.ReadArchivedArtifact(r.PathValue("id"), rec.RelPath)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	raw := r.URL.Query().Get("raw") == "1" || rec.Type == harness.ArtifactImage
	if raw {
		w.Header().Set("Content-Type", rec.Mime)
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "artifact": rec, "content": string(data)})
}

func (s *Server) handleNarrateSummary(w http.ResponseWriter, r *http.Request) {
	run, snap, ok := s.runOrErr(w, r)
	if !ok {
		return
	}
	var body narrateBody
	if !decodeJSON(w, r, &body) {
		return
	}

	runID := r.PathValue("id")
	var summary string
	var p persona.Persona
	if run != nil {
		snapVal := run.ToSnapshot()
		summary = snapVal.SummaryText
		p = snapVal.Persona
	} else {
		summary = snap.SummaryText
		p = snap.Persona
	}

	result, err := s.orchestrator.NarrateSummary(r.Context(), runID, summary, p, body.Mode, body.PersonaID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// handleRunWS implements /api/harness/ws?runId=<id>&channel=<one of the
// run's terminal channel names: "parent" or one of its subtask worktree
// names>. Browser validation drives CDP directly and has no PTY channel.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	channelName := r.URL.Query().Get("channel")
	run, _, err := s.orchestrator.GetRun(runID)
	if err != nil || run == nil {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}
	ch, ok := run.ExistingChannel(channelName)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	wsio.Attach(w, r, ch, run.ToSnapshot(), func() {
		if state, err := protocol.NewState(run.ToSnapshot()); err == nil {
			ch.Broadcast(state)
		}
	})
}

// --- JSON helpers ---------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		writeJSON(w, apperr.HTTPStatus(appErr.Kind), map[string]any{"ok": false, "error": appErr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, apperr.New(apperr.InvalidInput, "invalid request body: %v", err))
		return false
	}
	return true
}
