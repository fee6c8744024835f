// Package engine coordinates the runtime bundle (configuration, backend,
// voice store, job manager) behind a single control-plane lock, and owns
// the warmup state machine and model activation.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mingzhe93/screen-reader-tts/internal/audio"
	"github.com/mingzhe93/screen-reader-tts/internal/config"
	"github.com/mingzhe93/screen-reader-tts/internal/jobs"
	"github.com/mingzhe93/screen-reader-tts/internal/modelstore"
	"github.com/mingzhe93/screen-reader-tts/internal/observability"
	"github.com/mingzhe93/screen-reader-tts/internal/synth"
	"github.com/mingzhe93/screen-reader-tts/internal/voices"
)

// Runtime is the bundle swapped atomically on model activation. Readers
// load it once and see a consistent configuration, backend, voice store,
// and job manager.
type Runtime struct {
	Config  config.EngineConfig
	Synth   synth.Synthesizer
	Voices  *voices.Store
	Jobs    *jobs.Manager
	ModelID string
}

// Engine is the daemon's core. The mutex serializes control-plane
// operations (speak, cancel, voice mutations, activation, prefetch);
// the runtime pointer lets the stream path read without locking.
type Engine struct {
	log     *slog.Logger
	metrics *observability.Metrics
	proc    *audio.Processor

	cache      modelstore.CachePaths
	downloader *modelstore.Downloader

	mu sync.Mutex
	rt atomic.Pointer[Runtime]

	warmupMu      sync.Mutex
	warmup        WarmupState
	warmupRunning chan struct{}

	quitOnce sync.Once
	quitFn   func()
}

// New builds the engine: cache layout, voice store, synthesis backend,
// and job manager.
func New(ctx context.Context, cfg config.EngineConfig, log *slog.Logger, metrics *observability.Metrics) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	cache, err := modelstore.ConfigureHFCache(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:        log,
		metrics:    metrics,
		proc:       audio.NewProcessor(audio.FindSox(), log),
		cache:      cache,
		downloader: modelstore.NewDownloader("", log),
		warmup:     WarmupState{Status: WarmupNotStarted},
	}

	rt, err := e.buildRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.rt.Store(rt)

	st := rt.Synth.Status()
	log.Info("engine ready",
		"backend", st.Backend,
		"model", rt.ModelID,
		"fallback", st.FallbackActive,
		"data_dir", cfg.DataDir)
	return e, nil
}

// buildRuntime constructs a full bundle for the given configuration.
func (e *Engine) buildRuntime(ctx context.Context, cfg config.EngineConfig) (*Runtime, error) {
	kyutaiSource := modelstore.ResolveModelSource(e.cache.HubDir, cfg.Kyutai.ModelName)
	qwenSource := modelstore.ResolveModelSource(e.cache.HubDir, cfg.Qwen.ModelName)

	kyutaiMirror := ""
	if isDir(kyutaiSource) {
		kyutaiMirror = kyutaiSource
	}

	store, err := voices.NewStore(cfg.DataDir, modelIDFor(cfg))
	if err != nil {
		return nil, err
	}

	s, err := synth.Create(ctx, synth.CreateOptions{
		Config:          cfg,
		KyutaiMirrorDir: kyutaiMirror,
		QwenModelSource: qwenSource,
		PromptPath:      store.PromptPath,
		Log:             e.log,
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Config:  cfg,
		Synth:   s,
		Voices:  store,
		Jobs:    jobs.NewManager(s, e.proc, e.log, e.metrics),
		ModelID: modelIDForBackend(cfg, s.Status().Backend),
	}, nil
}

// modelIDFor resolves the advertised model id from configuration alone,
// before a backend exists.
func modelIDFor(cfg config.EngineConfig) string {
	switch cfg.SynthBackend {
	case config.BackendQwen:
		return cfg.Qwen.ModelName
	case config.BackendKyutai:
		return cfg.Kyutai.ModelName
	default:
		return cfg.ActiveModelID
	}
}

// modelIDForBackend resolves the advertised model id from the backend the
// factory actually produced (the auto selector may have fallen through).
func modelIDForBackend(cfg config.EngineConfig, backend string) string {
	switch backend {
	case synth.BackendNameQwen:
		return cfg.Qwen.ModelName
	case synth.BackendNameKyutai:
		return cfg.Kyutai.ModelName
	default:
		return cfg.ActiveModelID
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Runtime returns the current bundle.
func (e *Engine) Runtime() *Runtime {
	return e.rt.Load()
}

// SetQuitFunc installs the shutdown callback invoked by Quit.
func (e *Engine) SetQuitFunc(fn func()) {
	e.quitFn = fn
}

// Quit invokes the shutdown callback once.
func (e *Engine) Quit() {
	e.quitOnce.Do(func() {
		e.log.Info("quit requested")
		if e.quitFn != nil {
			e.quitFn()
		}
	})
}

// SpeakRequest is a validated speech request.
type SpeakRequest struct {
	Text     string
	VoiceID  string
	Language string
	Settings audio.Settings
	MaxChars int
}

// Speak starts a speech job, canceling any active one.
func (e *Engine) Speak(req SpeakRequest) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt := e.rt.Load()

	if strings.TrimSpace(req.Text) == "" {
		return uuid.Nil, &Error{
			Code:    CodeEmptyText,
			Status:  http.StatusBadRequest,
			Message: "text contains nothing to speak",
		}
	}
	if !rt.Voices.Exists(req.VoiceID) {
		return uuid.Nil, errVoiceNotFound(req.VoiceID)
	}
	if !rt.Synth.SupportsVoiceID(req.VoiceID) {
		return uuid.Nil, &Error{
			Code:    CodeModelNotReady,
			Status:  http.StatusConflict,
			Message: "the active backend cannot speak this voice",
		}
	}

	language := req.Language
	if language == "" {
		if rec, err := rt.Voices.Get(req.VoiceID); err == nil {
			language = rec.LanguageHint
		}
	}

	job := rt.Jobs.StartJob(jobs.Request{
		Text:     req.Text,
		VoiceID:  req.VoiceID,
		Language: language,
		Settings: req.Settings,
		MaxChars: req.MaxChars,
	})
	return job.ID, nil
}

// Cancel requests cancellation of a job by id.
func (e *Engine) Cancel(jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return errJobNotFound(jobID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rt.Load().Jobs.CancelJob(id) {
		return errJobNotFound(jobID)
	}
	return nil
}

// Subscribe attaches to a job's event stream.
func (e *Engine) Subscribe(jobID string) (<-chan jobs.Event, []jobs.Event, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, nil, errJobNotFound(jobID)
	}
	ch, history, err := e.rt.Load().Jobs.Subscribe(id)
	if err != nil {
		return nil, nil, errJobNotFound(jobID)
	}
	return ch, history, nil
}

// Unsubscribe detaches a channel obtained from Subscribe.
func (e *Engine) Unsubscribe(jobID string, ch <-chan jobs.Event) {
	if id, err := uuid.Parse(jobID); err == nil {
		e.rt.Load().Jobs.Unsubscribe(id, ch)
	}
}

// Capabilities describes what the active backend can do for clients.
type Capabilities struct {
	SupportsVoiceClone             bool     `json:"supports_voice_clone"`
	SupportsAudioChunkStream       bool     `json:"supports_audio_chunk_stream"`
	SupportsTrueStreamingInference bool     `json:"supports_true_streaming_inference"`
	Languages                      []string `json:"languages"`
}

// RuntimeStatus is the nested runtime block of health and activation
// responses.
type RuntimeStatus struct {
	Backend              string      `json:"backend"`
	ModelLoaded          bool        `json:"model_loaded"`
	FallbackActive       bool        `json:"fallback_active"`
	Detail               string      `json:"detail,omitempty"`
	ModelSource          string      `json:"model_source,omitempty"`
	SupportsDefaultVoice bool        `json:"supports_default_voice"`
	SupportsClonedVoices bool        `json:"supports_cloned_voices"`
	Warmup               WarmupState `json:"warmup"`
}

// Health is the engine status snapshot served by GET /v1/health.
type Health struct {
	Status        string        `json:"status"`
	EngineVersion string        `json:"engine_version"`
	ActiveModelID string        `json:"active_model_id"`
	Device        string        `json:"device"`
	Capabilities  Capabilities  `json:"capabilities"`
	Runtime       RuntimeStatus `json:"runtime"`
	ActiveJobID   string        `json:"active_job_id,omitempty"`
}

// allLanguages are the hints the multilingual backends accept.
var allLanguages = []string{"de", "en", "es", "fr", "it", "ja", "ko", "pt", "ru", "zh"}

func (e *Engine) runtimeStatus(rt *Runtime) RuntimeStatus {
	st := rt.Synth.Status()
	return RuntimeStatus{
		Backend:              st.Backend,
		ModelLoaded:          st.ModelLoaded,
		FallbackActive:       st.FallbackActive,
		Detail:               st.Detail,
		ModelSource:          st.ModelSource,
		SupportsDefaultVoice: st.SupportsDefaultVoice,
		SupportsClonedVoices: st.SupportsClonedVoices,
		Warmup:               e.WarmupSnapshot(),
	}
}

// Health assembles the status snapshot.
func (e *Engine) Health() Health {
	rt := e.rt.Load()
	st := rt.Synth.Status()

	h := Health{
		Status:        "ok",
		EngineVersion: config.EngineVersion,
		ActiveModelID: rt.ModelID,
		Device:        deviceFor(st.Backend),
		Capabilities: Capabilities{
			SupportsVoiceClone:       st.SupportsVoiceClone,
			SupportsAudioChunkStream: true,
			Languages:                languagesFor(st.Backend),
		},
		Runtime: e.runtimeStatus(rt),
	}
	if id, ok := rt.Jobs.ActiveJobID(); ok {
		h.ActiveJobID = id.String()
	}
	return h
}

func deviceFor(backend string) string {
	if backend == synth.BackendNameQwen {
		return "cuda"
	}
	return "cpu"
}

func languagesFor(backend string) []string {
	if backend == synth.BackendNameKyutai {
		return []string{"en"}
	}
	out := make([]string, len(allLanguages))
	copy(out, allLanguages)
	sort.Strings(out)
	return out
}

// ActivateRequest describes a model activation: a configuration overlay
// plus the warmup policy for the freshly built runtime.
type ActivateRequest struct {
	Overlay     config.Overlay
	WarmupWait  bool
	WarmupForce bool
	Reason      string
}

// ActivateResult reports what a model activation did.
type ActivateResult struct {
	Reloaded       bool          `json:"reloaded"`
	WarmupAccepted bool          `json:"warmup_accepted"`
	ActiveModelID  string        `json:"active_model_id"`
	Runtime        RuntimeStatus `json:"runtime"`
}

// Activate swaps the runtime to a new configuration. It refuses while a
// job is running, waits out any warmup pass, rebuilds the bundle, swaps
// it in one store, and warms the new backend per the request.
func (e *Engine) Activate(ctx context.Context, req ActivateRequest) (ActivateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt := e.rt.Load()
	if rt.Jobs.HasActiveJob() {
		return ActivateResult{}, &Error{
			Code:    CodeJobInProgress,
			Status:  http.StatusConflict,
			Message: "cannot switch models while a speech job is running",
		}
	}

	e.awaitWarmup()

	newCfg := req.Overlay.Apply(rt.Config)
	backend, err := config.NormalizeBackend(newCfg.SynthBackend)
	if err != nil {
		return ActivateResult{}, errInvalidRequest(err.Error())
	}
	newCfg.SynthBackend = backend

	if newCfg == rt.Config {
		return ActivateResult{
			Reloaded:       false,
			WarmupAccepted: false,
			ActiveModelID:  rt.ModelID,
			Runtime:        e.runtimeStatus(rt),
		}, nil
	}

	newRt, err := e.buildRuntime(ctx, newCfg)
	if err != nil {
		return ActivateResult{}, &Error{
			Code:    CodeModelNotReady,
			Status:  http.StatusConflict,
			Message: "could not load the requested model",
			Details: errDetails(err),
		}
	}

	e.rt.Store(newRt)
	e.resetWarmup()

	reason := req.Reason
	if reason == "" {
		reason = "model_activated"
	}
	accepted, _ := e.TriggerWarmup(req.WarmupWait, req.WarmupForce, reason)

	st := newRt.Synth.Status()
	e.log.Info("model activated", "backend", st.Backend, "model", newRt.ModelID)
	return ActivateResult{
		Reloaded:       true,
		WarmupAccepted: accepted,
		ActiveModelID:  newRt.ModelID,
		Runtime:        e.runtimeStatus(newRt),
	}, nil
}

// PrefetchReport summarizes a prefetch pass: which repos were mirrored,
// where they landed, and the cache layout in effect.
type PrefetchReport struct {
	Mode       string            `json:"mode"`
	Downloaded []string          `json:"downloaded"`
	SavedTo    map[string]string `json:"saved_to"`
	DataDir    string            `json:"data_dir"`
	ModelsDir  string            `json:"models_dir"`
	HFCacheDir string            `json:"hf_cache_dir"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Prefetch mirrors the pinned repos for a prefetch mode into the hub
// cache. Failures are per-repo; one bad repo does not abort the rest.
func (e *Engine) Prefetch(ctx context.Context, mode string) (PrefetchReport, error) {
	repos, err := modelstore.ResolvePrefetchRepos(mode)
	if err != nil {
		return PrefetchReport{}, errInvalidRequest(err.Error())
	}
	if mode == "" {
		mode = "qwen_all"
	}

	dataDir := e.rt.Load().Config.DataDir
	report := PrefetchReport{
		Mode:       mode,
		Downloaded: []string{},
		SavedTo:    make(map[string]string, len(repos)),
		DataDir:    dataDir,
		ModelsDir:  filepath.Join(dataDir, "models"),
		HFCacheDir: e.cache.Root,
	}

	for _, repo := range repos {
		dir, err := modelstore.RepoLocalDir(e.cache.HubDir, repo)
		if err == nil {
			started := time.Now()
			err = e.downloader.DownloadRepo(ctx, repo, dir)
			if err == nil {
				e.log.Info("prefetched repo", "repo", repo, "duration_ms", time.Since(started).Milliseconds())
			}
		}
		if err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[repo] = err.Error()
			e.log.Error("prefetch failed", "repo", repo, "error", err)
			continue
		}
		report.Downloaded = append(report.Downloaded, repo)
		report.SavedTo[repo] = dir
	}
	return report, nil
}
