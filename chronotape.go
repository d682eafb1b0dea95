// Copyright (c) 2015-2024 Marin Atanasov Nikolov <dnaeon@gmail.com>
//
// Package chronotape is the top-level convenience entry point: it wires
// config, the naming resolver, the cassette registry/storage/writer, the
// matcher engine, the redactor, and an object store into a single
// Dispatcher ready to install as an http.Client's Transport.
package chronotape

import (
	"log/slog"
	"net/http"

	"github.com/chronotape/chronotape/pkg/cassette"
	"github.com/chronotape/chronotape/pkg/config"
	"github.com/chronotape/chronotape/pkg/matcher"
	"github.com/chronotape/chronotape/pkg/naming"
	"github.com/chronotape/chronotape/pkg/objectstore"
	"github.com/chronotape/chronotape/pkg/recorder"
	"github.com/chronotape/chronotape/pkg/redact"
	"github.com/chronotape/chronotape/pkg/writer"
)

// Shared is the set of components a single process shares across every
// cassette it opens: the registry of per-path coordinators, the storage
// backend, and the async writer all outlive any one test frame.
type Shared struct {
	Config   *config.Config
	Registry *cassette.Registry
	Storage  *cassette.Storage
	Writer   *writer.Writer
	Objects  objectstore.Store
	Naming   *naming.Resolver
	log      *slog.Logger
}

// NewShared loads cfg (or its defaults, if configPath does not exist) and
// builds the process-wide components every Dispatcher shares.
func NewShared(configPath string, log *slog.Logger) (*Shared, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	storage := cassette.NewStorage(log)
	return &Shared{
		Config:   cfg,
		Registry: cassette.NewRegistry(),
		Storage:  storage,
		Writer:   writer.New(storage, writer.WithBatchSize(cfg.BatchSize), writer.WithBatchTimeout(cfg.BatchTimeout), writer.WithLogger(log)),
		Objects:  objectstore.NewFileStore(cfg.ObjectDir),
		Naming:   naming.New(cfg.CassetteDir, cfg.CassetteExt),
		log:      log,
	}, nil
}

// Overrides lets a single call to Open tune a frame beyond the shared
// Config: an explicit path, a one-off mode, or per-test redaction hooks.
type Overrides struct {
	Path          string
	Mode          config.Mode
	RedactOptions redact.Overrides
	RealTransport http.RoundTripper
}

// Open resolves ctx to a cassette path via the Naming Resolver (unless
// ov.Path is set), builds a Matcher Engine and Redactor from s.Config,
// and installs a Dispatcher for the frame. The returned http.RoundTripper
// is ready to assign to an http.Client's Transport; Cleanup must run when
// the frame ends.
func Open(s *Shared, ctx naming.Context, ov Overrides) (*recorder.Dispatcher, error) {
	path := ov.Path
	if path == "" {
		path = s.Naming.Resolve(ctx)
	}

	mode := s.Config.Mode
	if ov.Mode != "" {
		mode = ov.Mode
	}

	matcherNames := s.Config.Matchers
	if len(matcherNames) == 0 {
		matcherNames = matcher.DefaultNames
	}
	me := matcher.New(s.log, s.Config.AuthParams)

	red := redact.New(s.Config.AuthParams, s.Config.AuthHeaders)
	red.WithOverrides(ov.RedactOptions)

	coordinator := s.Registry.GetOrCreate(path)

	realTransport := ov.RealTransport
	if realTransport == nil {
		realTransport = http.DefaultTransport
	}

	return recorder.New(
		path, mode, coordinator, s.Storage, s.Writer, me, red, s.Objects,
		recorder.WithRealTransport(realTransport),
		recorder.WithMatcherNames(matcherNames),
		recorder.WithMaxInlineSize(s.Config.MaxInlineSize),
		recorder.WithStreamSpeed(s.Config.StreamSpeed),
		recorder.WithVolatileHeaders(s.Config.VolatileHeaders),
		recorder.WithRegistry(s.Registry),
		recorder.WithLogger(s.log),
	)
}
