// Package upload runs the whole upload workflow for one file: it finds or
// negotiates the upload session, transfers the bytes the service is missing and
// waits for the durable identifier of the uploaded file.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-tusupload/network"
	"github.com/bitrise-io/go-tusupload/network/chunkuploader"
	"github.com/bitrise-io/go-tusupload/retry"
	"github.com/bitrise-io/go-tusupload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// ErrMissingCredentials ...
var ErrMissingCredentials = errors.New("missing client_id and/or client_secret")

// Request is a single upload.
type Request struct {
	// SourcePath is a local path, a file:// URL or an http(s) URL.
	SourcePath  string
	Credentials network.Credentials
}

// Uploader runs upload requests. It keeps no state between runs, so one
// Uploader can serve many requests, also concurrently for distinct files.
type Uploader struct {
	config   Config
	client   *network.Client
	store    sessioncache.Store
	resolver *SourceResolver
	listener Listener
	logger   log.Logger
}

// NewUploader creates an Uploader. `listener` can be nil.
func NewUploader(config Config, store sessioncache.Store, listener Listener, logger log.Logger) *Uploader {
	if config.RetryPolicy.MaxAttempts == 0 && config.RetryPolicy.Unit == 0 {
		config.RetryPolicy = retry.DefaultPolicy(logger)
	}
	if config.RetryPolicy.Logger == nil {
		config.RetryPolicy.Logger = logger
	}
	if listener == nil {
		listener = Listeners{}
	}

	client := network.NewClient(network.ClientParams{
		APIBaseURL:   config.APIBaseURL,
		Timeouts:     config.Timeouts,
		RetryPolicy:  config.RetryPolicy,
		PollBaseline: config.PollBaseline,
		HTTPClient:   config.HTTPClient,
	}, logger)

	return &Uploader{
		config:   config,
		client:   client,
		store:    store,
		resolver: NewSourceResolver(pathutil.NewPathProvider(), pathutil.NewPathModifier(), pathutil.NewPathChecker(), config.HTTPClient, logger),
		listener: listener,
		logger:   logger,
	}
}

// Run uploads the request's file and reports the outcome as a Result.
func (u *Uploader) Run(ctx context.Context, req Request) Result {
	id, err := u.Upload(ctx, req)
	if err != nil {
		return errorResult(err)
	}
	return Result{Result: ResultSuccess, Data: id}
}

// Upload uploads the request's file and returns its durable identifier.
func (u *Uploader) Upload(ctx context.Context, req Request) (string, error) {
	r := &run{
		id:       uuid.NewString(),
		source:   req.SourcePath,
		started:  time.Now(),
		listener: u.listener,
	}

	id, err := u.upload(ctx, r, req)
	if err != nil {
		r.transition(StateFailed)
		r.emit(Event{Type: EventFinished, Took: time.Since(r.started), Err: err})
		return "", err
	}

	r.transition(StateDone)
	r.emit(Event{Type: EventFinished, Took: time.Since(r.started), ID: id})
	return id, nil
}

// ClearSession drops the cached session of a source, the next upload of it
// starts a new session.
func (u *Uploader) ClearSession(ctx context.Context, sourcePath string) error {
	fingerprint, err := u.resolver.Fingerprint(ctx, sourcePath)
	if err != nil {
		return err
	}
	return u.store.Clear(ctx, fingerprint)
}

func (u *Uploader) upload(ctx context.Context, r *run, req Request) (string, error) {
	r.transition(StateIdle)
	// A remote source is only downloaded once the run is known to be able to use it.
	if isRemote(req.SourcePath) && req.Credentials.IsEmpty() {
		return "", ErrMissingCredentials
	}
	source, err := u.resolver.Resolve(ctx, req.SourcePath)
	if err != nil {
		return "", err
	}
	defer u.closeSource(source)

	if req.Credentials.IsEmpty() {
		return "", ErrMissingCredentials
	}
	r.total = source.Size
	u.logger.Infof("Uploading %s (%s)", source.Origin, units.HumanSize(float64(source.Size)))

	r.transition(StateNegotiating)
	sessionURL, err := u.session(ctx, r, req.Credentials, source)
	if err != nil {
		return "", err
	}
	r.sessionURL = sessionURL
	u.logger.Printf("Fingerprint: %s", network.SessionID(sessionURL))

	r.transition(StateTransferring)
	if err := u.transfer(ctx, r, source); err != nil {
		// A cancelled run keeps its session, a later run resumes it.
		if ctx.Err() == nil && u.client.Reap(ctx, sessionURL) {
			r.emit(Event{Type: EventSessionReaped, Offset: r.offset})
		}
		return "", err
	}

	if u.config.SettleDelay > 0 {
		u.logger.Infof("Waiting %s for the service to process the upload", u.config.SettleDelay)
		if err := u.sleep(ctx, u.config.SettleDelay); err != nil {
			return "", err
		}
	}

	r.transition(StatePolling)
	id, err := u.client.Poll(ctx, req.Credentials, sessionURL)
	if ctx.Err() == nil {
		// The bytes are on the service either way, resuming this session would not help.
		if cerr := u.store.Clear(ctx, source.Fingerprint); cerr != nil {
			u.logger.Warnf("Failed to clear cached session: %s", cerr)
		}
	}
	if err != nil {
		return "", fmt.Errorf("get uploaded file id: %w", err)
	}
	return id, nil
}

func (u *Uploader) session(ctx context.Context, r *run, creds network.Credentials, source Source) (string, error) {
	if sessionURL, ok := u.store.Get(ctx, source.Fingerprint); ok {
		r.sessionURL = sessionURL
		r.emit(Event{Type: EventSessionResumed, Resumed: true})
		return sessionURL, nil
	}

	session, err := u.client.Negotiate(ctx, creds, source.Name, source.Size)
	if err != nil {
		return "", err
	}
	if err := u.store.Set(ctx, source.Fingerprint, session.URL); err != nil {
		u.logger.Warnf("Failed to cache upload session, an interrupted upload will start over: %s", err)
	}

	r.sessionURL = session.URL
	r.emit(Event{Type: EventSessionCreated})
	return session.URL, nil
}

func (u *Uploader) transfer(ctx context.Context, r *run, source Source) error {
	provider, err := chunkuploader.NewFileChunkProvider(source.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", source.Path, err)
		}
	}()

	var uploader *chunkuploader.Uploader
	config := chunkuploader.Config{
		ChunkSize:   u.config.ChunkSize,
		RetryPolicy: u.client.Policy(),
		Retryable:   network.IsRetryable,
		OnProgress: func(p chunkuploader.Progress) {
			r.offset = p.Offset
			r.emit(Event{
				Type:      EventChunkWritten,
				Offset:    p.Offset,
				Took:      p.Took,
				Average:   uploader.Stats().Average(),
				Recovered: p.Recovered,
			})
		},
	}
	uploader = chunkuploader.New(config, u.client, u.logger)

	result, err := uploader.Upload(ctx, provider, r.sessionURL, source.Size)
	r.offset = result.Offset
	r.transfer = result
	r.transferred = uploader.Stats().Bytes()
	r.throughput = uploader.Stats().Throughput()
	return err
}

func (u *Uploader) sleep(ctx context.Context, d time.Duration) error {
	if u.config.RetryPolicy.Sleep != nil {
		return u.config.RetryPolicy.Sleep(ctx, d)
	}
	return retry.Sleep(ctx, d)
}

func (u *Uploader) closeSource(source Source) {
	if err := source.Close(); err != nil {
		u.logger.Warnf("Failed to clean up downloaded source: %s", err)
	}
}

type run struct {
	id         string
	source     string
	state      State
	started    time.Time
	total      int64
	offset     int64
	sessionURL string
	listener   Listener

	transfer    chunkuploader.Result
	transferred int64
	throughput  float64
}

func (r *run) transition(state State) {
	r.state = state
	r.emit(Event{Type: EventStateChanged})
}

func (r *run) emit(e Event) {
	e.RunID = r.id
	e.State = r.state
	e.Source = r.source
	e.SessionURL = r.sessionURL
	if e.Total == 0 {
		e.Total = r.total
	}
	if e.Type == EventFinished {
		if e.Offset == 0 {
			e.Offset = r.offset
		}
		e.Resumed = r.transfer.Resumed
		e.Chunks = r.transfer.Chunks
		e.TransferTook = r.transfer.Duration
		e.Transferred = r.transferred
		e.Throughput = r.throughput
	}
	r.listener.OnEvent(e)
}
