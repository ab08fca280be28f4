package main

import (
	"context"
	"time"

	"github.com/airenas/async-api/pkg/miniofs"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/admission"
	"github.com/airenas/medscribe/internal/pkg/audit"
	"github.com/airenas/medscribe/internal/pkg/chunk"
	"github.com/airenas/medscribe/internal/pkg/classifier"
	"github.com/airenas/medscribe/internal/pkg/clean"
	"github.com/airenas/medscribe/internal/pkg/consul"
	"github.com/airenas/medscribe/internal/pkg/jobs"
	"github.com/airenas/medscribe/internal/pkg/merge"
	"github.com/airenas/medscribe/internal/pkg/source"
	"github.com/airenas/medscribe/internal/pkg/statusservice"
	"github.com/airenas/medscribe/internal/pkg/store"
	"github.com/airenas/medscribe/internal/pkg/transcriber"
	tapi "github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"github.com/airenas/medscribe/internal/pkg/utils"
	"github.com/airenas/medscribe/internal/pkg/worker"
	capi "github.com/hashicorp/consul/api"
	"github.com/labstack/gommon/color"
	"github.com/spf13/viper"
)

func main() {
	goapp.StartWithDefault()

	printBanner()

	cfg := goapp.Config
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	st, err := store.New(store.Options{Root: defaultV(cfg.GetString("store.root"), "/data/jobs"),
		LockTimeout:   defaultV(cfg.GetDuration("store.lockTimeout"), 2*time.Second),
		RetryBase:     defaultV(cfg.GetDuration("store.retryBase"), 150*time.Millisecond),
		RetryAttempts: defaultV(cfg.GetInt("store.retryAttempts"), 5)})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init store")
	}
	auditor := audit.New(defaultV(cfg.GetString("audit.file"), "/data/logs/audit.log"),
		defaultV(cfg.GetInt("audit.maxSizeMB"), 50), defaultV(cfg.GetInt("audit.maxBackups"), 10),
		defaultV(cfg.GetInt("audit.maxAgeDays"), 365))
	defer auditor.Close()

	data := &worker.ServiceData{Store: st, Auditor: auditor}
	data.Gate, err = newGate(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init cpu gate")
	}
	data.Extractor, err = chunk.NewExtractor(defaultV(cfg.GetString("extract.ffmpeg"), "ffmpeg"),
		defaultV(cfg.GetString("extract.ffprobe"), "ffprobe"), extractTimeout(cfg))
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init extractor")
	}
	trProvider, err := newTranscriberProvider(ctx, cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init transcriber")
	}
	data.Transcriber = trProvider
	data.Classifier, err = newClassifier(cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init classifier")
	}
	data.Source, err = newSource(ctx, cfg)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init audio source")
	}
	wsh := statusservice.NewWSConnKeeper(defaultV(cfg.GetDuration("ws.idleTimeout"), 30*time.Minute))
	data.Publisher, err = statusservice.NewPublisher(wsh)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init publisher")
	}
	setWorkerParams(cfg, data)

	wrk, err := worker.NewService(data)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init worker")
	}
	jobSrv, err := jobs.NewService(st, wrk, auditor, jobs.Options{Language: data.Language,
		PersistReconciled: cfg.GetBool("jobs.persistReconciled"), ListLimit: cfg.GetInt("jobs.listLimit")})
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't init jobs")
	}

	doneCh, err := wrk.Start(ctx)
	if err != nil {
		goapp.Log.Fatal().Err(err).Msg("can't start worker")
	}
	waitChs := []<-chan struct{}{doneCh}
	var cleaner *clean.Service
	if cfg.GetBool("clean.enabled") {
		cleaner, err = clean.NewService(st, auditor, cfg.GetDuration("clean.expire"))
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't init cleaner")
		}
		cleanDoneCh, err := cleaner.StartTimer(ctx, defaultV(cfg.GetDuration("clean.runEvery"), time.Hour))
		if err != nil {
			goapp.Log.Fatal().Err(err).Msg("can't start clean timer")
		}
		waitChs = append(waitChs, cleanDoneCh)
	} else {
		goapp.Log.Info().Msg("job deletion disabled, finished jobs are kept")
	}
	go utils.RunPerfEndpoint(cfg.GetInt("debug.port"))

	goapp.Log.Info().Msg("starting web service")
	if err := statusservice.StartWebServer(&statusservice.Data{Port: defaultV(cfg.GetInt("port"), 8000),
		Jobs: jobSrv, WSHandler: wsh, Cleaner: cleanerOrNil(cleaner)}); err != nil {
		goapp.Log.Error().Err(err).Msg("can't start web server")
	}
	goapp.Log.Info().Msg("exit web service")

	if err := wrk.Stop(defaultV(cfg.GetDuration("worker.stopTimeout"), 30*time.Second)); err != nil {
		goapp.Log.Warn().Err(err).Msg("worker stop")
	}
	cancelFunc()
	timeout := time.After(time.Second * 15)
	for _, ch := range waitChs {
		select {
		case <-ch:
		case <-timeout:
			goapp.Log.Warn().Msg("Timeout graceful shutdown")
			return
		}
	}
	goapp.Log.Info().Msg("All code returned. Now exit. Bye")
}

func newGate(cfg *viper.Viper) (*admission.Gate, error) {
	sampler, err := admission.NewProcSampler()
	if err != nil {
		return nil, err
	}
	def := admission.DefaultConfig()
	return admission.NewGate(sampler, admission.Config{
		Interval:  defaultV(cfg.GetDuration("gate.interval"), def.Interval),
		Window:    defaultV(cfg.GetDuration("gate.window"), def.Window),
		Threshold: defaultV(cfg.GetFloat64("gate.idleThreshold"), def.Threshold),
		BusySleep: defaultV(cfg.GetDuration("gate.busySleep"), def.BusySleep),
	})
}

func newTranscriberProvider(ctx context.Context, cfg *viper.Viper) (worker.TranscriberProvider, error) {
	timeout, retries := transcriberParams(cfg)
	if cURL := cfg.GetString("consul.url"); cURL != "" {
		cc := capi.DefaultConfig()
		cc.Address = cURL
		pr, err := consul.NewProvider(cc, defaultV(cfg.GetString("consul.service"), "asr"),
			func(url string) (tapi.Transcriber, error) { return transcriber.NewClient(url, timeout, retries) })
		if err != nil {
			return nil, err
		}
		if _, err := pr.StartRegistryLoop(ctx, defaultV(cfg.GetDuration("consul.checkInterval"), 10*time.Second)); err != nil {
			return nil, err
		}
		return pr, nil
	}
	url := cfg.GetString("transcriber.url")
	tr, err := transcriber.NewClient(url, timeout, retries)
	if err != nil {
		return nil, err
	}
	return transcriber.NewStaticProvider(tr, url)
}

func newClassifier(cfg *viper.Viper) (worker.Classifier, error) {
	var kw *classifier.Keywords
	if f := cfg.GetString("classifier.rules"); f != "" {
		rules, err := classifier.LoadRules(f)
		if err != nil {
			return nil, err
		}
		if kw, err = classifier.NewKeywords(rules); err != nil {
			return nil, err
		}
	}
	if url := cfg.GetString("classifier.url"); url != "" {
		return classifier.NewLLM(url, defaultV(cfg.GetDuration("classifier.timeout"), 20*time.Second), kw)
	}
	if kw != nil {
		return kw, nil
	}
	goapp.Log.Warn().Msg("no classifier configured, all speakers will be UNKNOWN")
	return classifier.Disabled{}, nil
}

func newSource(ctx context.Context, cfg *viper.Viper) (*source.Audio, error) {
	var filer source.Filer
	if cfg.GetString("filer.url") != "" {
		mf, err := miniofs.NewFiler(ctx, miniofs.Options{Bucket: cfg.GetString("filer.bucket"),
			URL: cfg.GetString("filer.url"), User: cfg.GetString("filer.user"), Key: cfg.GetString("filer.key")})
		if err != nil {
			return nil, err
		}
		filer = mf
	}
	return source.NewAudio(filer, cfg.GetString("worker.workDir"))
}

func setWorkerParams(cfg *viper.Viper, data *worker.ServiceData) {
	data.ChunkLength = defaultV(cfg.GetFloat64("worker.chunkLength"), chunk.DefaultLength)
	data.ChunkOverlap = valueOr(cfg, "worker.chunkOverlap", cfg.GetFloat64, chunk.DefaultOverlap)
	data.MergeGap = valueOr(cfg, "worker.mergeGap", cfg.GetFloat64, merge.DefaultMaxGap)
	data.Language = defaultV(cfg.GetString("worker.language"), "lt")
	data.VAD = cfg.GetBool("worker.vad")
	data.TranscribePool = defaultV(cfg.GetInt("worker.transcribePool"), 2)
	data.QueueSize = defaultV(cfg.GetInt("worker.queueSize"), 100)
	data.SkipFailedChunks = valueOr(cfg, "worker.skipFailedChunks", cfg.GetBool, true)
	data.SlotPoll = defaultV(cfg.GetDuration("worker.slotPoll"), time.Second)
	data.WorkDir = cfg.GetString("worker.workDir")
}

func extractTimeout(cfg *viper.Viper) time.Duration {
	return defaultV(cfg.GetDuration("extract.timeout"), 2*time.Minute)
}

func transcriberParams(cfg *viper.Viper) (time.Duration, int) {
	return defaultV(cfg.GetDuration("transcriber.timeout"), 5*time.Minute),
		valueOr(cfg, "transcriber.retries", cfg.GetInt, 0)
}

// cleanerOrNil avoids a non nil interface holding a nil pointer
func cleanerOrNil(c *clean.Service) statusservice.Cleaner {
	if c == nil {
		return nil
	}
	return c
}

// valueOr keeps explicitly configured zero values
func valueOr[T any](cfg *viper.Viper, key string, get func(string) T, d T) T {
	if cfg.IsSet(key) {
		return get(key)
	}
	return d
}

func defaultV[T comparable](v, d T) T {
	var def T
	if v == def {
		return d
	}
	return v
}

var (
	version = "DEV"
)

func printBanner() {
	banner := `
                    __                    _ __
   ____ ___  ___  ____/ /_____________(_) /_  ___
  / __ '__ \/ _ \/ __  / ___/ ___/ ___/ / __ \/ _ \
 / / / / / /  __/ /_/ (__  ) /__/ /  / / /_/ /  __/
/_/ /_/ /_/\___/\__,_/____/\___/_/  /_/_.___/\___/  v: %s

%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("https://github.com/airenas/medscribe"))
}
