package main

import (
	"context"
	"fmt"

	"github.com/52poke/wanderly/internal/cache"
	"github.com/52poke/wanderly/internal/config"
	"github.com/52poke/wanderly/internal/lock"
	mylog "github.com/52poke/wanderly/internal/log"
	"github.com/52poke/wanderly/internal/manifest"
	"github.com/52poke/wanderly/internal/origin"
	"github.com/52poke/wanderly/internal/telemetry"
	"github.com/52poke/wanderly/internal/worker"
	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const serviceName = "wanderly"

func setup(ctx context.Context) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	mylog.Init(cfg.LogLevel)

	rt := &services{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt.closers = append(rt.closers, func() error { return shutdown(context.Background()) })

	storage, err := openStorage(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		rt.closers = append(rt.closers, client.Close)
		rt.locker = &lock.RedisLocker{Client: client, Prefix: "wanderly:lock:"}
	} else {
		rt.locker = lock.NewLocalLocker()
	}

	assets := manifest.Default()
	if cfg.ManifestFile != "" {
		if assets, err = manifest.Load(cfg.ManifestFile); err != nil {
			return nil, err
		}
	}

	rt.manager, err = worker.New(worker.Options{
		Version:         cfg.CacheVersion,
		Manifest:        assets,
		HomePath:        cfg.HomePath,
		FallbackExclude: cfg.FallbackExclude,
		Storage:         storage,
		Network:         origin.NewClient(cfg.OriginBaseURL, cfg.OriginTimeout()),
		Locker:          rt.locker,
		LockTTL:         cfg.LockTTL(),
		Logger:          log.Log,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"version": cfg.CacheVersion,
		"storage": cfg.Storage,
		"origin":  cfg.OriginBaseURL,
		"assets":  len(assets),
	}).Info("configured")
	ok = true
	return rt, nil
}

func openStorage(ctx context.Context, cfg config.Config, rt *services) (cache.Storage, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := cache.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		return db, nil
	case config.StorageS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")),
		)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
		return cache.NewS3Storage(cfg.S3Bucket, cfg.S3Prefix, client), nil
	default:
		return cache.NewMemoryStorage(), nil
	}
}
