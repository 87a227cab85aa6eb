package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/carecoord/carecoord/internal/config"
	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/internal/platform/db"
	"github.com/carecoord/carecoord/internal/platform/session"
)

// store bundles the configured gateway with its health probe, the session
// store and everything that must be released on shutdown.
type store struct {
	gw       datastore.Gateway
	check    db.StoreCheck
	sessions session.Store
	closers  []func()
}

// Close releases resources in reverse order of acquisition.
func (s *store) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	st := &store{}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	switch cfg.StoreBackend {
	case config.BackendMemory, "":
		mem := datastore.NewMemoryStore()
		st.gw = mem
		st.check = db.StoreCheck{Backend: config.BackendMemory}
		st.closers = append(st.closers, mem.Close)

	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		pg := datastore.NewPostgresStore(pool, logger)
		st.gw = pg
		st.check = db.PostgresCheck(pool)
		st.closers = append(st.closers, pg.Close)

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		st.closers = append(st.closers, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		})
		ping := func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }
		if err := ping(ctx); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		ms := datastore.NewMongoStore(client.Database(cfg.MongoDatabase), logger)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		st.gw = ms
		st.check = db.StoreCheck{Backend: config.BackendMongo, Ping: ping}
		st.closers = append(st.closers, ms.Close)

	case config.BackendFirebase:
		fs, err := datastore.NewFirebaseStore(ctx, datastore.FirebaseConfig{
			DatabaseURL:     cfg.FirebaseDatabaseURL,
			CredentialsFile: cfg.FirebaseCredentialsFile,
			PollInterval:    cfg.FirebasePollInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		st.gw = fs
		st.check = db.StoreCheck{Backend: config.BackendFirebase, Ping: func(ctx context.Context) error {
			_, err := fs.Read(ctx, "_health")
			return err
		}}
		st.closers = append(st.closers, fs.Close)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		st.closers = append(st.closers, func() { _ = rdb.Close() })
	}

	if cfg.ChangeFeed == config.FeedRedis {
		if rdb == nil {
			return nil, fmt.Errorf("CHANGE_FEED=redis needs REDIS_URL")
		}
		feed := datastore.NewRedisFeed(st.gw, rdb, logger)
		st.gw = feed
		st.closers = append(st.closers, feed.Close)
	}

	if rdb != nil {
		st.sessions = session.NewRedisStore(rdb, cfg.SessionTTL)
	} else {
		st.sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	logger.Info().
		Str("backend", st.check.Backend).
		Str("change_feed", cfg.ChangeFeed).
		Bool("redis_sessions", rdb != nil).
		Msg("store ready")
	ok = true
	return st, nil
}
